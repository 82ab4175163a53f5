package auth

import (
	"github.com/gofiber/fiber/v2"

	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

// RequireAdmin ensures the caller holds administrator or master privilege.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor, ok := ActorFromContext(c)
		if !ok {
			return apperrors.NewUnauthenticated("authentication required")
		}
		if !actor.IsAdmin() {
			return apperrors.NewUnauthorized("administrator role required", nil)
		}
		return c.Next()
	}
}

// RequireActor ensures the caller is authenticated.
func RequireActor() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := ActorFromContext(c); !ok {
			return apperrors.NewUnauthenticated("authentication required")
		}
		return c.Next()
	}
}
