package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/sol-portal/change-request-service/internal/api/http/handlers"
	"github.com/sol-portal/change-request-service/internal/auth"
	"github.com/sol-portal/change-request-service/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	ChangeRequests *handlers.ChangeRequestsHandler
	Catalog        *handlers.CatalogHandler
	Metrics        *observability.Metrics
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	api := app.Group("/api/v1", cfg.AuthMiddleware.Handle, auth.RequireActor())
	api.Get("/states", cfg.Catalog.States)
	api.Get("/developers/workload", auth.RequireAdmin(), cfg.Catalog.Workloads)

	cr := api.Group("/change-requests")
	cr.Post("/", cfg.ChangeRequests.Create)
	cr.Get("/", cfg.ChangeRequests.List)
	cr.Get("/:id", cfg.ChangeRequests.Get)
	cr.Patch("/:id", cfg.ChangeRequests.UpdateDraft)
	cr.Post("/:id/transitions", cfg.ChangeRequests.Transition)
	cr.Post("/:id/assessment", cfg.ChangeRequests.Assess)
	cr.Post("/:id/plans/decision", cfg.ChangeRequests.DecidePlans)
	cr.Post("/:id/assignment", cfg.ChangeRequests.Assign)
	cr.Put("/:id/assignment", cfg.ChangeRequests.Reassign)
	cr.Delete("/:id/assignment", cfg.ChangeRequests.Unassign)
	cr.Get("/:id/comments", cfg.ChangeRequests.ListComments)
	cr.Post("/:id/comments", cfg.ChangeRequests.AddComment)
	cr.Get("/:id/timeline", cfg.ChangeRequests.Timeline)
	cr.Put("/:id/scm-link", cfg.ChangeRequests.OverrideSourceControl)
}
