package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/sol-portal/change-request-service/internal/api/dto"
	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/service"
)

// CatalogHandler exposes the state catalog and developer workloads.
type CatalogHandler struct {
	assignments *service.AssignmentService
}

// NewCatalogHandler constructs handler.
func NewCatalogHandler(assignments *service.AssignmentService) *CatalogHandler {
	return &CatalogHandler{assignments: assignments}
}

// States GET /states.
func (h *CatalogHandler) States(c *fiber.Ctx) error {
	catalog := domain.Catalog()
	items := make([]dto.StateResponse, 0, len(catalog))
	for _, info := range catalog {
		items = append(items, dto.StateResponse{
			State:        info.State,
			Label:        info.Label,
			Severity:     info.Severity,
			Progress:     info.Progress,
			Terminal:     info.Terminal,
			Predecessors: nonNilStates(info.Predecessors),
			Successors:   nonNilStates(info.Successors),
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

// Workloads GET /developers/workload.
func (h *CatalogHandler) Workloads(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	workloads, err := h.assignments.ListDeveloperWorkloads(c.UserContext(), actor)
	if err != nil {
		return err
	}
	items := make([]dto.WorkloadResponse, 0, len(workloads))
	for _, w := range workloads {
		items = append(items, dto.WorkloadResponse{
			DeveloperID: w.Developer.ID,
			Name:        w.Developer.Name,
			Email:       w.Developer.Email,
			Role:        w.Developer.Role,
			ActiveCount: w.ActiveCount,
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

func nonNilStates(list []domain.State) []domain.State {
	if list == nil {
		return []domain.State{}
	}
	return list
}
