package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/sol-portal/change-request-service/internal/api/dto"
	"github.com/sol-portal/change-request-service/internal/auth"
	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/service"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

// IdempotencyHeader carries the client-chosen key that makes retries safe.
const IdempotencyHeader = "Idempotency-Key"

// ChangeRequestsHandler serves the change request lifecycle endpoints.
type ChangeRequestsHandler struct {
	requests    *service.ChangeRequestService
	technical   *service.TechnicalService
	assignments *service.AssignmentService
	comments    *service.CommentService
}

// NewChangeRequestsHandler constructs handler.
func NewChangeRequestsHandler(requests *service.ChangeRequestService, technical *service.TechnicalService,
	assignments *service.AssignmentService, comments *service.CommentService) *ChangeRequestsHandler {
	return &ChangeRequestsHandler{
		requests:    requests,
		technical:   technical,
		assignments: assignments,
		comments:    comments,
	}
}

func currentActor(c *fiber.Ctx) (domain.Actor, error) {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return domain.Actor{}, apperrors.NewUnauthenticated("authentication required")
	}
	return actor, nil
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return dto.Validate(out)
}

// Create POST /change-requests.
func (h *ChangeRequestsHandler) Create(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.DraftRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	created, err := h.requests.CreateDraft(c.UserContext(), actor, draftInput(req))
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": changeRequestResponse(service.BuildView(created, actor))})
}

// List GET /change-requests.
func (h *ChangeRequestsHandler) List(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	input, err := parseListQuery(c)
	if err != nil {
		return err
	}
	views, err := h.requests.List(c.UserContext(), actor, input)
	if err != nil {
		return err
	}
	items := make([]dto.ChangeRequestResponse, 0, len(views))
	for _, v := range views {
		items = append(items, changeRequestResponse(v))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Get GET /change-requests/:id.
func (h *ChangeRequestsHandler) Get(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	view, err := h.requests.Get(c.UserContext(), c.Params("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": changeRequestResponse(*view)})
}

// UpdateDraft PATCH /change-requests/:id.
func (h *ChangeRequestsHandler) UpdateDraft(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.DraftRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	updated, err := h.requests.UpdateDraft(c.UserContext(), c.Params("id"), actor, draftInput(req), req.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": changeRequestResponse(service.BuildView(updated, actor))})
}

// Transition POST /change-requests/:id/transitions.
func (h *ChangeRequestsHandler) Transition(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.TransitionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	res, err := h.requests.ApplyTransition(c.UserContext(), c.Params("id"), actor, service.TransitionInput{
		Target:          req.Target,
		Comment:         req.Comment,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  strings.TrimSpace(c.Get(IdempotencyHeader)),
		Plans:           plansInput(req.Plans),
	})
	if err != nil {
		return err
	}
	return c.JSON(transitionResponse(res, actor))
}

// Assess POST /change-requests/:id/assessment.
func (h *ChangeRequestsHandler) Assess(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.AssessmentRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	res, err := h.technical.RecordTechnicalAssessment(c.UserContext(), c.Params("id"), actor,
		assessmentInput(req, strings.TrimSpace(c.Get(IdempotencyHeader))))
	if err != nil {
		return err
	}
	return c.JSON(transitionResponse(res, actor))
}

// DecidePlans POST /change-requests/:id/plans/decision.
func (h *ChangeRequestsHandler) DecidePlans(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.PlanDecisionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	res, err := h.technical.DecidePlans(c.UserContext(), c.Params("id"), actor, service.PlanDecisionInput{
		Approved:       *req.Approved,
		Comment:        req.Comment,
		IdempotencyKey: strings.TrimSpace(c.Get(IdempotencyHeader)),
	})
	if err != nil {
		return err
	}
	return c.JSON(transitionResponse(res, actor))
}

// Assign POST /change-requests/:id/assignment.
func (h *ChangeRequestsHandler) Assign(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.AssignmentRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	res, err := h.assignments.AssignDeveloper(c.UserContext(), c.Params("id"), actor, req.DeveloperID)
	if err != nil {
		return err
	}
	return c.JSON(transitionResponse(res, actor))
}

// Reassign PUT /change-requests/:id/assignment.
func (h *ChangeRequestsHandler) Reassign(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.AssignmentRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	res, err := h.assignments.ReassignDeveloper(c.UserContext(), c.Params("id"), actor, req.DeveloperID)
	if err != nil {
		return err
	}
	return c.JSON(transitionResponse(res, actor))
}

// Unassign DELETE /change-requests/:id/assignment.
func (h *ChangeRequestsHandler) Unassign(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	res, err := h.assignments.UnassignDeveloper(c.UserContext(), c.Params("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(transitionResponse(res, actor))
}

// ListComments GET /change-requests/:id/comments.
func (h *ChangeRequestsHandler) ListComments(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	entries, err := h.comments.Timeline(c.UserContext(), c.Params("id"), actor)
	if err != nil {
		return err
	}
	items := make([]dto.CommentResponse, 0, len(entries))
	for _, e := range entries {
		if e.Comment != nil {
			items = append(items, commentResponse(e.Comment))
		}
	}
	return c.JSON(fiber.Map{"data": items})
}

// AddComment POST /change-requests/:id/comments.
func (h *ChangeRequestsHandler) AddComment(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.CommentRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	comment, err := h.comments.AppendComment(c.UserContext(), c.Params("id"), actor, req.Channel, req.Body)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": commentResponse(comment)})
}

// Timeline GET /change-requests/:id/timeline.
func (h *ChangeRequestsHandler) Timeline(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	entries, err := h.comments.Timeline(c.UserContext(), c.Params("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": timelineResponse(entries)})
}

// OverrideSourceControl PUT /change-requests/:id/scm-link.
func (h *ChangeRequestsHandler) OverrideSourceControl(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req dto.SourceControlLinkRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	updated, err := h.requests.OverrideSourceControlLink(c.UserContext(), c.Params("id"), actor, domain.SourceControlLink{
		Repository: strings.TrimSpace(req.Repository),
		Branch:     strings.TrimSpace(req.Branch),
		PRNumber:   req.PRNumber,
		PRURL:      req.PRURL,
		PRState:    req.PRState,
		MergedAt:   req.MergedAt,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": changeRequestResponse(service.BuildView(updated, actor))})
}

func parseListQuery(c *fiber.Ctx) (service.ListInput, error) {
	input := service.ListInput{}
	if states := c.Query("state"); states != "" {
		for _, part := range strings.Split(states, ",") {
			s := domain.State(strings.ToUpper(strings.TrimSpace(part)))
			if !s.Valid() {
				return input, apperrors.NewValidationError("unknown state "+string(s), map[string]any{"field": "state"})
			}
			input.States = append(input.States, s)
		}
	}
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		input.SearchTerm = &q
	}
	input.Mine = c.QueryBool("mine", false)
	page := parseInt(c.Query("page"), 1)
	pageSize := parseInt(c.Query("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	input.Offset = (page - 1) * pageSize
	input.Limit = pageSize
	return input, nil
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
