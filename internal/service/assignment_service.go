package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/events"
	"github.com/sol-portal/change-request-service/internal/repository"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

// AssignmentService handles developer assignment.
type AssignmentService struct {
	*engine
}

// NewAssignmentService creates the service.
func NewAssignmentService(deps WorkflowDependencies) *AssignmentService {
	return &AssignmentService{engine: newEngine(deps)}
}

// DeveloperWorkload is the informational active-assignment count of one developer.
type DeveloperWorkload struct {
	Developer   domain.User
	ActiveCount int
}

// AssignDeveloper attaches a developer to an APPROVED, unassigned request. The state
// does not change.
func (s *AssignmentService) AssignDeveloper(ctx context.Context, id string, actor domain.Actor, developerID string) (TransitionResult, error) {
	req, err := s.loadForAdmin(ctx, id, actor)
	if err != nil {
		return TransitionResult{}, err
	}
	if req.State != domain.StateApproved {
		return TransitionResult{}, apperrors.NewIllegalEdge(string(req.State), string(req.State),
			"a developer can only be assigned while the request is APPROVED")
	}
	if req.AssignedDeveloperID != nil {
		return TransitionResult{}, apperrors.NewIllegalEdge(string(req.State), string(req.State),
			"request already has an assigned developer; unassign or reassign instead")
	}
	if err := s.requireDeveloper(ctx, developerID); err != nil {
		return TransitionResult{}, err
	}
	return s.setAssignment(ctx, req, actor, &developerID)
}

// UnassignDeveloper removes the assignment while the request is still APPROVED.
func (s *AssignmentService) UnassignDeveloper(ctx context.Context, id string, actor domain.Actor) (TransitionResult, error) {
	req, err := s.loadForAdmin(ctx, id, actor)
	if err != nil {
		return TransitionResult{}, err
	}
	if req.State != domain.StateApproved {
		return TransitionResult{}, apperrors.NewIllegalEdge(string(req.State), string(req.State),
			"a developer can only be unassigned while the request is APPROVED")
	}
	if req.AssignedDeveloperID == nil {
		return TransitionResult{}, apperrors.NewIllegalEdge(string(req.State), string(req.State),
			"request has no assigned developer")
	}
	return s.setAssignment(ctx, req, actor, nil)
}

// ReassignDeveloper replaces an existing assignment in any assignable state.
func (s *AssignmentService) ReassignDeveloper(ctx context.Context, id string, actor domain.Actor, developerID string) (TransitionResult, error) {
	req, err := s.loadForAdmin(ctx, id, actor)
	if err != nil {
		return TransitionResult{}, err
	}
	if !domain.IsAssignable(req.State) {
		return TransitionResult{}, apperrors.NewIllegalEdge(string(req.State), string(req.State),
			"request cannot be reassigned in its current state")
	}
	if req.AssignedDeveloperID == nil {
		return TransitionResult{}, apperrors.NewIllegalEdge(string(req.State), string(req.State),
			"request has no assigned developer; assign instead")
	}
	if *req.AssignedDeveloperID == developerID {
		if err := s.project(ctx, req, actor); err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{Request: req, AlreadyProcessed: true}, nil
	}
	if err := s.requireDeveloper(ctx, developerID); err != nil {
		return TransitionResult{}, err
	}
	return s.setAssignment(ctx, req, actor, &developerID)
}

// DeveloperWorkload counts the non-terminal requests assigned to a developer.
func (s *AssignmentService) DeveloperWorkload(ctx context.Context, developerID string) (int, error) {
	counts, err := s.requests.CountActiveByDeveloper(ctx, []string{developerID})
	if err != nil {
		return 0, apperrors.MapError(err)
	}
	return counts[developerID], nil
}

// ListDeveloperWorkloads returns every active developer with its workload.
func (s *AssignmentService) ListDeveloperWorkloads(ctx context.Context, actor domain.Actor) ([]DeveloperWorkload, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.NewUnauthorized("only administrators may list developer workloads", nil)
	}
	devs, err := s.users.ListByRoles(ctx, []domain.Role{domain.RoleDeveloper, domain.RoleMaster}, true)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	ids := make([]string, len(devs))
	for i, d := range devs {
		ids[i] = d.ID
	}
	counts, err := s.requests.CountActiveByDeveloper(ctx, ids)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	out := make([]DeveloperWorkload, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeveloperWorkload{Developer: d, ActiveCount: counts[d.ID]})
	}
	return out, nil
}

func (s *AssignmentService) loadForAdmin(ctx context.Context, id string, actor domain.Actor) (*domain.ChangeRequest, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() || !domain.CanView(actor, req) {
		return nil, apperrors.NewUnauthorized("only administrators may manage assignments", nil)
	}
	if domain.IsTerminal(req.State) {
		return nil, apperrors.NewTerminalState(string(req.State))
	}
	return req, nil
}

func (s *AssignmentService) requireDeveloper(ctx context.Context, developerID string) error {
	if developerID == "" {
		return apperrors.NewMissingRequiredField("developer_id", "")
	}
	dev, err := s.users.GetByID(ctx, developerID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewValidationError("developer does not exist", map[string]any{"field": "developer_id"})
	}
	if err != nil {
		return apperrors.MapError(err)
	}
	if !dev.IsDeveloper() {
		return apperrors.NewValidationError("user cannot be assigned development work",
			map[string]any{"field": "developer_id", "role": string(dev.Role), "active": dev.Active})
	}
	return nil
}

func (s *AssignmentService) setAssignment(ctx context.Context, req *domain.ChangeRequest, actor domain.Actor, developerID *string) (TransitionResult, error) {
	now := s.now()
	next := req.Clone()
	next.AssignedDeveloperID = developerID
	next.UpdatedAt = now

	audit := repository.AuditBatch{History: []domain.History{
		s.newHistory(req.ID, actor, domain.ChangeTypeAssignment,
			map[string]any{"assigned_developer_id": ptrValue(req.AssignedDeveloperID)},
			map[string]any{"assigned_developer_id": ptrValue(developerID)},
			now),
	}}
	if err := s.commit(ctx, next, req.Version, audit); err != nil {
		return TransitionResult{}, err
	}
	s.logger.Info("developer assignment changed",
		zap.String("request_id", req.ID),
		zap.String("actor_id", actor.ID),
		zap.Any("old_developer_id", ptrValue(req.AssignedDeveloperID)),
		zap.Any("new_developer_id", ptrValue(developerID)),
	)
	s.publish(ctx, events.Event{
		Type:      events.EventDeveloperAssigned,
		RequestID: req.ID,
		Actor:     events.ActorFrom(actor),
		Payload: events.DeveloperAssignedPayload{
			OldDeveloperID: req.AssignedDeveloperID,
			NewDeveloperID: developerID,
		},
	})
	if err := s.project(ctx, next, actor); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Request: next, Changed: true}, nil
}

// ptrValue flattens optional ids for audit maps.
func ptrValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
