package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/events"
	"github.com/sol-portal/change-request-service/internal/repository"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

// ChangeRequestService coordinates the request lifecycle.
type ChangeRequestService struct {
	*engine
}

// NewChangeRequestService constructs the service.
func NewChangeRequestService(deps WorkflowDependencies) *ChangeRequestService {
	return &ChangeRequestService{engine: newEngine(deps)}
}

// DraftInput describes draft creation and edits. Nil fields are left unchanged on edit.
type DraftInput struct {
	Title         *string
	Description   *string
	Justification *string
	Category      *domain.Category
	Priority      *domain.Priority
	Urgency       *domain.Urgency
}

// ListInput describes request listing filters.
type ListInput struct {
	States     []domain.State
	SearchTerm *string
	Mine       bool
	Limit      int
	Offset     int
}

// LegalAction is a transition the actor may trigger from the current state.
type LegalAction struct {
	Target       domain.State
	Label        string
	Requirements []domain.Requirement
}

// Capabilities tells the UI which non-transition operations are available.
type Capabilities struct {
	CanEditDraft     bool
	CanAssess        bool
	CanDecidePlans   bool
	CanAssign        bool
	CanUnassign      bool
	CanReassign      bool
	CanOverrideLink  bool
	ReadableChannels []domain.CommentChannel
}

// ChangeRequestView is the projection consumed by the UI layer.
type ChangeRequestView struct {
	Request      *domain.ChangeRequest
	Label        string
	Severity     domain.Severity
	Progress     int
	Terminal     bool
	LegalActions []LegalAction
	Capabilities Capabilities
}

// CreateDraft stores a new request in DRAFT owned by actor.
func (s *ChangeRequestService) CreateDraft(ctx context.Context, actor domain.Actor, input DraftInput) (*domain.ChangeRequest, error) {
	if actor.ID == "" || actor.IsSystem() {
		return nil, apperrors.NewUnauthorized("a portal user is required to create requests", nil)
	}
	title := ""
	if input.Title != nil {
		title = strings.TrimSpace(*input.Title)
	}
	if title == "" {
		return nil, apperrors.NewMissingRequiredField("title", "")
	}

	now := s.now()
	req := &domain.ChangeRequest{
		ID:          uuid.NewString(),
		Code:        generateCode(),
		Title:       title,
		Category:    domain.CategoryOther,
		Priority:    domain.PriorityMedium,
		Urgency:     domain.UrgencyMedium,
		State:       domain.StateDraft,
		RequesterID: actor.ID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := applyDraftInput(req, input); err != nil {
		return nil, err
	}

	audit := repository.AuditBatch{History: []domain.History{
		s.newHistory(req.ID, actor, domain.ChangeTypeCreated, nil,
			map[string]any{"state": string(domain.StateDraft), "code": req.Code}, now),
	}}
	if err := s.requests.Create(ctx, req, audit); err != nil {
		return nil, apperrors.MapError(err)
	}
	s.publish(ctx, events.Event{
		Type:      events.EventChangeRequestCreated,
		RequestID: req.ID,
		Actor:     events.ActorFrom(actor),
		Payload: events.ChangeRequestCreatedPayload{
			Code:     req.Code,
			Title:    req.Title,
			Priority: req.Priority,
		},
	})
	return req, nil
}

// UpdateDraft edits descriptive fields while the request is still a draft.
func (s *ChangeRequestService) UpdateDraft(ctx context.Context, id string, actor domain.Actor, input DraftInput, expectedVersion int64) (*domain.ChangeRequest, error) {
	if expectedVersion <= 0 {
		return nil, apperrors.NewValidationError("expected_version is required", map[string]any{"field": "expected_version"})
	}
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != actor.ID {
		return nil, apperrors.NewUnauthorized("only the requester may edit a draft", nil)
	}
	if req.State != domain.StateDraft {
		return nil, apperrors.NewIllegalEdge(string(req.State), string(req.State), "only drafts can be edited")
	}
	if req.Version != expectedVersion {
		return nil, apperrors.NewConcurrentModification(expectedVersion, req.Version)
	}

	next := req.Clone()
	changed, err := applyDraftInput(next, input)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return req, nil
	}
	now := s.now()
	next.UpdatedAt = now
	audit := repository.AuditBatch{History: []domain.History{
		s.newHistory(req.ID, actor, domain.ChangeTypeDraftEdit, nil, map[string]any{"fields": changed}, now),
	}}
	if err := s.commit(ctx, next, expectedVersion, audit); err != nil {
		return nil, err
	}
	return next, nil
}

func applyDraftInput(req *domain.ChangeRequest, input DraftInput) ([]string, error) {
	var changed []string
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, apperrors.NewMissingRequiredField("title", "")
		}
		if title != req.Title {
			req.Title = title
			changed = append(changed, "title")
		}
	}
	if input.Description != nil && strings.TrimSpace(*input.Description) != req.Description {
		req.Description = strings.TrimSpace(*input.Description)
		changed = append(changed, "description")
	}
	if input.Justification != nil && strings.TrimSpace(*input.Justification) != req.Justification {
		req.Justification = strings.TrimSpace(*input.Justification)
		changed = append(changed, "justification")
	}
	if input.Category != nil && *input.Category != req.Category {
		if !input.Category.Valid() {
			return nil, apperrors.NewValidationError("unknown category", map[string]any{"field": "category"})
		}
		req.Category = *input.Category
		changed = append(changed, "category")
	}
	if input.Priority != nil && *input.Priority != req.Priority {
		if !input.Priority.Valid() {
			return nil, apperrors.NewValidationError("unknown priority", map[string]any{"field": "priority"})
		}
		req.Priority = *input.Priority
		changed = append(changed, "priority")
	}
	if input.Urgency != nil && *input.Urgency != req.Urgency {
		if !input.Urgency.Valid() {
			return nil, apperrors.NewValidationError("unknown urgency", map[string]any{"field": "urgency"})
		}
		req.Urgency = *input.Urgency
		changed = append(changed, "urgency")
	}
	return changed, nil
}

// ApplyTransition moves a request to target on behalf of actor.
func (s *ChangeRequestService) ApplyTransition(ctx context.Context, id string, actor domain.Actor, in TransitionInput) (TransitionResult, error) {
	if !in.Target.Valid() {
		return TransitionResult{}, apperrors.NewValidationError("unknown target state",
			map[string]any{"field": "target_state", "value": string(in.Target)})
	}
	claim, err := s.claimKey(ctx, in.IdempotencyKey, id, transitionOperation(in.Target), actor)
	if err != nil {
		return TransitionResult{}, err
	}
	defer claim.settle(ctx, false)
	// loaded after the claim so a duplicate that waited sees the committed write
	req, err := s.load(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if claim.replay {
		if !domain.CanView(actor, req) {
			return TransitionResult{}, apperrors.NewUnauthorized("actor may not view this request", nil)
		}
		return s.finish(ctx, TransitionResult{Request: req, AlreadyProcessed: true}, actor)
	}
	res, err := s.transition(ctx, req, actor, in, in.ExpectedVersion)
	if err != nil {
		return TransitionResult{}, err
	}
	if res.Changed {
		claim.settle(ctx, true)
	}
	return s.finish(ctx, res, actor)
}

// ApplySystemTransition moves a request on behalf of the synchronization actor,
// using the stored version as the concurrency token.
func (s *ChangeRequestService) ApplySystemTransition(ctx context.Context, id string, target domain.State, comment string) (TransitionResult, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	return s.transition(ctx, req, domain.SystemActor(), TransitionInput{Target: target, Comment: comment}, req.Version)
}

func (s *ChangeRequestService) finish(ctx context.Context, res TransitionResult, actor domain.Actor) (TransitionResult, error) {
	if res.Request == nil {
		return res, nil
	}
	if err := s.project(ctx, res.Request, actor); err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

// Get returns the request projection for actor.
func (s *ChangeRequestService) Get(ctx context.Context, id string, actor domain.Actor) (*ChangeRequestView, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanView(actor, req) {
		return nil, apperrors.NewUnauthorized("actor may not view this request", nil)
	}
	if err := s.project(ctx, req, actor); err != nil {
		return nil, err
	}
	view := BuildView(req, actor)
	return &view, nil
}

// List returns requests visible to actor. Administrators see every submitted request,
// developers their assignments, everyone else their own requests. Mine restricts
// any role to requests it authored, drafts included.
func (s *ChangeRequestService) List(ctx context.Context, actor domain.Actor, input ListInput) ([]ChangeRequestView, error) {
	filter := repository.ChangeRequestFilter{
		States:     input.States,
		SearchTerm: input.SearchTerm,
		Limit:      input.Limit,
		Offset:     input.Offset,
	}
	switch {
	case input.Mine:
		filter.RequesterID = &actor.ID
	case actor.IsAdmin() || actor.IsSystem():
		filter.ExcludeStates = []domain.State{domain.StateDraft}
	case actor.Role.CanDevelop():
		filter.AssignedDeveloperID = &actor.ID
	default:
		filter.RequesterID = &actor.ID
	}

	reqs, err := s.requests.ListWithFilter(ctx, filter)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	out := make([]ChangeRequestView, 0, len(reqs))
	for i := range reqs {
		req := &reqs[i]
		if !domain.CanView(actor, req) {
			continue
		}
		out = append(out, BuildView(req, actor))
	}
	return out, nil
}

// FindByReference resolves a request by id or human code.
func (s *ChangeRequestService) FindByReference(ctx context.Context, ref string) (*domain.ChangeRequest, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperrors.NewNotFound("change request", nil)
	}
	if _, err := uuid.Parse(ref); err == nil {
		return s.load(ctx, strings.ToLower(ref))
	}
	code := strings.ToUpper(ref)
	if !strings.HasPrefix(code, "SOL-") {
		code = "SOL-" + code
	}
	req, err := s.requests.GetByCode(ctx, code)
	if err != nil {
		return nil, mapRepoError(err, ref)
	}
	return req, nil
}

// RecordSourceControl writes linkage for a request. Only administrators (manual
// override) and the synchronization actor may do so. Version is not bumped.
func (s *ChangeRequestService) RecordSourceControl(ctx context.Context, id string, actor domain.Actor, link domain.SourceControlLink) (*domain.ChangeRequest, error) {
	if !actor.IsAdmin() && !actor.IsSystem() {
		return nil, apperrors.NewUnauthorized("only administrators may change source-control linkage", nil)
	}
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State == domain.StateDraft {
		return nil, apperrors.NewIllegalEdge(string(req.State), string(req.State), "drafts cannot be linked to source control")
	}
	switch link.PRState {
	case "", domain.PullRequestOpen, domain.PullRequestClosed, domain.PullRequestMerged:
	default:
		return nil, apperrors.NewValidationError("unknown pull request state", map[string]any{"field": "pr_state"})
	}

	now := s.now()
	link = link.Clone()
	link.LastSyncedAt = &now
	if link.PRState == domain.PullRequestMerged && link.MergedAt == nil {
		link.MergedAt = &now
	}
	audit := repository.AuditBatch{History: []domain.History{
		s.newHistory(req.ID, actor, domain.ChangeTypeSCMLink, linkValues(req.SourceControl), linkValues(link), now),
	}}
	if err := s.requests.UpdateSourceControl(ctx, req.ID, link, audit); err != nil {
		return nil, mapRepoError(err, req.ID)
	}
	req.SourceControl = link
	s.logger.Info("source-control linkage updated",
		zap.String("request_id", req.ID),
		zap.String("actor_id", actor.ID),
		zap.String("branch", link.Branch),
		zap.String("pr_state", string(link.PRState)),
	)
	s.publish(ctx, events.Event{
		Type:      events.EventPullRequestLinked,
		RequestID: req.ID,
		Actor:     events.ActorFrom(actor),
		Payload: events.PullRequestLinkedPayload{
			Repository: link.Repository,
			Branch:     link.Branch,
			PRNumber:   link.PRNumber,
			PRState:    link.PRState,
		},
	})
	return req, nil
}

// OverrideSourceControlLink is the administrator's manual correction of linkage.
func (s *ChangeRequestService) OverrideSourceControlLink(ctx context.Context, id string, actor domain.Actor, link domain.SourceControlLink) (*domain.ChangeRequest, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.NewUnauthorized("only administrators may override source-control linkage", nil)
	}
	req, err := s.RecordSourceControl(ctx, id, actor, link)
	if err != nil {
		return nil, err
	}
	if err := s.project(ctx, req, actor); err != nil {
		return nil, err
	}
	return req, nil
}

func linkValues(l domain.SourceControlLink) map[string]any {
	out := map[string]any{
		"repository": l.Repository,
		"branch":     l.Branch,
		"pr_url":     l.PRURL,
		"pr_state":   string(l.PRState),
	}
	if l.PRNumber != nil {
		out["pr_number"] = *l.PRNumber
	}
	return out
}

// BuildView computes the UI projection of req for actor.
func BuildView(req *domain.ChangeRequest, actor domain.Actor) ChangeRequestView {
	info, _ := domain.Info(req.State)
	classes := domain.ClassesFor(actor, req)
	view := ChangeRequestView{
		Request:  req,
		Label:    info.Label,
		Severity: info.Severity,
		Progress: info.Progress,
		Terminal: info.Terminal,
	}
	for _, succ := range info.Successors {
		if !domain.Authorized(req.State, succ, classes) {
			continue
		}
		succInfo, _ := domain.Info(succ)
		view.LegalActions = append(view.LegalActions, LegalAction{
			Target:       succ,
			Label:        succInfo.Label,
			Requirements: domain.RequirementsFor(succ),
		})
	}

	admin := hasActorClass(classes, domain.ClassAdmin)
	assigned := req.AssignedDeveloperID != nil
	view.Capabilities = Capabilities{
		CanEditDraft:    req.State == domain.StateDraft && req.RequesterID == actor.ID,
		CanAssess:       admin && !info.Terminal,
		CanDecidePlans:  admin && req.State == domain.StatePlansPendingApproval,
		CanAssign:       admin && req.State == domain.StateApproved && !assigned,
		CanUnassign:     admin && req.State == domain.StateApproved && assigned,
		CanReassign:     admin && assigned && !info.Terminal && domain.IsAssignable(req.State),
		CanOverrideLink: admin && req.State != domain.StateDraft,
	}
	for _, ch := range []domain.CommentChannel{domain.ChannelPublic, domain.ChannelInternal, domain.ChannelPlanApproval, domain.ChannelDevelopment} {
		if domain.CanReadChannel(actor, req, ch) {
			view.Capabilities.ReadableChannels = append(view.Capabilities.ReadableChannels, ch)
		}
	}
	return view
}

func hasActorClass(list []domain.ActorClass, c domain.ActorClass) bool {
	for _, existing := range list {
		if existing == c {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND domain error.
func IsNotFound(err error) bool {
	var de *apperrors.DomainError
	return errors.As(err, &de) && de.Code == apperrors.CodeNotFound
}
