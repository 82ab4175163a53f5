package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/events"
	"github.com/sol-portal/change-request-service/internal/observability"
	"github.com/sol-portal/change-request-service/internal/repository"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

// WorkflowDependencies bundles repositories and collaborators shared by the
// workflow services.
type WorkflowDependencies struct {
	ChangeRequestRepo repository.ChangeRequestRepository
	CommentRepo       repository.CommentRepository
	HistoryRepo       repository.HistoryRepository
	UserRepo          repository.UserRepository
	Idempotency       repository.IdempotencyStore
	Dispatcher        events.Dispatcher
	Metrics           *observability.Metrics
	Logger            *zap.Logger
	Clock             func() time.Time
}

// TransitionResult is returned by every lifecycle write. AlreadyProcessed marks a
// recognized duplicate: nothing was written and the current record is returned.
type TransitionResult struct {
	Request          *domain.ChangeRequest
	Changed          bool
	AlreadyProcessed bool
}

// PlansInput is a partial plan update; nil fields are left unchanged.
type PlansInput struct {
	Rollout             *string
	Backout             *string
	Rollback            *string
	Testing             *string
	Implementation      *string
	ImplementationNotes *string
}

// Empty reports whether no field is set.
func (p PlansInput) Empty() bool {
	return p.Rollout == nil && p.Backout == nil && p.Rollback == nil &&
		p.Testing == nil && p.Implementation == nil && p.ImplementationNotes == nil
}

// applyTo writes the set fields onto plans and returns the changed field names.
func (p PlansInput) applyTo(plans *domain.Plans) []string {
	var changed []string
	set := func(name string, dst *string, v *string) {
		if v == nil {
			return
		}
		val := strings.TrimSpace(*v)
		if *dst != val {
			*dst = val
			changed = append(changed, name)
		}
	}
	set("rollout_plan", &plans.Rollout, p.Rollout)
	set("backout_plan", &plans.Backout, p.Backout)
	set("rollback_plan", &plans.Rollback, p.Rollback)
	set("testing_plan", &plans.Testing, p.Testing)
	set("implementation_plan", &plans.Implementation, p.Implementation)
	set("implementation_notes", &plans.ImplementationNotes, p.ImplementationNotes)
	return changed
}

// TransitionInput is the payload of ApplyTransition.
type TransitionInput struct {
	Target          domain.State
	Comment         string
	ExpectedVersion int64
	IdempotencyKey  string
	Plans           *PlansInput
}

// engine holds the transition rules shared by every workflow service.
type engine struct {
	requests   repository.ChangeRequestRepository
	comments   repository.CommentRepository
	history    repository.HistoryRepository
	users      repository.UserRepository
	idem       repository.IdempotencyStore
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	clock      func() time.Time
}

func newEngine(deps WorkflowDependencies) *engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &engine{
		requests:   deps.ChangeRequestRepo,
		comments:   deps.CommentRepo,
		history:    deps.HistoryRepo,
		users:      deps.UserRepo,
		idem:       deps.Idempotency,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     logger,
		clock:      clock,
	}
}

// now is truncated to what Postgres stores so both backends agree.
func (e *engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

func (e *engine) load(ctx context.Context, id string) (*domain.ChangeRequest, error) {
	req, err := e.requests.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, id)
	}
	return req, nil
}

func mapRepoError(err error, id string) error {
	var conflict *repository.VersionConflict
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound("change request", map[string]any{"id": id})
	case errors.As(err, &conflict):
		return apperrors.NewConcurrentModification(conflict.Expected, conflict.Actual)
	default:
		return apperrors.MapError(err)
	}
}

// checkTransition validates from→to for the actor in the documented order:
// terminal state, edge existence, actor authorization, then field requirements.
// It returns the class that authorizes the edge.
func checkTransition(req *domain.ChangeRequest, target domain.State, actor domain.Actor, comment string, plans domain.Plans) (domain.ActorClass, error) {
	from := req.State
	if domain.IsTerminal(from) {
		return "", apperrors.NewTerminalState(string(from))
	}
	if !domain.IsLegalEdge(from, target) {
		return "", apperrors.NewIllegalEdge(string(from), string(target), "")
	}
	class, ok := authorizingClass(from, target, domain.ClassesFor(actor, req))
	if !ok {
		return "", apperrors.NewUnauthorized(
			fmt.Sprintf("actor may not move request from %s to %s", from, target),
			map[string]any{"from": from, "to": target, "allowed": domain.AllowedActors(from, target)},
		)
	}
	for _, r := range domain.RequirementsFor(target) {
		switch r {
		case domain.RequireComment:
			if strings.TrimSpace(comment) == "" {
				return "", apperrors.NewMissingRequiredField("comment", "to enter "+string(target))
			}
		case domain.RequirePlans:
			if missing := plans.MissingRequired(); len(missing) > 0 {
				return "", apperrors.NewMissingRequiredField(missing[0], "to enter "+string(target))
			}
		}
	}
	return class, nil
}

func authorizingClass(from, to domain.State, classes []domain.ActorClass) (domain.ActorClass, bool) {
	for _, c := range classes {
		if domain.Authorized(from, to, []domain.ActorClass{c}) {
			return c, true
		}
	}
	return "", false
}

// channelFor picks the comment channel for a comment submitted with a transition.
func channelFor(class domain.ActorClass) domain.CommentChannel {
	switch class {
	case domain.ClassDeveloper:
		return domain.ChannelDevelopment
	case domain.ClassSystem:
		return domain.ChannelInternal
	default:
		return domain.ChannelPublic
	}
}

// applyTransitionEffects sets the state and the timestamps that depend on it.
func applyTransitionEffects(next *domain.ChangeRequest, from, to domain.State, now time.Time) {
	next.State = to
	next.UpdatedAt = now
	if from == domain.StateDraft && to == domain.StatePending {
		next.SubmittedAt = &now
	}
	if domain.IsResponse(from, to) {
		next.LastResponseAt = &now
	}
	if to == domain.StateInDevelopment && next.Schedule.ActualStart == nil {
		next.Schedule.ActualStart = &now
	}
	if to == domain.StateCompleted || to == domain.StateFailed {
		next.Schedule.ActualEnd = &now
	}
}

func (e *engine) newComment(requestID string, actor domain.Actor, channel domain.CommentChannel, body string, now time.Time) domain.Comment {
	return domain.Comment{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		AuthorID:   actor.ID,
		AuthorRole: actor.Role,
		Channel:    channel,
		Body:       strings.TrimSpace(body),
		CreatedAt:  now,
	}
}

func (e *engine) newHistory(requestID string, actor domain.Actor, changeType domain.ChangeType, oldValue, newValue map[string]any, now time.Time) domain.History {
	return domain.History{
		ID:            uuid.NewString(),
		RequestID:     requestID,
		ChangedByID:   actor.ID,
		ChangedByRole: actor.Role,
		ChangeType:    changeType,
		OldValue:      oldValue,
		NewValue:      newValue,
		CreatedAt:     now,
	}
}

// statusAudit builds the history entry and optional comment for one transition.
func (e *engine) statusAudit(requestID string, from, to domain.State, actor domain.Actor, channel domain.CommentChannel, comment string, now time.Time) repository.AuditBatch {
	newValue := map[string]any{"state": string(to)}
	var batch repository.AuditBatch
	if strings.TrimSpace(comment) != "" {
		c := e.newComment(requestID, actor, channel, comment, now)
		batch.Comments = append(batch.Comments, c)
		newValue["comment_id"] = c.ID
		newValue["comment_channel"] = string(channel)
	}
	batch.History = append(batch.History, e.newHistory(requestID, actor, domain.ChangeTypeStatus,
		map[string]any{"state": string(from)}, newValue, now))
	return batch
}

// commit persists next if the stored version still equals expected.
func (e *engine) commit(ctx context.Context, next *domain.ChangeRequest, expected int64, audit repository.AuditBatch) error {
	if err := e.requests.Update(ctx, next, expected, audit); err != nil {
		return mapRepoError(err, next.ID)
	}
	return nil
}

// idempotencyWait bounds how long a duplicate waits for the first writer to settle.
const idempotencyWait = 5 * time.Second

var errKeyBusy = errors.New("idempotency key is held by an in-flight write")

// keyClaim is a caller's hold on an idempotency key. replay is set when the key was
// already consumed by the same operation; owned when this caller reserved it.
type keyClaim struct {
	e      *engine
	key    string
	record repository.IdempotencyRecord
	owned  bool
	replay bool
}

// claimKey reserves key for the operation before anything is written. A duplicate
// that finds the key pending waits for the first writer to complete or release it.
// A key held by a different request, operation or actor is rejected.
func (e *engine) claimKey(ctx context.Context, key, requestID, operation string, actor domain.Actor) (*keyClaim, error) {
	claim := &keyClaim{e: e, key: key}
	if key == "" || e.idem == nil {
		return claim, nil
	}
	claim.record = repository.IdempotencyRecord{
		RequestID: requestID,
		Operation: operation,
		ActorID:   actor.ID,
		StoredAt:  e.now(),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = idempotencyWait
	err := backoff.Retry(func() error {
		reserved, err := e.idem.Reserve(ctx, key, claim.record)
		if err != nil {
			return backoff.Permanent(apperrors.MapError(err))
		}
		if reserved {
			claim.owned = true
			return nil
		}
		rec, err := e.idem.Lookup(ctx, key)
		if err != nil {
			return backoff.Permanent(apperrors.MapError(err))
		}
		switch {
		case rec == nil:
			// released or expired between the two calls
			return errKeyBusy
		case !rec.Matches(claim.record):
			return backoff.Permanent(apperrors.NewValidationError("idempotency key already used for a different operation",
				map[string]any{"field": "idempotency_key"}))
		case rec.Pending:
			return errKeyBusy
		}
		claim.replay = true
		return nil
	}, backoff.WithContext(policy, ctx))
	if errors.Is(err, errKeyBusy) {
		return nil, apperrors.NewConflict("a write with this idempotency key is still in progress",
			map[string]any{"field": "idempotency_key"})
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return claim, nil
}

// settle completes the reservation when the write happened and releases it
// otherwise, so a failed attempt can be retried with the same key.
func (c *keyClaim) settle(ctx context.Context, written bool) {
	if c == nil || !c.owned {
		return
	}
	c.owned = false
	ctx = context.WithoutCancel(ctx)
	var err error
	if written {
		done := c.record
		done.StoredAt = c.e.now()
		err = c.e.idem.Complete(ctx, c.key, done)
	} else {
		err = c.e.idem.Release(ctx, c.key, c.record)
	}
	if err != nil {
		c.e.logger.Warn("failed to settle idempotency key",
			zap.String("request_id", c.record.RequestID), zap.Bool("written", written), zap.Error(err))
	}
}

func (e *engine) publish(ctx context.Context, event events.Event) {
	if e.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	if err := e.dispatcher.Publish(ctx, event); err != nil {
		e.logger.Warn("event handler failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}

// project fills the latest-per-channel comment fields visible to actor.
func (e *engine) project(ctx context.Context, req *domain.ChangeRequest, actor domain.Actor) error {
	trail, err := e.comments.ListByRequest(ctx, req.ID)
	if err != nil {
		return apperrors.MapError(err)
	}
	var visible []domain.Comment
	for _, c := range trail {
		if domain.CanReadChannel(actor, req, c.Channel) {
			visible = append(visible, c)
		}
	}
	req.Comments = domain.ProjectComments(visible)
	return nil
}

// transition runs the engine for an already loaded request. expected is the
// caller's version token.
func (e *engine) transition(ctx context.Context, req *domain.ChangeRequest, actor domain.Actor, in TransitionInput, expected int64) (TransitionResult, error) {
	if in.Target == req.State {
		if !domain.CanView(actor, req) {
			return TransitionResult{}, apperrors.NewUnauthorized("actor may not view this request", nil)
		}
		return TransitionResult{Request: req, AlreadyProcessed: true}, nil
	}

	next := req.Clone()
	var planFields []string
	if in.Plans != nil {
		planFields = in.Plans.applyTo(&next.Plans)
	}
	class, err := checkTransition(req, in.Target, actor, in.Comment, next.Plans)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := checkVersion(expected, req.Version); err != nil {
		return TransitionResult{}, err
	}

	now := e.now()
	from := req.State
	applyTransitionEffects(next, from, in.Target, now)
	audit := e.statusAudit(req.ID, from, in.Target, actor, channelFor(class), in.Comment, now)
	if len(planFields) > 0 {
		audit.History = append(audit.History, e.newHistory(req.ID, actor, domain.ChangeTypeAssessment,
			nil, map[string]any{"fields": planFields}, now))
	}
	if err := e.commit(ctx, next, expected, audit); err != nil {
		return TransitionResult{}, err
	}

	e.metrics.RecordTransition(string(from), string(in.Target), string(class))
	e.logger.Info("change request transitioned",
		zap.String("request_id", req.ID),
		zap.String("from", string(from)),
		zap.String("to", string(in.Target)),
		zap.String("actor_id", actor.ID),
		zap.String("actor_class", string(class)),
	)
	e.publish(ctx, events.Event{
		Type:      events.EventStateChanged,
		RequestID: req.ID,
		Actor:     events.ActorFrom(actor),
		Payload: events.StateChangedPayload{
			OldState: from,
			NewState: in.Target,
			Comment:  strings.TrimSpace(in.Comment),
			Response: domain.IsResponse(from, in.Target),
		},
	})
	return TransitionResult{Request: next, Changed: true}, nil
}

// checkVersion requires a version token and compares it with the stored one.
func checkVersion(expected, actual int64) error {
	if expected <= 0 {
		return apperrors.NewValidationError("expected_version is required", map[string]any{"field": "expected_version"})
	}
	if expected != actual {
		return apperrors.NewConcurrentModification(expected, actual)
	}
	return nil
}

func transitionOperation(target domain.State) string {
	return "transition:" + string(target)
}

func stringPreview(body string, max int) string {
	body = strings.TrimSpace(body)
	if len(body) <= max {
		return body
	}
	if max <= 3 {
		return body[:max]
	}
	return body[:max-3] + "..."
}

func generateCode() string {
	return "SOL-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
