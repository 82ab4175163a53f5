package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/events"
	"github.com/sol-portal/change-request-service/internal/observability"
	"github.com/sol-portal/change-request-service/internal/repository/memory"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

var (
	requester = domain.Actor{ID: "u-requester", Role: domain.RoleUser}
	stranger  = domain.Actor{ID: "u-stranger", Role: domain.RoleUser}
	admin     = domain.Actor{ID: "u-admin", Role: domain.RoleAdministrator}
	developer = domain.Actor{ID: "u-dev", Role: domain.RoleDeveloper}
	otherDev  = domain.Actor{ID: "u-dev-2", Role: domain.RoleDeveloper}
)

// stepClock advances one second per reading so audit entries order deterministically.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	store       *memory.Store
	metrics     *observability.Metrics
	requests    *ChangeRequestService
	technical   *TechnicalService
	assignments *AssignmentService
	comments    *CommentService

	mu     sync.Mutex
	events []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	for _, u := range []domain.User{
		{ID: requester.ID, Name: "Requester", Role: domain.RoleUser, Active: true},
		{ID: stranger.ID, Name: "Stranger", Role: domain.RoleUser, Active: true},
		{ID: admin.ID, Name: "Admin", Role: domain.RoleAdministrator, Active: true},
		{ID: developer.ID, Name: "Dev", Role: domain.RoleDeveloper, Active: true},
		{ID: otherDev.ID, Name: "Dev Two", Role: domain.RoleDeveloper, Active: true},
		{ID: "u-retired", Name: "Retired", Role: domain.RoleDeveloper, Active: false},
	} {
		store.PutUser(u)
	}

	f := &fixture{store: store, metrics: observability.NewMetrics()}
	dispatcher := events.NewInMemoryDispatcher()
	record := func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	}
	for _, et := range []events.EventType{
		events.EventChangeRequestCreated,
		events.EventStateChanged,
		events.EventDeveloperAssigned,
		events.EventAssessmentRecorded,
		events.EventCommentAdded,
		events.EventPullRequestLinked,
	} {
		dispatcher.Subscribe(et, record)
	}

	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	deps := WorkflowDependencies{
		ChangeRequestRepo: store.ChangeRequests(),
		CommentRepo:       store.Comments(),
		HistoryRepo:       store.History(),
		UserRepo:          store.Users(),
		Idempotency:       store.Idempotency(time.Hour),
		Dispatcher:        dispatcher,
		Metrics:           f.metrics,
		Clock:             clock.Now,
	}
	f.requests = NewChangeRequestService(deps)
	f.technical = NewTechnicalService(deps)
	f.assignments = NewAssignmentService(deps)
	f.comments = NewCommentService(deps)
	return f
}

func (f *fixture) eventsOf(et events.EventType) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, e := range f.events {
		if e.Type == et {
			out = append(out, e)
		}
	}
	return out
}

func strPtr(s string) *string { return &s }

func (f *fixture) draft(t *testing.T) *domain.ChangeRequest {
	t.Helper()
	req, err := f.requests.CreateDraft(context.Background(), requester, DraftInput{
		Title:       strPtr("Add SSO to the enrollment portal"),
		Description: strPtr("Students should log in with the campus directory"),
	})
	require.NoError(t, err)
	return req
}

// move applies a transition and fails the test on error.
func (f *fixture) move(t *testing.T, req *domain.ChangeRequest, actor domain.Actor, target domain.State, comment string) *domain.ChangeRequest {
	t.Helper()
	res, err := f.requests.ApplyTransition(context.Background(), req.ID, actor, TransitionInput{
		Target:          target,
		Comment:         comment,
		ExpectedVersion: req.Version,
	})
	require.NoError(t, err)
	require.True(t, res.Changed)
	return res.Request
}

// approved drives a fresh request to APPROVED.
func (f *fixture) approved(t *testing.T) *domain.ChangeRequest {
	t.Helper()
	req := f.draft(t)
	req = f.move(t, req, requester, domain.StatePending, "")
	req = f.move(t, req, admin, domain.StateInReview, "")
	return f.move(t, req, admin, domain.StateApproved, "looks good")
}

// inDevelopment drives a fresh request to IN_DEVELOPMENT with developer assigned.
func (f *fixture) inDevelopment(t *testing.T) *domain.ChangeRequest {
	t.Helper()
	req := f.approved(t)
	res, err := f.assignments.AssignDeveloper(context.Background(), req.ID, admin, developer.ID)
	require.NoError(t, err)
	return f.move(t, res.Request, developer, domain.StateInDevelopment, "")
}

func fullPlans() *PlansInput {
	return &PlansInput{
		Rollout: strPtr("blue/green rollout"),
		Backout: strPtr("switch traffic back"),
		Testing: strPtr("smoke + regression suite"),
	}
}

// plansPending drives a fresh request to PLANS_PENDING_APPROVAL.
func (f *fixture) plansPending(t *testing.T) *domain.ChangeRequest {
	t.Helper()
	req := f.inDevelopment(t)
	res, err := f.requests.ApplyTransition(context.Background(), req.ID, developer, TransitionInput{
		Target:          domain.StatePlansPendingApproval,
		ExpectedVersion: req.Version,
		Plans:           fullPlans(),
	})
	require.NoError(t, err)
	return res.Request
}

func requireCode(t *testing.T, err error, code string) *apperrors.DomainError {
	t.Helper()
	require.Error(t, err)
	de := apperrors.ToDomainError(err)
	require.Equal(t, code, de.Code, "unexpected error: %v", err)
	return de
}

func (f *fixture) stored(t *testing.T, id string) *domain.ChangeRequest {
	t.Helper()
	req, err := f.store.ChangeRequests().GetByID(context.Background(), id)
	require.NoError(t, err)
	return req
}
