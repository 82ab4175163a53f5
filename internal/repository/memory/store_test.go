package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/repository"
)

func seedRequest(t *testing.T, s *Store, id string, state domain.State) *domain.ChangeRequest {
	t.Helper()
	now := time.Now().UTC()
	req := &domain.ChangeRequest{
		ID:          id,
		Code:        "SOL-" + id,
		Title:       "title " + id,
		State:       state,
		RequesterID: "u-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.ChangeRequests().Create(context.Background(), req, repository.AuditBatch{}))
	return req
}

func TestUpdateEnforcesVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	req := seedRequest(t, s, "a", domain.StatePending)
	require.Equal(t, int64(1), req.Version)

	next := req.Clone()
	next.State = domain.StateInReview
	require.NoError(t, s.ChangeRequests().Update(ctx, next, 1, repository.AuditBatch{
		History: []domain.History{{ID: "h1", RequestID: "a", ChangeType: domain.ChangeTypeStatus}},
	}))
	assert.Equal(t, int64(2), next.Version)

	stale := req.Clone()
	stale.State = domain.StateApproved
	err := s.ChangeRequests().Update(ctx, stale, 1, repository.AuditBatch{
		History: []domain.History{{ID: "h2", RequestID: "a", ChangeType: domain.ChangeTypeStatus}},
	})
	require.ErrorIs(t, err, repository.ErrVersionConflict)
	var conflict *repository.VersionConflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(2), conflict.Actual)

	stored, err := s.ChangeRequests().GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInReview, stored.State)

	entries, err := s.History().ListByRequest(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed update must not write audit")
}

func TestLifecycleUpdateKeepsLinkage(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	req := seedRequest(t, s, "a", domain.StateInDevelopment)

	n := 12
	require.NoError(t, s.ChangeRequests().UpdateSourceControl(ctx, "a", domain.SourceControlLink{
		PRNumber: &n,
		PRState:  domain.PullRequestOpen,
	}, repository.AuditBatch{}))

	stored, err := s.ChangeRequests().GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version, "linkage writes do not bump version")

	next := req.Clone()
	next.State = domain.StateInTesting
	require.NoError(t, s.ChangeRequests().Update(ctx, next, 1, repository.AuditBatch{}))

	stored, err = s.ChangeRequests().GetByID(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, stored.SourceControl.PRNumber)
	assert.Equal(t, 12, *stored.SourceControl.PRNumber)
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	_, err := s.ChangeRequests().GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.History().LatestByType(context.Background(), "nope", domain.ChangeTypePlanDecision)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListWithFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedRequest(t, s, "a", domain.StatePending)
	seedRequest(t, s, "b", domain.StateDraft)
	c := seedRequest(t, s, "c", domain.StateInDevelopment)
	n := 3
	require.NoError(t, s.ChangeRequests().UpdateSourceControl(ctx, c.ID, domain.SourceControlLink{PRNumber: &n, PRState: domain.PullRequestOpen}, repository.AuditBatch{}))

	got, err := s.ChangeRequests().ListWithFilter(ctx, repository.ChangeRequestFilter{ExcludeStates: []domain.State{domain.StateDraft}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	linked := true
	got, err = s.ChangeRequests().ListWithFilter(ctx, repository.ChangeRequestFilter{
		Linked:   &linked,
		PRStates: []domain.PullRequestState{domain.PullRequestOpen},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	term := "SOL-B"
	got, err = s.ChangeRequests().ListWithFilter(ctx, repository.ChangeRequestFilter{SearchTerm: &term})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestCountActiveByDeveloper(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	dev := "dev-1"
	for _, tc := range []struct {
		id    string
		state domain.State
	}{{"a", domain.StateApproved}, {"b", domain.StateInTesting}, {"c", domain.StateCompleted}} {
		req := seedRequest(t, s, tc.id, tc.state)
		req.AssignedDeveloperID = &dev
		require.NoError(t, s.ChangeRequests().Update(ctx, req, req.Version, repository.AuditBatch{}))
	}

	counts, err := s.ChangeRequests().CountActiveByDeveloper(ctx, []string{dev, "dev-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{dev: 2, "dev-2": 0}, counts)
}

func TestIdempotencyReservationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	store := s.Idempotency(time.Hour)

	rec, err := store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)

	first := repository.IdempotencyRecord{RequestID: "a", Operation: "transition:APPROVED", ActorID: "u1", StoredAt: now}
	ok, err := store.Reserve(ctx, "k", first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "k", repository.IdempotencyRecord{RequestID: "b", Operation: "other", ActorID: "u2"})
	require.NoError(t, err)
	assert.False(t, ok, "a held key cannot be reserved twice")

	rec, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Pending)
	assert.Equal(t, "a", rec.RequestID)

	require.NoError(t, store.Release(ctx, "k", repository.IdempotencyRecord{RequestID: "b", Operation: "other", ActorID: "u2"}))
	rec, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, rec, "release by a stranger is ignored")

	require.NoError(t, store.Release(ctx, "k", first))
	rec, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)

	ok, err = store.Reserve(ctx, "k", first)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Complete(ctx, "k", first))

	now = now.Add(2 * repository.PendingKeyTTL)
	rec, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec, "completed keys keep the full retention")
	assert.False(t, rec.Pending)
	require.NoError(t, store.Release(ctx, "k", first))
	rec, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, rec, "completed keys are not released")

	now = now.Add(2 * time.Hour)
	rec, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAbandonedReservationExpires(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	store := s.Idempotency(time.Hour)

	ok, err := store.Reserve(ctx, "k", repository.IdempotencyRecord{RequestID: "a", Operation: "assessment"})
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(repository.PendingKeyTTL + time.Second)
	ok, err = store.Reserve(ctx, "k", repository.IdempotencyRecord{RequestID: "a", Operation: "assessment"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListByRolesActiveOnly(t *testing.T) {
	s := NewStore()
	s.PutUser(domain.User{ID: "d1", Name: "Ana", Role: domain.RoleDeveloper, Active: true})
	s.PutUser(domain.User{ID: "d2", Name: "Bea", Role: domain.RoleDeveloper, Active: false})
	s.PutUser(domain.User{ID: "m1", Name: "Carl", Role: domain.RoleMaster, Active: true})
	s.PutUser(domain.User{ID: "u1", Name: "Dan", Role: domain.RoleUser, Active: true})

	got, err := s.Users().ListByRoles(context.Background(), []domain.Role{domain.RoleDeveloper, domain.RoleMaster}, true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].ID)
	assert.Equal(t, "m1", got[1].ID)
}
