// Package memory provides process-local repositories with the same semantics as the
// Postgres implementations. It backs tests and database-less development runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/repository"
)

// Store holds every table behind one mutex so record and audit writes are atomic.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*domain.ChangeRequest
	comments map[string][]domain.Comment
	history  map[string][]domain.History
	users    map[string]domain.User
	keys     map[string]idempotencyEntry
	now      func() time.Time
}

type idempotencyEntry struct {
	record    repository.IdempotencyRecord
	expiresAt time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		requests: make(map[string]*domain.ChangeRequest),
		comments: make(map[string][]domain.Comment),
		history:  make(map[string][]domain.History),
		users:    make(map[string]domain.User),
		keys:     make(map[string]idempotencyEntry),
		now:      time.Now,
	}
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// ChangeRequests returns the change request repository view.
func (s *Store) ChangeRequests() repository.ChangeRequestRepository { return &changeRequests{s} }

// Comments returns the comment repository view.
func (s *Store) Comments() repository.CommentRepository { return &comments{s} }

// History returns the history repository view.
func (s *Store) History() repository.HistoryRepository { return &history{s} }

// Users returns the user repository view.
func (s *Store) Users() repository.UserRepository { return &users{s} }

// Idempotency returns an idempotency store with the given retention.
func (s *Store) Idempotency(ttl time.Duration) repository.IdempotencyStore {
	return &idempotency{s: s, ttl: ttl}
}

func (s *Store) appendAudit(batch repository.AuditBatch) {
	for _, h := range batch.History {
		s.history[h.RequestID] = append(s.history[h.RequestID], cloneHistory(h))
	}
	for _, c := range batch.Comments {
		s.comments[c.RequestID] = append(s.comments[c.RequestID], c)
	}
}

type changeRequests struct{ s *Store }

func (r *changeRequests) Create(_ context.Context, req *domain.ChangeRequest, audit repository.AuditBatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if req.Version == 0 {
		req.Version = 1
	}
	stored := req.Clone()
	stored.Comments = domain.ChannelComments{}
	r.s.requests[req.ID] = stored
	r.s.appendAudit(audit)
	return nil
}

func (r *changeRequests) GetByID(_ context.Context, id string) (*domain.ChangeRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return req.Clone(), nil
}

func (r *changeRequests) GetByCode(_ context.Context, code string) (*domain.ChangeRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, req := range r.s.requests {
		if strings.EqualFold(req.Code, code) {
			return req.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *changeRequests) Update(_ context.Context, req *domain.ChangeRequest, expectedVersion int64, audit repository.AuditBatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.requests[req.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return &repository.VersionConflict{Expected: expectedVersion, Actual: current.Version}
	}
	next := req.Clone()
	next.Comments = domain.ChannelComments{}
	next.SourceControl = current.SourceControl.Clone()
	next.RequesterID = current.RequesterID
	next.CreatedAt = current.CreatedAt
	next.Code = current.Code
	next.Version = expectedVersion + 1
	r.s.requests[req.ID] = next
	r.s.appendAudit(audit)
	req.Version = next.Version
	return nil
}

func (r *changeRequests) UpdateSourceControl(_ context.Context, id string, link domain.SourceControlLink, audit repository.AuditBatch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.requests[id]
	if !ok {
		return repository.ErrNotFound
	}
	current.SourceControl = link.Clone()
	r.s.appendAudit(audit)
	return nil
}

func (r *changeRequests) ListWithFilter(_ context.Context, filter repository.ChangeRequestFilter) ([]domain.ChangeRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []domain.ChangeRequest
	for _, req := range r.s.requests {
		if matches(req, filter) {
			out = append(out, *req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func matches(req *domain.ChangeRequest, f repository.ChangeRequestFilter) bool {
	if f.RequesterID != nil && req.RequesterID != *f.RequesterID {
		return false
	}
	if f.AssignedDeveloperID != nil && (req.AssignedDeveloperID == nil || *req.AssignedDeveloperID != *f.AssignedDeveloperID) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, req.State) {
		return false
	}
	if len(f.ExcludeStates) > 0 && containsState(f.ExcludeStates, req.State) {
		return false
	}
	if len(f.PRStates) > 0 {
		found := false
		for _, st := range f.PRStates {
			if req.SourceControl.PRState == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Linked != nil && req.SourceControl.Linked() != *f.Linked {
		return false
	}
	if f.SearchTerm != nil {
		term := strings.ToLower(strings.TrimSpace(*f.SearchTerm))
		if term != "" &&
			!strings.Contains(strings.ToLower(req.Title), term) &&
			!strings.Contains(strings.ToLower(req.Description), term) &&
			!strings.Contains(strings.ToLower(req.Code), term) {
			return false
		}
	}
	return true
}

func containsState(list []domain.State, s domain.State) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}

func (r *changeRequests) CountActiveByDeveloper(_ context.Context, developerIDs []string) (map[string]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[string]int, len(developerIDs))
	for _, id := range developerIDs {
		counts[id] = 0
	}
	for _, req := range r.s.requests {
		if req.AssignedDeveloperID == nil || domain.IsTerminal(req.State) {
			continue
		}
		if _, ok := counts[*req.AssignedDeveloperID]; ok {
			counts[*req.AssignedDeveloperID]++
		}
	}
	return counts, nil
}

type comments struct{ s *Store }

func (r *comments) Create(_ context.Context, c *domain.Comment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.requests[c.RequestID]; !ok {
		return repository.ErrNotFound
	}
	r.s.comments[c.RequestID] = append(r.s.comments[c.RequestID], *c)
	return nil
}

func (r *comments) ListByRequest(_ context.Context, requestID string) ([]domain.Comment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]domain.Comment(nil), r.s.comments[requestID]...), nil
}

type history struct{ s *Store }

func (r *history) ListByRequest(_ context.Context, requestID string) ([]domain.History, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	entries := r.s.history[requestID]
	out := make([]domain.History, 0, len(entries))
	for _, h := range entries {
		out = append(out, cloneHistory(h))
	}
	return out, nil
}

func (r *history) LatestByType(_ context.Context, requestID string, changeType domain.ChangeType) (*domain.History, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	entries := r.s.history[requestID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ChangeType == changeType {
			h := cloneHistory(entries[i])
			return &h, nil
		}
	}
	return nil, repository.ErrNotFound
}

func cloneHistory(h domain.History) domain.History {
	h.OldValue = cloneMap(h.OldValue)
	h.NewValue = cloneMap(h.NewValue)
	return h
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type users struct{ s *Store }

func (r *users) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *users) ListByRoles(_ context.Context, roles []domain.Role, activeOnly bool) ([]domain.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.User
	for _, u := range r.s.users {
		if activeOnly && !u.Active {
			continue
		}
		for _, role := range roles {
			if u.Role == role {
				out = append(out, u)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type idempotency struct {
	s   *Store
	ttl time.Duration
}

func (r *idempotency) Lookup(_ context.Context, key string) (*repository.IdempotencyRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	entry, ok := r.live(key)
	if !ok {
		return nil, nil
	}
	rec := entry.record
	return &rec, nil
}

// live returns the unexpired entry for key. Callers hold the store lock.
func (r *idempotency) live(key string) (idempotencyEntry, bool) {
	entry, ok := r.s.keys[key]
	if !ok || (!entry.expiresAt.IsZero() && r.s.now().After(entry.expiresAt)) {
		return idempotencyEntry{}, false
	}
	return entry, true
}

func (r *idempotency) Reserve(_ context.Context, key string, record repository.IdempotencyRecord) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.live(key); ok {
		return false, nil
	}
	record.Pending = true
	r.s.keys[key] = idempotencyEntry{record: record, expiresAt: r.s.now().Add(repository.PendingKeyTTL)}
	return true, nil
}

func (r *idempotency) Complete(_ context.Context, key string, record repository.IdempotencyRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record.Pending = false
	var expires time.Time
	if r.ttl > 0 {
		expires = r.s.now().Add(r.ttl)
	}
	r.s.keys[key] = idempotencyEntry{record: record, expiresAt: expires}
	return nil
}

func (r *idempotency) Release(_ context.Context, key string, record repository.IdempotencyRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.live(key)
	if ok && entry.record.Pending && entry.record.Matches(record) && entry.record.StoredAt.Equal(record.StoredAt) {
		delete(r.s.keys, key)
	}
	return nil
}
