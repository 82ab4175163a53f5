// Package scmsync reconciles change requests with pull requests in source control.
package scmsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/observability"
	"github.com/sol-portal/change-request-service/internal/repository"
	"github.com/sol-portal/change-request-service/internal/scm"
	"github.com/sol-portal/change-request-service/internal/service"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

// Cycle outcomes reported to metrics and logs.
const (
	OutcomeOK           = "ok"
	OutcomeFailed       = "failed"
	OutcomeTimeout      = "timeout"
	OutcomeOverlap      = "skipped_overlap"
	OutcomeLocked       = "skipped_locked"
	OutcomeUnauthorized = "skipped_unauthorized"
)

const listPageSize = 100

// RequestService is the slice of the workflow the poller drives.
type RequestService interface {
	FindByReference(ctx context.Context, ref string) (*domain.ChangeRequest, error)
	RecordSourceControl(ctx context.Context, id string, actor domain.Actor, link domain.SourceControlLink) (*domain.ChangeRequest, error)
	ApplySystemTransition(ctx context.Context, id string, target domain.State, comment string) (service.TransitionResult, error)
}

var _ RequestService = (*service.ChangeRequestService)(nil)

// Options configures a Poller.
type Options struct {
	Interval      time.Duration
	CycleTimeout  time.Duration
	ActorID       string
	BranchPattern string
	LockTTL       time.Duration
}

// PollerDependencies wires the poller's collaborators.
type PollerDependencies struct {
	Provider     scm.Provider
	Requests     RequestService
	RequestsRepo repository.ChangeRequestRepository
	Users        repository.UserRepository
	Locker       Locker
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// CycleResult summarizes one reconciliation pass. Completed counts requests moved
// to COMPLETED, including merges recorded by an earlier cycle whose completion failed.
type CycleResult struct {
	Outcome   string
	Linked    int
	Merged    int
	Closed    int
	Completed int
}

// Changed reports whether the cycle wrote anything. A timed out cycle counts as
// unchanged.
func (r CycleResult) Changed() bool {
	if r.Outcome == OutcomeTimeout {
		return false
	}
	return r.Linked+r.Merged+r.Closed+r.Completed > 0
}

// Poller periodically links pull requests to requests and completes requests whose
// pull request merged. Overlapping cycles are skipped, never queued.
type Poller struct {
	opts     Options
	deps     PollerDependencies
	matcher  *scm.BranchMatcher
	logger   *zap.Logger
	running  atomic.Bool
	cron     *cron.Cron
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPoller validates opts and builds a poller.
func NewPoller(opts Options, deps PollerDependencies) (*Poller, error) {
	if deps.Provider == nil || deps.Requests == nil || deps.RequestsRepo == nil || deps.Users == nil {
		return nil, errors.New("poller requires a provider, request service, request repository and user repository")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", opts.Interval)
	}
	if opts.ActorID == "" {
		return nil, errors.New("poller requires a sync actor id")
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = opts.Interval
	}
	matcher, err := scm.NewBranchMatcher(opts.BranchPattern)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		opts:    opts,
		deps:    deps,
		matcher: matcher,
		logger:  logger.With(zap.String("component", "scm_poller")),
	}, nil
}

// Start schedules cycles every interval and runs the first one immediately. The
// poller stops when ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc("@every "+p.opts.Interval.String(), func() { p.RunCycle(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule poller: %w", err)
	}
	p.cron = c
	p.cancel = cancel
	c.Start()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.RunCycle(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		<-runCtx.Done()
		<-c.Stop().Done()
	}()
	p.logger.Info("source-control poller started",
		zap.Duration("interval", p.opts.Interval),
		zap.Duration("cycle_timeout", p.opts.CycleTimeout),
		zap.String("actor_id", p.opts.ActorID),
	)
	return nil
}

// Stop cancels the running cycle and waits for the scheduler to drain.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			return
		}
		p.cancel()
		p.wg.Wait()
		p.logger.Info("source-control poller stopped")
	})
}

// RunCycle performs one reconciliation pass.
func (p *Poller) RunCycle(ctx context.Context) CycleResult {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Info("previous sync cycle still running; skipping")
		return p.finish(CycleResult{Outcome: OutcomeOverlap}, time.Now())
	}
	defer p.running.Store(false)

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.opts.CycleTimeout)
	defer cancel()

	if err := p.authorize(ctx); err != nil {
		p.logger.Warn("sync actor not authorized; skipping cycle", zap.String("actor_id", p.opts.ActorID), zap.Error(err))
		return p.finish(CycleResult{Outcome: OutcomeUnauthorized}, started)
	}

	if p.deps.Locker != nil {
		release, ok, err := p.deps.Locker.TryLock(ctx, p.opts.LockTTL)
		if err != nil {
			p.logger.Warn("sync lock unavailable", zap.Error(err))
			return p.finish(CycleResult{Outcome: OutcomeFailed}, started)
		}
		if !ok {
			p.logger.Info("sync cycle running on another replica; skipping")
			return p.finish(CycleResult{Outcome: OutcomeLocked}, started)
		}
		defer release()
	}

	var (
		result CycleResult
		g      errgroup.Group
	)
	g.Go(func() error {
		n, err := p.detectPullRequests(ctx)
		result.Linked = n
		return err
	})
	g.Go(func() error {
		merges, err := p.detectMerges(ctx)
		result.Merged, result.Closed, result.Completed = merges.merged, merges.closed, merges.completed
		return err
	})
	err := g.Wait()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Outcome = OutcomeTimeout
		p.logger.Warn("sync cycle timed out", zap.Duration("timeout", p.opts.CycleTimeout))
	case err != nil:
		result.Outcome = OutcomeFailed
	default:
		result.Outcome = OutcomeOK
	}
	return p.finish(result, started)
}

func (p *Poller) finish(result CycleResult, started time.Time) CycleResult {
	p.deps.Metrics.RecordSyncCycle(result.Outcome)
	p.deps.Metrics.RecordSyncLinked(result.Linked)
	p.deps.Metrics.RecordSyncMerged(result.Merged)
	if result.Outcome == OutcomeOK || result.Outcome == OutcomeFailed || result.Outcome == OutcomeTimeout {
		p.logger.Info("sync cycle finished",
			zap.String("outcome", result.Outcome),
			zap.Int("linked", result.Linked),
			zap.Int("merged", result.Merged),
			zap.Int("closed", result.Closed),
			zap.Int("completed", result.Completed),
			zap.Bool("changed", result.Changed()),
			zap.Duration("duration", time.Since(started)),
		)
	}
	return result
}

// authorize re-reads the sync actor every cycle so revocations apply immediately.
func (p *Poller) authorize(ctx context.Context) error {
	u, err := p.deps.Users.GetByID(ctx, p.opts.ActorID)
	if err != nil {
		return err
	}
	if !u.Active {
		return errors.New("sync actor is inactive")
	}
	if !u.Role.IsAdmin() {
		return fmt.Errorf("sync actor role %s lacks administrator privilege", u.Role)
	}
	return nil
}

func (p *Poller) detectPullRequests(ctx context.Context) (int, error) {
	prs, err := p.deps.Provider.ListOpenPullRequests(ctx)
	if err != nil {
		err = apperrors.NewExternalSyncFailure("list_pull_requests", err)
		p.logger.Error("failed to list pull requests", zap.Error(err))
		return 0, err
	}

	actor := domain.SystemActor()
	linked := 0
	var errs []error
	for _, pr := range prs {
		if ctx.Err() != nil {
			return linked, ctx.Err()
		}
		ref, ok := p.matcher.Reference(pr.HeadBranch)
		if !ok {
			continue
		}
		req, err := p.deps.Requests.FindByReference(ctx, ref)
		if err != nil {
			if service.IsNotFound(err) {
				p.logger.Debug("branch references unknown request", zap.String("branch", pr.HeadBranch))
				continue
			}
			errs = append(errs, err)
			p.logger.Error("failed to resolve branch reference", zap.String("branch", pr.HeadBranch), zap.Error(err))
			continue
		}
		if req.State == domain.StateDraft || domain.IsTerminal(req.State) || req.SourceControl.Linked() {
			continue
		}
		if _, err := p.deps.Requests.RecordSourceControl(ctx, req.ID, actor, linkFor(pr, domain.PullRequestOpen)); err != nil {
			err = apperrors.NewExternalSyncFailure("link_pull_request", err)
			errs = append(errs, err)
			p.logger.Error("failed to link pull request", zap.String("request_id", req.ID), zap.Int("pr_number", pr.Number), zap.Error(err))
			continue
		}
		linked++
		p.logger.Info("pull request linked", zap.String("request_id", req.ID), zap.Int("pr_number", pr.Number), zap.String("branch", pr.HeadBranch))
	}
	return linked, errors.Join(errs...)
}

type mergeCounts struct {
	merged    int
	closed    int
	completed int
}

// detectMerges records merged or closed pull requests, then completes every linked
// request whose merge is recorded but which is still waiting in a state the system
// may complete. Completion reads the stored linkage, so a completion that failed in
// an earlier cycle is retried.
func (p *Poller) detectMerges(ctx context.Context) (mergeCounts, error) {
	var counts mergeCounts
	candidates, err := p.linkedRequests(ctx, domain.PullRequestOpen, nil)
	if err != nil {
		p.logger.Error("failed to list linked requests", zap.Error(err))
		return counts, err
	}

	actor := domain.SystemActor()
	var errs []error
	for _, req := range candidates {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		pr, err := p.deps.Provider.GetPullRequest(ctx, *req.SourceControl.PRNumber)
		if err != nil {
			err = apperrors.NewExternalSyncFailure("get_pull_request", err)
			errs = append(errs, err)
			p.logger.Error("failed to fetch pull request", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}

		switch {
		case pr.Merged:
			if _, err := p.deps.Requests.RecordSourceControl(ctx, req.ID, actor, mergeLink(req.SourceControl, *pr)); err != nil {
				errs = append(errs, apperrors.NewExternalSyncFailure("record_merge", err))
				p.logger.Error("failed to record merge", zap.String("request_id", req.ID), zap.Error(err))
				continue
			}
			counts.merged++
			p.logger.Info("pull request merged", zap.String("request_id", req.ID), zap.Int("pr_number", pr.Number))
		case pr.State == string(domain.PullRequestClosed):
			link := req.SourceControl.Clone()
			link.PRState = domain.PullRequestClosed
			if _, err := p.deps.Requests.RecordSourceControl(ctx, req.ID, actor, link); err != nil {
				errs = append(errs, apperrors.NewExternalSyncFailure("record_close", err))
				p.logger.Error("failed to record closed pull request", zap.String("request_id", req.ID), zap.Error(err))
				continue
			}
			counts.closed++
			p.logger.Info("pull request closed without merge", zap.String("request_id", req.ID), zap.Int("pr_number", pr.Number))
		}
	}

	pending, err := p.linkedRequests(ctx, domain.PullRequestMerged, completableStates())
	if err != nil {
		p.logger.Error("failed to list merged requests", zap.Error(err))
		return counts, errors.Join(append(errs, err)...)
	}
	for _, req := range pending {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		done, err := p.complete(ctx, req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			counts.completed++
		}
	}
	return counts, errors.Join(errs...)
}

// complete moves a request whose pull request merged to COMPLETED. A request that
// moved on concurrently is skipped without error.
func (p *Poller) complete(ctx context.Context, req domain.ChangeRequest) (bool, error) {
	number := 0
	if req.SourceControl.PRNumber != nil {
		number = *req.SourceControl.PRNumber
	}
	_, err := p.deps.Requests.ApplySystemTransition(ctx, req.ID, domain.StateCompleted,
		fmt.Sprintf("Pull request #%d merged", number))
	switch {
	case err == nil:
		p.logger.Info("request completed by merge", zap.String("request_id", req.ID), zap.Int("pr_number", number))
		return true, nil
	case apperrors.HasCode(err, apperrors.CodeIllegalEdge), apperrors.HasCode(err, apperrors.CodeTerminalState):
		p.logger.Info("request moved before completion; skipping", zap.String("request_id", req.ID), zap.Error(err))
		return false, nil
	default:
		p.logger.Error("failed to complete merged request", zap.String("request_id", req.ID), zap.Error(err))
		return false, apperrors.NewExternalSyncFailure("complete_request", err)
	}
}

// completableStates are the states from which the system actor may reach COMPLETED.
// A merge recorded in any other state stays recorded without a transition.
func completableStates() []domain.State {
	var out []domain.State
	for _, s := range domain.LegalPredecessors(domain.StateCompleted) {
		if domain.Authorized(s, domain.StateCompleted, []domain.ActorClass{domain.ClassSystem}) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Poller) linkedRequests(ctx context.Context, prState domain.PullRequestState, states []domain.State) ([]domain.ChangeRequest, error) {
	linked := true
	filter := repository.ChangeRequestFilter{
		Linked:   &linked,
		PRStates: []domain.PullRequestState{prState},
		States:   states,
		Limit:    listPageSize,
	}
	var out []domain.ChangeRequest
	for {
		page, err := p.deps.RequestsRepo.ListWithFilter(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < listPageSize {
			return out, nil
		}
		filter.Offset += listPageSize
	}
}

func linkFor(pr scm.PullRequest, state domain.PullRequestState) domain.SourceControlLink {
	number := pr.Number
	return domain.SourceControlLink{
		Repository: pr.Repository,
		Branch:     pr.HeadBranch,
		PRNumber:   &number,
		PRURL:      pr.URL,
		PRState:    state,
	}
}

func mergeLink(current domain.SourceControlLink, pr scm.PullRequest) domain.SourceControlLink {
	link := current.Clone()
	link.PRState = domain.PullRequestMerged
	if pr.MergedAt != nil {
		at := pr.MergedAt.UTC()
		link.MergedAt = &at
	}
	if pr.URL != "" {
		link.PRURL = pr.URL
	}
	return link
}
