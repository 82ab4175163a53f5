package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sol-portal/change-request-service/internal/domain"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

func inReview(t *testing.T, f *fixture) *domain.ChangeRequest {
	t.Helper()
	req := f.move(t, f.draft(t), requester, domain.StatePending, "")
	return f.move(t, req, admin, domain.StateInReview, "")
}

func TestAssessmentIsAtomicWithResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := inReview(t, f)
	critical := domain.RiskCritical

	_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
		RiskLevel:       &critical,
		ExpectedVersion: req.Version,
		Response:        &ResponseInput{Target: domain.StateRejected},
	})
	de := requireCode(t, err, apperrors.CodeMissingRequiredField)
	assert.Equal(t, "comment", de.Details["field"])

	stored := f.stored(t, req.ID)
	assert.Nil(t, stored.Assessment.RiskLevel)
	assert.Equal(t, domain.StateInReview, stored.State)
	assert.Equal(t, req.Version, stored.Version)

	res, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
		RiskLevel:       &critical,
		ExpectedVersion: req.Version,
		Response:        &ResponseInput{Target: domain.StateRejected, Comment: "too risky for the exam period"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, res.Request.State)
	assert.Equal(t, domain.RiskCritical, *res.Request.Assessment.RiskLevel)
	assert.Equal(t, req.Version+1, res.Request.Version)
	assert.NotNil(t, res.Request.LastResponseAt)
}

func TestAssessmentValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := inReview(t, f)
	low := domain.RiskLow

	t.Run("non admin", func(t *testing.T) {
		_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, requester, AssessmentInput{
			RiskLevel: &low, ExpectedVersion: req.Version,
		})
		requireCode(t, err, apperrors.CodeUnauthorized)
	})

	t.Run("response must be a decision", func(t *testing.T) {
		_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
			ExpectedVersion: req.Version,
			Response:        &ResponseInput{Target: domain.StateInDevelopment},
		})
		requireCode(t, err, apperrors.CodeValidation)
	})

	t.Run("unknown enum", func(t *testing.T) {
		bogus := domain.Impact("SEVERE")
		_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
			BusinessImpact: &bogus, ExpectedVersion: req.Version,
		})
		requireCode(t, err, apperrors.CodeValidation)
	})

	t.Run("negative downtime", func(t *testing.T) {
		minutes := -5
		_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
			EstimatedDowntime: &minutes, ExpectedVersion: req.Version,
		})
		requireCode(t, err, apperrors.CodeValidation)
	})

	t.Run("planned end before start", func(t *testing.T) {
		start := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
		end := start.Add(-time.Hour)
		_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
			Schedule:        ScheduleInput{PlannedStart: &start, PlannedEnd: &end},
			ExpectedVersion: req.Version,
		})
		requireCode(t, err, apperrors.CodeValidation)
	})

	t.Run("empty assessment", func(t *testing.T) {
		_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{ExpectedVersion: req.Version})
		requireCode(t, err, apperrors.CodeValidation)
	})

	t.Run("version required", func(t *testing.T) {
		_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{RiskLevel: &low})
		requireCode(t, err, apperrors.CodeValidation)
	})

	t.Run("stale version", func(t *testing.T) {
		_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
			RiskLevel: &low, ExpectedVersion: req.Version - 1,
		})
		requireCode(t, err, apperrors.CodeConcurrentModification)
	})

	assert.Equal(t, req.Version, f.stored(t, req.ID).Version)
}

func TestAssessmentOutsideReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.inDevelopment(t)
	minutes := 30

	_, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
		EstimatedDowntime: &minutes,
		ExpectedVersion:   req.Version,
		Response:          &ResponseInput{Target: domain.StateApproved},
	})
	requireCode(t, err, apperrors.CodeIllegalEdge)

	res, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
		EstimatedDowntime: &minutes,
		Plans:             PlansInput{Rollback: strPtr("restore nightly snapshot")},
		InternalComment:   "coordinate with the registrar",
		ExpectedVersion:   req.Version,
		IdempotencyKey:    "assess-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.StateInDevelopment, res.Request.State)
	assert.Equal(t, 30, *res.Request.Assessment.EstimatedDowntime)
	assert.Equal(t, "restore nightly snapshot", res.Request.Plans.Rollback)
	assert.Equal(t, "coordinate with the registrar", res.Request.Comments.Internal)

	again, err := f.technical.RecordTechnicalAssessment(ctx, req.ID, admin, AssessmentInput{
		EstimatedDowntime: &minutes,
		ExpectedVersion:   req.Version,
		IdempotencyKey:    "assess-1",
	})
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, req.Version+1, f.stored(t, req.ID).Version)

	latest, err := f.store.History().LatestByType(ctx, req.ID, domain.ChangeTypeAssessment)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"estimated_downtime", "rollback_plan"}, latest.NewValue["fields"])

	cancelled := f.move(t, f.stored(t, req.ID), admin, domain.StateCancelled, "")
	_, err = f.technical.RecordTechnicalAssessment(ctx, cancelled.ID, admin, AssessmentInput{
		EstimatedDowntime: &minutes, ExpectedVersion: cancelled.Version,
	})
	requireCode(t, err, apperrors.CodeTerminalState)
}

func TestDecidePlansApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.plansPending(t)

	_, err := f.technical.DecidePlans(ctx, req.ID, developer, PlanDecisionInput{Approved: true, Comment: "ok"})
	requireCode(t, err, apperrors.CodeUnauthorized)

	_, err = f.technical.DecidePlans(ctx, req.ID, admin, PlanDecisionInput{Approved: true})
	de := requireCode(t, err, apperrors.CodeMissingRequiredField)
	assert.Equal(t, "comment", de.Details["field"])

	res, err := f.technical.DecidePlans(ctx, req.ID, admin, PlanDecisionInput{Approved: true, Comment: "approved, deploy Friday"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.StateReadyToImplement, res.Request.State)
	version := res.Request.Version

	again, err := f.technical.DecidePlans(ctx, req.ID, admin, PlanDecisionInput{Approved: true, Comment: "approved, deploy Friday"})
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, version, f.stored(t, req.ID).Version)

	_, err = f.technical.DecidePlans(ctx, req.ID, admin, PlanDecisionInput{Approved: false, Comment: "changed my mind"})
	requireCode(t, err, apperrors.CodeIllegalEdge)

	decision, err := f.store.History().LatestByType(ctx, req.ID, domain.ChangeTypePlanDecision)
	require.NoError(t, err)
	assert.Equal(t, "approved", decision.NewValue["decision"])
	assert.Equal(t, string(domain.ChannelPlanApproval), decision.NewValue["comment_channel"])
}

func TestDecidePlansRejectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.plansPending(t)

	res, err := f.technical.DecidePlans(ctx, req.ID, admin, PlanDecisionInput{
		Approved: false, Comment: "backout plan lacks detail", IdempotencyKey: "decide-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateInDevelopment, res.Request.State)

	replay, err := f.technical.DecidePlans(ctx, req.ID, admin, PlanDecisionInput{
		Approved: false, Comment: "backout plan lacks detail", IdempotencyKey: "decide-1",
	})
	require.NoError(t, err)
	assert.True(t, replay.AlreadyProcessed)

	// without a key the duplicate is recognized from the audit trail
	dup, err := f.technical.DecidePlans(ctx, req.ID, admin, PlanDecisionInput{Approved: false, Comment: "backout plan lacks detail"})
	require.NoError(t, err)
	assert.True(t, dup.AlreadyProcessed)

	// once the developer moves on, a stray decision is a genuine illegal edge
	moved := f.move(t, res.Request, developer, domain.StateInTesting, "")
	moved = f.move(t, moved, developer, domain.StateInDevelopment, "")
	_, err = f.technical.DecidePlans(ctx, moved.ID, admin, PlanDecisionInput{Approved: false, Comment: "again"})
	requireCode(t, err, apperrors.CodeIllegalEdge)

	resubmitted, err := f.requests.ApplyTransition(ctx, moved.ID, developer, TransitionInput{
		Target:          domain.StatePlansPendingApproval,
		ExpectedVersion: moved.Version,
		Plans:           &PlansInput{Backout: strPtr("revert migration 0042 and redeploy previous tag")},
	})
	require.NoError(t, err)
	res, err = f.technical.DecidePlans(ctx, req.ID, admin, PlanDecisionInput{Approved: true, Comment: "much better"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateReadyToImplement, res.Request.State)
	assert.Equal(t, resubmitted.Request.Version+1, res.Request.Version)
}

func TestDecidePlansOutsidePending(t *testing.T) {
	f := newFixture(t)
	req := f.inDevelopment(t)

	_, err := f.technical.DecidePlans(context.Background(), req.ID, admin, PlanDecisionInput{Approved: true, Comment: "ok"})
	requireCode(t, err, apperrors.CodeIllegalEdge)
}
