package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/events"
	"github.com/sol-portal/change-request-service/internal/repository"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

// TechnicalService handles administrator-only technical management.
type TechnicalService struct {
	*engine
}

// NewTechnicalService constructs the service.
func NewTechnicalService(deps WorkflowDependencies) *TechnicalService {
	return &TechnicalService{engine: newEngine(deps)}
}

// ScheduleInput is a partial schedule update.
type ScheduleInput struct {
	PlannedStart         *time.Time
	PlannedEnd           *time.Time
	EstimatedEffortHours *float64
	ActualEffortHours    *float64
}

// ResponseInput is the administrator's answer submitted with an assessment.
type ResponseInput struct {
	Target  domain.State
	Comment string
}

// AssessmentInput is a partial technical assessment.
type AssessmentInput struct {
	RiskLevel         *domain.RiskLevel
	ChangeClass       *domain.ChangeClass
	BusinessImpact    *domain.Impact
	TechnicalImpact   *domain.Impact
	EstimatedDowntime *int
	Plans             PlansInput
	Schedule          ScheduleInput
	InternalComment   string
	Response          *ResponseInput
	ExpectedVersion   int64
	IdempotencyKey    string
}

// PlanDecisionInput is the administrator's decision on submitted plans.
type PlanDecisionInput struct {
	Approved       bool
	Comment        string
	IdempotencyKey string
}

// RecordTechnicalAssessment updates assessment fields and optionally responds to
// the request. Field writes and the response transition persist together or not at all.
func (s *TechnicalService) RecordTechnicalAssessment(ctx context.Context, id string, actor domain.Actor, in AssessmentInput) (TransitionResult, error) {
	claim, err := s.claimKey(ctx, in.IdempotencyKey, id, assessmentOperation, actor)
	if err != nil {
		return TransitionResult{}, err
	}
	defer claim.settle(ctx, false)
	return s.recordAssessment(ctx, id, actor, in, claim)
}

const assessmentOperation = "assessment"

func (s *TechnicalService) recordAssessment(ctx context.Context, id string, actor domain.Actor, in AssessmentInput, claim *keyClaim) (TransitionResult, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if !actor.IsAdmin() || !domain.CanView(actor, req) {
		return TransitionResult{}, apperrors.NewUnauthorized("only administrators may record technical assessments", nil)
	}
	if claim.replay {
		return s.finish(ctx, req, actor, TransitionResult{Request: req, AlreadyProcessed: true})
	}
	if domain.IsTerminal(req.State) {
		return TransitionResult{}, apperrors.NewTerminalState(string(req.State))
	}

	next := req.Clone()
	fields, err := applyAssessment(next, in)
	if err != nil {
		return TransitionResult{}, err
	}

	var class domain.ActorClass
	if in.Response != nil {
		target := in.Response.Target
		if target != domain.StateApproved && target != domain.StateRejected {
			return TransitionResult{}, apperrors.NewValidationError("response must be APPROVED or REJECTED",
				map[string]any{"field": "response.target_state"})
		}
		if !domain.IsReviewState(req.State) {
			return TransitionResult{}, apperrors.NewIllegalEdge(string(req.State), string(target),
				fmt.Sprintf("a response is only possible while the request awaits review, not in %s", req.State))
		}
		class, err = checkTransition(req, target, actor, in.Response.Comment, next.Plans)
		if err != nil {
			return TransitionResult{}, err
		}
	}
	comment := strings.TrimSpace(in.InternalComment)
	if len(fields) == 0 && in.Response == nil && comment == "" {
		return TransitionResult{}, apperrors.NewValidationError("assessment contains no changes", nil)
	}
	if err := checkVersion(in.ExpectedVersion, req.Version); err != nil {
		return TransitionResult{}, err
	}

	now := s.now()
	next.UpdatedAt = now
	var audit repository.AuditBatch
	if len(fields) > 0 {
		audit.History = append(audit.History, s.newHistory(req.ID, actor, domain.ChangeTypeAssessment,
			nil, map[string]any{"fields": fields}, now))
	}
	if comment != "" {
		audit.Comments = append(audit.Comments, s.newComment(req.ID, actor, domain.ChannelInternal, comment, now))
	}
	if in.Response != nil {
		applyTransitionEffects(next, req.State, in.Response.Target, now)
		status := s.statusAudit(req.ID, req.State, in.Response.Target, actor, channelFor(class), in.Response.Comment, now)
		audit.History = append(audit.History, status.History...)
		audit.Comments = append(audit.Comments, status.Comments...)
	}
	if err := s.commit(ctx, next, in.ExpectedVersion, audit); err != nil {
		return TransitionResult{}, err
	}
	claim.settle(ctx, true)

	if len(fields) > 0 {
		s.publish(ctx, events.Event{
			Type:      events.EventAssessmentRecorded,
			RequestID: req.ID,
			Actor:     events.ActorFrom(actor),
			Payload:   events.AssessmentRecordedPayload{Fields: fields},
		})
	}
	if in.Response != nil {
		s.metrics.RecordTransition(string(req.State), string(in.Response.Target), string(class))
		s.publish(ctx, events.Event{
			Type:      events.EventStateChanged,
			RequestID: req.ID,
			Actor:     events.ActorFrom(actor),
			Payload: events.StateChangedPayload{
				OldState: req.State,
				NewState: in.Response.Target,
				Comment:  strings.TrimSpace(in.Response.Comment),
				Response: true,
			},
		})
	}
	s.logger.Info("technical assessment recorded",
		zap.String("request_id", req.ID),
		zap.Strings("fields", fields),
		zap.Bool("responded", in.Response != nil),
	)
	return s.finish(ctx, next, actor, TransitionResult{Request: next, Changed: true})
}

func applyAssessment(next *domain.ChangeRequest, in AssessmentInput) ([]string, error) {
	var fields []string
	a := &next.Assessment
	if in.RiskLevel != nil {
		if !in.RiskLevel.Valid() {
			return nil, apperrors.NewValidationError("unknown risk level", map[string]any{"field": "risk_level"})
		}
		if a.RiskLevel == nil || *a.RiskLevel != *in.RiskLevel {
			a.RiskLevel = in.RiskLevel
			fields = append(fields, "risk_level")
		}
	}
	if in.ChangeClass != nil {
		if !in.ChangeClass.Valid() {
			return nil, apperrors.NewValidationError("unknown change category", map[string]any{"field": "change_category"})
		}
		if a.ChangeClass == nil || *a.ChangeClass != *in.ChangeClass {
			a.ChangeClass = in.ChangeClass
			fields = append(fields, "change_category")
		}
	}
	if in.BusinessImpact != nil {
		if !in.BusinessImpact.Valid() {
			return nil, apperrors.NewValidationError("unknown business impact", map[string]any{"field": "business_impact"})
		}
		if a.BusinessImpact == nil || *a.BusinessImpact != *in.BusinessImpact {
			a.BusinessImpact = in.BusinessImpact
			fields = append(fields, "business_impact")
		}
	}
	if in.TechnicalImpact != nil {
		if !in.TechnicalImpact.Valid() {
			return nil, apperrors.NewValidationError("unknown technical impact", map[string]any{"field": "technical_impact"})
		}
		if a.TechnicalImpact == nil || *a.TechnicalImpact != *in.TechnicalImpact {
			a.TechnicalImpact = in.TechnicalImpact
			fields = append(fields, "technical_impact")
		}
	}
	if in.EstimatedDowntime != nil {
		if *in.EstimatedDowntime < 0 {
			return nil, apperrors.NewValidationError("estimated downtime cannot be negative", map[string]any{"field": "estimated_downtime"})
		}
		if a.EstimatedDowntime == nil || *a.EstimatedDowntime != *in.EstimatedDowntime {
			a.EstimatedDowntime = in.EstimatedDowntime
			fields = append(fields, "estimated_downtime")
		}
	}
	fields = append(fields, in.Plans.applyTo(&next.Plans)...)

	sch := &next.Schedule
	if in.Schedule.PlannedStart != nil {
		sch.PlannedStart = in.Schedule.PlannedStart
		fields = append(fields, "planned_start")
	}
	if in.Schedule.PlannedEnd != nil {
		sch.PlannedEnd = in.Schedule.PlannedEnd
		fields = append(fields, "planned_end")
	}
	if sch.PlannedStart != nil && sch.PlannedEnd != nil && sch.PlannedEnd.Before(*sch.PlannedStart) {
		return nil, apperrors.NewValidationError("planned end precedes planned start", map[string]any{"field": "planned_end"})
	}
	if in.Schedule.EstimatedEffortHours != nil {
		if *in.Schedule.EstimatedEffortHours < 0 {
			return nil, apperrors.NewValidationError("effort cannot be negative", map[string]any{"field": "estimated_effort_hours"})
		}
		sch.EstimatedEffortHours = in.Schedule.EstimatedEffortHours
		fields = append(fields, "estimated_effort_hours")
	}
	if in.Schedule.ActualEffortHours != nil {
		if *in.Schedule.ActualEffortHours < 0 {
			return nil, apperrors.NewValidationError("effort cannot be negative", map[string]any{"field": "actual_effort_hours"})
		}
		sch.ActualEffortHours = in.Schedule.ActualEffortHours
		fields = append(fields, "actual_effort_hours")
	}
	return fields, nil
}

// DecidePlans approves (READY_TO_IMPLEMENT) or rejects (back to IN_DEVELOPMENT) the
// plans a developer submitted. A repeated identical decision is AlreadyProcessed.
func (s *TechnicalService) DecidePlans(ctx context.Context, id string, actor domain.Actor, in PlanDecisionInput) (TransitionResult, error) {
	decision, target := "rejected", domain.StateInDevelopment
	if in.Approved {
		decision, target = "approved", domain.StateReadyToImplement
	}
	claim, err := s.claimKey(ctx, in.IdempotencyKey, id, "plans:"+decision, actor)
	if err != nil {
		return TransitionResult{}, err
	}
	defer claim.settle(ctx, false)
	return s.decidePlans(ctx, id, actor, in, decision, target, claim)
}

func (s *TechnicalService) decidePlans(ctx context.Context, id string, actor domain.Actor, in PlanDecisionInput,
	decision string, target domain.State, claim *keyClaim) (TransitionResult, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if !actor.IsAdmin() || !domain.CanView(actor, req) {
		return TransitionResult{}, apperrors.NewUnauthorized("only administrators may decide on plans", nil)
	}
	if claim.replay {
		return s.finish(ctx, req, actor, TransitionResult{Request: req, AlreadyProcessed: true})
	}

	if req.State != domain.StatePlansPendingApproval {
		repeated, err := s.isRepeatedDecision(ctx, req, decision, target)
		if err != nil {
			return TransitionResult{}, err
		}
		if repeated {
			return s.finish(ctx, req, actor, TransitionResult{Request: req, AlreadyProcessed: true})
		}
		if domain.IsTerminal(req.State) {
			return TransitionResult{}, apperrors.NewTerminalState(string(req.State))
		}
		return TransitionResult{}, apperrors.NewIllegalEdge(string(req.State), string(target),
			fmt.Sprintf("plans can only be decided in %s", domain.StatePlansPendingApproval))
	}
	if strings.TrimSpace(in.Comment) == "" {
		return TransitionResult{}, apperrors.NewMissingRequiredField("comment", "for a plan decision")
	}
	if missing := req.Plans.MissingRequired(); len(missing) > 0 {
		return TransitionResult{}, apperrors.NewMissingRequiredField(missing[0], "for a plan decision")
	}
	class, err := checkTransition(req, target, actor, in.Comment, req.Plans)
	if err != nil {
		return TransitionResult{}, err
	}

	now := s.now()
	next := req.Clone()
	applyTransitionEffects(next, req.State, target, now)
	c := s.newComment(req.ID, actor, domain.ChannelPlanApproval, in.Comment, now)
	audit := repository.AuditBatch{
		Comments: []domain.Comment{c},
		History: []domain.History{s.newHistory(req.ID, actor, domain.ChangeTypePlanDecision,
			map[string]any{"state": string(req.State)},
			map[string]any{"state": string(target), "decision": decision, "comment_id": c.ID, "comment_channel": string(c.Channel)},
			now)},
	}
	if err := s.commit(ctx, next, req.Version, audit); err != nil {
		return TransitionResult{}, err
	}
	claim.settle(ctx, true)

	s.metrics.RecordTransition(string(req.State), string(target), string(class))
	s.publish(ctx, events.Event{
		Type:      events.EventStateChanged,
		RequestID: req.ID,
		Actor:     events.ActorFrom(actor),
		Payload: events.StateChangedPayload{
			OldState: req.State,
			NewState: target,
			Comment:  strings.TrimSpace(in.Comment),
		},
	})
	return s.finish(ctx, next, actor, TransitionResult{Request: next, Changed: true})
}

// isRepeatedDecision recognizes a duplicate decision call: the latest plan decision
// matches and the request has not moved since.
func (s *TechnicalService) isRepeatedDecision(ctx context.Context, req *domain.ChangeRequest, decision string, outcome domain.State) (bool, error) {
	if req.State != outcome {
		return false, nil
	}
	last, err := s.history.LatestByType(ctx, req.ID, domain.ChangeTypePlanDecision)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.MapError(err)
	}
	if fmt.Sprint(last.NewValue["decision"]) != decision {
		return false, nil
	}
	// the request must not have transitioned after the decision
	latestStatus, err := s.history.LatestByType(ctx, req.ID, domain.ChangeTypeStatus)
	if err == nil && latestStatus.CreatedAt.After(last.CreatedAt) {
		return false, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, apperrors.MapError(err)
	}
	return true, nil
}

func (s *TechnicalService) finish(ctx context.Context, req *domain.ChangeRequest, actor domain.Actor, res TransitionResult) (TransitionResult, error) {
	if err := s.project(ctx, req, actor); err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}
