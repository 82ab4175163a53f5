package handlers

import (
	"github.com/sol-portal/change-request-service/internal/api/dto"
	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/service"
)

func changeRequestResponse(view service.ChangeRequestView) dto.ChangeRequestResponse {
	req := view.Request
	out := dto.ChangeRequestResponse{
		ID:                  req.ID,
		Code:                req.Code,
		Title:               req.Title,
		Description:         req.Description,
		Justification:       req.Justification,
		Category:            req.Category,
		Priority:            req.Priority,
		Urgency:             req.Urgency,
		State:               req.State,
		StateLabel:          view.Label,
		Severity:            view.Severity,
		Progress:            view.Progress,
		Terminal:            view.Terminal,
		RequesterID:         req.RequesterID,
		AssignedDeveloperID: req.AssignedDeveloperID,
		Plans: dto.PlansResponse{
			Rollout:             req.Plans.Rollout,
			Backout:             req.Plans.Backout,
			Rollback:            req.Plans.Rollback,
			Testing:             req.Plans.Testing,
			Implementation:      req.Plans.Implementation,
			ImplementationNotes: req.Plans.ImplementationNotes,
		},
		Schedule: dto.ScheduleResponse{
			PlannedStart:         req.Schedule.PlannedStart,
			PlannedEnd:           req.Schedule.PlannedEnd,
			ActualStart:          req.Schedule.ActualStart,
			ActualEnd:            req.Schedule.ActualEnd,
			EstimatedEffortHours: req.Schedule.EstimatedEffortHours,
			ActualEffortHours:    req.Schedule.ActualEffortHours,
		},
		Comments: dto.ChannelCommentsResponse{
			Public:       req.Comments.Public,
			Internal:     req.Comments.Internal,
			PlanApproval: req.Comments.PlanApproval,
			Development:  req.Comments.Development,
		},
		SourceControl: dto.SourceControlResponse{
			Repository:   req.SourceControl.Repository,
			Branch:       req.SourceControl.Branch,
			PRNumber:     req.SourceControl.PRNumber,
			PRURL:        req.SourceControl.PRURL,
			PRState:      req.SourceControl.PRState,
			MergedAt:     req.SourceControl.MergedAt,
			LastSyncedAt: req.SourceControl.LastSyncedAt,
		},
		Version:        req.Version,
		CreatedAt:      req.CreatedAt,
		SubmittedAt:    req.SubmittedAt,
		LastResponseAt: req.LastResponseAt,
		UpdatedAt:      req.UpdatedAt,
		LegalActions:   make([]dto.LegalActionResponse, 0, len(view.LegalActions)),
		Capabilities: dto.CapabilitiesResponse{
			CanEditDraft:     view.Capabilities.CanEditDraft,
			CanAssess:        view.Capabilities.CanAssess,
			CanDecidePlans:   view.Capabilities.CanDecidePlans,
			CanAssign:        view.Capabilities.CanAssign,
			CanUnassign:      view.Capabilities.CanUnassign,
			CanReassign:      view.Capabilities.CanReassign,
			CanOverrideLink:  view.Capabilities.CanOverrideLink,
			ReadableChannels: view.Capabilities.ReadableChannels,
		},
	}
	// assessment is internal to administrators and the assigned developer
	if hasChannel(view.Capabilities.ReadableChannels, domain.ChannelInternal) {
		out.Assessment = &dto.AssessmentResponse{
			RiskLevel:         req.Assessment.RiskLevel,
			ChangeClass:       req.Assessment.ChangeClass,
			BusinessImpact:    req.Assessment.BusinessImpact,
			TechnicalImpact:   req.Assessment.TechnicalImpact,
			EstimatedDowntime: req.Assessment.EstimatedDowntime,
		}
	}
	for _, action := range view.LegalActions {
		reqs := action.Requirements
		if reqs == nil {
			reqs = []domain.Requirement{}
		}
		out.LegalActions = append(out.LegalActions, dto.LegalActionResponse{
			Target:       action.Target,
			Label:        action.Label,
			Requirements: reqs,
		})
	}
	return out
}

func hasChannel(list []domain.CommentChannel, ch domain.CommentChannel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

func transitionResponse(res service.TransitionResult, actor domain.Actor) dto.TransitionResponse {
	return dto.TransitionResponse{
		Data:             changeRequestResponse(service.BuildView(res.Request, actor)),
		Changed:          res.Changed,
		AlreadyProcessed: res.AlreadyProcessed,
	}
}

func commentResponse(c *domain.Comment) dto.CommentResponse {
	return dto.CommentResponse{
		ID:         c.ID,
		RequestID:  c.RequestID,
		AuthorID:   c.AuthorID,
		AuthorRole: c.AuthorRole,
		Channel:    c.Channel,
		Body:       c.Body,
		CreatedAt:  c.CreatedAt,
	}
}

func historyResponse(h *domain.History) dto.HistoryResponse {
	return dto.HistoryResponse{
		ID:            h.ID,
		ChangedByID:   h.ChangedByID,
		ChangedByRole: h.ChangedByRole,
		ChangeType:    h.ChangeType,
		OldValue:      h.OldValue,
		NewValue:      h.NewValue,
		CreatedAt:     h.CreatedAt,
	}
}

func timelineResponse(entries []domain.TimelineEntry) []dto.TimelineEntryResponse {
	out := make([]dto.TimelineEntryResponse, 0, len(entries))
	for _, e := range entries {
		item := dto.TimelineEntryResponse{At: e.At}
		switch {
		case e.Comment != nil:
			c := commentResponse(e.Comment)
			item.Kind = "comment"
			item.Comment = &c
		case e.History != nil:
			h := historyResponse(e.History)
			item.Kind = "history"
			item.History = &h
		}
		out = append(out, item)
	}
	return out
}

func plansInput(p *dto.PlansRequest) *service.PlansInput {
	if p == nil {
		return nil
	}
	return &service.PlansInput{
		Rollout:             p.Rollout,
		Backout:             p.Backout,
		Rollback:            p.Rollback,
		Testing:             p.Testing,
		Implementation:      p.Implementation,
		ImplementationNotes: p.ImplementationNotes,
	}
}

func draftInput(req dto.DraftRequest) service.DraftInput {
	return service.DraftInput{
		Title:         req.Title,
		Description:   req.Description,
		Justification: req.Justification,
		Category:      req.Category,
		Priority:      req.Priority,
		Urgency:       req.Urgency,
	}
}

func assessmentInput(req dto.AssessmentRequest, idempotencyKey string) service.AssessmentInput {
	in := service.AssessmentInput{
		RiskLevel:         req.RiskLevel,
		ChangeClass:       req.ChangeClass,
		BusinessImpact:    req.BusinessImpact,
		TechnicalImpact:   req.TechnicalImpact,
		EstimatedDowntime: req.EstimatedDowntime,
		InternalComment:   req.InternalComment,
		ExpectedVersion:   req.ExpectedVersion,
		IdempotencyKey:    idempotencyKey,
	}
	if p := plansInput(req.Plans); p != nil {
		in.Plans = *p
	}
	if req.Schedule != nil {
		in.Schedule = service.ScheduleInput{
			PlannedStart:         req.Schedule.PlannedStart,
			PlannedEnd:           req.Schedule.PlannedEnd,
			EstimatedEffortHours: req.Schedule.EstimatedEffortHours,
			ActualEffortHours:    req.Schedule.ActualEffortHours,
		}
	}
	if req.Response != nil {
		in.Response = &service.ResponseInput{Target: req.Response.Target, Comment: req.Response.Comment}
	}
	return in
}
