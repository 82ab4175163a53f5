package dto

import (
	"time"

	"github.com/sol-portal/change-request-service/internal/domain"
)

// DraftRequest creates or edits a draft. Nil fields are left unchanged on edit.
type DraftRequest struct {
	Title           *string          `json:"title" validate:"omitempty,max=200"`
	Description     *string          `json:"description" validate:"omitempty,max=20000"`
	Justification   *string          `json:"justification" validate:"omitempty,max=20000"`
	Category        *domain.Category `json:"category"`
	Priority        *domain.Priority `json:"priority"`
	Urgency         *domain.Urgency  `json:"urgency"`
	ExpectedVersion int64            `json:"expected_version" validate:"gte=0"`
}

// PlansRequest carries plan text; omitted plans are left unchanged.
type PlansRequest struct {
	Rollout             *string `json:"rollout_plan" validate:"omitempty,max=20000"`
	Backout             *string `json:"backout_plan" validate:"omitempty,max=20000"`
	Rollback            *string `json:"rollback_plan" validate:"omitempty,max=20000"`
	Testing             *string `json:"testing_plan" validate:"omitempty,max=20000"`
	Implementation      *string `json:"implementation_plan" validate:"omitempty,max=20000"`
	ImplementationNotes *string `json:"implementation_notes" validate:"omitempty,max=20000"`
}

// TransitionRequest asks for a lifecycle transition.
type TransitionRequest struct {
	Target          domain.State  `json:"target" validate:"required"`
	Comment         string        `json:"comment" validate:"max=20000"`
	ExpectedVersion int64         `json:"expected_version" validate:"gte=0"`
	Plans           *PlansRequest `json:"plans"`
}

// ScheduleRequest is a partial schedule update.
type ScheduleRequest struct {
	PlannedStart         *time.Time `json:"planned_start"`
	PlannedEnd           *time.Time `json:"planned_end"`
	EstimatedEffortHours *float64   `json:"estimated_effort_hours" validate:"omitempty,gte=0"`
	ActualEffortHours    *float64   `json:"actual_effort_hours" validate:"omitempty,gte=0"`
}

// ResponseRequest is the administrator's answer submitted with an assessment.
type ResponseRequest struct {
	Target  domain.State `json:"target" validate:"required"`
	Comment string       `json:"comment" validate:"max=20000"`
}

// AssessmentRequest records technical assessment fields.
type AssessmentRequest struct {
	RiskLevel         *domain.RiskLevel   `json:"risk_level"`
	ChangeClass       *domain.ChangeClass `json:"change_class"`
	BusinessImpact    *domain.Impact      `json:"business_impact"`
	TechnicalImpact   *domain.Impact      `json:"technical_impact"`
	EstimatedDowntime *int                `json:"estimated_downtime_minutes" validate:"omitempty,gte=0"`
	Plans             *PlansRequest       `json:"plans"`
	Schedule          *ScheduleRequest    `json:"schedule"`
	InternalComment   string              `json:"internal_comment" validate:"max=20000"`
	Response          *ResponseRequest    `json:"response"`
	ExpectedVersion   int64               `json:"expected_version" validate:"gte=0"`
}

// PlanDecisionRequest approves or rejects submitted plans.
type PlanDecisionRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Comment  string `json:"comment" validate:"max=20000"`
}

// AssignmentRequest names the developer to assign.
type AssignmentRequest struct {
	DeveloperID string `json:"developer_id" validate:"required"`
}

// CommentRequest appends a comment to a channel.
type CommentRequest struct {
	Channel domain.CommentChannel `json:"channel" validate:"required,oneof=PUBLIC INTERNAL PLAN_APPROVAL DEVELOPMENT"`
	Body    string                `json:"body" validate:"max=20000"`
}

// SourceControlLinkRequest is the administrator's manual linkage override.
type SourceControlLinkRequest struct {
	Repository string                  `json:"repository" validate:"max=200"`
	Branch     string                  `json:"branch" validate:"max=255"`
	PRNumber   *int                    `json:"pr_number" validate:"omitempty,gt=0"`
	PRURL      string                  `json:"pr_url" validate:"omitempty,url"`
	PRState    domain.PullRequestState `json:"pr_state" validate:"omitempty,oneof=open closed merged"`
	MergedAt   *time.Time              `json:"merged_at"`
}

// AssessmentResponse mirrors domain.Assessment.
type AssessmentResponse struct {
	RiskLevel         *domain.RiskLevel   `json:"risk_level"`
	ChangeClass       *domain.ChangeClass `json:"change_class"`
	BusinessImpact    *domain.Impact      `json:"business_impact"`
	TechnicalImpact   *domain.Impact      `json:"technical_impact"`
	EstimatedDowntime *int                `json:"estimated_downtime_minutes"`
}

// PlansResponse mirrors domain.Plans.
type PlansResponse struct {
	Rollout             string `json:"rollout_plan"`
	Backout             string `json:"backout_plan"`
	Rollback            string `json:"rollback_plan"`
	Testing             string `json:"testing_plan"`
	Implementation      string `json:"implementation_plan"`
	ImplementationNotes string `json:"implementation_notes"`
}

// ScheduleResponse mirrors domain.Schedule.
type ScheduleResponse struct {
	PlannedStart         *time.Time `json:"planned_start"`
	PlannedEnd           *time.Time `json:"planned_end"`
	ActualStart          *time.Time `json:"actual_start"`
	ActualEnd            *time.Time `json:"actual_end"`
	EstimatedEffortHours *float64   `json:"estimated_effort_hours"`
	ActualEffortHours    *float64   `json:"actual_effort_hours"`
}

// ChannelCommentsResponse holds the latest comment of each readable channel.
type ChannelCommentsResponse struct {
	Public       string `json:"public,omitempty"`
	Internal     string `json:"internal,omitempty"`
	PlanApproval string `json:"plan_approval,omitempty"`
	Development  string `json:"development,omitempty"`
}

// SourceControlResponse mirrors domain.SourceControlLink.
type SourceControlResponse struct {
	Repository   string                  `json:"repository,omitempty"`
	Branch       string                  `json:"branch,omitempty"`
	PRNumber     *int                    `json:"pr_number,omitempty"`
	PRURL        string                  `json:"pr_url,omitempty"`
	PRState      domain.PullRequestState `json:"pr_state,omitempty"`
	MergedAt     *time.Time              `json:"merged_at,omitempty"`
	LastSyncedAt *time.Time              `json:"last_synced_at,omitempty"`
}

// LegalActionResponse is a transition the caller may trigger.
type LegalActionResponse struct {
	Target       domain.State         `json:"target"`
	Label        string               `json:"label"`
	Requirements []domain.Requirement `json:"requirements"`
}

// CapabilitiesResponse lists non-transition operations available to the caller.
type CapabilitiesResponse struct {
	CanEditDraft     bool                    `json:"can_edit_draft"`
	CanAssess        bool                    `json:"can_assess"`
	CanDecidePlans   bool                    `json:"can_decide_plans"`
	CanAssign        bool                    `json:"can_assign"`
	CanUnassign      bool                    `json:"can_unassign"`
	CanReassign      bool                    `json:"can_reassign"`
	CanOverrideLink  bool                    `json:"can_override_link"`
	ReadableChannels []domain.CommentChannel `json:"readable_channels"`
}

// ChangeRequestResponse is a request as seen by the caller.
type ChangeRequestResponse struct {
	ID                  string                  `json:"id"`
	Code                string                  `json:"code"`
	Title               string                  `json:"title"`
	Description         string                  `json:"description"`
	Justification       string                  `json:"justification"`
	Category            domain.Category         `json:"category"`
	Priority            domain.Priority         `json:"priority"`
	Urgency             domain.Urgency          `json:"urgency"`
	State               domain.State            `json:"state"`
	StateLabel          string                  `json:"state_label"`
	Severity            domain.Severity         `json:"severity"`
	Progress            int                     `json:"progress"`
	Terminal            bool                    `json:"terminal"`
	RequesterID         string                  `json:"requester_id"`
	AssignedDeveloperID *string                 `json:"assigned_developer_id"`
	Assessment          *AssessmentResponse     `json:"assessment,omitempty"`
	Plans               PlansResponse           `json:"plans"`
	Schedule            ScheduleResponse        `json:"schedule"`
	Comments            ChannelCommentsResponse `json:"comments"`
	SourceControl       SourceControlResponse   `json:"source_control"`
	Version             int64                   `json:"version"`
	CreatedAt           time.Time               `json:"created_at"`
	SubmittedAt         *time.Time              `json:"submitted_at"`
	LastResponseAt      *time.Time              `json:"last_response_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
	LegalActions        []LegalActionResponse   `json:"legal_actions"`
	Capabilities        CapabilitiesResponse    `json:"capabilities"`
}

// TransitionResponse wraps the outcome of a write that may be a duplicate.
type TransitionResponse struct {
	Data             ChangeRequestResponse `json:"data"`
	Changed          bool                  `json:"changed"`
	AlreadyProcessed bool                  `json:"already_processed"`
}

// CommentResponse is one comment.
type CommentResponse struct {
	ID         string                `json:"id"`
	RequestID  string                `json:"request_id"`
	AuthorID   string                `json:"author_id"`
	AuthorRole domain.Role           `json:"author_role"`
	Channel    domain.CommentChannel `json:"channel"`
	Body       string                `json:"body"`
	CreatedAt  time.Time             `json:"created_at"`
}

// HistoryResponse is one audit entry.
type HistoryResponse struct {
	ID            string            `json:"id"`
	ChangedByID   string            `json:"changed_by_id"`
	ChangedByRole domain.Role       `json:"changed_by_role"`
	ChangeType    domain.ChangeType `json:"change_type"`
	OldValue      map[string]any    `json:"old_value,omitempty"`
	NewValue      map[string]any    `json:"new_value,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// TimelineEntryResponse is either a comment or a history entry.
type TimelineEntryResponse struct {
	Kind    string           `json:"kind"`
	At      time.Time        `json:"at"`
	Comment *CommentResponse `json:"comment,omitempty"`
	History *HistoryResponse `json:"history,omitempty"`
}

// StateResponse is one catalog row.
type StateResponse struct {
	State        domain.State    `json:"state"`
	Label        string          `json:"label"`
	Severity     domain.Severity `json:"severity"`
	Progress     int             `json:"progress"`
	Terminal     bool            `json:"terminal"`
	Predecessors []domain.State  `json:"predecessors"`
	Successors   []domain.State  `json:"successors"`
}

// WorkloadResponse is a developer's count of active requests.
type WorkloadResponse struct {
	DeveloperID string      `json:"developer_id"`
	Name        string      `json:"name"`
	Email       string      `json:"email,omitempty"`
	Role        domain.Role `json:"role"`
	ActiveCount int         `json:"active_count"`
}
