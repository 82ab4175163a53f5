package domain

import "time"

// ChangeType captures what changed in a history entry.
type ChangeType string

const (
	ChangeTypeCreated      ChangeType = "CREATED"
	ChangeTypeDraftEdit    ChangeType = "DRAFT_EDIT"
	ChangeTypeStatus       ChangeType = "STATUS_CHANGE"
	ChangeTypeAssignment   ChangeType = "ASSIGNMENT_CHANGE"
	ChangeTypeAssessment   ChangeType = "ASSESSMENT_CHANGE"
	ChangeTypePlanDecision ChangeType = "PLAN_DECISION"
	ChangeTypeSCMLink      ChangeType = "SCM_LINK"
)

// History is an immutable audit trail entry.
type History struct {
	ID            string
	RequestID     string
	ChangedByID   string
	ChangedByRole Role
	ChangeType    ChangeType
	OldValue      map[string]any
	NewValue      map[string]any
	CreatedAt     time.Time
}

// TimelineEntry is one row of the rendered timeline: either a comment or a history entry.
type TimelineEntry struct {
	At      time.Time
	Comment *Comment
	History *History
}
