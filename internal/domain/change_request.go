package domain

import (
	"strings"
	"time"
)

// Priority enumerates request priority.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
	PriorityUrgent   Priority = "URGENT"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical, PriorityUrgent:
		return true
	}
	return false
}

// Urgency enumerates how soon the requester needs the change.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

func (u Urgency) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

// Category enumerates the kind of change being requested.
type Category string

const (
	CategoryNewFeature     Category = "NEW_FEATURE"
	CategoryEnhancement    Category = "ENHANCEMENT"
	CategoryBugFix         Category = "BUG_FIX"
	CategoryConfiguration  Category = "CONFIGURATION"
	CategoryInfrastructure Category = "INFRASTRUCTURE"
	CategorySecurity       Category = "SECURITY"
	CategoryDocumentation  Category = "DOCUMENTATION"
	CategoryOther          Category = "OTHER"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryNewFeature, CategoryEnhancement, CategoryBugFix, CategoryConfiguration,
		CategoryInfrastructure, CategorySecurity, CategoryDocumentation, CategoryOther:
		return true
	}
	return false
}

// RiskLevel is assigned by administrators during technical management.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ChangeClass is the ITIL-style change category set by administrators.
type ChangeClass string

const (
	ChangeClassStandard  ChangeClass = "STANDARD"
	ChangeClassNormal    ChangeClass = "NORMAL"
	ChangeClassEmergency ChangeClass = "EMERGENCY"
)

func (c ChangeClass) Valid() bool {
	return c == ChangeClassStandard || c == ChangeClassNormal || c == ChangeClassEmergency
}

// Impact grades business or technical impact.
type Impact string

const (
	ImpactNone   Impact = "NONE"
	ImpactLow    Impact = "LOW"
	ImpactMedium Impact = "MEDIUM"
	ImpactHigh   Impact = "HIGH"
)

func (i Impact) Valid() bool {
	switch i {
	case ImpactNone, ImpactLow, ImpactMedium, ImpactHigh:
		return true
	}
	return false
}

// Assessment holds risk and impact metadata.
type Assessment struct {
	RiskLevel         *RiskLevel
	ChangeClass       *ChangeClass
	BusinessImpact    *Impact
	TechnicalImpact   *Impact
	EstimatedDowntime *int // minutes
}

// Plans holds the implementation plans attached to a request.
type Plans struct {
	Rollout             string
	Backout             string
	Rollback            string
	Testing             string
	Implementation      string
	ImplementationNotes string
}

// MissingRequired returns the names of the plans required before implementation
// that are empty.
func (p Plans) MissingRequired() []string {
	var missing []string
	if strings.TrimSpace(p.Rollout) == "" {
		missing = append(missing, "rollout_plan")
	}
	if strings.TrimSpace(p.Backout) == "" {
		missing = append(missing, "backout_plan")
	}
	if strings.TrimSpace(p.Testing) == "" {
		missing = append(missing, "testing_plan")
	}
	return missing
}

// Schedule holds planned and actual dates and effort.
type Schedule struct {
	PlannedStart         *time.Time
	PlannedEnd           *time.Time
	ActualStart          *time.Time
	ActualEnd            *time.Time
	EstimatedEffortHours *float64
	ActualEffortHours    *float64
}

// ChannelComments are the latest-value projections of each comment channel.
type ChannelComments struct {
	Public       string
	Internal     string
	PlanApproval string
	Development  string
}

// ChangeRequest is the aggregate tracked through the lifecycle.
type ChangeRequest struct {
	ID                  string
	Code                string
	Title               string
	Description         string
	Justification       string
	Category            Category
	Priority            Priority
	Urgency             Urgency
	State               State
	RequesterID         string
	AssignedDeveloperID *string
	Assessment          Assessment
	Plans               Plans
	Schedule            Schedule
	Comments            ChannelComments
	SourceControl       SourceControlLink
	Version             int64
	CreatedAt           time.Time
	SubmittedAt         *time.Time
	LastResponseAt      *time.Time
	UpdatedAt           time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing stored records.
func (r *ChangeRequest) Clone() *ChangeRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.AssignedDeveloperID = cloneString(r.AssignedDeveloperID)
	c.SubmittedAt = cloneTime(r.SubmittedAt)
	c.LastResponseAt = cloneTime(r.LastResponseAt)
	c.Assessment = Assessment{
		RiskLevel:         clonePtr(r.Assessment.RiskLevel),
		ChangeClass:       clonePtr(r.Assessment.ChangeClass),
		BusinessImpact:    clonePtr(r.Assessment.BusinessImpact),
		TechnicalImpact:   clonePtr(r.Assessment.TechnicalImpact),
		EstimatedDowntime: clonePtr(r.Assessment.EstimatedDowntime),
	}
	c.Schedule = Schedule{
		PlannedStart:         cloneTime(r.Schedule.PlannedStart),
		PlannedEnd:           cloneTime(r.Schedule.PlannedEnd),
		ActualStart:          cloneTime(r.Schedule.ActualStart),
		ActualEnd:            cloneTime(r.Schedule.ActualEnd),
		EstimatedEffortHours: clonePtr(r.Schedule.EstimatedEffortHours),
		ActualEffortHours:    clonePtr(r.Schedule.ActualEffortHours),
	}
	c.SourceControl = r.SourceControl.Clone()
	return &c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneString(v *string) *string { return clonePtr(v) }

func cloneTime(v *time.Time) *time.Time { return clonePtr(v) }
