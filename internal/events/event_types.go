package events

import (
	"time"

	"github.com/sol-portal/change-request-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventChangeRequestCreated EventType = "change_request_created"
	EventStateChanged         EventType = "change_request_state_changed"
	EventDeveloperAssigned    EventType = "change_request_assigned"
	EventAssessmentRecorded   EventType = "change_request_assessment_recorded"
	EventCommentAdded         EventType = "change_request_comment_added"
	EventPullRequestLinked    EventType = "change_request_pull_request_linked"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	ID   string      `json:"id"`
	Role domain.Role `json:"role"`
}

// ActorFrom converts a workflow actor.
func ActorFrom(a domain.Actor) Actor {
	return Actor{ID: a.ID, Role: a.Role}
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id"`
	Actor     Actor     `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// ChangeRequestCreatedPayload payload.
type ChangeRequestCreatedPayload struct {
	Code     string          `json:"code"`
	Title    string          `json:"title"`
	Priority domain.Priority `json:"priority"`
}

// StateChangedPayload payload.
type StateChangedPayload struct {
	OldState domain.State `json:"old_state"`
	NewState domain.State `json:"new_state"`
	Comment  string       `json:"comment,omitempty"`
	Response bool         `json:"response"`
}

// DeveloperAssignedPayload payload.
type DeveloperAssignedPayload struct {
	OldDeveloperID *string `json:"old_developer_id,omitempty"`
	NewDeveloperID *string `json:"new_developer_id,omitempty"`
}

// AssessmentRecordedPayload payload.
type AssessmentRecordedPayload struct {
	Fields []string `json:"fields"`
}

// CommentAddedPayload payload.
type CommentAddedPayload struct {
	CommentID   string                `json:"comment_id"`
	Channel     domain.CommentChannel `json:"channel"`
	BodyPreview string                `json:"body_preview"`
}

// PullRequestLinkedPayload payload.
type PullRequestLinkedPayload struct {
	Repository string                  `json:"repository"`
	Branch     string                  `json:"branch"`
	PRNumber   *int                    `json:"pr_number,omitempty"`
	PRState    domain.PullRequestState `json:"pr_state"`
}
