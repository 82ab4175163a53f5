package service

import (
	"context"
	"sort"
	"strings"

	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/events"
	apperrors "github.com/sol-portal/change-request-service/pkg/util/errorutil"
)

// CommentService manages the comment trail and the timeline view.
type CommentService struct {
	*engine
}

// NewCommentService constructs the service.
func NewCommentService(deps WorkflowDependencies) *CommentService {
	return &CommentService{engine: newEngine(deps)}
}

// AppendComment adds a comment to a channel the actor can read. It never changes
// the request's state or version.
func (s *CommentService) AppendComment(ctx context.Context, id string, actor domain.Actor, channel domain.CommentChannel, body string) (*domain.Comment, error) {
	if !channel.Valid() {
		return nil, apperrors.NewValidationError("unknown comment channel", map[string]any{"field": "channel"})
	}
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanReadChannel(actor, req, channel) {
		return nil, apperrors.NewUnauthorized("actor may not post to this channel",
			map[string]any{"channel": string(channel)})
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.NewMissingRequiredField("body", "")
	}

	c := s.newComment(req.ID, actor, channel, body, s.now())
	if err := s.comments.Create(ctx, &c); err != nil {
		return nil, mapRepoError(err, id)
	}
	s.publish(ctx, events.Event{
		Type:      events.EventCommentAdded,
		RequestID: req.ID,
		Actor:     events.ActorFrom(actor),
		Payload: events.CommentAddedPayload{
			CommentID:   c.ID,
			Channel:     c.Channel,
			BodyPreview: stringPreview(c.Body, 120),
		},
	})
	return &c, nil
}

// Timeline returns comments and history entries visible to actor, oldest first.
func (s *CommentService) Timeline(ctx context.Context, id string, actor domain.Actor) ([]domain.TimelineEntry, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanView(actor, req) {
		return nil, apperrors.NewUnauthorized("actor may not view this request", nil)
	}
	trail, err := s.comments.ListByRequest(ctx, id)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	entries, err := s.history.ListByRequest(ctx, id)
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	privileged := domain.CanReadChannel(actor, req, domain.ChannelInternal)
	var out []domain.TimelineEntry
	for i := range entries {
		h := entries[i]
		if !privileged && h.ChangeType == domain.ChangeTypeAssessment {
			continue
		}
		out = append(out, domain.TimelineEntry{At: h.CreatedAt, History: &h})
	}
	for i := range trail {
		c := trail[i]
		if !domain.CanReadChannel(actor, req, c.Channel) {
			continue
		}
		out = append(out, domain.TimelineEntry{At: c.CreatedAt, Comment: &c})
	}
	// history sorts before comments written at the same instant
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].At.Before(out[j].At)
	})
	return out, nil
}
