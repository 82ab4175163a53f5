package domain

import "time"

// CommentChannel separates audiences in the comment trail.
type CommentChannel string

const (
	ChannelPublic       CommentChannel = "PUBLIC"
	ChannelInternal     CommentChannel = "INTERNAL"
	ChannelPlanApproval CommentChannel = "PLAN_APPROVAL"
	ChannelDevelopment  CommentChannel = "DEVELOPMENT"
)

// Valid reports whether c is a known channel.
func (c CommentChannel) Valid() bool {
	switch c {
	case ChannelPublic, ChannelInternal, ChannelPlanApproval, ChannelDevelopment:
		return true
	}
	return false
}

// CanReadChannel reports whether the actor may read (and therefore post to) a channel
// of the given request. Only the public channel is visible to the requester.
func CanReadChannel(actor Actor, req *ChangeRequest, channel CommentChannel) bool {
	if !CanView(actor, req) {
		return false
	}
	if channel == ChannelPublic {
		return true
	}
	for _, c := range ClassesFor(actor, req) {
		if c == ClassAdmin || c == ClassDeveloper || c == ClassSystem {
			return true
		}
	}
	return false
}

// Comment is an append-only entry in a request's comment trail.
type Comment struct {
	ID         string
	RequestID  string
	AuthorID   string
	AuthorRole Role
	Channel    CommentChannel
	Body       string
	CreatedAt  time.Time
}

// ProjectComments derives the latest value of every channel from an ordered trail.
func ProjectComments(trail []Comment) ChannelComments {
	var out ChannelComments
	for _, c := range trail {
		switch c.Channel {
		case ChannelPublic:
			out.Public = c.Body
		case ChannelInternal:
			out.Internal = c.Body
		case ChannelPlanApproval:
			out.PlanApproval = c.Body
		case ChannelDevelopment:
			out.Development = c.Body
		}
	}
	return out
}
