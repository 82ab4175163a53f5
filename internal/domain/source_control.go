package domain

import "time"

// PullRequestState mirrors the source-control view of a pull request.
type PullRequestState string

const (
	PullRequestOpen   PullRequestState = "open"
	PullRequestClosed PullRequestState = "closed"
	PullRequestMerged PullRequestState = "merged"
)

// SourceControlLink is the linkage between a request and its branch / pull request.
// It is written by the synchronization poller or the admin override, never by lifecycle writes.
type SourceControlLink struct {
	Repository   string
	Branch       string
	PRNumber     *int
	PRURL        string
	PRState      PullRequestState
	MergedAt     *time.Time
	LastSyncedAt *time.Time
}

// Linked reports whether a pull request has been attached.
func (l SourceControlLink) Linked() bool {
	return l.PRNumber != nil
}

// Clone returns a deep copy.
func (l SourceControlLink) Clone() SourceControlLink {
	c := l
	c.PRNumber = clonePtr(l.PRNumber)
	c.MergedAt = cloneTime(l.MergedAt)
	c.LastSyncedAt = cloneTime(l.LastSyncedAt)
	return c
}
