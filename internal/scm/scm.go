// Package scm defines the source-control view used by the synchronization poller.
package scm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PullRequest is the subset of a provider's pull request the poller needs.
type PullRequest struct {
	Number     int
	Title      string
	HeadBranch string
	URL        string
	State      string // "open" or "closed" as reported by the provider
	Merged     bool
	MergedAt   *time.Time
	Repository string
}

// Provider reads pull requests from a source-control system.
type Provider interface {
	ListOpenPullRequests(ctx context.Context) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)
}

// BranchMatcher extracts a change request reference from a branch name.
type BranchMatcher struct {
	pattern *regexp.Regexp
}

// NewBranchMatcher compiles pattern. The first capture group must hold the reference.
func NewBranchMatcher(pattern string) (*BranchMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile branch pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("branch pattern %q has no capture group", pattern)
	}
	return &BranchMatcher{pattern: re}, nil
}

// Reference returns the captured reference, trimmed of separators.
func (m *BranchMatcher) Reference(branch string) (string, bool) {
	match := m.pattern.FindStringSubmatch(branch)
	if len(match) < 2 {
		return "", false
	}
	ref := strings.Trim(match[1], "-_/")
	return ref, ref != ""
}
