// Package github implements scm.Provider on the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sol-portal/change-request-service/internal/scm"
)

const (
	// DefaultAPIEndpoint is the public GitHub API.
	DefaultAPIEndpoint = "https://api.github.com"
	// DefaultTimeout bounds a single HTTP call.
	DefaultTimeout = 15 * time.Second
	// MaxPageSize is GitHub's page size limit.
	MaxPageSize = 100

	retryMaxElapsed = 20 * time.Second
	maxResponseSize = 10 * 1024 * 1024
)

// APIError is a non-success response from GitHub.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status %d: %s", e.StatusCode, e.Body)
}

// Client is a minimal GitHub pull request reader.
type Client struct {
	Token      string
	Owner      string
	Repo       string
	BaseURL    string
	HTTPClient *http.Client

	newBackOff func() backoff.BackOff
}

var _ scm.Provider = (*Client)(nil)

// NewClient creates a new GitHub client.
func NewClient(token, owner, repo string) *Client {
	return &Client{
		Token:   token,
		Owner:   owner,
		Repo:    repo,
		BaseURL: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// WithHTTPClient returns a copy using httpClient.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	cp := *c
	cp.HTTPClient = httpClient
	return &cp
}

// WithBaseURL returns a copy talking to baseURL (GitHub Enterprise or tests).
func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	cp.BaseURL = strings.TrimRight(baseURL, "/")
	return &cp
}

// WithBackOff returns a copy using newBackOff to build the retry policy of each call.
func (c *Client) WithBackOff(newBackOff func() backoff.BackOff) *Client {
	cp := *c
	cp.newBackOff = newBackOff
	return &cp
}

func (c *Client) repoPath() string {
	return c.Owner + "/" + c.Repo
}

func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}
	return u
}

// doRequest performs an authenticated GET, retrying rate limits, 5xx responses and
// transport failures.
func (c *Client) doRequest(ctx context.Context, urlStr string) ([]byte, http.Header, error) {
	var (
		body    []byte
		headers http.Header
	)
	newBackOff := c.newBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	bo := &hintedBackOff{BackOff: newBackOff()}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request failed: %w", err)
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		switch {
		case isRateLimited(resp):
			if delay, ok := retryAfter(resp); ok {
				bo.hint = delay
			}
			return &APIError{StatusCode: resp.StatusCode, Body: "rate limited"}
		case resp.StatusCode >= 500:
			return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Body: string(respBody)})
		}
		body, headers = respBody, resp.Header
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, err
	}
	return body, headers, nil
}

// hintedBackOff prefers a server supplied Retry-After delay over the policy's own.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || b.hint <= 0 {
		return next
	}
	hint := b.hint
	b.hint = 0
	return hint
}

func isRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func nextPage(headers http.Header) (string, bool) {
	matches := linkNextPattern.FindStringSubmatch(headers.Get("Link"))
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

type pullRequest struct {
	Number   int        `json:"number"`
	Title    string     `json:"title"`
	State    string     `json:"state"`
	HTMLURL  string     `json:"html_url"`
	Merged   bool       `json:"merged"`
	MergedAt *time.Time `json:"merged_at"`
	Head     struct {
		Ref  string `json:"ref"`
		Repo *struct {
			FullName string `json:"full_name"`
		} `json:"repo"`
	} `json:"head"`
	Base struct {
		Repo *struct {
			FullName string `json:"full_name"`
		} `json:"repo"`
	} `json:"base"`
}

func (c *Client) toPullRequest(pr pullRequest) scm.PullRequest {
	repo := c.repoPath()
	if pr.Base.Repo != nil && pr.Base.Repo.FullName != "" {
		repo = pr.Base.Repo.FullName
	}
	return scm.PullRequest{
		Number:     pr.Number,
		Title:      pr.Title,
		HeadBranch: pr.Head.Ref,
		URL:        pr.HTMLURL,
		State:      pr.State,
		// the list endpoint omits "merged"; merged_at is always present
		Merged:     pr.Merged || pr.MergedAt != nil,
		MergedAt:   pr.MergedAt,
		Repository: repo,
	}
}

// ListOpenPullRequests returns every open pull request, following pagination.
func (c *Client) ListOpenPullRequests(ctx context.Context) ([]scm.PullRequest, error) {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls", map[string]string{
		"state":    "open",
		"per_page": strconv.Itoa(MaxPageSize),
	})
	var out []scm.PullRequest
	for urlStr != "" {
		body, headers, err := c.doRequest(ctx, urlStr)
		if err != nil {
			return nil, fmt.Errorf("list pull requests: %w", err)
		}
		var page []pullRequest
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("parse pull requests: %w", err)
		}
		for _, pr := range page {
			out = append(out, c.toPullRequest(pr))
		}
		next, ok := nextPage(headers)
		if !ok {
			break
		}
		urlStr = next
	}
	return out, nil
}

// ErrPullRequestNotFound is returned when GitHub answers 404 for a pull request.
var ErrPullRequestNotFound = errors.New("pull request not found")

// GetPullRequest fetches a single pull request.
func (c *Client) GetPullRequest(ctx context.Context, number int) (*scm.PullRequest, error) {
	urlStr := c.buildURL(fmt.Sprintf("/repos/%s/pulls/%d", c.repoPath(), number), nil)
	body, _, err := c.doRequest(ctx, urlStr)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("pull request %d: %w", number, ErrPullRequestNotFound)
		}
		return nil, fmt.Errorf("get pull request %d: %w", number, err)
	}
	var pr pullRequest
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("parse pull request %d: %w", number, err)
	}
	out := c.toPullRequest(pr)
	return &out, nil
}
