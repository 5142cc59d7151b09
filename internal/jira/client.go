package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/logger"
)

const (
	defaultRetryInitial    = 500 * time.Millisecond
	defaultRetryMaxElapsed = 30 * time.Second

	// detailFields is the set of fields stored in the cache.
	detailFields = "summary,issuetype,status,resolution,project,labels,created,updated,timeoriginalestimate,timeestimate"

	// changelogPageSize is the page size for changelogs too long to be embedded.
	changelogPageSize = 100

	// maxErrorBody bounds how much of an error response ends up in an APIError.
	maxErrorBody = 512
)

// Client is a Jira REST API client.
type Client struct {
	baseURL    string
	username   string
	apiToken   string
	httpClient *http.Client
	location   *time.Location

	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLocation sets the time zone Jira evaluates JQL dates in. It must match
// the time zone of the Jira user the token belongs to.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) {
		if loc != nil {
			c.location = loc
		}
	}
}

// WithRetry configures exponential backoff for rate-limited and 5xx
// responses. maxElapsed <= 0 disables retries.
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(c *Client) {
		c.retryInitial = initial
		c.retryMaxElapsed = maxElapsed
	}
}

// NewClient creates a Jira client. Requests use Basic auth when username is
// set (Jira Cloud) and a Bearer personal access token otherwise.
func NewClient(baseURL, username, apiToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		username:        username,
		apiToken:        apiToken,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		location:        time.UTC,
		retryInitial:    defaultRetryInitial,
		retryMaxElapsed: defaultRetryMaxElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage returns up to pageSize issues of project updated at or after
// since, ordered by (updated, key) ascending and starting at offset. Only
// Key, Project and Updated are populated.
//
// JQL compares dates at minute resolution, so issues updated earlier in the
// same minute as since are returned again.
func (c *Client) FetchPage(ctx context.Context, project string, since time.Time, pageSize, offset int) ([]cache.IssueRecord, error) {
	jql := BuildJQL(project, since, c.location)
	params := url.Values{
		"jql":        {jql},
		"fields":     {"updated"},
		"startAt":    {strconv.Itoa(offset)},
		"maxResults": {strconv.Itoa(pageSize)},
	}
	apiURL := fmt.Sprintf("%s/rest/api/2/search?%s", c.baseURL, params.Encode())

	body, err := c.doRequest(ctx, http.MethodGet, apiURL)
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}

	var result SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	page := make([]cache.IssueRecord, 0, len(result.Issues))
	for _, issue := range result.Issues {
		updated, err := ParseTimestamp(issue.Fields.Updated)
		if err != nil {
			return nil, fmt.Errorf("issue %s: %w", issue.Key, err)
		}
		page = append(page, cache.IssueRecord{
			Key:     issue.Key,
			Project: cache.ProjectFromKey(issue.Key),
			Updated: updated,
		})
	}

	logger.Debug("jira: %s page at %d returned %d of %d issues", project, offset, len(page), result.Total)
	return page, nil
}

// BuildJQL returns the incremental query for project. The ordering must be
// stable across pages for offset paging to cover every issue.
func BuildJQL(project string, since time.Time, loc *time.Location) string {
	return fmt.Sprintf("project = %q AND updated >= %q ORDER BY updated ASC, key ASC", project, FormatJQLTime(since, loc))
}

// FetchDetail fetches an issue with its full status history.
func (c *Client) FetchDetail(ctx context.Context, key string) (*cache.IssueRecord, error) {
	params := url.Values{
		"fields": {detailFields},
		"expand": {"changelog"},
	}
	apiURL := fmt.Sprintf("%s/rest/api/2/issue/%s?%s", c.baseURL, url.PathEscape(key), params.Encode())

	body, err := c.doRequest(ctx, http.MethodGet, apiURL)
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}

	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("failed to decode issue %s: %w", key, err)
	}

	histories, err := c.completeChangelog(ctx, &issue)
	if err != nil {
		return nil, err
	}

	return toRecord(&issue, histories)
}

// completeChangelog returns every history of the issue, fetching the pages
// that did not fit in the embedded changelog.
func (c *Client) completeChangelog(ctx context.Context, issue *Issue) ([]History, error) {
	if issue.Changelog == nil {
		return nil, nil
	}
	histories := issue.Changelog.Histories
	if len(histories) >= issue.Changelog.Total {
		return histories, nil
	}

	for startAt := len(histories); startAt < issue.Changelog.Total; {
		params := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(changelogPageSize)},
		}
		apiURL := fmt.Sprintf("%s/rest/api/2/issue/%s/changelog?%s", c.baseURL, url.PathEscape(issue.Key), params.Encode())

		body, err := c.doRequest(ctx, http.MethodGet, apiURL)
		if err != nil {
			return nil, fmt.Errorf("get changelog of %s: %w", issue.Key, err)
		}

		var page ChangelogPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode changelog of %s: %w", issue.Key, err)
		}
		if len(page.Values) == 0 {
			break
		}
		histories = append(histories, page.Values...)
		startAt += len(page.Values)
		if page.IsLast {
			break
		}
	}

	logger.Debug("jira: fetched %d changelog entries for %s", len(histories), issue.Key)
	return histories, nil
}

// toRecord converts an API issue into a cache record. The status history
// starts with the status the issue was created in, followed by every status
// transition in chronological order.
func toRecord(issue *Issue, histories []History) (*cache.IssueRecord, error) {
	f := issue.Fields
	rec := &cache.IssueRecord{
		Key:    issue.Key,
		Title:  f.Summary,
		Labels: f.Labels,
	}

	if f.Project != nil && f.Project.Key != "" {
		rec.Project = f.Project.Key
	} else {
		rec.Project = cache.ProjectFromKey(issue.Key)
	}
	if f.IssueType != nil {
		rec.Type = f.IssueType.Name
	}
	if f.Status != nil {
		rec.Status = f.Status.Name
	}
	if f.Resolution != nil {
		rec.Resolution = f.Resolution.Name
	}
	if f.TimeOriginalEstimate != nil {
		rec.OriginalEstimate = time.Duration(*f.TimeOriginalEstimate) * time.Second
	}
	if f.TimeEstimate != nil {
		rec.RemainingEstimate = time.Duration(*f.TimeEstimate) * time.Second
	}

	var err error
	if rec.Updated, err = ParseTimestamp(f.Updated); err != nil {
		return nil, fmt.Errorf("issue %s updated: %w", issue.Key, err)
	}
	if f.Created != "" {
		if rec.Created, err = ParseTimestamp(f.Created); err != nil {
			return nil, fmt.Errorf("issue %s created: %w", issue.Key, err)
		}
	}

	type transition struct {
		at       time.Time
		from, to string
	}
	var transitions []transition
	for _, h := range histories {
		at, err := ParseTimestamp(h.Created)
		if err != nil {
			return nil, fmt.Errorf("issue %s changelog: %w", issue.Key, err)
		}
		for _, item := range h.Items {
			if strings.EqualFold(item.Field, "status") {
				transitions = append(transitions, transition{at: at, from: item.FromString, to: item.ToString})
			}
		}
	}
	sort.SliceStable(transitions, func(i, j int) bool { return transitions[i].at.Before(transitions[j].at) })

	initial := rec.Status
	if len(transitions) > 0 {
		initial = transitions[0].from
	}
	if !rec.Created.IsZero() && initial != "" {
		rec.StatusChanges = append(rec.StatusChanges, cache.StatusChange{At: rec.Created, Status: initial})
	}
	for _, t := range transitions {
		rec.StatusChanges = append(rec.StatusChanges, cache.StatusChange{At: t.at, Status: t.to})
	}

	return rec, nil
}

// doRequest executes an authenticated request and returns the response body.
// Rate-limited and 5xx responses are retried with exponential backoff; any
// other failure is returned immediately.
func (c *Client) doRequest(ctx context.Context, method, apiURL string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("jira URL not configured")
	}
	if c.apiToken == "" {
		return nil, fmt.Errorf("jira API token not configured")
	}

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, apiURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		c.setAuth(req)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "jiracache/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logger.Debug("jira: attempt %d: %s %s: %v", attempt, method, apiURL, err)
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		checkRateLimit(resp)

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if len(data) > maxErrorBody {
				data = data[:maxErrorBody]
			}
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
			if apiErr.Retryable() {
				logger.Debug("jira: attempt %d: %s %s: %v", attempt, method, apiURL, apiErr)
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		body = data
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return body, nil
}

// newBackOff returns a fresh policy; BackOff implementations are stateful.
func (c *Client) newBackOff() backoff.BackOff {
	if c.retryMaxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxElapsedTime = c.retryMaxElapsed
	return bo
}

// setAuth sets the appropriate authentication header on the request.
func (c *Client) setAuth(req *http.Request) {
	if c.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.apiToken))
		req.Header.Set("Authorization", "Basic "+auth)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

// checkRateLimit logs rate limit information from response headers.
func checkRateLimit(resp *http.Response) {
	if resp.StatusCode != http.StatusTooManyRequests {
		return
	}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		logger.Warn("jira: rate limit exceeded, server asks to retry after %ss", retryAfter)
		return
	}
	logger.Warn("jira: rate limit exceeded")
}
