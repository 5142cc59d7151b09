package jira

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JohanCodinha/jiracache/internal/cache"
)

// MockTransition is a status change in a MockIssue's changelog.
type MockTransition struct {
	At   time.Time
	From string
	To   string
}

// MockIssue is an issue served by MockServer.
type MockIssue struct {
	Key               string
	Summary           string
	Type              string
	Status            string
	Resolution        string
	Labels            []string
	Created           time.Time
	Updated           time.Time
	OriginalEstimate  time.Duration
	RemainingEstimate time.Duration
	Transitions       []MockTransition
}

// MockServer provides a fake Jira REST API for testing. Search evaluates the
// incremental JQL the client sends with Jira's minute resolution.
type MockServer struct {
	*httptest.Server
	mu       sync.RWMutex
	issues   map[string]*MockIssue
	location *time.Location

	changelogEmbedLimit int

	failStatus int
	failCount  int

	searchRequests int
	detailRequests int
	lastJQL        string
	lastAuthHeader string
}

var jqlPattern = regexp.MustCompile(`^project = "([^"]+)" AND updated >= "([^"]+)" ORDER BY updated ASC, key ASC$`)

// NewMockServer creates a mock Jira server evaluating JQL dates in UTC.
func NewMockServer() *MockServer {
	m := &MockServer{
		issues:              make(map[string]*MockIssue),
		location:            time.UTC,
		changelogEmbedLimit: 100,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/2/search", m.handleSearch)
	mux.HandleFunc("GET /rest/api/2/issue/{key}", m.handleGetIssue)
	mux.HandleFunc("GET /rest/api/2/issue/{key}/changelog", m.handleChangelog)

	m.Server = httptest.NewServer(m.intercept(mux))
	return m
}

// AddIssue adds or replaces an issue
func (m *MockServer) AddIssue(issue MockIssue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[issue.Key] = &issue
}

// GetIssue retrieves an issue (for test assertions)
func (m *MockServer) GetIssue(key string) *MockIssue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.issues[key]
}

// Remove deletes an issue
func (m *MockServer) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.issues, key)
}

// Reset clears all issues, counters and injected failures
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues = make(map[string]*MockIssue)
	m.failStatus, m.failCount = 0, 0
	m.searchRequests, m.detailRequests = 0, 0
	m.lastJQL, m.lastAuthHeader = "", ""
}

// SetLocation sets the time zone JQL dates are evaluated in.
func (m *MockServer) SetLocation(loc *time.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.location = loc
}

// SetChangelogEmbedLimit sets how many histories the issue endpoint embeds
// before the client must page through the changelog endpoint.
func (m *MockServer) SetChangelogEmbedLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changelogEmbedLimit = n
}

// FailNext makes the next n requests fail with status.
func (m *MockServer) FailNext(status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus, m.failCount = status, n
}

// SearchRequests returns the number of search requests served.
func (m *MockServer) SearchRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.searchRequests
}

// DetailRequests returns the number of issue detail requests served.
func (m *MockServer) DetailRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.detailRequests
}

// LastJQL returns the JQL of the most recent search.
func (m *MockServer) LastJQL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastJQL
}

// LastAuthHeader returns the Authorization header of the most recent request.
func (m *MockServer) LastAuthHeader() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAuthHeader
}

func (m *MockServer) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.lastAuthHeader = r.Header.Get("Authorization")
		if m.failCount > 0 {
			m.failCount--
			status := m.failStatus
			m.mu.Unlock()
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		m.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (m *MockServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startAt, _ := strconv.Atoi(q.Get("startAt"))
	maxResults, err := strconv.Atoi(q.Get("maxResults"))
	if err != nil || maxResults <= 0 {
		maxResults = 50
	}

	m.mu.Lock()
	m.searchRequests++
	m.lastJQL = q.Get("jql")
	loc := m.location
	m.mu.Unlock()

	match := jqlPattern.FindStringSubmatch(q.Get("jql"))
	if match == nil {
		http.Error(w, "unsupported jql", http.StatusBadRequest)
		return
	}
	project := match[1]
	since, err := time.ParseInLocation(jqlTimeLayout, match[2], loc)
	if err != nil {
		http.Error(w, "invalid date in jql", http.StatusBadRequest)
		return
	}

	m.mu.RLock()
	var matched []*MockIssue
	for _, issue := range m.issues {
		if cache.ProjectFromKey(issue.Key) == project && !issue.Updated.Before(since) {
			matched = append(matched, issue)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Updated.Equal(matched[j].Updated) {
			return matched[i].Updated.Before(matched[j].Updated)
		}
		return keyNumber(matched[i].Key) < keyNumber(matched[j].Key)
	})

	result := SearchResult{StartAt: startAt, MaxResults: maxResults, Total: len(matched), Issues: []Issue{}}
	for i := startAt; i < len(matched) && i < startAt+maxResults; i++ {
		result.Issues = append(result.Issues, Issue{
			Key:    matched[i].Key,
			Fields: IssueFields{Updated: formatAPITime(matched[i].Updated)},
		})
	}

	writeJSON(w, result)
}

func (m *MockServer) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	m.mu.Lock()
	m.detailRequests++
	issue, ok := m.issues[key]
	limit := m.changelogEmbedLimit
	m.mu.Unlock()

	if !ok {
		http.Error(w, `{"errorMessages":["Issue does not exist or you do not have permission to see it."]}`, http.StatusNotFound)
		return
	}

	out := issue.toAPI()
	histories := issue.histories()
	embedded := histories
	if len(embedded) > limit {
		embedded = embedded[:limit]
	}
	out.Changelog = &Changelog{StartAt: 0, MaxResults: len(embedded), Total: len(histories), Histories: embedded}

	writeJSON(w, out)
}

func (m *MockServer) handleChangelog(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()
	startAt, _ := strconv.Atoi(q.Get("startAt"))
	maxResults, err := strconv.Atoi(q.Get("maxResults"))
	if err != nil || maxResults <= 0 {
		maxResults = 100
	}

	m.mu.RLock()
	issue, ok := m.issues[key]
	m.mu.RUnlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	histories := issue.histories()
	page := ChangelogPage{StartAt: startAt, MaxResults: maxResults, Total: len(histories), Values: []History{}}
	for i := startAt; i < len(histories) && i < startAt+maxResults; i++ {
		page.Values = append(page.Values, histories[i])
	}
	page.IsLast = startAt+len(page.Values) >= len(histories)

	writeJSON(w, page)
}

func (mi *MockIssue) toAPI() Issue {
	fields := IssueFields{
		Summary: mi.Summary,
		Project: &ProjectField{Key: cache.ProjectFromKey(mi.Key)},
		Labels:  mi.Labels,
		Updated: formatAPITime(mi.Updated),
	}
	if !mi.Created.IsZero() {
		fields.Created = formatAPITime(mi.Created)
	}
	if mi.Type != "" {
		fields.IssueType = &NamedField{Name: mi.Type}
	}
	if mi.Status != "" {
		fields.Status = &NamedField{Name: mi.Status}
	}
	if mi.Resolution != "" {
		fields.Resolution = &NamedField{Name: mi.Resolution}
	}
	if mi.OriginalEstimate > 0 {
		secs := int64(mi.OriginalEstimate / time.Second)
		fields.TimeOriginalEstimate = &secs
	}
	if mi.RemainingEstimate > 0 {
		secs := int64(mi.RemainingEstimate / time.Second)
		fields.TimeEstimate = &secs
	}
	return Issue{ID: strconv.Itoa(keyNumber(mi.Key)), Key: mi.Key, Fields: fields}
}

func (mi *MockIssue) histories() []History {
	histories := make([]History, 0, len(mi.Transitions))
	for i, tr := range mi.Transitions {
		histories = append(histories, History{
			ID:      strconv.Itoa(i + 1),
			Created: formatAPITime(tr.At),
			Items: []HistoryItem{{
				Field:      "status",
				FieldType:  "jira",
				FromString: tr.From,
				ToString:   tr.To,
			}},
		})
	}
	return histories
}

func formatAPITime(t time.Time) string {
	return t.Format(apiTimeLayout)
}

func keyNumber(key string) int {
	n, _ := strconv.Atoi(key[strings.LastIndex(key, "-")+1:])
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
