// Package jira provides a Jira REST client that feeds the incremental sync
// engine, plus a mock Jira server for tests.
package jira

import "fmt"

// Issue is a Jira issue as returned by the search and issue endpoints.
type Issue struct {
	ID        string      `json:"id,omitempty"`
	Key       string      `json:"key"`
	Fields    IssueFields `json:"fields"`
	Changelog *Changelog  `json:"changelog,omitempty"`
}

// IssueFields contains the fields of a Jira issue that the cache keeps.
type IssueFields struct {
	Summary              string        `json:"summary,omitempty"`
	IssueType            *NamedField   `json:"issuetype,omitempty"`
	Status               *NamedField   `json:"status,omitempty"`
	Resolution           *NamedField   `json:"resolution,omitempty"`
	Project              *ProjectField `json:"project,omitempty"`
	Labels               []string      `json:"labels,omitempty"`
	Created              string        `json:"created,omitempty"`
	Updated              string        `json:"updated"`
	TimeOriginalEstimate *int64        `json:"timeoriginalestimate,omitempty"`
	TimeEstimate         *int64        `json:"timeestimate,omitempty"`
}

// NamedField is any Jira field object identified by its name
// (status, issue type, resolution).
type NamedField struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// ProjectField represents a Jira project.
type ProjectField struct {
	ID  string `json:"id,omitempty"`
	Key string `json:"key"`
}

// Changelog is the change history embedded by expand=changelog.
type Changelog struct {
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	Histories  []History `json:"histories"`
}

// ChangelogPage is a page of the standalone changelog endpoint.
type ChangelogPage struct {
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	IsLast     bool      `json:"isLast"`
	Values     []History `json:"values"`
}

// History is one changelog entry: the items changed together at Created.
type History struct {
	ID      string        `json:"id,omitempty"`
	Created string        `json:"created"`
	Items   []HistoryItem `json:"items"`
}

// HistoryItem is a single field change.
type HistoryItem struct {
	Field      string `json:"field"`
	FieldType  string `json:"fieldtype,omitempty"`
	FromString string `json:"fromString,omitempty"`
	ToString   string `json:"toString,omitempty"`
}

// SearchResult represents a Jira JQL search response.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// APIError is a non-2xx response from Jira.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
