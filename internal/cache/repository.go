// Package cache provides the local store for mirrored Jira issues.
//
// Two backends implement Repository: an in-memory map for tests and
// ephemeral use, and a SQLite database for production.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotInitialized is returned when a repository is used before Initialize.
	ErrNotInitialized = errors.New("cache: repository not initialized")
	// ErrClosed is returned when a repository is used after Close.
	ErrClosed = errors.New("cache: repository closed")
	// ErrStorage wraps every failure of the underlying storage layer.
	ErrStorage = errors.New("cache: storage failure")
	// ErrInvalidRecord is returned by Upsert for records that fail Validate.
	ErrInvalidRecord = errors.New("cache: invalid record")
)

// StatusChange is one transition in an issue's workflow.
type StatusChange struct {
	At     time.Time
	Status string
}

// IssueRecord is a snapshot of one remote issue.
type IssueRecord struct {
	Key               string
	Project           string
	Title             string
	Type              string
	Status            string
	Resolution        string
	Created           time.Time
	Updated           time.Time
	OriginalEstimate  time.Duration
	RemainingEstimate time.Duration
	Labels            []string
	StatusChanges     []StatusChange
}

// Repository is a durable keyed store of issue snapshots.
//
// Upsert fully replaces any stored record with the same key, including its
// status changes. LastUpdatedTime reports the per-project high-water mark
// used as the resume point of the next sync pass.
type Repository interface {
	Initialize(ctx context.Context) error
	Upsert(ctx context.Context, rec IssueRecord) error
	Get(ctx context.Context, key string) (*IssueRecord, error)
	GetAll(ctx context.Context) ([]IssueRecord, error)
	GetByProject(ctx context.Context, project string) ([]IssueRecord, error)
	Projects(ctx context.Context) ([]string, error)
	LastUpdatedTime(ctx context.Context, project string) (time.Time, bool, error)
	Close() error
}

// ProjectFromKey returns the project prefix of an issue key ("AB-123" -> "AB").
// Returns "" if the key has no prefix.
func ProjectFromKey(key string) string {
	idx := strings.LastIndex(key, "-")
	if idx <= 0 {
		return ""
	}
	return key[:idx]
}

// Validate checks the invariants every stored record must satisfy.
// A record with an empty Project takes it from the key.
func (r *IssueRecord) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidRecord)
	}
	if r.Updated.IsZero() {
		return fmt.Errorf("%w: %s has no updated timestamp", ErrInvalidRecord, r.Key)
	}
	if r.Project == "" {
		r.Project = ProjectFromKey(r.Key)
	}
	if r.Project == "" {
		return fmt.Errorf("%w: cannot derive project from key %q", ErrInvalidRecord, r.Key)
	}
	if p := ProjectFromKey(r.Key); p != "" && p != r.Project {
		return fmt.Errorf("%w: key %s does not belong to project %s", ErrInvalidRecord, r.Key, r.Project)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r IssueRecord) Clone() IssueRecord {
	if r.Labels != nil {
		r.Labels = append([]string(nil), r.Labels...)
	}
	if r.StatusChanges != nil {
		r.StatusChanges = append([]StatusChange(nil), r.StatusChanges...)
	}
	return r
}
