package cache

import (
	"context"
	"sort"
	gosync "sync"
	"time"
)

// MemoryRepository is a Repository held entirely in memory.
// Records are copied on the way in and on the way out, so callers never
// share slices with the store.
type MemoryRepository struct {
	mu          gosync.RWMutex
	issues      map[string]IssueRecord
	initialized bool
	closed      bool
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemory creates an empty in-memory repository. Initialize must still be
// called before use.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		issues: make(map[string]IssueRecord),
	}
}

// Initialize marks the repository ready for use.
func (m *MemoryRepository) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.initialized = true
	return nil
}

// check reports misuse. Caller must hold m.mu.
func (m *MemoryRepository) check() error {
	if m.closed {
		return ErrClosed
	}
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Upsert inserts or replaces the record with the same key.
func (m *MemoryRepository) Upsert(ctx context.Context, rec IssueRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	m.issues[rec.Key] = rec.Clone()
	return nil
}

// Get returns the record for key, or nil if it is not cached.
func (m *MemoryRepository) Get(ctx context.Context, key string) (*IssueRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	rec, ok := m.issues[key]
	if !ok {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

// GetAll returns every cached record ordered by key.
func (m *MemoryRepository) GetAll(ctx context.Context) ([]IssueRecord, error) {
	return m.collect(func(IssueRecord) bool { return true })
}

// GetByProject returns the cached records of one project ordered by key.
func (m *MemoryRepository) GetByProject(ctx context.Context, project string) ([]IssueRecord, error) {
	return m.collect(func(r IssueRecord) bool { return r.Project == project })
}

func (m *MemoryRepository) collect(keep func(IssueRecord) bool) ([]IssueRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	out := []IssueRecord{}
	for _, rec := range m.issues {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Projects returns the distinct project keys present in the cache.
func (m *MemoryRepository) Projects(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, rec := range m.issues {
		seen[rec.Project] = struct{}{}
	}
	projects := make([]string, 0, len(seen))
	for p := range seen {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects, nil
}

// LastUpdatedTime returns the newest Updated timestamp stored for project.
func (m *MemoryRepository) LastUpdatedTime(ctx context.Context, project string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return time.Time{}, false, err
	}

	var last time.Time
	found := false
	for _, rec := range m.issues {
		if rec.Project != project {
			continue
		}
		if !found || rec.Updated.After(last) {
			last = rec.Updated
			found = true
		}
	}
	return last, found, nil
}

// Close releases the stored records. Calling Close twice is allowed.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.issues = nil
	return nil
}
