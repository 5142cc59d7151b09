package sync

import (
	"context"
	"fmt"
	"time"
)

// ResolveCursor returns the time a sync pass fetches from: the cache's
// high-water mark when the project has records, start otherwise.
func ResolveCursor(start, last time.Time, ok bool) time.Time {
	if ok {
		return last
	}
	return start
}

// cursor resolves the fetch cursor for project from the repository.
func (e *Engine) cursor(ctx context.Context, project string, start time.Time) (time.Time, error) {
	last, ok, err := e.repo.LastUpdatedTime(ctx, project)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read cursor for %s: %w", project, err)
	}
	return ResolveCursor(start, last, ok), nil
}
