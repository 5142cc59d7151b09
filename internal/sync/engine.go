// Package sync provides the incremental synchronization engine that mirrors
// remote issues into the local cache.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/logger"
)

// ErrInvalidArgument is returned when Update is called with a missing client
// or project. Nothing is read or fetched in that case.
var ErrInvalidArgument = errors.New("sync: invalid argument")

// RemoteClient is the issue tracker the engine pulls from.
type RemoteClient interface {
	// FetchPage returns up to pageSize candidates of project updated at or
	// after since, ordered by (updated, key) ascending and starting at
	// offset. The comparison is made at the remote's own timestamp
	// resolution. Only Key and Updated need to be set.
	FetchPage(ctx context.Context, project string, since time.Time, pageSize, offset int) ([]cache.IssueRecord, error)

	// FetchDetail returns the full record for key.
	FetchDetail(ctx context.Context, key string) (*cache.IssueRecord, error)
}

// ProgressFunc is called once for every persisted record, in persistence
// order, on the goroutine running the sync.
type ProgressFunc func(key string, updated time.Time)

// Result summarizes one sync pass.
type Result struct {
	Project string
	RunID   string
	Since   time.Time
	Pages   int
	Records int
}

// Engine syncs remote issues into a cache repository. The repository must
// be initialized by the caller and outlive the engine's calls.
type Engine struct {
	repo     cache.Repository
	pageSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the page size used against the remote. Values <= 0 are
// ignored.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// NewEngine creates a sync engine writing into repo.
func NewEngine(repo cache.Repository, opts ...Option) *Engine {
	e := &Engine{repo: repo, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PageSize returns the configured page size.
func (e *Engine) PageSize() int {
	return e.pageSize
}

// Update runs one incremental sync pass for project. It fetches every remote
// issue updated since the project's cursor, which is the newest Updated
// already cached or start when the project has no records.
//
// Records are persisted one at a time. If the pass fails or ctx is canceled,
// the records persisted so far stay committed and the next Update resumes
// from them.
func (e *Engine) Update(ctx context.Context, client RemoteClient, start time.Time, project string, progress ProgressFunc) (Result, error) {
	project = strings.TrimSpace(project)
	if client == nil {
		return Result{}, fmt.Errorf("%w: client is nil", ErrInvalidArgument)
	}
	if project == "" {
		return Result{}, fmt.Errorf("%w: project key is empty", ErrInvalidArgument)
	}
	if progress == nil {
		progress = func(string, time.Time) {}
	}

	res := Result{Project: project, RunID: uuid.NewString()}

	since, err := e.cursor(ctx, project, start)
	if err != nil {
		return res, err
	}
	res.Since = since
	logger.Debug("sync: [%s] updating %s since %s", res.RunID, project, since.Format(time.RFC3339))

	pages, err := walkPages(ctx, client, project, since, e.pageSize, func(candidate cache.IssueRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := client.FetchDetail(ctx, candidate.Key)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", candidate.Key, err)
		}
		if rec == nil {
			return fmt.Errorf("failed to fetch %s: no record returned", candidate.Key)
		}

		if err := e.repo.Upsert(ctx, *rec); err != nil {
			return fmt.Errorf("failed to store %s: %w", rec.Key, err)
		}

		res.Records++
		progress(rec.Key, rec.Updated)
		return nil
	})
	res.Pages = pages
	if err != nil {
		logger.Warn("sync: [%s] %s stopped after %d records: %v", res.RunID, project, res.Records, err)
		return res, fmt.Errorf("sync %s: %w", project, err)
	}

	logger.Info("sync: [%s] %s done: %d records in %d pages", res.RunID, project, res.Records, res.Pages)
	return res, nil
}

// UpdateAll runs Update for each project, at most concurrency at a time
// (concurrency <= 0 means one per project). Results are returned in the
// order of projects. The first failure cancels the remaining passes.
//
// progress may be called from several goroutines at once; calls are
// serialized by UpdateAll.
func (e *Engine) UpdateAll(ctx context.Context, client RemoteClient, start time.Time, projects []string, progress ProgressFunc, concurrency int) ([]Result, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is nil", ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(projects))
	for _, p := range projects {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: project key is empty", ErrInvalidArgument)
		}
		if seen[p] {
			return nil, fmt.Errorf("%w: project %s listed twice", ErrInvalidArgument, p)
		}
		seen[p] = true
	}

	if progress != nil {
		var mu gosync.Mutex
		inner := progress
		progress = func(key string, updated time.Time) {
			mu.Lock()
			defer mu.Unlock()
			inner(key, updated)
		}
	}

	results := make([]Result, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, project := range projects {
		g.Go(func() error {
			res, err := e.Update(gctx, client, start, project, progress)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
