// Package integration contains end-to-end tests running the sync engine
// against the mock Jira server and a SQLite cache.
package integration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/jira"
	"github.com/JohanCodinha/jiracache/internal/sync"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type stack struct {
	mock   *jira.MockServer
	client *jira.Client
	db     *cache.DB
	engine *sync.Engine
}

// newStack wires a mock Jira server, a client without retries, a fresh
// SQLite cache and an engine.
func newStack(t *testing.T, driver string) *stack {
	t.Helper()

	mock := jira.NewMockServer()
	t.Cleanup(mock.Close)

	db := cache.NewDB(filepath.Join(t.TempDir(), "issues.db"), cache.Options{Driver: driver})
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &stack{
		mock:   mock,
		client: jira.NewClient(mock.URL, "", "test-token", jira.WithRetry(0, 0)),
		db:     db,
		engine: sync.NewEngine(db),
	}
}

// seed adds n issues to project, one minute apart starting at from.
func (s *stack) seed(project string, n int, from time.Time) {
	for i := 1; i <= n; i++ {
		s.mock.AddIssue(jira.MockIssue{
			Key:     fmt.Sprintf("%s-%d", project, i),
			Summary: fmt.Sprintf("Issue %d", i),
			Type:    "Task",
			Status:  "Open",
			Created: from,
			Updated: from.Add(time.Duration(i-1) * time.Minute),
		})
	}
}

func (s *stack) count(t *testing.T, project string) int {
	t.Helper()
	recs, err := s.db.GetByProject(context.Background(), project)
	if err != nil {
		t.Fatalf("GetByProject(%s) failed: %v", project, err)
	}
	return len(recs)
}

func TestE2E_SingleIssueIdempotentResync(t *testing.T) {
	for _, driver := range []string{cache.DriverModernc, cache.DriverNcruces} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			s := newStack(t, driver)
			s.mock.AddIssue(jira.MockIssue{
				Key:              "K-1",
				Summary:          "Checkout fails",
				Type:             "Bug",
				Status:           "Done",
				Resolution:       "Fixed",
				Labels:           []string{"payments"},
				Created:          base,
				Updated:          base.Add(3 * time.Hour),
				OriginalEstimate: 4 * time.Hour,
				Transitions: []jira.MockTransition{
					{At: base.Add(time.Hour), From: "Open", To: "In Progress"},
					{At: base.Add(3 * time.Hour), From: "In Progress", To: "Done"},
				},
			})

			res, err := s.engine.Update(ctx, s.client, base.Add(-24*time.Hour), "K", nil)
			if err != nil {
				t.Fatalf("first sync failed: %v", err)
			}
			if res.Records != 1 || res.Pages != 1 {
				t.Errorf("expected 1 record in 1 page, got %+v", res)
			}

			first, err := s.db.Get(ctx, "K-1")
			if err != nil || first == nil {
				t.Fatalf("K-1 not cached: %v", err)
			}
			if first.Status != "Done" || first.Resolution != "Fixed" || first.OriginalEstimate != 4*time.Hour {
				t.Errorf("unexpected record %+v", first)
			}
			wantHistory := []string{"Open", "In Progress", "Done"}
			if len(first.StatusChanges) != len(wantHistory) {
				t.Fatalf("expected %d status changes, got %+v", len(wantHistory), first.StatusChanges)
			}
			for i, want := range wantHistory {
				if first.StatusChanges[i].Status != want {
					t.Errorf("status change %d: expected %q, got %q", i, want, first.StatusChanges[i].Status)
				}
			}

			// The boundary is inclusive, so K-1 is fetched again and rewritten unchanged.
			res, err = s.engine.Update(ctx, s.client, base.Add(-24*time.Hour), "K", nil)
			if err != nil {
				t.Fatalf("second sync failed: %v", err)
			}
			if res.Records != 1 || !res.Since.Equal(base.Add(3*time.Hour)) {
				t.Errorf("expected resync of K-1 from its updated time, got %+v", res)
			}

			all, err := s.db.GetAll(ctx)
			if err != nil {
				t.Fatalf("GetAll failed: %v", err)
			}
			if len(all) != 1 {
				t.Fatalf("expected 1 cached record, got %d", len(all))
			}
			second := all[0]
			if second.Title != first.Title || !second.Updated.Equal(first.Updated) || len(second.StatusChanges) != len(first.StatusChanges) {
				t.Errorf("resync changed the record:\nbefore %+v\nafter  %+v", first, second)
			}
		})
	}
}

func TestE2E_PageBoundaries(t *testing.T) {
	tests := []struct {
		issues    int
		wantPages int
	}{
		{0, 1},
		{49, 1},
		{50, 2},
		{100, 3},
		{201, 5},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d issues", tt.issues), func(t *testing.T) {
			s := newStack(t, cache.DriverModernc)
			s.seed("ABC", tt.issues, base)

			res, err := s.engine.Update(context.Background(), s.client, base, "ABC", nil)
			if err != nil {
				t.Fatalf("sync failed: %v", err)
			}
			if res.Records != tt.issues {
				t.Errorf("expected %d records, got %d", tt.issues, res.Records)
			}
			if res.Pages != tt.wantPages || s.mock.SearchRequests() != tt.wantPages {
				t.Errorf("expected %d pages, got %d (%d searches)", tt.wantPages, res.Pages, s.mock.SearchRequests())
			}
			if got := s.count(t, "ABC"); got != tt.issues {
				t.Errorf("expected %d cached, got %d", tt.issues, got)
			}
		})
	}
}

func TestE2E_SameMinuteBurst(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, cache.DriverModernc)

	// 120 issues updated within one minute, more than two pages' worth.
	for i := 1; i <= 120; i++ {
		s.mock.AddIssue(jira.MockIssue{
			Key:     fmt.Sprintf("ABC-%d", i),
			Status:  "Open",
			Created: base,
			Updated: base.Add(time.Duration(i%60)*time.Second + time.Duration(i)*time.Millisecond),
		})
	}

	res, err := s.engine.Update(ctx, s.client, base.Add(-time.Hour), "ABC", nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.Records != 120 || res.Pages != 3 {
		t.Errorf("expected 120 records in 3 pages, got %+v", res)
	}

	// A late arrival inside the same minute is still picked up.
	s.mock.AddIssue(jira.MockIssue{Key: "ABC-121", Status: "Open", Created: base, Updated: base.Add(10 * time.Second)})

	res, err = s.engine.Update(ctx, s.client, base.Add(-time.Hour), "ABC", nil)
	if err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	if res.Records != 121 {
		t.Errorf("expected the whole minute to be fetched again, got %d records", res.Records)
	}
	if got := s.count(t, "ABC"); got != 121 {
		t.Errorf("expected 121 cached, got %d", got)
	}
}

func TestE2E_ResumeAfterRemoteFailure(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, cache.DriverModernc)
	s.seed("ABC", 100, base)

	stored := 0
	_, err := s.engine.Update(ctx, s.client, base, "ABC", func(key string, updated time.Time) {
		stored++
		if stored == 30 {
			s.mock.FailNext(500, 1)
		}
	})
	var apiErr *jira.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("expected APIError 500, got %v", err)
	}
	if got := s.count(t, "ABC"); got != 30 {
		t.Fatalf("expected the 30 records before the failure to stay committed, got %d", got)
	}

	res, err := s.engine.Update(ctx, s.client, base, "ABC", nil)
	if err != nil {
		t.Fatalf("resumed sync failed: %v", err)
	}
	if !res.Since.Equal(base.Add(29 * time.Minute)) {
		t.Errorf("expected resume from ABC-30's updated time, got %v", res.Since)
	}
	if res.Records != 71 {
		t.Errorf("expected 71 records (ABC-30 again plus the rest), got %d", res.Records)
	}
	if got := s.count(t, "ABC"); got != 100 {
		t.Errorf("expected 100 cached, got %d", got)
	}
}

func TestE2E_CancellationKeepsProgress(t *testing.T) {
	s := newStack(t, cache.DriverNcruces)
	s.seed("ABC", 80, base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stored := 0
	_, err := s.engine.Update(ctx, s.client, base, "ABC", func(string, time.Time) {
		stored++
		if stored == 10 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := s.count(t, "ABC"); got != 10 {
		t.Fatalf("expected 10 committed records, got %d", got)
	}

	res, err := s.engine.Update(context.Background(), s.client, base, "ABC", nil)
	if err != nil {
		t.Fatalf("resumed sync failed: %v", err)
	}
	if res.Records != 71 {
		t.Errorf("expected 71 records on resume, got %d", res.Records)
	}
}

func TestE2E_ProjectIsolation(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, cache.DriverModernc)
	s.seed("ABC", 5, base)
	s.seed("XYZ", 3, base.Add(time.Hour))

	if _, err := s.engine.Update(ctx, s.client, base, "ABC", nil); err != nil {
		t.Fatalf("sync ABC failed: %v", err)
	}
	if _, ok, _ := s.db.LastUpdatedTime(ctx, "XYZ"); ok {
		t.Error("syncing ABC must not move the XYZ cursor")
	}

	// XYZ has nothing cached, so its start applies even though ABC has a cursor.
	res, err := s.engine.Update(ctx, s.client, base.Add(61*time.Minute), "XYZ", nil)
	if err != nil {
		t.Fatalf("sync XYZ failed: %v", err)
	}
	if res.Records != 2 {
		t.Errorf("expected XYZ-2 and XYZ-3 from the start time, got %d records", res.Records)
	}
	if got := s.count(t, "ABC"); got != 5 {
		t.Errorf("ABC records changed: %d", got)
	}
}

func TestE2E_UpdateAll(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, cache.DriverModernc)
	projects := []string{"ABC", "DEF", "XYZ"}
	for i, p := range projects {
		s.seed(p, 40+i*20, base)
	}

	results, err := s.engine.UpdateAll(ctx, s.client, base, projects, nil, 2)
	if err != nil {
		t.Fatalf("UpdateAll failed: %v", err)
	}
	for i, p := range projects {
		want := 40 + i*20
		if results[i].Project != p || results[i].Records != want {
			t.Errorf("result %d: expected %s with %d records, got %+v", i, p, want, results[i])
		}
		if got := s.count(t, p); got != want {
			t.Errorf("%s: expected %d cached, got %d", p, want, got)
		}
	}

	got, err := s.db.Projects(ctx)
	if err != nil {
		t.Fatalf("Projects failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 projects, got %v", got)
	}
}

func TestE2E_RemoteChangesReplaceRecords(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, cache.DriverModernc)
	s.mock.AddIssue(jira.MockIssue{
		Key:     "ABC-1",
		Summary: "Original",
		Status:  "Open",
		Labels:  []string{"a", "b"},
		Created: base,
		Updated: base,
	})

	if _, err := s.engine.Update(ctx, s.client, base, "ABC", nil); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}

	s.mock.AddIssue(jira.MockIssue{
		Key:     "ABC-1",
		Summary: "Renamed",
		Status:  "In Progress",
		Created: base,
		Updated: base.Add(2 * time.Hour),
		Transitions: []jira.MockTransition{
			{At: base.Add(2 * time.Hour), From: "Open", To: "In Progress"},
		},
	})

	if _, err := s.engine.Update(ctx, s.client, base, "ABC", nil); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	got, err := s.db.Get(ctx, "ABC-1")
	if err != nil || got == nil {
		t.Fatalf("ABC-1 not cached: %v", err)
	}
	if got.Title != "Renamed" || got.Status != "In Progress" {
		t.Errorf("record not replaced: %+v", got)
	}
	if len(got.Labels) != 0 {
		t.Errorf("labels removed remotely should be gone, got %v", got.Labels)
	}
	if len(got.StatusChanges) != 2 {
		t.Errorf("expected 2 status changes, got %+v", got.StatusChanges)
	}
	last, _, _ := s.db.LastUpdatedTime(ctx, "ABC")
	if !last.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("cursor did not advance: %v", last)
	}
}

func TestE2E_JiraTimeZone(t *testing.T) {
	ctx := context.Background()
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}

	s := newStack(t, cache.DriverModernc)
	s.mock.SetLocation(paris)
	s.client = jira.NewClient(s.mock.URL, "", "test-token", jira.WithRetry(0, 0), jira.WithLocation(paris))
	s.seed("ABC", 3, base)

	res, err := s.engine.Update(ctx, s.client, base.Add(time.Minute), "ABC", nil)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.Records != 2 {
		t.Errorf("expected ABC-2 and ABC-3, got %d records", res.Records)
	}
}
