//go:build integration

// Run with: go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/fs"
	"github.com/JohanCodinha/jiracache/internal/jira"
)

// TestE2E_MountShowsSyncedIssues tests the sync → mount → read cycle, and
// that a sync while mounted shows up in the view.
func TestE2E_MountShowsSyncedIssues(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("FUSE tests require root or CAP_SYS_ADMIN")
	}

	ctx := context.Background()
	s := newStack(t, cache.DriverModernc)
	s.mock.AddIssue(jira.MockIssue{
		Key:     "ABC-1",
		Summary: "Test Issue",
		Status:  "Open",
		Created: base,
		Updated: base,
	})
	if _, err := s.engine.Update(ctx, s.client, base, "ABC", nil); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	mountpoint := filepath.Join(t.TempDir(), "mount")
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		t.Fatalf("failed to create mountpoint: %v", err)
	}

	filesystem := fs.NewFS(s.db, mountpoint)
	mountErr := make(chan error, 1)
	go func() {
		mountErr <- filesystem.Mount()
	}()

	// Wait for mount
	time.Sleep(500 * time.Millisecond)

	t.Run("ListProjects", func(t *testing.T) {
		entries, err := os.ReadDir(mountpoint)
		if err != nil {
			t.Fatalf("failed to read mountpoint: %v", err)
		}
		if len(entries) != 1 || entries[0].Name() != "ABC" || !entries[0].IsDir() {
			t.Fatalf("expected a single ABC directory, got %v", entries)
		}
	})

	issuePath := filepath.Join(mountpoint, "ABC", "ABC-1.md")

	t.Run("ReadFile", func(t *testing.T) {
		content, err := os.ReadFile(issuePath)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if !strings.Contains(string(content), "# Test Issue") {
			t.Errorf("expected title, got: %s", content)
		}
		if !strings.Contains(string(content), "status: Open") {
			t.Errorf("expected status in frontmatter, got: %s", content)
		}
	})

	t.Run("WriteRejected", func(t *testing.T) {
		err := os.WriteFile(issuePath, []byte("changed"), 0644)
		if err == nil {
			t.Fatal("expected write to a read-only mount to fail")
		}
		if !strings.Contains(err.Error(), syscall.EROFS.Error()) && !os.IsPermission(err) {
			t.Errorf("expected read-only error, got %v", err)
		}
	})

	t.Run("SyncWhileMounted", func(t *testing.T) {
		s.mock.AddIssue(jira.MockIssue{
			Key:     "ABC-2",
			Summary: "Arrived later",
			Status:  "Open",
			Created: base,
			Updated: base.Add(time.Hour),
		})
		if _, err := s.engine.Update(ctx, s.client, base, "ABC", nil); err != nil {
			t.Fatalf("sync failed: %v", err)
		}

		// Wait out the entry cache
		time.Sleep(1100 * time.Millisecond)

		content, err := os.ReadFile(filepath.Join(mountpoint, "ABC", "ABC-2.md"))
		if err != nil {
			t.Fatalf("new issue not visible: %v", err)
		}
		if !strings.Contains(string(content), "# Arrived later") {
			t.Errorf("unexpected content: %s", content)
		}
	})

	if err := filesystem.Unmount(); err != nil {
		t.Errorf("unmount failed: %v", err)
	}
	select {
	case err := <-mountErr:
		if err != nil {
			t.Errorf("mount returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("mount did not return after unmount")
	}
}
