package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/config"
	"github.com/JohanCodinha/jiracache/internal/jira"
	"github.com/JohanCodinha/jiracache/internal/logger"
	"github.com/JohanCodinha/jiracache/internal/sync"
)

// retryInitial is the first backoff interval for retryable Jira responses.
const retryInitial = 500 * time.Millisecond

var (
	syncSince string
	syncQuiet bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [PROJECT...]",
	Short: "Fetch issues updated since the last sync",
	Long: `Fetch every issue of the given projects that changed since the newest
issue already cached, and store it in the cache.

Projects default to sync.projects from the config. --since only applies to
projects that have nothing cached yet.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncSince, "since", "", "start for projects with an empty cache (YYYY-MM-DD, RFC 3339 or e.g. \"2 weeks ago\")")
	syncCmd.Flags().BoolVarP(&syncQuiet, "quiet", "q", false, "only print the summary")
	rootCmd.AddCommand(syncCmd)
}

// dateParser understands expressions like "yesterday" or "3 weeks ago".
var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince returns the start time for the sync, preferring the flag over
// the configured default. The flag takes a date, an RFC 3339 timestamp or an
// English expression relative to now.
func parseSince(flag string, def, now time.Time) (time.Time, error) {
	if flag == "" {
		return def, nil
	}
	if t, err := config.ParseStart(flag); err == nil {
		return t, nil
	}
	r, err := dateParser.Parse(flag, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: %w", err)
	}
	if r == nil || r.Index != 0 || r.Text != strings.TrimSpace(flag) {
		return time.Time{}, fmt.Errorf("--since: cannot parse %q: use YYYY-MM-DD, RFC 3339 or e.g. \"2 weeks ago\"", flag)
	}
	return r.Time, nil
}

// progressPrinter prints one line per stored issue.
func progressPrinter(out io.Writer) sync.ProgressFunc {
	key := color.New(color.FgCyan).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()
	return func(k string, updated time.Time) {
		fmt.Fprintf(out, "  %s %s\n", key(k), faint(updated.UTC().Format(time.RFC3339)))
	}
}

// printSummary prints one line per project that ran. A failed run still
// reports what it stored before stopping.
func printSummary(out io.Writer, results []sync.Result, failed bool) {
	mark := color.New(color.FgGreen).Sprint("✓")
	if failed {
		mark = color.New(color.FgYellow).Sprint("!")
	}
	for _, res := range results {
		if res.Project == "" {
			continue
		}
		fmt.Fprintf(out, "%s %s: %d issues in %d pages since %s\n",
			mark, res.Project, res.Records, res.Pages, res.Since.UTC().Format(time.RFC3339))
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	projects := args
	if len(projects) == 0 {
		projects = cfg.Sync.Projects
	}
	if len(projects) == 0 {
		return errors.New("no projects to sync: pass them as arguments or set sync.projects")
	}

	start, err := parseSince(syncSince, cfg.Sync.Start, time.Now())
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureCacheDir(cfg.Cache.Path); err != nil {
		return err
	}
	lock := cache.NewLock(cfg.Cache.Path)
	if err := lock.Acquire(ctx, cfg.Sync.LockTimeout); err != nil {
		if errors.Is(err, cache.ErrLocked) {
			return fmt.Errorf("another sync is using %s: %w", cfg.Cache.Path, err)
		}
		return err
	}
	defer lock.Release()

	db, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	client := jira.NewClient(cfg.Jira.URL, cfg.Jira.Username, cfg.Jira.APIToken,
		jira.WithLocation(loc),
		jira.WithRetry(retryInitial, cfg.Jira.MaxRetryElapsed),
	)
	engine := sync.NewEngine(db, sync.WithPageSize(cfg.Sync.PageSize))

	out := cmd.OutOrStdout()
	var progress sync.ProgressFunc
	if !syncQuiet {
		progress = progressPrinter(out)
	}

	logger.Debug("sync: projects %v from %s", projects, start.Format(time.RFC3339))
	results, err := engine.UpdateAll(ctx, client, start, projects, progress, cfg.Sync.Concurrency)
	printSummary(out, results, err != nil)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			fmt.Fprintln(cmd.ErrOrStderr(), "interrupted; rerun sync to resume")
		}
		return err
	}
	return nil
}
