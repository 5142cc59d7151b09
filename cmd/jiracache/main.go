// Package main provides the CLI entrypoint for jiracache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/config"
	"github.com/JohanCodinha/jiracache/internal/fs"
	"github.com/JohanCodinha/jiracache/internal/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	configPath string
	logLevel   string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jiracache",
	Short: "Mirror Jira issues into a local cache",
	Long: `jiracache incrementally copies the issues of Jira projects into a local
SQLite cache. Each sync only fetches issues updated since the newest one
already cached, so it can be interrupted and rerun at any time.

The cache can be listed, exported, or mounted read-only as markdown files.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount the cache as a read-only filesystem",
	Long: `Mount the cached issues as markdown files at the specified mountpoint.

Each project is a directory holding one KEY-N.md file per issue. The view is
read-only and reflects syncs that happen while it is mounted.`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <mountpoint>",
	Short: "Unmount a previously mounted filesystem",
	Long: `Unmount a jiracache filesystem.

The mountpoint must be an existing directory where jiracache is mounted.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnmount,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/jiracache/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if err := loaded.ValidateLocal(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := logger.ParseLevel(loaded.Log.Level)
	logger.SetLevel(level)
	if loaded.Log.File != "" {
		if err := logger.SetLogFile(loaded.Log.File); err != nil {
			return err
		}
	}

	cfg = loaded
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	logger.Close()
	return nil
}

// ensureCacheDir creates the directory holding the cache database.
func ensureCacheDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory %q: %w", dir, err)
	}
	return nil
}

// openCache opens and initializes the configured cache database.
func openCache(ctx context.Context) (*cache.DB, error) {
	if err := ensureCacheDir(cfg.Cache.Path); err != nil {
		return nil, err
	}
	db := cache.NewDB(cfg.Cache.Path, cache.Options{
		Driver:      cfg.Cache.Driver,
		BusyTimeout: cfg.Cache.BusyTimeout,
	})
	if err := db.Initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	logger.Debug("cache: opened %s", cfg.Cache.Path)
	return db, nil
}

// ensureMountpoint creates the mountpoint if it does not exist yet.
// It reports whether the directory was created.
func ensureMountpoint(mountpoint string) (bool, error) {
	info, err := os.Stat(mountpoint)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("cannot access mountpoint %q: %w", mountpoint, err)
		}
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return false, fmt.Errorf("failed to create mountpoint %q: %w", mountpoint, err)
		}
		return true, nil
	}
	if !info.IsDir() {
		return false, fmt.Errorf("mountpoint %q is not a directory", mountpoint)
	}
	return false, nil
}

// getUnmountCommand returns the platform command that unmounts a FUSE
// filesystem.
func getUnmountCommand(mountpoint string) *exec.Cmd {
	if runtime.GOOS == "darwin" {
		return exec.Command("umount", mountpoint)
	}
	return exec.Command("fusermount", "-u", mountpoint)
}

func runMount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]
	out := cmd.OutOrStdout()

	created, err := ensureMountpoint(mountpoint)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "created mountpoint %s\n", mountpoint)
	}

	db, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	filesystem := fs.NewFS(db, mountpoint)

	// Mount blocks until unmount
	fmt.Fprintf(out, "mounting %s at %s\n", cfg.Cache.Path, mountpoint)
	fmt.Fprintln(out, "press Ctrl+C to unmount")
	if err := filesystem.Mount(); err != nil {
		return fmt.Errorf("mount error: %w", err)
	}

	fmt.Fprintln(out, "unmounted successfully")
	return nil
}

func runUnmount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]

	info, err := os.Stat(mountpoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mountpoint %q does not exist", mountpoint)
		}
		return fmt.Errorf("cannot access mountpoint %q: %w", mountpoint, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mountpoint %q is not a directory", mountpoint)
	}

	absMountpoint, err := filepath.Abs(mountpoint)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "unmounting %s\n", absMountpoint)

	unmount := getUnmountCommand(absMountpoint)
	unmount.Stdout = out
	unmount.Stderr = cmd.ErrOrStderr()
	if err := unmount.Run(); err != nil {
		return fmt.Errorf("failed to unmount: %w", err)
	}

	fmt.Fprintln(out, "unmounted successfully")
	return nil
}
