package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/md"
)

var (
	exportProject string
	exportFormat  string
)

var listCmd = &cobra.Command{
	Use:   "list [PROJECT]",
	Short: "List cached issues",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <KEY>",
	Short: "Print a cached issue as markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump cached issues as YAML or JSON",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportProject, "project", "p", "", "only export this project")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "yaml", "output format: yaml or json")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
}

// loadRecords reads all cached records, or those of one project.
func loadRecords(cmd *cobra.Command, project string) ([]cache.IssueRecord, error) {
	db, err := openCache(cmd.Context())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if project == "" {
		return db.GetAll(cmd.Context())
	}
	return db.GetByProject(cmd.Context(), project)
}

func runList(cmd *cobra.Command, args []string) error {
	var project string
	if len(args) == 1 {
		project = args[0]
	}
	records, err := loadRecords(cmd, project)
	if err != nil {
		return err
	}
	return writeTable(cmd.OutOrStdout(), records)
}

func writeTable(out io.Writer, records []cache.IssueRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATUS\tTYPE\tUPDATED\tTITLE")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Key, rec.Status, rec.Type, rec.Updated.UTC().Format("2006-01-02 15:04"), rec.Title)
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])

	db, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.Get(cmd.Context(), key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("issue %s is not cached", key)
	}
	fmt.Fprint(cmd.OutOrStdout(), md.ToMarkdown(*rec))
	return nil
}

// exportRecord is the serialized form of a cached issue.
type exportRecord struct {
	Key               string         `json:"key" yaml:"key"`
	Project           string         `json:"project" yaml:"project"`
	Title             string         `json:"title" yaml:"title"`
	Type              string         `json:"type,omitempty" yaml:"type,omitempty"`
	Status            string         `json:"status,omitempty" yaml:"status,omitempty"`
	Resolution        string         `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Labels            []string       `json:"labels,omitempty" yaml:"labels,omitempty"`
	Created           time.Time      `json:"created" yaml:"created"`
	Updated           time.Time      `json:"updated" yaml:"updated"`
	OriginalEstimate  string         `json:"original_estimate,omitempty" yaml:"original_estimate,omitempty"`
	RemainingEstimate string         `json:"remaining_estimate,omitempty" yaml:"remaining_estimate,omitempty"`
	StatusChanges     []exportChange `json:"status_changes,omitempty" yaml:"status_changes,omitempty"`
}

type exportChange struct {
	At     time.Time `json:"at" yaml:"at"`
	Status string    `json:"status" yaml:"status"`
}

func toExport(rec cache.IssueRecord) exportRecord {
	out := exportRecord{
		Key:        rec.Key,
		Project:    rec.Project,
		Title:      rec.Title,
		Type:       rec.Type,
		Status:     rec.Status,
		Resolution: rec.Resolution,
		Labels:     rec.Labels,
		Created:    rec.Created.UTC(),
		Updated:    rec.Updated.UTC(),
	}
	if rec.OriginalEstimate > 0 {
		out.OriginalEstimate = rec.OriginalEstimate.String()
	}
	if rec.RemainingEstimate > 0 {
		out.RemainingEstimate = rec.RemainingEstimate.String()
	}
	for _, sc := range rec.StatusChanges {
		out.StatusChanges = append(out.StatusChanges, exportChange{At: sc.At.UTC(), Status: sc.Status})
	}
	return out
}

// writeExport encodes records in the given format.
func writeExport(out io.Writer, records []cache.IssueRecord, format string) error {
	exported := make([]exportRecord, 0, len(records))
	for _, rec := range records {
		exported = append(exported, toExport(rec))
	}

	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(exported); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(exported); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown export format %q: use yaml or json", format)
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	switch strings.ToLower(exportFormat) {
	case "yaml", "yml", "json":
	default:
		return fmt.Errorf("unknown export format %q: use yaml or json", exportFormat)
	}

	records, err := loadRecords(cmd, strings.TrimSpace(exportProject))
	if err != nil {
		return err
	}
	return writeExport(cmd.OutOrStdout(), records, exportFormat)
}
