// Package md renders cached issues as markdown documents with YAML
// frontmatter, and parses them back.
package md

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/jiracache/internal/cache"
)

// timeLayout is used for every timestamp in a rendered document.
const timeLayout = time.RFC3339

const statusHistoryHeading = "## Status history"

// frontmatter is the YAML header of a rendered issue.
type frontmatter struct {
	Key               string   `yaml:"key"`
	Project           string   `yaml:"project"`
	Type              string   `yaml:"type,omitempty"`
	Status            string   `yaml:"status,omitempty"`
	Resolution        string   `yaml:"resolution,omitempty"`
	Created           string   `yaml:"created,omitempty"`
	Updated           string   `yaml:"updated"`
	Labels            []string `yaml:"labels,omitempty,flow"`
	OriginalEstimate  string   `yaml:"original_estimate,omitempty"`
	RemainingEstimate string   `yaml:"remaining_estimate,omitempty"`
}

// ToMarkdown renders an issue as markdown: frontmatter, the title as a
// heading, and a table of status changes when there are any.
func ToMarkdown(rec cache.IssueRecord) string {
	fm := frontmatter{
		Key:        rec.Key,
		Project:    rec.Project,
		Type:       rec.Type,
		Status:     rec.Status,
		Resolution: rec.Resolution,
		Created:    formatTime(rec.Created),
		Updated:    formatTime(rec.Updated),
		Labels:     rec.Labels,
	}
	if rec.OriginalEstimate > 0 {
		fm.OriginalEstimate = rec.OriginalEstimate.String()
	}
	if rec.RemainingEstimate > 0 {
		fm.RemainingEstimate = rec.RemainingEstimate.String()
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	// Encoding a flat struct of strings cannot fail.
	_ = enc.Encode(fm)
	_ = enc.Close()
	buf.WriteString("---\n\n")

	fmt.Fprintf(&buf, "# %s\n", rec.Title)

	if len(rec.StatusChanges) > 0 {
		buf.WriteString("\n" + statusHistoryHeading + "\n\n")
		buf.WriteString("| Changed | Status |\n")
		buf.WriteString("|---------|--------|\n")
		for _, sc := range rec.StatusChanges {
			fmt.Fprintf(&buf, "| %s | %s |\n", formatTime(sc.At), escapeCell(sc.Status))
		}
	}

	return buf.String()
}

// FromMarkdown parses a document produced by ToMarkdown.
func FromMarkdown(content string) (*cache.IssueRecord, error) {
	if !strings.HasPrefix(content, "---\n") {
		return nil, errors.New("missing frontmatter")
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, errors.New("unterminated frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	if fm.Key == "" {
		return nil, errors.New("frontmatter has no key")
	}

	rec := &cache.IssueRecord{
		Key:        fm.Key,
		Project:    fm.Project,
		Type:       fm.Type,
		Status:     fm.Status,
		Resolution: fm.Resolution,
		Labels:     fm.Labels,
	}

	var err error
	if rec.Created, err = parseTime(fm.Created); err != nil {
		return nil, fmt.Errorf("created: %w", err)
	}
	if rec.Updated, err = parseTime(fm.Updated); err != nil {
		return nil, fmt.Errorf("updated: %w", err)
	}
	if rec.OriginalEstimate, err = parseDuration(fm.OriginalEstimate); err != nil {
		return nil, fmt.Errorf("original_estimate: %w", err)
	}
	if rec.RemainingEstimate, err = parseDuration(fm.RemainingEstimate); err != nil {
		return nil, fmt.Errorf("remaining_estimate: %w", err)
	}

	body := rest[end+len("\n---\n"):]
	inHistory := false
	for _, line := range strings.Split(body, "\n") {
		switch {
		case rec.Title == "" && strings.HasPrefix(line, "# "):
			rec.Title = strings.TrimPrefix(line, "# ")
		case line == statusHistoryHeading:
			inHistory = true
		case inHistory && strings.HasPrefix(line, "|"):
			sc, ok, err := parseHistoryRow(line)
			if err != nil {
				return nil, err
			}
			if ok {
				rec.StatusChanges = append(rec.StatusChanges, sc)
			}
		case strings.HasPrefix(line, "## "):
			inHistory = false
		}
	}

	return rec, nil
}

// parseHistoryRow parses one table row. The header and separator rows are
// skipped (ok is false).
func parseHistoryRow(line string) (cache.StatusChange, bool, error) {
	cells := strings.Split(strings.Trim(line, "|"), " | ")
	if len(cells) != 2 {
		return cache.StatusChange{}, false, nil
	}
	at := strings.TrimSpace(cells[0])
	if at == "Changed" || strings.HasPrefix(at, "---") {
		return cache.StatusChange{}, false, nil
	}
	t, err := time.Parse(timeLayout, at)
	if err != nil {
		return cache.StatusChange{}, false, fmt.Errorf("status history: %w", err)
	}
	status := strings.ReplaceAll(strings.TrimSpace(cells[1]), `\|`, "|")
	return cache.StatusChange{At: t, Status: status}, true, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
