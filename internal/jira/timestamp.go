package jira

import (
	"fmt"
	"time"
)

// jqlTimeLayout is the finest resolution JQL date comparisons accept.
const jqlTimeLayout = "2006-01-02 15:04"

// apiTimeLayout is the layout Jira uses for created/updated fields.
const apiTimeLayout = "2006-01-02T15:04:05.000-0700"

// ParseTimestamp parses Jira's timestamp format into a time.Time.
// Jira uses ISO 8601 with timezone: 2024-01-15T10:30:00.000+0000 or 2024-01-15T10:30:00.000Z
func ParseTimestamp(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	formats := []string{
		apiTimeLayout,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05-0700",
		"2006-01-02T15:04:05Z",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %s", ts)
}

// FormatJQLTime renders t for a JQL date comparison in loc. Seconds are
// dropped, so "updated >= FormatJQLTime(t)" also matches everything in the
// same minute as t.
func FormatJQLTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(jqlTimeLayout)
}
