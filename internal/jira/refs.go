package jira

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BrowseURL returns the web URL of an issue key.
func BrowseURL(baseURL, key string) string {
	return strings.TrimSuffix(baseURL, "/") + "/browse/" + key
}

// Jira Server writes "2024-01-15T10:30:00.000+0000"; the rest are seen on
// older installs and in exported data.
var timestampLayouts = [...]string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

// ParseTimestamp parses a Jira created/updated field.
func ParseTimestamp(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized jira timestamp %q", ts)
}

var priorityNames = map[string]string{
	"highest": "urgent", "blocker": "urgent",
	"high": "high", "critical": "high",
	"medium": "medium", "major": "medium",
	"low": "low", "lowest": "low", "minor": "low", "trivial": "low",
}

// Priority maps a Jira priority name onto the internal scale, "none" when
// the name is unknown.
func Priority(name string) string {
	if p, ok := priorityNames[strings.ToLower(name)]; ok {
		return p
	}
	return "none"
}
