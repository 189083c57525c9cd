package gitlab

import "strings"

// Sync gate labels. An internal issue goes out only when it carries
// InternalSyncLabel; a GitLab issue comes in only when it carries
// ExternalSyncLabel. The gate labels never cross sides.
const (
	InternalSyncLabel = "gitlab"
	ExternalSyncLabel = "plane"
)

// labelPriorities maps "priority::<value>" values to internal priorities.
var labelPriorities = map[string]string{
	"critical": "urgent",
	"urgent":   "urgent",
	"high":     "high",
	"medium":   "medium",
	"low":      "low",
	"none":     "none",
}

// PriorityFromLabels extracts the internal priority from "priority::x"
// labels. It returns "" when no priority label is present.
func PriorityFromLabels(labels []string) string {
	for _, label := range labels {
		prefix, value := ParseLabelPrefix(label)
		if prefix == "priority" {
			if p, ok := labelPriorities[strings.ToLower(value)]; ok {
				return p
			}
		}
	}
	return ""
}

// PriorityLabel is the scoped label for an internal priority, or "" for
// none and unknown priorities.
func PriorityLabel(priority string) string {
	switch priority {
	case "urgent":
		return "priority::critical"
	case "high", "medium", "low":
		return "priority::" + priority
	default:
		return ""
	}
}

// HasLabel reports whether labels contain name, ignoring case.
func HasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// reservedScopes are label scopes that map onto issue fields rather than
// internal labels.
var reservedScopes = map[string]bool{"priority": true, "status": true, "type": true}

// FilterNonScopedLabels drops priority::, status:: and type:: labels and
// keeps the rest in order.
func FilterNonScopedLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		if prefix, _ := ParseLabelPrefix(label); !reservedScopes[prefix] {
			out = append(out, label)
		}
	}
	return out
}
