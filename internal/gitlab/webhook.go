package gitlab

import "time"

// Webhook header names.
const (
	HeaderEvent = "X-Gitlab-Event"
	HeaderToken = "X-Gitlab-Token"
)

// Webhook event names carried in X-Gitlab-Event.
const (
	EventIssueHook = "Issue Hook"
	EventNoteHook  = "Note Hook"
)

// Issue webhook actions.
const (
	ActionOpen   = "open"
	ActionClose  = "close"
	ActionReopen = "reopen"
	ActionUpdate = "update"
)

// SupportedWorkItemTypes are the work item types synced from GitLab.
var SupportedWorkItemTypes = map[string]bool{
	"Issue":    true,
	"Incident": true,
}

// HookProject is the project block of a webhook payload.
type HookProject struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

// HookLabel is a label as sent in webhooks.
type HookLabel struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// IssueAttributes is object_attributes of an issue webhook.
type IssueAttributes struct {
	ID          int      `json:"id"`
	IID         int      `json:"iid"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	Action      string   `json:"action"`
	Type        string   `json:"type"`
	URL         string   `json:"url"`
	UpdatedAt   HookTime `json:"updated_at"`
	CreatedAt   HookTime `json:"created_at"`
}

// IssueHook is the payload of an "Issue Hook" webhook.
type IssueHook struct {
	ObjectKind       string          `json:"object_kind"`
	User             *User           `json:"user"`
	Project          HookProject     `json:"project"`
	ObjectAttributes IssueAttributes `json:"object_attributes"`
	Labels           []HookLabel     `json:"labels"`
}

// NoteAttributes is object_attributes of a note webhook.
type NoteAttributes struct {
	ID           int      `json:"id"`
	Note         string   `json:"note"`
	NoteableType string   `json:"noteable_type"`
	System       bool     `json:"system"`
	Action       string   `json:"action"`
	URL          string   `json:"url"`
	UpdatedAt    HookTime `json:"updated_at"`
	CreatedAt    HookTime `json:"created_at"`
}

// HookIssue is the issue block of a note webhook.
type HookIssue struct {
	ID     int         `json:"id"`
	IID    int         `json:"iid"`
	Title  string      `json:"title"`
	State  string      `json:"state"`
	Labels []HookLabel `json:"labels"`
}

// NoteHook is the payload of a "Note Hook" webhook.
type NoteHook struct {
	ObjectKind       string         `json:"object_kind"`
	User             *User          `json:"user"`
	Project          HookProject    `json:"project"`
	ObjectAttributes NoteAttributes `json:"object_attributes"`
	Issue            *HookIssue     `json:"issue,omitempty"`
}

// HookTime decodes the timestamp formats GitLab uses in webhooks:
// RFC 3339 and "2006-01-02 15:04:05 UTC".
type HookTime struct {
	time.Time
}

var hookTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *HookTime) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	for _, layout := range hookTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	// Unknown formats are tolerated; the timestamp only feeds latency metrics.
	t.Time = time.Time{}
	return nil
}
