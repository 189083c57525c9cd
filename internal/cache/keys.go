package cache

import (
	"fmt"
	"strings"

	"github.com/steveyegge/trackbridge/internal/types"
)

// Key is a cache key built by one of the family builders below. Building keys
// only through these functions keeps unrelated entity kinds from colliding.
type Key string

// String returns the raw key.
func (k Key) String() string { return string(k) }

// Key families. Each family owns a distinct prefix segment.
const (
	familyExternalIssue   = "ext-issue"
	familyInternalIssue   = "int-issue"
	familyExternalComment = "ext-comment"
	familyInternalComment = "int-comment"
	familyJobState        = "orchestrator:state"
)

func build(family string, source types.IntegrationKey, parts ...string) (Key, error) {
	if source == "" && family != familyJobState {
		return "", fmt.Errorf("%s key: integration is required", family)
	}
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%s key: component %d is empty", family, i)
		}
		if strings.Contains(p, ":") {
			return "", fmt.Errorf("%s key: component %q contains ':'", family, p)
		}
	}
	segs := make([]string, 0, len(parts)+2)
	segs = append(segs, family)
	if source != "" {
		segs = append(segs, source.Lower())
	}
	segs = append(segs, parts...)
	return Key(strings.Join(segs, ":")), nil
}

// ExternalIssueKey marks an external issue that we just wrote, so the
// external tracker's own webhook for it is discarded.
func ExternalIssueKey(source types.IntegrationKey, projectID, issueID string) (Key, error) {
	return build(familyExternalIssue, source, projectID, issueID)
}

// InternalIssueKey marks an internal issue that we just wrote from an
// external event.
func InternalIssueKey(source types.IntegrationKey, issueID string) (Key, error) {
	return build(familyInternalIssue, source, issueID)
}

// ExternalCommentKey marks an external comment that we just wrote.
// externalIssueID is the internal representation of the external issue
// ("projectId_iid").
func ExternalCommentKey(source types.IntegrationKey, projectID, externalIssueID, commentID string) (Key, error) {
	return build(familyExternalComment, source, projectID, externalIssueID, commentID)
}

// InternalCommentKey marks an internal comment that we just wrote from an
// external event.
func InternalCommentKey(source types.IntegrationKey, commentID string) (Key, error) {
	return build(familyInternalComment, source, commentID)
}

// JobStateKey is where the step engine keeps the checkpoint of a job.
func JobStateKey(jobID string) (Key, error) {
	return build(familyJobState, "", jobID)
}
