package syncer

import (
	"errors"
	"net/http"

	"github.com/steveyegge/trackbridge/internal/connection"
	"github.com/steveyegge/trackbridge/internal/gitlab"
	"github.com/steveyegge/trackbridge/internal/workitems"
)

// GitLabClients returns a factory that builds a GitLab client for the
// connected project with the credential's source token. A nil httpClient
// uses the client default.
func GitLabClients(httpClient *http.Client) ExternalFactory {
	return func(d *connection.Details) (ExternalTracker, error) {
		if d.Credential.SourceAccessToken == "" {
			return nil, errors.New("credential has no gitlab token")
		}
		base := d.WorkspaceConnection.BaseURL
		if base == "" {
			base = gitlab.DefaultBaseURL
		}
		c := gitlab.NewClient(d.Credential.SourceAccessToken, base, d.EntityConnection.EntityID)
		if httpClient != nil {
			c = c.WithHTTPClient(httpClient)
		}
		return c, nil
	}
}

// InternalClients returns a factory that builds an internal tracker client
// for the connection's workspace with the credential's target token.
func InternalClients(apiBaseURL string, opts ...workitems.Option) InternalFactory {
	return func(d *connection.Details) (InternalTracker, error) {
		if d.Credential.TargetAccessToken == "" {
			return nil, errors.New("credential has no internal tracker token")
		}
		return workitems.NewClient(apiBaseURL, d.Credential.TargetAccessToken, d.WorkspaceConnection.WorkspaceSlug, opts...), nil
	}
}
