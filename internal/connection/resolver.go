// Package connection resolves which external-tracker connection, if any,
// applies to an internal workspace/project pair or to an external project.
//
// Absence is the common steady state: most projects are not connected.
// Resolve therefore returns (nil, nil) when nothing is linked and reserves
// errors for failures of the underlying repository.
package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/trackbridge/internal/types"
)

// Repository is the read/write view of persisted connection configuration.
// Lookups return (nil, nil) when nothing matches.
type Repository interface {
	WorkspaceConnection(ctx context.Context, workspaceSlug string, key types.IntegrationKey) (*types.WorkspaceConnection, error)
	WorkspaceConnectionByID(ctx context.Context, id string) (*types.WorkspaceConnection, error)
	Credential(ctx context.Context, id string) (*types.Credential, error)
	EntityConnection(ctx context.Context, workspaceConnectionID, projectID string, typ types.ConnectionType) (*types.EntityConnection, error)
	EntityConnectionByEntity(ctx context.Context, entityID string, key types.IntegrationKey, typ types.ConnectionType) (*types.EntityConnection, error)
	IssueLinkConnection(ctx context.Context, entityID, projectID, issueID string, key types.IntegrationKey) (*types.EntityConnection, error)
	SaveEntityConnection(ctx context.Context, conn *types.EntityConnection) error
	DisableEntityConnection(ctx context.Context, id string, at time.Time) error
}

// Details is everything a sync operation needs about a connection.
type Details struct {
	WorkspaceConnection *types.WorkspaceConnection
	EntityConnection    *types.EntityConnection
	Credential          *types.Credential
}

// SyncEnabled reports whether the user allowed bidirectional sync on the
// entity connection. A disabled sync is an intentional choice and callers log
// it separately from a missing connection.
func (d *Details) SyncEnabled() bool {
	return d != nil && d.EntityConnection != nil && d.EntityConnection.Config.AllowBidirectionalSync
}

// Key returns the integration key of the resolved connection.
func (d *Details) Key() types.IntegrationKey {
	return d.EntityConnection.EntityType
}

// Family names the standard and enterprise integration keys of a tracker.
type Family struct {
	Standard   types.IntegrationKey
	Enterprise types.IntegrationKey
}

// GitLab is the GitLab integration family.
var GitLab = Family{Standard: types.IntegrationGitLab, Enterprise: types.IntegrationGitLabEnterprise}

func (f Family) key(isEnterprise bool) types.IntegrationKey {
	if isEnterprise && f.Enterprise != "" {
		return f.Enterprise
	}
	return f.Standard
}

// Resolver resolves connection details for one integration family.
type Resolver struct {
	repo   Repository
	family Family
}

// NewResolver creates a resolver for the given family.
func NewResolver(repo Repository, family Family) *Resolver {
	return &Resolver{repo: repo, family: family}
}

// Resolve finds the connection of an internal workspace/project. It returns
// (nil, nil) when there is no workspace connection, no credential, or no
// active project link.
func (r *Resolver) Resolve(ctx context.Context, workspaceSlug, projectID string, isEnterprise bool) (*Details, error) {
	if workspaceSlug == "" || projectID == "" {
		return nil, fmt.Errorf("workspace slug and project id are required")
	}
	key := r.family.key(isEnterprise)

	ws, err := r.repo.WorkspaceConnection(ctx, workspaceSlug, key)
	if err != nil {
		return nil, fmt.Errorf("workspace connection %s/%s: %w", workspaceSlug, key, err)
	}
	if ws == nil || ws.DisabledAt != nil {
		return nil, nil
	}

	cred, err := r.repo.Credential(ctx, ws.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("credential for workspace connection %s: %w", ws.ID, err)
	}
	if cred == nil {
		return nil, nil
	}

	ec, err := r.repo.EntityConnection(ctx, ws.ID, projectID, types.ConnectionProjectIssueSync)
	if err != nil {
		return nil, fmt.Errorf("entity connection for project %s: %w", projectID, err)
	}
	if !ec.Active() {
		return nil, nil
	}

	return &Details{WorkspaceConnection: ws, EntityConnection: ec, Credential: cred}, nil
}

// ResolveExternal finds the connection of an external project, for events
// that arrive from the external tracker.
func (r *Resolver) ResolveExternal(ctx context.Context, externalProjectID string, isEnterprise bool) (*Details, error) {
	if externalProjectID == "" {
		return nil, fmt.Errorf("external project id is required")
	}
	key := r.family.key(isEnterprise)

	ec, err := r.repo.EntityConnectionByEntity(ctx, externalProjectID, key, types.ConnectionProjectIssueSync)
	if err != nil {
		return nil, fmt.Errorf("entity connection for %s project %s: %w", key, externalProjectID, err)
	}
	if !ec.Active() {
		return nil, nil
	}

	ws, err := r.repo.WorkspaceConnectionByID(ctx, ec.WorkspaceConnectionID)
	if err != nil {
		return nil, fmt.Errorf("workspace connection %s: %w", ec.WorkspaceConnectionID, err)
	}
	if ws == nil || ws.DisabledAt != nil {
		return nil, nil
	}

	cred, err := r.repo.Credential(ctx, ws.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("credential for workspace connection %s: %w", ws.ID, err)
	}
	if cred == nil {
		return nil, nil
	}

	return &Details{WorkspaceConnection: ws, EntityConnection: ec, Credential: cred}, nil
}

// IssueLink returns the issue-link connection that anchors comment sync for
// one issue, or nil.
func (r *Resolver) IssueLink(ctx context.Context, d *Details, externalIssueID, issueID string) (*types.EntityConnection, error) {
	link, err := r.repo.IssueLinkConnection(ctx, externalIssueID, d.EntityConnection.ProjectID, issueID, d.Key())
	if err != nil {
		return nil, fmt.Errorf("issue link for %s: %w", externalIssueID, err)
	}
	if !link.Active() {
		return nil, nil
	}
	return link, nil
}

// SaveIssueLink records the anchor comment of a newly linked issue.
func (r *Resolver) SaveIssueLink(ctx context.Context, d *Details, externalIssueID, issueID, anchorCommentID string) (*types.EntityConnection, error) {
	now := time.Now().UTC()
	link := &types.EntityConnection{
		WorkspaceConnectionID: d.WorkspaceConnection.ID,
		WorkspaceID:           d.WorkspaceConnection.WorkspaceID,
		WorkspaceSlug:         d.EntityConnection.WorkspaceSlug,
		ProjectID:             d.EntityConnection.ProjectID,
		IssueID:               issueID,
		EntityID:              externalIssueID,
		EntityType:            d.Key(),
		Type:                  types.ConnectionIssueLink,
		Config:                types.EntityConfig{CommentID: anchorCommentID},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := r.repo.SaveEntityConnection(ctx, link); err != nil {
		return nil, fmt.Errorf("save issue link for %s: %w", externalIssueID, err)
	}
	return link, nil
}

// SetBidirectionalSync toggles AllowBidirectionalSync on a project link.
func (r *Resolver) SetBidirectionalSync(ctx context.Context, ec *types.EntityConnection, enabled bool) error {
	ec.Config.AllowBidirectionalSync = enabled
	ec.UpdatedAt = time.Now().UTC()
	if err := r.repo.SaveEntityConnection(ctx, ec); err != nil {
		return fmt.Errorf("update entity connection %s: %w", ec.ID, err)
	}
	return nil
}

// Disconnect soft-disables a connection without deleting it, so mappings of
// already-synced entities stay valid. Disconnected links resolve as absent.
func (r *Resolver) Disconnect(ctx context.Context, entityConnectionID string) error {
	if err := r.repo.DisableEntityConnection(ctx, entityConnectionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("disable entity connection %s: %w", entityConnectionID, err)
	}
	return nil
}
