package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/trackbridge/internal/types"
)

const entityColumns = `id, workspace_connection_id, workspace_id, workspace_slug, project_id, issue_id,
	entity_id, entity_slug, entity_type, type, config, disabled_at, created_at, updated_at`

// SaveWorkspaceConnection upserts a workspace connection.
func (s *Store) SaveWorkspaceConnection(ctx context.Context, ws *types.WorkspaceConnection) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	_, err := s.exec(ctx,
		`INSERT INTO workspace_connections (id, workspace_id, workspace_slug, connection_type, base_url, credential_id, disabled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`+
			s.upsert([]string{"id"}, []string{"workspace_id", "workspace_slug", "connection_type", "base_url", "credential_id", "disabled_at"}),
		ws.ID, ws.WorkspaceID, ws.WorkspaceSlug, string(ws.ConnectionType), ws.BaseURL, ws.CredentialID, formatTimePtr(ws.DisabledAt))
	if err != nil {
		return fmt.Errorf("save workspace connection %s: %w", ws.ID, err)
	}
	return nil
}

// SaveCredential upserts a credential.
func (s *Store) SaveCredential(ctx context.Context, c *types.Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.exec(ctx,
		`INSERT INTO credentials (id, workspace_id, user_id, source, source_access_token, target_access_token)
		 VALUES (?, ?, ?, ?, ?, ?)`+
			s.upsert([]string{"id"}, []string{"workspace_id", "user_id", "source", "source_access_token", "target_access_token"}),
		c.ID, c.WorkspaceID, c.UserID, string(c.Source), c.SourceAccessToken, c.TargetAccessToken)
	if err != nil {
		return fmt.Errorf("save credential %s: %w", c.ID, err)
	}
	return nil
}

// WorkspaceConnection implements connection.Repository.
func (s *Store) WorkspaceConnection(ctx context.Context, workspaceSlug string, key types.IntegrationKey) (*types.WorkspaceConnection, error) {
	return s.scanWorkspace(s.queryRow(ctx,
		`SELECT id, workspace_id, workspace_slug, connection_type, base_url, credential_id, disabled_at
		 FROM workspace_connections WHERE workspace_slug = ? AND connection_type = ?`,
		workspaceSlug, string(key)))
}

// WorkspaceConnectionByID implements connection.Repository.
func (s *Store) WorkspaceConnectionByID(ctx context.Context, id string) (*types.WorkspaceConnection, error) {
	return s.scanWorkspace(s.queryRow(ctx,
		`SELECT id, workspace_id, workspace_slug, connection_type, base_url, credential_id, disabled_at
		 FROM workspace_connections WHERE id = ?`, id))
}

func (s *Store) scanWorkspace(row *sql.Row) (*types.WorkspaceConnection, error) {
	var (
		ws       types.WorkspaceConnection
		key      string
		disabled sql.NullString
	)
	err := row.Scan(&ws.ID, &ws.WorkspaceID, &ws.WorkspaceSlug, &key, &ws.BaseURL, &ws.CredentialID, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace connection: %w", err)
	}
	ws.ConnectionType = types.IntegrationKey(key)
	if ws.DisabledAt, err = parseTimePtr(disabled); err != nil {
		return nil, err
	}
	return &ws, nil
}

// Credential implements connection.Repository.
func (s *Store) Credential(ctx context.Context, id string) (*types.Credential, error) {
	var (
		c      types.Credential
		source string
	)
	err := s.queryRow(ctx,
		`SELECT id, workspace_id, user_id, source, source_access_token, target_access_token FROM credentials WHERE id = ?`, id).
		Scan(&c.ID, &c.WorkspaceID, &c.UserID, &source, &c.SourceAccessToken, &c.TargetAccessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", id, err)
	}
	c.Source = types.IntegrationKey(source)
	return &c, nil
}

// EntityConnection implements connection.Repository.
func (s *Store) EntityConnection(ctx context.Context, workspaceConnectionID, projectID string, typ types.ConnectionType) (*types.EntityConnection, error) {
	return s.scanEntity(s.queryRow(ctx,
		`SELECT `+entityColumns+` FROM entity_connections
		 WHERE workspace_connection_id = ? AND project_id = ? AND type = ? ORDER BY created_at LIMIT 1`,
		workspaceConnectionID, projectID, string(typ)))
}

// EntityConnectionByEntity implements connection.Repository.
func (s *Store) EntityConnectionByEntity(ctx context.Context, entityID string, key types.IntegrationKey, typ types.ConnectionType) (*types.EntityConnection, error) {
	return s.scanEntity(s.queryRow(ctx,
		`SELECT `+entityColumns+` FROM entity_connections
		 WHERE entity_id = ? AND entity_type = ? AND type = ? ORDER BY created_at LIMIT 1`,
		entityID, string(key), string(typ)))
}

// IssueLinkConnection implements connection.Repository.
func (s *Store) IssueLinkConnection(ctx context.Context, entityID, projectID, issueID string, key types.IntegrationKey) (*types.EntityConnection, error) {
	return s.scanEntity(s.queryRow(ctx,
		`SELECT `+entityColumns+` FROM entity_connections
		 WHERE type = ? AND entity_id = ? AND project_id = ? AND issue_id = ? AND entity_type = ?`,
		string(types.ConnectionIssueLink), entityID, projectID, issueID, string(key)))
}

// SaveEntityConnection implements connection.Repository. Rows are upserted
// on their natural key, and conn.ID is set to the stored row's id.
func (s *Store) SaveEntityConnection(ctx context.Context, conn *types.EntityConnection) error {
	if conn == nil {
		return fmt.Errorf("entity connection cannot be nil")
	}
	cfg, err := json.Marshal(conn.Config)
	if err != nil {
		return fmt.Errorf("marshal entity config: %w", err)
	}
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	if conn.UpdatedAt.IsZero() {
		conn.UpdatedAt = now
	}
	id := conn.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err = s.exec(ctx,
		`INSERT INTO entity_connections (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+
			s.upsert([]string{"type", "entity_id", "project_id", "issue_id", "entity_type"},
				[]string{"workspace_connection_id", "workspace_id", "workspace_slug", "entity_slug", "config", "disabled_at", "updated_at"}),
		id, conn.WorkspaceConnectionID, conn.WorkspaceID, conn.WorkspaceSlug, conn.ProjectID, conn.IssueID,
		conn.EntityID, conn.EntitySlug, string(conn.EntityType), string(conn.Type), string(cfg),
		formatTimePtr(conn.DisabledAt), formatTime(conn.CreatedAt), formatTime(conn.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save entity connection: %w", err)
	}

	err = s.queryRow(ctx,
		`SELECT id FROM entity_connections WHERE type = ? AND entity_id = ? AND project_id = ? AND issue_id = ? AND entity_type = ?`,
		string(conn.Type), conn.EntityID, conn.ProjectID, conn.IssueID, string(conn.EntityType)).Scan(&conn.ID)
	if err != nil {
		return fmt.Errorf("read back entity connection id: %w", err)
	}
	return nil
}

// DisableEntityConnection implements connection.Repository.
func (s *Store) DisableEntityConnection(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE entity_connections SET disabled_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("disable entity connection %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity connection %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) scanEntity(row *sql.Row) (*types.EntityConnection, error) {
	var (
		ec                   types.EntityConnection
		entityType, typ, cfg string
		disabled             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&ec.ID, &ec.WorkspaceConnectionID, &ec.WorkspaceID, &ec.WorkspaceSlug, &ec.ProjectID, &ec.IssueID,
		&ec.EntityID, &ec.EntitySlug, &entityType, &typ, &cfg, &disabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity connection: %w", err)
	}
	ec.EntityType = types.IntegrationKey(entityType)
	ec.Type = types.ConnectionType(typ)
	if err := json.Unmarshal([]byte(cfg), &ec.Config); err != nil {
		return nil, fmt.Errorf("unmarshal entity config %s: %w", ec.ID, err)
	}
	if ec.DisabledAt, err = parseTimePtr(disabled); err != nil {
		return nil, err
	}
	if ec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ec, nil
}
