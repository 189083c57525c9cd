package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/trackbridge/internal/types"
)

// MemoryRepository is an in-memory Repository used by tests and by the
// development server when no database is configured.
type MemoryRepository struct {
	mu          sync.RWMutex
	workspaces  map[string]*types.WorkspaceConnection
	credentials map[string]*types.Credential
	entities    map[string]*types.EntityConnection
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workspaces:  make(map[string]*types.WorkspaceConnection),
		credentials: make(map[string]*types.Credential),
		entities:    make(map[string]*types.EntityConnection),
	}
}

// AddWorkspaceConnection stores a workspace connection.
func (m *MemoryRepository) AddWorkspaceConnection(ws *types.WorkspaceConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ws
	m.workspaces[ws.ID] = &c
}

// AddCredential stores a credential.
func (m *MemoryRepository) AddCredential(cred *types.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cred
	m.credentials[cred.ID] = &c
}

// WorkspaceConnection implements Repository.
func (m *MemoryRepository) WorkspaceConnection(_ context.Context, workspaceSlug string, key types.IntegrationKey) (*types.WorkspaceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ws := range m.workspaces {
		if ws.WorkspaceSlug == workspaceSlug && ws.ConnectionType == key {
			c := *ws
			return &c, nil
		}
	}
	return nil, nil
}

// WorkspaceConnectionByID implements Repository.
func (m *MemoryRepository) WorkspaceConnectionByID(_ context.Context, id string) (*types.WorkspaceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, nil
	}
	c := *ws
	return &c, nil
}

// Credential implements Repository.
func (m *MemoryRepository) Credential(_ context.Context, id string) (*types.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[id]
	if !ok {
		return nil, nil
	}
	c := *cred
	return &c, nil
}

// EntityConnection implements Repository.
func (m *MemoryRepository) EntityConnection(_ context.Context, workspaceConnectionID, projectID string, typ types.ConnectionType) (*types.EntityConnection, error) {
	return m.find(func(ec *types.EntityConnection) bool {
		return ec.WorkspaceConnectionID == workspaceConnectionID && ec.ProjectID == projectID && ec.Type == typ
	}), nil
}

// EntityConnectionByEntity implements Repository.
func (m *MemoryRepository) EntityConnectionByEntity(_ context.Context, entityID string, key types.IntegrationKey, typ types.ConnectionType) (*types.EntityConnection, error) {
	return m.find(func(ec *types.EntityConnection) bool {
		return ec.EntityID == entityID && ec.EntityType == key && ec.Type == typ
	}), nil
}

// IssueLinkConnection implements Repository.
func (m *MemoryRepository) IssueLinkConnection(_ context.Context, entityID, projectID, issueID string, key types.IntegrationKey) (*types.EntityConnection, error) {
	return m.find(func(ec *types.EntityConnection) bool {
		return ec.Type == types.ConnectionIssueLink && ec.EntityID == entityID &&
			ec.ProjectID == projectID && ec.IssueID == issueID && ec.EntityType == key
	}), nil
}

// SaveEntityConnection implements Repository. Issue links are upserted on
// (entity, project, issue, type) so a retried link write does not duplicate.
func (m *MemoryRepository) SaveEntityConnection(_ context.Context, conn *types.EntityConnection) error {
	if conn == nil {
		return fmt.Errorf("entity connection cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn.ID == "" {
		for id, ec := range m.entities {
			if ec.Type == conn.Type && ec.EntityID == conn.EntityID && ec.ProjectID == conn.ProjectID &&
				ec.IssueID == conn.IssueID && ec.EntityType == conn.EntityType {
				conn.ID = id
				break
			}
		}
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	c := *conn
	m.entities[conn.ID] = &c
	return nil
}

// DisableEntityConnection implements Repository.
func (m *MemoryRepository) DisableEntityConnection(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("entity connection %s not found", id)
	}
	ec.DisabledAt = &at
	ec.UpdatedAt = at
	return nil
}

func (m *MemoryRepository) find(match func(*types.EntityConnection) bool) *types.EntityConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ec := range m.entities {
		if match(ec) {
			c := *ec
			return &c
		}
	}
	return nil
}
