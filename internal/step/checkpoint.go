package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/trackbridge/internal/cache"
	"github.com/steveyegge/trackbridge/internal/types"
)

// DefaultStateTTL bounds how long a checkpoint survives in the cache.
const DefaultStateTTL = 7 * 24 * time.Hour

// CacheCheckpoints keeps job state in the key-value cache under
// orchestrator:state:{jobID}.
type CacheCheckpoints struct {
	store cache.Store
	ttl   time.Duration
}

// NewCacheCheckpoints creates a cache-backed checkpoint store. A zero ttl
// means DefaultStateTTL.
func NewCacheCheckpoints(store cache.Store, ttl time.Duration) *CacheCheckpoints {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &CacheCheckpoints{store: store, ttl: ttl}
}

func (c *CacheCheckpoints) LoadState(ctx context.Context, jobID string) (*types.JobState, error) {
	key, err := cache.JobStateKey(jobID)
	if err != nil {
		return nil, err
	}
	raw, found, err := c.store.Get(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", jobID, err)
	}
	if !found {
		return nil, nil
	}
	var st types.JobState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", jobID, err)
	}
	if st.Steps == nil {
		st.Steps = make(map[string]*types.StepCheckpoint)
	}
	return &st, nil
}

func (c *CacheCheckpoints) SaveState(ctx context.Context, st *types.JobState) error {
	key, err := cache.JobStateKey(st.JobID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.JobID, err)
	}
	if err := c.store.Set(ctx, key.String(), string(raw), c.ttl); err != nil {
		return fmt.Errorf("save state %s: %w", st.JobID, err)
	}
	return nil
}

func (c *CacheCheckpoints) DeleteState(ctx context.Context, jobID string) error {
	key, err := cache.JobStateKey(jobID)
	if err != nil {
		return err
	}
	return c.store.Del(ctx, key.String())
}

// MemoryCheckpoints is an in-process CheckpointStore.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	states map[string]*types.JobState
	saves  int
}

// NewMemoryCheckpoints creates an empty store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{states: make(map[string]*types.JobState)}
}

func (m *MemoryCheckpoints) LoadState(_ context.Context, jobID string) (*types.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[jobID].Clone(), nil
}

func (m *MemoryCheckpoints) SaveState(_ context.Context, st *types.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.JobID] = st.Clone()
	m.saves++
	return nil
}

func (m *MemoryCheckpoints) DeleteState(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, jobID)
	return nil
}

// Saves returns how many times SaveState was called.
func (m *MemoryCheckpoints) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
