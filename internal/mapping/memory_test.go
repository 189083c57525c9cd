package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/trackbridge/internal/types"
)

func TestMemoryStore_Mappings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.StoreMapping(ctx, "job-1", "users", []types.MappingPair{
		{ExternalID: "a@example.com", InternalID: "u-1"},
		{ExternalID: "b@example.com", InternalID: "u-2"},
	}))
	// Upsert keeps the triple unique.
	require.NoError(t, s.StoreMapping(ctx, "job-1", "users", []types.MappingPair{
		{ExternalID: "a@example.com", InternalID: "u-1"},
	}))
	assert.Equal(t, 2, s.Len())

	id, found, err := s.GetMapping(ctx, "job-1", "users", "b@example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "u-2", id)

	_, found, err = s.GetMapping(ctx, "job-2", "users", "b@example.com")
	require.NoError(t, err)
	assert.False(t, found, "mappings are scoped per job")

	all, err := s.RetrieveMapping(ctx, "job-1", "users")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := s.LookupMapping(ctx, "job-1", "users", []string{"a@example.com", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a@example.com": "u-1"}, some)
}

func TestMemoryStore_RejectsEmptyIDs(t *testing.T) {
	s := NewMemoryStore()
	err := s.StoreMapping(context.Background(), "job-1", "users", []types.MappingPair{{ExternalID: "x"}})
	assert.Error(t, err)
}

func TestMemoryStore_Data(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type fields struct {
		Names []string `json:"names"`
	}
	require.NoError(t, s.StoreData(ctx, "job-1", "fields", fields{Names: []string{"a", "b"}}))

	var got fields
	found, err := s.RetrieveData(ctx, "job-1", "fields", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "b"}, got.Names)

	found, err = s.RetrieveData(ctx, "job-1", "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}
