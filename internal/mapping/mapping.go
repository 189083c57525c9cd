// Package mapping stores durable correlations between external identifiers
// and internal identifiers, plus job-scoped data blobs that import steps hand
// to their dependents.
package mapping

import (
	"context"

	"github.com/steveyegge/trackbridge/internal/types"
)

// Store persists identity mappings per (job, step, external id). Writes are
// upserts, so concurrent or repeated writers converge on the same row.
type Store interface {
	StoreMapping(ctx context.Context, jobID, stepName string, pairs []types.MappingPair) error
	GetMapping(ctx context.Context, jobID, stepName, externalID string) (internalID string, found bool, err error)
	RetrieveMapping(ctx context.Context, jobID, stepName string) (map[string]string, error)
	LookupMapping(ctx context.Context, jobID, stepName string, externalIDs []string) (map[string]string, error)

	// StoreData saves a JSON-encodable value under key for the job.
	StoreData(ctx context.Context, jobID, key string, value any) error
	// RetrieveData decodes the value saved under key into out.
	RetrieveData(ctx context.Context, jobID, key string, out any) (found bool, err error)
}
