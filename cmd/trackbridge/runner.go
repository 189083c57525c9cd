package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/trackbridge/internal/cache"
	"github.com/steveyegge/trackbridge/internal/debug"
	"github.com/steveyegge/trackbridge/internal/importer"
	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/step"
	"github.com/steveyegge/trackbridge/internal/storage/sqlstore"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/workitems"
)

// importRuntime holds what every import engine shares.
type importRuntime struct {
	store       *sqlstore.Store
	checkpoints step.CheckpointStore
}

func newImportRuntime(store *sqlstore.Store, kv cache.Store) *importRuntime {
	return &importRuntime{store: store, checkpoints: checkpointStore(store, kv)}
}

// engine builds the Jira Server import engine for job, with clients
// authenticated by the job's credential.
func (rt *importRuntime) engine(ctx context.Context, job *types.ImportJob) (*step.Engine, error) {
	if job.Source != "" && job.Source != types.IntegrationJiraServer {
		return nil, fmt.Errorf("job %s: unsupported import source %q", job.ID, job.Source)
	}
	ws, err := rt.store.WorkspaceConnection(ctx, job.WorkspaceSlug, types.IntegrationJiraServer)
	if err != nil {
		return nil, fmt.Errorf("job %s: load workspace connection: %w", job.ID, err)
	}
	if ws == nil || ws.BaseURL == "" {
		return nil, fmt.Errorf("job %s: workspace %s has no Jira Server connection", job.ID, job.WorkspaceSlug)
	}
	cred, err := rt.store.Credential(ctx, job.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("job %s: load credential: %w", job.ID, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("job %s: credential %s not found", job.ID, job.CredentialID)
	}
	if cred.SourceAccessToken == "" || cred.TargetAccessToken == "" {
		return nil, errors.New("credential needs both a Jira and an internal tracker token")
	}

	src := jira.NewClient(ws.BaseURL, "", cred.SourceAccessToken)
	var dstOpts []workitems.Option
	if cfg.Internal.RateLimit > 0 {
		dstOpts = append(dstOpts, workitems.WithRateLimit(cfg.Internal.RateLimit, int(cfg.Internal.RateLimit)))
	}
	dst := workitems.NewClient(cfg.Internal.APIBaseURL, cred.TargetAccessToken, job.WorkspaceSlug, dstOpts...)

	log := logger.With("job_id", job.ID)
	steps := importer.Steps(src, dst, importer.Options{BaseURL: ws.BaseURL, Logger: log})
	return step.New(steps, rt.checkpoints, rt.store, rt.store,
		step.WithLogger(log),
		step.WithConcurrency(cfg.Import.Concurrency),
		step.WithPageTimeout(cfg.Import.PageTimeout),
		step.WithProgress(func(p step.StepProgress) {
			debug.Logf("job %s step %s: %s, %d processed\n", p.JobID, p.Step, p.State, p.Page.TotalProcessed)
		}),
	)
}
