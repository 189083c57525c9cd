package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/trackbridge/internal/cache"
	"github.com/steveyegge/trackbridge/internal/config"
	"github.com/steveyegge/trackbridge/internal/storage/sqlstore"
	"github.com/steveyegge/trackbridge/internal/types"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Manage Jira Server import jobs",
	Long: `Create, run and inspect Jira Server imports.

An import runs the users, labels, issues and comments steps. Each step saves
a checkpoint after every page, so an interrupted or failed job resumes at
the last good page when it runs again.

Examples:
  trackbridge import start --workspace acme --project p-1 --credential c-1 --project-key ENG
  trackbridge import run 3f0c...            # run a job in the foreground
  trackbridge import status 3f0c...
  trackbridge import reset 3f0c... --step comments`,
}

var importStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Queue a new import job for the worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		project, _ := cmd.Flags().GetString("project")
		credential, _ := cmd.Flags().GetString("credential")
		projectKey, _ := cmd.Flags().GetString("project-key")
		jql, _ := cmd.Flags().GetString("jql")
		skipUsers, _ := cmd.Flags().GetBool("skip-users")

		ctx := rootCtx
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		job := &types.ImportJob{
			ID:            uuid.NewString(),
			WorkspaceSlug: workspace,
			ProjectID:     project,
			Source:        types.IntegrationJiraServer,
			CredentialID:  credential,
			Config: types.JobConfig{
				SkipUserImport: skipUsers,
				ProjectKey:     projectKey,
				JQL:            jql,
			},
			Status: types.JobQueued,
		}
		if err := store.CreateJob(ctx, job); err != nil {
			return err
		}
		logger.Info("import job queued", "job_id", job.ID, "project_key", projectKey)
		fmt.Println(job.ID)
		return nil
	},
}

var importRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run or resume an import job in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withImport(rootCtx, args[0], func(ctx context.Context, rt *importRuntime, job *types.ImportJob) error {
			engine, err := rt.engine(ctx, job)
			if err != nil {
				return err
			}
			if err := engine.Run(ctx, job.ID); err != nil {
				if ctx.Err() != nil {
					// Interrupted: leave it for the worker to pick up again.
					_ = rt.store.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, types.JobQueued, "")
				}
				return err
			}
			return printStatus(ctx, rt, job.ID)
		})
	},
}

var importResetCmd = &cobra.Command{
	Use:   "reset <job-id>",
	Short: "Clear checkpoints so steps start again from their first page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stepName, _ := cmd.Flags().GetString("step")
		return withImport(rootCtx, args[0], func(ctx context.Context, rt *importRuntime, job *types.ImportJob) error {
			engine, err := rt.engine(ctx, job)
			if err != nil {
				return err
			}
			if err := engine.Reset(ctx, job.ID, stepName); err != nil {
				return err
			}
			if stepName == "" {
				stepName = "all steps"
			}
			fmt.Printf("%s Reset %s of job %s\n", color.GreenString("✓"), stepName, job.ID)
			return nil
		})
	},
}

var importStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status and step checkpoints of an import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withImport(rootCtx, args[0], func(ctx context.Context, rt *importRuntime, job *types.ImportJob) error {
			if asJSON {
				st, err := rt.checkpoints.LoadState(ctx, job.ID)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Job   *types.ImportJob `json:"job"`
					State *types.JobState  `json:"state,omitempty"`
				}{job, st})
			}
			return printStatus(ctx, rt, job.ID)
		})
	},
}

var importCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel an import job; running steps stop at their next page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		if err := store.CancelJob(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Cancelled job %s\n", color.YellowString("✓"), args[0])
		return nil
	},
}

var importListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := rootCtx
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		jobs, err := store.ListJobs(ctx, types.JobStatus(status), limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No import jobs")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-10s  %s/%s  %s\n", j.ID, statusColor(j.Status), j.WorkspaceSlug, j.ProjectID, j.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	importStartCmd.Flags().String("workspace", "", "Internal workspace slug (required)")
	importStartCmd.Flags().String("project", "", "Internal project id to import into (required)")
	importStartCmd.Flags().String("credential", "", "Credential id holding the Jira and internal tracker tokens (required)")
	importStartCmd.Flags().String("project-key", "", "Jira project key (required)")
	importStartCmd.Flags().String("jql", "", "JQL override for the issues step")
	importStartCmd.Flags().Bool("skip-users", false, "Skip the users step")
	for _, f := range []string{"workspace", "project", "credential", "project-key"} {
		_ = importStartCmd.MarkFlagRequired(f)
	}

	importResetCmd.Flags().String("step", "", "Step to reset (default: every step)")
	importStatusCmd.Flags().Bool("json", false, "Output JSON")
	importListCmd.Flags().String("status", "", "Only jobs with this status (e.g. QUEUED, ERROR)")
	importListCmd.Flags().Int("limit", 50, "Maximum jobs to list")

	importCmd.AddCommand(importStartCmd, importRunCmd, importResetCmd, importStatusCmd, importCancelCmd, importListCmd)
	rootCmd.AddCommand(importCmd)
}

// withImport opens storage, loads jobID and calls fn.
func withImport(ctx context.Context, jobID string, fn func(context.Context, *importRuntime, *types.ImportJob) error) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var kv cache.Store
	if cfg.Import.Checkpoints == config.CheckpointsCache {
		var closer io.Closer
		kv, closer, err = openCache()
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()
	}

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s: %w", jobID, sqlstore.ErrNotFound)
	}
	return fn(ctx, newImportRuntime(store, kv), job)
}

func printStatus(ctx context.Context, rt *importRuntime, jobID string) error {
	job, err := rt.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	st, err := rt.checkpoints.LoadState(ctx, jobID)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %s  %s\n", bold("Job"), job.ID, statusColor(job.Status))
	fmt.Printf("  workspace %s, project %s, key %s, attempts %d\n",
		job.WorkspaceSlug, job.ProjectID, job.Config.ProjectKey, job.Attempts)
	if job.Error != "" {
		fmt.Printf("  %s %s\n", color.RedString("error:"), job.Error)
	}
	if st == nil || len(st.Steps) == 0 {
		fmt.Println("  no checkpoints yet")
		return nil
	}

	names := make([]string, 0, len(st.Steps))
	for name := range st.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cp := st.Steps[name]
		processed := 0
		if cp.Context != nil {
			processed = cp.Context.PageCtx.TotalProcessed
		}
		line := fmt.Sprintf("  %-10s %-13s %6d processed, %d executions", name, stepColor(cp.State), processed, cp.Executions)
		if cp.LastError != "" {
			line += "  " + color.RedString(cp.LastError)
		}
		fmt.Println(line)
	}
	return nil
}

func statusColor(s types.JobStatus) string {
	switch s {
	case types.JobFinished:
		return color.GreenString(string(s))
	case types.JobError:
		return color.RedString(string(s))
	case types.JobCancelled:
		return color.YellowString(string(s))
	case types.JobPulling:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func stepColor(s types.StepState) string {
	switch s {
	case types.StepDone:
		return color.GreenString(string(s))
	case types.StepRunning, types.StepCheckpointed:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}
