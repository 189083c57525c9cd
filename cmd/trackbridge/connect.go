package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/trackbridge/internal/config"
	"github.com/steveyegge/trackbridge/internal/types"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Register tracker connections and credentials",
}

var connectWorkspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Connect an internal workspace to a GitLab or Jira Server installation",
	Long: `Store a credential and a workspace connection.

The source token authenticates against GitLab or Jira; the target token
against the internal tracker. Re-running with --id updates the connection.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		slug, _ := cmd.Flags().GetString("workspace")
		workspaceID, _ := cmd.Flags().GetString("workspace-id")
		kind, _ := cmd.Flags().GetString("type")
		baseURL, _ := cmd.Flags().GetString("base-url")
		sourceToken, _ := cmd.Flags().GetString("source-token")
		targetToken, _ := cmd.Flags().GetString("target-token")

		key := types.IntegrationKey(kind)
		if !key.IsValid() {
			return fmt.Errorf("unknown connection type %q (valid: GITLAB, GITLAB_ENTERPRISE, JIRA_SERVER)", kind)
		}
		if key != types.IntegrationGitLab && baseURL == "" {
			return fmt.Errorf("--base-url is required for %s", key)
		}

		ctx := rootCtx
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		cred := &types.Credential{
			WorkspaceID:       workspaceID,
			Source:            key,
			SourceAccessToken: sourceToken,
			TargetAccessToken: targetToken,
		}
		if id != "" {
			existing, err := store.WorkspaceConnectionByID(ctx, id)
			if err != nil {
				return err
			}
			if existing != nil {
				cred.ID = existing.CredentialID
			}
		}
		if err := store.SaveCredential(ctx, cred); err != nil {
			return err
		}
		ws := &types.WorkspaceConnection{
			ID:             id,
			WorkspaceID:    workspaceID,
			WorkspaceSlug:  slug,
			ConnectionType: key,
			BaseURL:        baseURL,
			CredentialID:   cred.ID,
		}
		if err := store.SaveWorkspaceConnection(ctx, ws); err != nil {
			return err
		}
		fmt.Printf("workspace connection %s\ncredential %s\n", ws.ID, cred.ID)
		return nil
	},
}

var connectProjectCmd = &cobra.Command{
	Use:   "project",
	Short: "Link an internal project to a GitLab project for issue sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wsID, _ := cmd.Flags().GetString("connection")
		projectID, _ := cmd.Flags().GetString("project")
		gitlabProject, _ := cmd.Flags().GetString("gitlab-project")
		entitySlug, _ := cmd.Flags().GetString("gitlab-path")
		bidirectional, _ := cmd.Flags().GetBool("bidirectional")
		stateFile, _ := cmd.Flags().GetString("states")

		ctx := rootCtx
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ws, err := store.WorkspaceConnectionByID(ctx, wsID)
		if err != nil {
			return err
		}
		if ws == nil {
			return fmt.Errorf("workspace connection %s not found", wsID)
		}
		if ws.ConnectionType == types.IntegrationJiraServer {
			return fmt.Errorf("workspace connection %s is a Jira Server import connection", wsID)
		}

		conn := &types.EntityConnection{
			WorkspaceConnectionID: ws.ID,
			WorkspaceID:           ws.WorkspaceID,
			WorkspaceSlug:         ws.WorkspaceSlug,
			ProjectID:             projectID,
			EntityID:              gitlabProject,
			EntitySlug:            entitySlug,
			EntityType:            ws.ConnectionType,
			Type:                  types.ConnectionProjectIssueSync,
			Config:                types.EntityConfig{AllowBidirectionalSync: bidirectional},
		}
		if stateFile != "" {
			states, err := config.LoadStateMapping(stateFile)
			if err != nil {
				return err
			}
			conn.Config.States = states
		}
		if err := store.SaveEntityConnection(ctx, conn); err != nil {
			return err
		}
		fmt.Printf("entity connection %s\n", conn.ID)
		return nil
	},
}

func init() {
	f := connectWorkspaceCmd.Flags()
	f.String("id", "", "Existing workspace connection id to update")
	f.String("workspace", "", "Internal workspace slug (required)")
	f.String("workspace-id", "", "Internal workspace id (required)")
	f.String("type", string(types.IntegrationGitLab), "GITLAB, GITLAB_ENTERPRISE or JIRA_SERVER")
	f.String("base-url", "", "Instance URL (required for self-managed GitLab and Jira Server)")
	f.String("source-token", "", "GitLab or Jira access token (required)")
	f.String("target-token", "", "Internal tracker API token (required)")
	for _, name := range []string{"workspace", "workspace-id", "source-token", "target-token"} {
		_ = connectWorkspaceCmd.MarkFlagRequired(name)
	}

	f = connectProjectCmd.Flags()
	f.String("connection", "", "Workspace connection id (required)")
	f.String("project", "", "Internal project id (required)")
	f.String("gitlab-project", "", "GitLab project id (required)")
	f.String("gitlab-path", "", "GitLab project path, e.g. group/app")
	f.Bool("bidirectional", true, "Sync both ways")
	f.String("states", "", "State mapping file (YAML or TOML) for this project")
	for _, name := range []string{"connection", "project", "gitlab-project"} {
		_ = connectProjectCmd.MarkFlagRequired(name)
	}

	connectCmd.AddCommand(connectWorkspaceCmd, connectProjectCmd)
	rootCmd.AddCommand(connectCmd)
}
