package main

import (
	"fmt"
	rtdebug "runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.Version=... -X main.Build=... -X main.Commit=...".
var (
	Version = "0.1.0"
	Build   = "dev"
	Commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		commit := resolveCommitHash()
		if commit != "" {
			fmt.Printf("trackbridge version %s (%s: %s)\n", Version, Build, shortCommit(commit))
		} else {
			fmt.Printf("trackbridge version %s (%s)\n", Version, Build)
		}
	},
}

func init() {
	// No config or telemetry for version.
	versionCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error { return nil }
	versionCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {}
	rootCmd.AddCommand(versionCmd)
}

// resolveCommitHash prefers the ldflag, then the VCS stamp go build records.
func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}
	info, ok := rtdebug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
