package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/harnessworks/conductor/internal/config"
	"github.com/harnessworks/conductor/internal/observability"
	"github.com/harnessworks/conductor/pkg/gitops"
	"github.com/harnessworks/conductor/pkg/workload"
	"github.com/harnessworks/conductor/pkg/workspace"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workload request",
	Long: `Submit a workload request from a YAML file.

The submitter's current branch is captured at this moment and persisted on
the request: it becomes the clone target and, for docs workloads, the base
branch of the eventual pull request. Use --base-branch to pin it explicitly.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringP("file", "f", "", "Request file (YAML)")
	submitCmd.Flags().String("repo", "", "Local docs working copy for branch capture and pre-sync (default: current directory)")
	submitCmd.Flags().String("base-branch", "", "Pin the base branch instead of detecting it")
	submitCmd.Flags().Bool("no-sync", false, "Skip pre-submission task file sync")
	submitCmd.Flags().Bool("json", false, "Output the created workload as JSON")
	_ = submitCmd.MarkFlagRequired("file")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	file, _ := cmd.Flags().GetString("file")
	repoDir, _ := cmd.Flags().GetString("repo")
	baseBranch, _ := cmd.Flags().GetString("base-branch")
	noSync, _ := cmd.Flags().GetBool("no-sync")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read request file: %w", err)
	}
	var req workload.Request
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse request file: %w", err)
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if root, _ := cmd.Flags().GetString("store-root"); root != "" {
		cfg.Store.Root = root
	}

	if repoDir == "" {
		repoDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	preparer := workspace.New(gitops.Open(repoDir), workspace.Options{
		Remote:       cfg.Workspace.Remote,
		SyncPatterns: cfg.Workspace.SyncPatterns,
		PushAttempts: cfg.Workspace.PushAttempts,
		PushBackoff:  cfg.Workspace.PushBackoff,
	}, observability.Logger)

	// Capture the base branch exactly once, before anything else.
	if baseBranch != "" {
		req.BaseBranch = baseBranch
	}
	if req.BaseBranch == "" {
		req.BaseBranch, err = preparer.DetectBaseBranch(ctx)
		if err != nil {
			return err
		}
	}
	log.Info("Captured base branch", zap.String("branch", req.BaseBranch))

	// Push uncommitted task definition changes so the remote clone sees
	// what the submitter sees.
	if !noSync {
		if err := preparer.EnsureRepoSync(ctx, req.BaseBranch); err != nil {
			return err
		}
	}

	store := workload.NewFileStore(cfg.Store.Root)
	w, err := workload.Submit(ctx, store, cfg.Substrate.Namespace, &req)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(w)
	}

	fmt.Printf("Submitted %s (task %d, service %s, context version %d, base %s)\n",
		w.Name, w.Spec.TaskID, w.Spec.Service, w.Spec.ContextVersion, w.Spec.BaseBranch)
	return nil
}
