package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harnessworks/conductor/internal/config"
	"github.com/harnessworks/conductor/internal/observability"
	"github.com/harnessworks/conductor/internal/server"
	"github.com/harnessworks/conductor/internal/server/handlers"
	"github.com/harnessworks/conductor/pkg/artifacts"
	"github.com/harnessworks/conductor/pkg/automation"
	"github.com/harnessworks/conductor/pkg/gitops"
	"github.com/harnessworks/conductor/pkg/reconciler"
	"github.com/harnessworks/conductor/pkg/substrate"
	subk8s "github.com/harnessworks/conductor/pkg/substrate/kubernetes"
	sublocal "github.com/harnessworks/conductor/pkg/substrate/local"
	"github.com/harnessworks/conductor/pkg/verify"
	"github.com/harnessworks/conductor/pkg/workload"
	"github.com/harnessworks/conductor/pkg/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator: reconciler and HTTP API",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("kubeconfig", "", "Kubeconfig path (empty uses in-cluster config)")
	runCmd.Flags().String("substrate", "", "Execution substrate: kubernetes or local (overrides config)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return err
	}
	log := observability.Logger

	if root, _ := cmd.Flags().GetString("store-root"); root != "" {
		cfg.Store.Root = root
	}
	if mode, _ := cmd.Flags().GetString("substrate"); mode != "" {
		cfg.Substrate.Mode = mode
	}
	if kubeconfig, _ := cmd.Flags().GetString("kubeconfig"); kubeconfig != "" {
		cfg.Substrate.Kubeconfig = kubeconfig
	}

	store := workload.NewFileStore(cfg.Store.Root)

	provider, err := buildProvider(cfg, log)
	if err != nil {
		return err
	}

	wsOpts := workspace.Options{
		Remote:       cfg.Workspace.Remote,
		SyncPatterns: cfg.Workspace.SyncPatterns,
		PushAttempts: cfg.Workspace.PushAttempts,
		PushBackoff:  cfg.Workspace.PushBackoff,
	}
	var preparer *workspace.Preparer
	hasLocalRepo := cfg.Workspace.LocalRepo != ""
	if hasLocalRepo {
		preparer = workspace.New(gitops.Open(cfg.Workspace.LocalRepo), wsOpts, log)
	} else {
		preparer = workspace.New(nil, wsOpts, log)
	}

	verifier := verify.New(cfg.Verify.KnownBadTitles, log)

	var automator *automation.Automator
	if cfg.GitHub.Token != "" {
		gh := gitops.NewGitHubClient(ctx, cfg.GitHub.Token)
		if cfg.GitHub.BaseURL != "" {
			gh, err = gh.WithBaseURL(cfg.GitHub.BaseURL)
			if err != nil {
				return fmt.Errorf("configure github client: %w", err)
			}
		}
		automator = automation.New(gh, automation.Options{}, log)
	} else {
		log.Warn("No github token configured; pull request automation disabled")
	}

	var archiver *artifacts.Archiver
	if cfg.Artifacts.Enabled {
		archiver, err = artifacts.New(ctx, artifacts.Config{
			Bucket:          cfg.Artifacts.Bucket,
			Prefix:          cfg.Artifacts.Prefix,
			Region:          cfg.Artifacts.Region,
			Endpoint:        cfg.Artifacts.Endpoint,
			Profile:         cfg.Artifacts.Profile,
			AccessKeyID:     cfg.Artifacts.AccessKeyID,
			SecretAccessKey: cfg.Artifacts.SecretAccessKey,
			ForcePathStyle:  cfg.Artifacts.ForcePathStyle,
		}, log)
		if err != nil {
			return err
		}
	}

	rec := reconciler.New(store, provider, preparer, verifier, automator, archiver, reconciler.Options{
		Interval:             cfg.Reconcile.Interval,
		MaxConcurrent:        cfg.Reconcile.MaxConcurrent,
		PollRate:             rate.Limit(cfg.Reconcile.PollRate),
		PollBurst:            cfg.Reconcile.PollBurst,
		TerminalTTL:          cfg.Reconcile.TerminalTTL,
		AutomationMaxRetries: cfg.Reconcile.AutomationMaxRetries,
		Namespace:            cfg.Substrate.Namespace,
		Image:                cfg.Job.Image,
		Command:              cfg.Job.Command,
		JobDeadline:          cfg.Job.Deadline,
		TasksFile:            cfg.Verify.TasksFile,
	}, log)

	handlers.InitHealthManager(versionInfo.Version)
	if m := handlers.GetHealthManager(); m != nil {
		m.RegisterChecker("store", handlers.StoreChecker{Store: store})
		m.RegisterChecker("substrate", handlers.SubstrateChecker{Provider: provider})
	}
	server.Version = versionInfo.Version

	var detector handlers.BranchDetector
	if hasLocalRepo {
		detector = preparer
	}
	api := handlers.NewWorkloadAPI(store, detector, cfg.Substrate.Namespace, log)
	srv := server.New(cfg.Server.Host, cfg.Server.Port, api).
		Timeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout)

	errCh := make(chan error, 2)
	go func() { errCh <- rec.Run(ctx) }()
	go func() { errCh <- srv.Start(ctx, cfg.Server.ShutdownTimeout) }()

	log.Info("Conductor started",
		zap.String("substrate", cfg.Substrate.Mode),
		zap.String("namespace", cfg.Substrate.Namespace),
		zap.String("store_root", cfg.Store.Root))

	err = <-errCh
	stop()
	<-errCh
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func buildProvider(cfg *config.Config, log *zap.Logger) (substrate.Provider, error) {
	switch cfg.Substrate.Mode {
	case "kubernetes":
		return subk8s.NewFromKubeconfig(cfg.Substrate.Kubeconfig, cfg.Substrate.Namespace)
	case "local":
		return sublocal.New(cfg.Substrate.LocalRoot, cfg.Substrate.Namespace, log), nil
	default:
		return nil, fmt.Errorf("unknown substrate mode %q (want kubernetes or local)", cfg.Substrate.Mode)
	}
}
