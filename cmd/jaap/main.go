package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vives-io/JAAP/internal/download"
	"github.com/vives-io/JAAP/internal/orchestrator"
	"github.com/vives-io/JAAP/internal/packaging"
	"github.com/vives-io/JAAP/internal/reconcile"
	"github.com/vives-io/JAAP/internal/registry"
	"github.com/vives-io/JAAP/internal/resilience"
	"github.com/vives-io/JAAP/internal/rollout"
	"github.com/vives-io/JAAP/internal/storage"
	"github.com/vives-io/JAAP/internal/verify"
	"github.com/vives-io/JAAP/pkg/client"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
	// Default data directory
	defaultDataDir = "/var/lib/jaap"
)

const (
	exitSuccess = 0
	exitFailure = 1
	// exitManual signals that at least one title needs a human to create it
	exitManual = 2
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	envDataDir := os.Getenv("JAAP_DATA_DIR")

	var (
		dataDir    string
		appsFile   string
		cyclesFile string
		cycleName  string
		retryFrom  string
		workers    int64
		dryRun     bool
		force      bool
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "jaap",
		Short: "Jamf Automated Application Patching",
		Long: `JAAP keeps Jamf Pro patch-management state converged with the
latest vendor releases: it downloads installers, verifies their signing
identity, normalizes them into deterministic packages, and reconciles
patch titles, definitions, packages and policies.`,
	}

	runCmd := &cobra.Command{
		Use:   "run [app-id ...|all]",
		Short: "Run the patch pipeline for the given applications",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			log.Infof("Starting JAAP %s (built at %s)", Version, BuildTime)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			summary, err := runPipeline(ctx, log, runOptions{
				dataDir:    resolveDataDir(dataDir, envDataDir),
				appsFile:   appsFile,
				cyclesFile: cyclesFile,
				apps:       args,
				cycleName:  cycleName,
				retryFrom:  retryFrom,
				workers:    workers,
				dryRun:     dryRun,
				force:      force,
			})
			if err != nil {
				log.WithError(err).Error("Run aborted")
				os.Exit(exitFailure)
			}

			printSummary(summary)
			os.Exit(exitCode(summary))
		},
	}
	runCmd.Flags().StringVar(&cycleName, "cycle", "", "Pin the run to a named patch cycle instead of resolving by date")
	runCmd.Flags().StringVar(&retryFrom, "retry-from", "", "Resume a failed run at a phase (download, verify, normalize, reconcile)")
	runCmd.Flags().Int64Var(&workers, "workers", 0, "Maximum concurrent application pipelines")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Read remote state and report intended actions without mutating anything")
	runCmd.Flags().BoolVar(&force, "force", false, "Bypass the content cache and re-download every artifact")

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show run states from the local database",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			if err := showStatus(log, resolveDataDir(dataDir, envDataDir), appsFile, runID); err != nil {
				log.WithError(err).Error("Status failed")
				os.Exit(exitFailure)
			}
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jaap %s (built at %s)\n", Version, BuildTime)
		},
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory for cache and run state (default "+defaultDataDir+")")
	rootCmd.PersistentFlags().StringVar(&appsFile, "apps", "config/applications.yaml", "Application catalog file")
	rootCmd.PersistentFlags().StringVar(&cyclesFile, "cycles", "config/patch_cycles.yaml", "Patch cycle table file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd, statusCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFailure)
	}
}

type runOptions struct {
	dataDir    string
	appsFile   string
	cyclesFile string
	apps       []string
	cycleName  string
	retryFrom  string
	workers    int64
	dryRun     bool
	force      bool
}

func runPipeline(ctx context.Context, log *logrus.Logger, opts runOptions) (*orchestrator.Summary, error) {
	jamfURL := os.Getenv("JAMF_URL")
	jamfUser := os.Getenv("JAMF_USERNAME")
	jamfPass := os.Getenv("JAMF_PASSWORD")
	if jamfURL == "" || jamfUser == "" || jamfPass == "" {
		return nil, fmt.Errorf("JAMF_URL, JAMF_USERNAME and JAMF_PASSWORD must be set")
	}

	reg, err := registry.Load(opts.appsFile, log)
	if err != nil {
		return nil, fmt.Errorf("loading application catalog: %w", err)
	}

	cycles, err := rollout.LoadTable(opts.cyclesFile)
	if err != nil {
		return nil, fmt.Errorf("loading patch cycles: %w", err)
	}

	store, err := storage.NewManager(opts.dataDir, log)
	if err != nil {
		return nil, fmt.Errorf("opening local storage: %w", err)
	}
	defer store.Close()

	zlog, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	defer func() { _ = zlog.Sync() }()

	breaker := newBreaker(zlog)

	jamf := client.NewClient(jamfURL, jamfUser, jamfPass)
	downloadRetry := resilience.NewRetryPolicy("download", nil, zlog)
	jamfRetry := resilience.NewRetryPolicy("jamf", nil, zlog)

	orch := orchestrator.NewOrchestrator(
		reg,
		registry.NewResolver(http.DefaultClient, runtime.GOARCH),
		store,
		download.NewDownloader(store, downloadRetry, log),
		verify.NewVerifier(log),
		packaging.NewNormalizer(store.PackagePath, log),
		reconcile.NewReconciler(jamf, jamfRetry, log).WithDryRun(opts.dryRun),
		cycles,
		breaker,
		log,
	)

	return orch.Run(ctx, orchestrator.Options{
		Apps:      opts.apps,
		CycleName: opts.cycleName,
		DryRun:    opts.dryRun,
		Force:     opts.force,
		RetryFrom: opts.retryFrom,
		Workers:   opts.workers,
	})
}

// newBreaker shares breaker state through Redis when JAAP_REDIS_ADDR is
// set, so concurrent invocations on different hosts observe each other's
// failures. Without it the breaker is process-local.
func newBreaker(zlog *zap.Logger) *resilience.CircuitBreaker {
	if addr := os.Getenv("JAAP_REDIS_ADDR"); addr != "" {
		options := resilience.DefaultRedisOptions()
		options.Address = addr
		options.Password = os.Getenv("JAAP_REDIS_PASSWORD")
		store := resilience.NewRedisBreakerStorage(options, zlog)
		return resilience.NewCircuitBreakerWithStorage("jamf", nil, store, zlog)
	}
	return resilience.NewCircuitBreaker("jamf", nil, zlog)
}

func showStatus(log *logrus.Logger, dataDir, appsFile, runID string) error {
	store, err := storage.NewManager(dataDir, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var states []storage.RunState
	if runID != "" {
		states, err = store.ListRunStates(runID)
		if err != nil {
			return err
		}
	} else {
		reg, err := registry.Load(appsFile, log)
		if err != nil {
			return err
		}
		for _, appID := range reg.IDs() {
			state, found, err := store.LatestRunState(appID)
			if err != nil {
				return err
			}
			if found {
				states = append(states, *state)
			}
		}
	}

	if len(states) == 0 {
		fmt.Println("No run state recorded")
		return nil
	}

	fmt.Printf("%-28s %-14s %-10s %-10s %s\n", "RUN", "APP", "PHASE", "VERSION", "ERROR")
	for _, state := range states {
		fmt.Printf("%-28s %-14s %-10s %-10s %s\n",
			state.RunID, state.AppID, state.Phase, state.Version, state.LastError)
	}
	return nil
}

func printSummary(summary *orchestrator.Summary) {
	fmt.Printf("\nRun %s (cycle %s", summary.RunID, summary.Cycle)
	if summary.DryRun {
		fmt.Print(", dry run")
	}
	fmt.Printf(") finished in %s\n", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))
	fmt.Printf("  succeeded=%d failed=%d manual=%d skipped=%d cache_hits=%d cache_misses=%d\n\n",
		summary.Succeeded, summary.Failed, summary.ManualIntervention, summary.Skipped,
		summary.CacheHits, summary.CacheMisses)

	for _, result := range summary.Results {
		fmt.Printf("  %-14s %-28s", result.AppID, result.Outcome)
		if result.Version != "" {
			fmt.Printf(" version=%s", result.Version)
		}
		if result.Reason != "" {
			fmt.Printf(" (%s)", result.Reason)
		}
		fmt.Println()
		for _, action := range result.Actions {
			fmt.Printf("    - %s: %s\n", action.Kind, action.Detail)
		}
	}
}

func exitCode(summary *orchestrator.Summary) int {
	if summary.Failed > 0 || summary.Skipped > 0 {
		return exitFailure
	}
	if summary.ManualIntervention > 0 {
		return exitManual
	}
	return exitSuccess
}

func resolveDataDir(flag, env string) string {
	switch {
	case flag != "":
		return flag
	case env != "":
		return env
	default:
		return defaultDataDir
	}
}
