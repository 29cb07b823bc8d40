package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/coinnation/kontext-sub005/internal/adapters/messaging"
	"github.com/coinnation/kontext-sub005/internal/adapters/state"
	"github.com/coinnation/kontext-sub005/internal/adapters/workspace"
	"github.com/coinnation/kontext-sub005/internal/api"
	"github.com/coinnation/kontext-sub005/internal/config"
	"github.com/coinnation/kontext-sub005/internal/coordinator"
	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/diagnostics"
	"github.com/coinnation/kontext-sub005/internal/logging"
	"github.com/coinnation/kontext-sub005/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the workflow coordinator together with its message intake, the
optional workspace watcher and the HTTP control plane.

Examples:
  # Start with the configuration in ./.autofix.yaml
  autofix serve

  # Use Kafka instead of the in-process transport
  AUTOFIX_MESSAGING_DRIVER=kafka autofix serve

  # Override the listen port
  autofix serve --port 9000`,
	RunE: runServe,
}

var (
	serveHost     string
	servePort     int
	serveNoServer bool
	monitorEvery  time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"Host address to bind to (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0,
		"Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveNoServer, "no-server", false,
		"Disable the HTTP control plane")
	serveCmd.Flags().DurationVar(&monitorEvery, "monitor-interval", time.Minute,
		"How often process health is sampled")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	logCfg := cfg.Log.LoggingConfig()
	logCfg.Output = os.Stderr
	logger := logging.New(logCfg)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.Setup(ctx, cfg.Tracing.TracingSetup())
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	stores, err := state.Open(state.Options{
		JournalPath:  cfg.State.JournalPath,
		SnapshotPath: cfg.State.SnapshotPath,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("failed to close state stores", "error", err)
		}
	}()

	ps, err := messaging.NewPubSub(cfg.Messaging, cfg.Tracing.Enabled, logger)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	defer func() {
		if err := ps.Close(); err != nil {
			logger.Warn("failed to close transport", "error", err)
		}
	}()

	clock := clockwork.NewRealClock()
	surface, collab := messaging.Collaborators(ps, cfg.Messaging, clock, logger)

	coord := newServeCoordinator(collab, cfg.Coordinator, stores.Journal, clock, provider.Tracer(), logger)
	defer coord.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })

	intake := messaging.NewIntake(ps.Subscriber, cfg.Messaging, coord, surface, clock, logger)
	g.Go(func() error { return intake.Run(gctx) })

	lifecycle := messaging.NewLifecyclePublisher(ps.Publisher, cfg.Messaging.Topics.Lifecycle, coord.Bus(), logger)
	g.Go(func() error { return lifecycle.Run(gctx) })

	jobs, err := newServeMaintenance(cfg.State, stores, coord, clock, logger)
	if err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	if cfg.Workspace.Enabled {
		watcher, err := workspace.New(workspace.Options{
			ProjectID:   cfg.Workspace.ProjectID,
			Roots:       cfg.Workspace.Roots,
			Ignore:      cfg.Workspace.Ignore,
			SettleDelay: cfg.Workspace.SettleDelay,
			Clock:       clock,
		}, coord.ObserveFile, logger)
		if err != nil {
			return fmt.Errorf("creating workspace watcher: %w", err)
		}
		defer watcher.Close()
		g.Go(func() error { return watcher.Run(gctx) })
	}

	reporter := diagnostics.NewReporter(coord, coord.Bus(),
		diagnostics.WithDiskPath(diskPathFor(cfg.State)),
		diagnostics.WithClock(clock))
	monitor := diagnostics.NewMonitor(reporter, monitorEvery, 60, clock, logger)
	g.Go(func() error { return monitor.Run(gctx) })

	if cfg.Server.Enabled {
		serverOpts := []api.ServerOption{
			api.WithLogger(logger.WithComponent("api")),
			api.WithHealthReporter(reporter),
			api.WithCORSOrigins(cfg.Server.CORSOrigins),
		}
		if stores.Journal != nil {
			serverOpts = append(serverOpts, api.WithJournal(stores.Journal))
		}
		server := api.NewServer(coord, coord.Bus(), serverOpts...)
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		g.Go(func() error { return server.ListenAndServe(gctx, addr, cfg.Server.ShutdownTimeout) })
	}

	logger.Info("autofix started",
		"version", appVersion,
		"transport", ps.Driver(),
		"server", cfg.Server.Enabled,
		"workspace", cfg.Workspace.Enabled,
		"journal", stores.Journal != nil,
	)

	err = g.Wait()
	logger.Info("autofix stopping")
	return err
}

// newServeCoordinator builds the coordinator. It tags its own logger with the
// component, so logger is passed as is.
func newServeCoordinator(collab core.Collaborators, cfg config.CoordinatorConfig, journal *state.SQLiteJournal,
	clock clockwork.Clock, tracer trace.Tracer, logger *logging.Logger) *coordinator.Coordinator {
	opts := []coordinator.Option{
		coordinator.WithClock(clock),
		coordinator.WithLogger(logger),
		coordinator.WithTracer(tracer),
	}
	if journal != nil {
		opts = append(opts, coordinator.WithJournal(journal))
	}
	return coordinator.New(collab, cfg.Options(), opts...)
}

// applyServeFlags lets command-line flags override the loaded server
// section.
func applyServeFlags(cfg *config.Config) {
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveNoServer {
		cfg.Server.Enabled = false
	}
}

// newServeMaintenance wires the cron jobs to whichever stores are enabled.
func newServeMaintenance(cfg config.StateConfig, stores *state.Stores, coord *coordinator.Coordinator, clock clockwork.Clock, logger *logging.Logger) (*maintenance, error) {
	var pruner journalPruner
	if stores.Journal != nil {
		pruner = stores.Journal
	}
	var writer snapshotWriter
	if stores.Snapshot != nil {
		writer = stores.Snapshot
	}
	return newMaintenance(cfg, pruner, writer, coord, clock, logger)
}

// diskPathFor picks the directory whose filesystem usage is reported.
func diskPathFor(cfg config.StateConfig) string {
	for _, p := range []string{cfg.JournalPath, cfg.SnapshotPath} {
		if p != "" {
			return filepath.Dir(p)
		}
	}
	return "."
}
