// Command graind runs grain's HTTP-facing Command/Query Processor, serving
// the Request Handlers (C7) over HTTP and Prometheus metrics on a second
// address.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grainhq/grain/internal/config"
	"github.com/grainhq/grain/internal/grainlog"
	"github.com/grainhq/grain/internal/httpapi"
	"github.com/grainhq/grain/internal/metrics"
	kvbbolt "github.com/grainhq/grain/pkg/kvstore/bbolt"
	kvmemory "github.com/grainhq/grain/pkg/kvstore/memory"
	"github.com/grainhq/grain/pkg/eventstore/memory"
	"github.com/grainhq/grain/pkg/eventstore/postgres"
	"github.com/grainhq/grain/pkg/grain"
	"github.com/grainhq/grain/pkg/pubsub"
)

var (
	// Version information, set via -ldflags at build time.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "graind",
	Short: "grain - a CQRS/event-sourcing processor",
	Long: `grain runs the Command Processor, Query Processor, Pub/Sub bus,
and Todo (reactor) Processors described by the system's event-sourcing
model, fronted by a small HTTP boundary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("graind version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults are used if omitted)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP command/query boundary and metrics server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Print the PostgreSQL schema for the durable event store",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(postgres.Schema)
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	grainlog.Init(grainlog.Config{Level: grainlog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := grainlog.WithComponent("graind")

	bus := pubsub.New(pubsub.WithBufferSize(cfg.BusBufferSize))
	defer bus.Close()

	store, closeStore, err := openEventStore(cmd.Context(), cfg, bus)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache, err := openSnapshotCache(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	gctx := &grain.Context{
		EventStore:      store,
		Bus:             bus,
		CommandRegistry: grain.DefaultCommandRegistry,
		QueryRegistry:   grain.DefaultQueryRegistry,
		Locker:          grain.DefaultLockManager,
		Additional:      map[string]any{"snapshot_cache": cache},
	}

	apiServer := httpapi.NewServer(gctx)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer.Routes()}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("command/query boundary listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	log.Info().Msg("shutdown complete")
	return nil
}

// openEventStore constructs the C1 backend selected by cfg.EventStore.Type.
func openEventStore(ctx context.Context, cfg config.Config, bus grain.Bus) (grain.EventStore, func(), error) {
	switch cfg.EventStore.Type {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.EventStore.DSN, bus)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		store := memory.New(bus)
		return store, func() { store.Close() }, nil
	}
}

// openSnapshotCache constructs the C8 snapshot KV store: bbolt under
// cfg.DataDir if set, otherwise an in-memory map.
func openSnapshotCache(cfg config.Config) (grain.KVStore, func(), error) {
	if cfg.DataDir == "" {
		store := kvmemory.New()
		return store, func() { store.Close() }, nil
	}
	store, err := kvbbolt.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot cache: %w", err)
	}
	return store, func() { store.Close() }, nil
}
