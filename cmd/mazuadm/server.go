package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mazubot/mazuadm/pkg/config"
	"github.com/mazubot/mazuadm/pkg/engine"
	"github.com/mazubot/mazuadm/pkg/events"
	"github.com/mazubot/mazuadm/pkg/log"
	"github.com/mazubot/mazuadm/pkg/metrics"
	"github.com/mazubot/mazuadm/pkg/pool"
	"github.com/mazubot/mazuadm/pkg/scheduler"
	"github.com/mazubot/mazuadm/pkg/server"
	"github.com/mazubot/mazuadm/pkg/settings"
	"github.com/mazubot/mazuadm/pkg/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the mazuadm control plane",
	Long: `Run the mazuadm server: the Postgres-backed catalog, the round
scheduler, the exploit container pool and the HTTP/WS API.

Configuration is read from a TOML file (--config, $MAZUADM_CONFIG,
/etc/mazuadm/config.toml, ~/.config/mazuadm/config.toml in that order);
DATABASE_URL overrides the configured database.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to TOML config file")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	ctx := context.Background()
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if n, err := st.ResetStaleJobs(ctx); err != nil {
		return fmt.Errorf("failed to reset stale jobs: %w", err)
	} else if n > 0 {
		logger.Info().Int64("jobs", n).Msg("reset stale jobs from previous run")
	}
	metrics.SetComponent(metrics.ComponentStore, true, "")

	eng, err := engine.New(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer eng.Close()
	if err := eng.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker: %w", err)
	}
	metrics.SetComponent(metrics.ComponentEngine, true, "")

	bus := events.NewBus()
	bus.Start()

	pl := pool.New(st, eng, bus)
	res := settings.NewResolver(st)

	sched := scheduler.New(st, pl, res, bus)
	sched.Start()
	metrics.SetComponent(metrics.ComponentScheduler, true, "")

	collector := metrics.NewCollector(st)
	collector.Start()

	srv := server.New(st, sched, pl, res, bus, server.Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()
	metrics.SetComponent(metrics.ComponentAPI, true, "")
	logger.Info().
		Str("addr", cfg.ListenAddr).
		Str("version", Version).
		Msg("mazuadm server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	// Stop the HTTP surface first so no new work arrives, then drain the
	// scheduler, then the rest.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown failed")
	}
	sched.Stop()
	collector.Stop()
	bus.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}
