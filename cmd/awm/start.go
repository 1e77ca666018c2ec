package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/awm/internal/config"
	"github.com/p-blackswan/awm/internal/event"
	"github.com/p-blackswan/awm/internal/executor"
	"github.com/p-blackswan/awm/internal/health"
	"github.com/p-blackswan/awm/internal/metrics"
	"github.com/p-blackswan/awm/internal/mgmt"
	"github.com/p-blackswan/awm/internal/notify"
	"github.com/p-blackswan/awm/internal/project"
	"github.com/p-blackswan/awm/internal/scheduler"
	"github.com/p-blackswan/awm/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	sessionDrainGrace = 15 * time.Second
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the AWM daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Environment, cfg.LogLevel)
			return runDaemon(cmd.Context(), cfg, logger)
		},
	}
}

func runDaemon(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("environment", cfg.Environment).
		Str("store_backend", cfg.StoreBackend).
		Str("executor_mode", cfg.ExecutorMode).
		Bool("simulation", !cfg.ExecutorEnabled()).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Int("max_concurrent", cfg.MaxConcurrentSessions).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting autonomous work manager")

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := store.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()

	st := project.NewStore(backend, logger)
	if err := st.Load(ctx); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	source, err := event.NewManager(event.Options{}, logger)
	if err != nil {
		return fmt.Errorf("failed to create event manager: %w", err)
	}
	defer source.Close()

	exec, err := executor.New(cfg, logger)
	if err != nil {
		return err
	}
	if exec == nil {
		logger.Warn().Msg("no executor configured, sessions will be simulated")
	}

	m := metrics.New()
	sched := scheduler.New(scheduler.Deps{
		Store:    st,
		Source:   source,
		Executor: exec,
		Notifier: notify.New(cfg, logger),
		Metrics:  m,
	}, scheduler.OptionsFromConfig(cfg), logger)

	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st.Ping, logger))
	checker.Register("executor", health.ExecutorCheck(cfg.ExecutorEnabled()))

	srv := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, st, sched, checker, m, logger)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logStatus(ctx, sched, cfg.StatusLogInterval, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("management API server error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler stop error")
	}

	done := make(chan struct{})
	go func() {
		sched.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all sessions settled")
	case <-time.After(sessionDrainGrace):
		// Whatever is still running is failed as interrupted on next start.
		logger.Warn().Int("active_sessions", st.ActiveSessionCount()).Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("autonomous work manager stopped")
	return nil
}

// logStatus logs a one-line scheduler summary every interval until ctx ends.
func logStatus(ctx context.Context, sched *scheduler.Scheduler, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sched.Status()
			evt := logger.Info().
				Bool("running", st.Running).
				Bool("simulation", st.Simulation).
				Int("queue_size", st.QueueSize).
				Int("active_sessions", st.ActiveCount).
				Int("max_concurrent", st.MaxConcurrent).
				Int("projects", st.TotalProjects).
				Int("active_projects", st.ActiveProjects)
			if st.Events != nil {
				evt = evt.Int("cron_jobs", st.Events.CronJobs).Int("file_watchers", st.Events.FileWatchers)
			}
			evt.Msg("status")
		}
	}
}
