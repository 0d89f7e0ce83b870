package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llm-orchestrator/internal/metrics"
	"github.com/felipepmaragno/llm-orchestrator/internal/scheduler"
	"github.com/felipepmaragno/llm-orchestrator/internal/telemetry"
)

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("starting llm orchestrator", "addr", cfg.Addr, "version", version)

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			shutdownTracer, err := telemetry.Init(ctx, telemetry.Config{
				ServiceName: "llm-orchestrator",
				Version:     version,
				Endpoint:    cfg.OTLPEndpoint,
				SampleRatio: cfg.TraceSampleRatio,
			})
			if err != nil {
				return err
			}

			hostname, _ := os.Hostname()
			metrics.InitInstanceMetrics(hostname, version)

			sched := scheduler.New(time.Minute)
			if err := sched.Add("purge-local-cache", "@every 1m", scheduler.PurgeLocalCache(a.local)); err != nil {
				return err
			}
			if err := sched.Add("usage-snapshot", "@every 5m", scheduler.LogUsageSnapshot(a.orch.Metrics)); err != nil {
				return err
			}
			if err := sched.Add("provider-health", "@every 1m", scheduler.WatchProviders(a.orch.HealthCheck, a.notifier)); err != nil {
				return err
			}
			if a.budget != nil {
				if err := sched.Add("budget-check", "@every 1m", scheduler.CheckBudget(a.budget)); err != nil {
					return err
				}
			}
			sched.Start()

			handler := a.handler(cfg.RequestTimeout)

			srv := &http.Server{
				Addr:        cfg.Addr,
				Handler:     handler,
				ReadTimeout: 30 * time.Second,
				IdleTimeout: 120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("server listening", "addr", cfg.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			slog.Info("shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("server forced to shutdown", "error", err)
			}
			if err := sched.Stop(shutdownCtx); err != nil {
				slog.Warn("scheduler did not stop cleanly", "error", err)
			}
			if err := shutdownTracer(shutdownCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}

			slog.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDR)")
	return cmd
}
