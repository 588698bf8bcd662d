package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/orbit/internal/collector"
	"github.com/kalambet/orbit/internal/config"
	"github.com/kalambet/orbit/internal/dispatch"
	"github.com/kalambet/orbit/internal/observability"
	"github.com/kalambet/orbit/internal/retention"
	"github.com/kalambet/orbit/internal/source"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Poll the agent runtime and push its state to the store",
	Long: `Poll the agent runtime and push its state to the store.

Without --once the collector runs until interrupted, polling every
collector.interval and asking the store to sweep aged rows on
retention.schedule. With --once it runs a single cycle and exits non-zero
when the runtime status could not be fetched or normalized.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		return runCollector(once)
	},
}

func init() {
	collectCmd.Flags().Bool("once", false, "run a single collection cycle and exit")
}

func newSource(cfg config.Config) (source.Source, error) {
	if cfg.Source.Command != "" {
		return source.NewCommand(cfg.Source.Command, cfg.Source.CronCommand, cfg.Source.Timeout)
	}
	return source.NewHTTP(cfg.Source.URL, cfg.Source.Timeout), nil
}

func newDispatchClient(cfg config.Config) *dispatch.Client {
	return dispatch.NewClient(cfg.Collector.DashboardURL, cfg.Collector.Token, &http.Client{Timeout: 30 * time.Second})
}

func runCollector(once bool) error {
	cfg, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	src, err := newSource(cfg)
	if err != nil {
		return err
	}
	client := newDispatchClient(cfg)

	var host collector.HostSampler
	if cfg.Collector.HostMetrics {
		host = collector.NewHostSampler()
	}
	c := collector.New(src, client, collector.Options{
		Interval: cfg.Collector.Interval,
		Host:     host,
		Logger:   slog.Default(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkStore(ctx, client, cfg.Collector.DashboardURL)

	if once {
		rep, err := c.Collect(ctx)
		if err != nil {
			return fmt.Errorf("collection failed: %w", err)
		}
		printSuccess("Collected %d sessions, %d jobs, %d logs, %d metrics", rep.Sessions, rep.Jobs, rep.Logs, rep.Metrics)
		if rep.Failures > 0 {
			printWarning("%d dispatches rejected by the store", rep.Failures)
		}
		return nil
	}

	sweeper, err := retention.NewSweeper(client, cfg.Retention.Days, cfg.Retention.Schedule, slog.Default())
	if err != nil {
		return err
	}

	slog.Info("collector configured",
		"source", sourceLabel(cfg),
		"dashboard", cfg.Collector.DashboardURL,
		"interval", cfg.Collector.Interval,
		"next_sweep", sweeper.Next(time.Now()).Format(time.RFC3339),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.Collector.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.Collector.MetricsAddr, Handler: observability.MetricsHandler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			slog.Info("collector metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func sourceLabel(cfg config.Config) string {
	if cfg.Source.Command != "" {
		return "command: " + cfg.Source.Command
	}
	return cfg.Source.URL
}

type healthChecker interface {
	Health(ctx context.Context) error
}

// checkStore reports whether the store endpoint answers its health check.
// An unreachable store is only a warning; every cycle dispatches afresh.
func checkStore(ctx context.Context, h healthChecker, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Health(ctx); err != nil {
		slog.Warn("store endpoint not healthy", "dashboard", url, "error", err)
		return false
	}
	slog.Debug("store endpoint healthy", "dashboard", url)
	return true
}
