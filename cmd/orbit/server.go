package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/orbit/internal/api"
	"github.com/kalambet/orbit/internal/config"
	"github.com/kalambet/orbit/internal/logging"
	"github.com/kalambet/orbit/internal/observability"
	"github.com/kalambet/orbit/internal/pgstore"
	"github.com/kalambet/orbit/internal/retention"
	"github.com/kalambet/orbit/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the store server (collector endpoint and dashboard reads)",
	RunE: func(cmd *cobra.Command, args []string) error {
		sweep, _ := cmd.Flags().GetBool("sweep")
		return runServer(sweep)
	},
}

func init() {
	serveCmd.Flags().Bool("sweep", false, "run the retention sweeper against the local store")
}

// appStore is a store backend the server can own.
type appStore interface {
	api.Store
	Close() error
}

func openStore(ctx context.Context, cfg config.Config) (appStore, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := pgstore.New(ctx, cfg.Storage.DatabaseURL, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return db, nil
	default:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, nil
	}
}

// setup loads config and installs the process logger.
func setup() (config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	closer, err := logging.Setup(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return config.Config{}, nil, err
	}
	observability.InitMetrics()
	return cfg, func() { closer.Close() }, nil
}

func runServer(sweep bool) error {
	cfg, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	slog.Info("orbit starting", "version", version, "driver", cfg.Storage.Driver, "metrics_mode", cfg.Metrics.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if cfg.Server.Token == "" {
		slog.Warn("ORBIT_SERVER_TOKEN not set, collector endpoint accepts unauthenticated writes")
	}

	var sweeper *retention.Sweeper
	if sweep {
		sweeper, err = retention.NewSweeper(retention.NewLocalCleaner(store), cfg.Retention.Days, cfg.Retention.Schedule, slog.Default())
		if err != nil {
			return err
		}
	}

	handler := api.NewHandler(api.Deps{
		Store:         store,
		Token:         cfg.Server.Token,
		MetricsMode:   cfg.Metrics.Mode,
		RetentionDays: cfg.Retention.Days,
		Logger:        slog.Default(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("orbit listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if sweeper != nil {
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	return g.Wait()
}
