package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"appstore/internal/appstore"
	"appstore/internal/idempotency"
	"appstore/internal/server"
)

const purgeInterval = time.Hour

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Service.HTTPPort = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			reg := prometheus.NewRegistry()
			app := newApp(appstore.NewMetrics(reg))
			defer app.Close()

			go func() {
				if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("session loop stopped", zap.Error(err))
				}
			}()

			apiServer := server.NewServer(cfg, app, store, logger, reg)

			errCh := make(chan error, 1)
			go func() {
				errCh <- apiServer.Start()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return apiServer.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default $APPSTORE_HTTP_PORT, then 3000)")
	return cmd
}

// openStore returns the Postgres store when a DSN is configured and the
// file store otherwise.
func openStore(ctx context.Context) (idempotency.Store, func(), error) {
	if cfg.Service.PostgresDSN == "" {
		store, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("idempotency store", zap.String("path", cfg.Service.IdempotencyStorePath))
		return store, func() {}, nil
	}

	store, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	go purgeExpired(ctx, store)
	logger.Info("idempotency store", zap.String("backend", "postgres"))
	return store, store.Close, nil
}

func purgeExpired(ctx context.Context, store *idempotency.PostgresStore) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired submissions", zap.Error(err))
				continue
			}
			logger.Debug("purged expired submissions", zap.Int64("rows", n))
		}
	}
}
