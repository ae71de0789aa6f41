package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the maintenance loop and the metrics endpoint",
	Long: `Open the core and keep it healthy: the maintenance loop sweeps expired
messages, archives repeated failures, and closes overdue votes, while an
HTTP listener serves /metrics and /healthz. Runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := log.WithComponent("serve")

		c.Maintenance.Start()
		defer c.Maintenance.Stop()
		logger.Info().Msg("maintenance loop started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		server := &http.Server{
			Addr:    cfg.HTTP.ListenAddr,
			Handler: mux,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http listener started")
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http listener failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			// Periodically report store reachability into the health
			// endpoint.
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				if err := c.Ping(ctx); err != nil {
					metrics.UpdateComponent("store", false, err.Error())
				} else {
					metrics.UpdateComponent("store", true, "")
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return nil
				}
			}
		})
		g.Go(func() error {
			<-ctx.Done()
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}
