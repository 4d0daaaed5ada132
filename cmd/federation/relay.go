package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/study-federation/internal/api"
	"github.com/ashureev/study-federation/internal/relay"
)

func newRelayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve the remote event relay",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runRelay()
		},
	}
}

func runRelay() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	hub := relay.NewHub(cfg.Relay.InboxSize, logger)
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     api.NewRouter(hub, cfg.AllowedOrigins, logger),
		ReadTimeout: 30 * time.Second,
		// Push streams stay open, so there is no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Relay listening", "addr", srv.Addr, "inbox_size", cfg.Relay.InboxSize)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Relay stopped successfully")
	return nil
}
