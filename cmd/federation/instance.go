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
	"github.com/ashureev/study-federation/internal/broadcast"
	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/federation"
	"github.com/ashureev/study-federation/internal/handshake"
	"github.com/ashureev/study-federation/internal/identity"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/relay"
	"github.com/ashureev/study-federation/internal/store"
)

func newInstanceCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Boot one federated instance and keep it in sync",
		Long: "Boot one federated instance: resolve the signed-in user, then sync " +
			"selections and chat sessions with peers until interrupted. " +
			"SIGHUP re-checks shared state the way a window focus would.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInstance(cmd.Context(), name)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Instance name (overrides INSTANCE_NAME)")
	return cmd
}

func runInstance(parent context.Context, name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if name != "" {
		cfg.InstanceName = name
	}
	logger := slog.Default()

	state, err := kv.OpenFileStore(cfg.StateDir, logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if err := state.Close(); err != nil {
			slog.Error("Failed to close state store", "error", err)
		}
	}()

	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("Failed to close session database", "error", err)
		}
	}()

	var ident handshake.IdentityService
	if cfg.IdentityURL != "" {
		ident = identity.NewClient(cfg.IdentityURL, state, logger)
	} else {
		slog.Warn("IDENTITY_URL not set, only cached and handed-off identities are available")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var parentCh handshake.ReplyChannel
	if cfg.ParentURL != "" {
		parentCh = handshake.NewHTTPChannel(cfg.ParentURL, nil)
	} else if cfg.Embedded {
		slog.Warn("EMBEDDED is set without PARENT_URL, authenticating independently")
	}

	inst, err := federation.New(ctx, federation.Options{
		Name:       cfg.InstanceName,
		Store:      state,
		Repo:       repo,
		Identity:   ident,
		Parent:     parentCh,
		Embedded:   cfg.Embedded,
		HandoffURL: cfg.HandoffURL,
		Relay: relay.ClientConfig{
			BaseURL:       cfg.Relay.URL,
			RetryInterval: cfg.Relay.RetryInterval,
			PollInterval:  cfg.Relay.PollInterval,
			ProbeTimeout:  cfg.Relay.ProbeTimeout,
			PushEnabled:   cfg.Relay.PushEnabled,
		},
		CacheTTL:      cfg.Auth.CacheTTL,
		ParentTimeout: cfg.Auth.ParentTimeout,
		HandoffWindow: cfg.Auth.HandoffWindow,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	defer func() {
		if err := inst.Close(); err != nil {
			slog.Error("Failed to close instance", "error", err)
		}
	}()

	for _, n := range events.Names() {
		inst.Channel.On(n, logEvent(logger, n))
	}

	auth := inst.Boot(ctx)
	slog.Info("Auth resolved",
		"user_id", auth.UserID(),
		"demo", auth.IsDemoMode,
		"embedded", auth.Embedded,
		"handshake", inst.Auth.State().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				slog.Info("Focus requested, re-checking shared state")
				inst.Focus()
			}
		}
	})
	if cfg.HostAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HostAddr,
			Handler:           api.NewHostRouter(inst.Responder(), cfg.AllowedOrigins, logger),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Serving auth state to embedded instances", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("host server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Instance stopped", "instance", inst.Name)
	return nil
}

func logEvent(logger *slog.Logger, name events.Name) broadcast.Handler {
	return func(p events.Payload) {
		logger.Debug("event received", "event", string(name), "payload", p)
	}
}
