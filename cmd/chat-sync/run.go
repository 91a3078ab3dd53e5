package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/client"
	"github.com/chat-sync/internal/config"
	"github.com/chat-sync/internal/database"
	"github.com/chat-sync/internal/inspect"
	"github.com/chat-sync/internal/logging"
	"github.com/chat-sync/internal/push"
	"github.com/chat-sync/internal/session"
	"github.com/chat-sync/internal/store"
	"github.com/chat-sync/internal/transport"
)

func newRunCommand() *cobra.Command {
	var identity string
	var noInspect bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and keep the shared state in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, identity, !noInspect)
		},
	}

	cmd.Flags().StringVarP(&identity, "identity", "i", "", "Identity to connect as (defaults to the session token subject)")
	cmd.Flags().BoolVar(&noInspect, "no-inspect", false, "Do not start the inspect API")

	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres tables used by the postgres store backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			db, err := database.New(&cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config.Config, identity string, withInspect bool) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deps := client.Deps{
		Connection: cfg.Connection,
		URL:        cfg.Server.URL,
		Dialer:     transport.NewWebsocketDialer(cfg.Connection),
		Sessions:   session.NewTokenProvider(cfg.Session.AccessToken),
		Store:      st,
		Logger:     logger,
	}

	if cfg.NATS.DeviceToken != "" {
		registrar, err := push.Dial(cfg.NATS, logger.Named("push"))
		if err != nil {
			logger.Warn("push registration disabled", zap.Error(err))
		} else {
			defer registrar.Close()
			deps.Registrar = registrar
		}
	}

	c := client.New(deps)

	startCtx, cancel := context.WithTimeout(ctx, cfg.Connection.AcquireTimeout+cfg.Connection.HandshakeTimeout)
	err = c.Start(startCtx, identity)
	cancel()
	if err != nil {
		return err
	}

	var api *inspect.Server
	errs := make(chan error, 1)
	if withInspect {
		api = inspect.New(c, cfg, logger.Named("inspect"))
		go func() {
			if err := api.ListenAndServe(); err != nil {
				errs <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errs:
		logger.Error("inspect API failed", zap.Error(err))
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("inspect API shutdown error", zap.Error(err))
		}
	}
	if err := c.Close(shutdownCtx); err != nil {
		return fmt.Errorf("client shutdown: %w", err)
	}
	logger.Info("chat-sync stopped")
	return nil
}

// openStore builds the configured persistence backend and a func that
// releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemory(), func() {}, nil

	case "redis":
		rc := store.NewRedisClient(cfg.Redis)
		if err := rc.Ping(ctx).Err(); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("using redis store", zap.String("addr", cfg.Redis.Addr()))
		return store.NewRedis(rc, cfg.Redis.KeyPrefix), func() { rc.Close() }, nil

	case "postgres":
		db, err := database.New(&cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("using postgres store", zap.String("host", cfg.Database.Host))
		return database.NewStore(db), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
