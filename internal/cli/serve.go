package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	httpapi "github.com/knowledge-hub/knowledge-hub/internal/api/http"
	"github.com/knowledge-hub/knowledge-hub/internal/application/dispatch"
	appFSM "github.com/knowledge-hub/knowledge-hub/internal/application/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/application/intake"
	"github.com/knowledge-hub/knowledge-hub/internal/application/router"
	"github.com/knowledge-hub/knowledge-hub/internal/config"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/event"
	"github.com/knowledge-hub/knowledge-hub/internal/domain/fsm"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/contracts"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/inproc"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/postgres"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/redisbus"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/sqlite"
	"github.com/knowledge-hub/knowledge-hub/internal/log"
	"github.com/knowledge-hub/knowledge-hub/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// stateStore is an FSM store that can report readiness.
type stateStore interface {
	fsm.Store
	httpapi.HealthChecker
}

// NewServeCommand runs the command intake and the operational HTTP server.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the state engine and event router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Config{Level: cfg.LogLevel, Version: Version})

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.Router.Environment, Version)
	if err != nil {
		return fmt.Errorf("telemetry error: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := contracts.LoadRegistry(cfg.FSM.ContractsDir)
	if err != nil {
		return fmt.Errorf("contracts error: %w", err)
	}
	logger.Info().Strs("fsm_types", registry.Types()).Msg("contracts loaded")

	rtr, err := router.New(dialDurable(ctx, cfg, logger), inproc.NewBus(0, logger), router.Config{
		Environment:      cfg.Router.Environment,
		ForcedTransport:  cfg.Router.ForcedTransport,
		FallbackEnabled:  cfg.Router.FallbackEnabled,
		BreakerThreshold: cfg.Router.BreakerThreshold,
		BreakerRecovery:  cfg.Router.BreakerRecovery,
		HealthCacheTTL:   cfg.Router.HealthCacheTTL,
		PublishTimeout:   cfg.Router.PublishTimeout,
		Keywords:         cfg.Router.Keywords,
	}, logger)
	if err != nil {
		return fmt.Errorf("router error: %w", err)
	}
	defer func() {
		if err := rtr.Close(); err != nil {
			logger.Warn().Err(err).Msg("router close failed")
		}
	}()

	fsmCfg := appFSM.Config{
		LeaseEnforcement:   cfg.FSM.LeaseEnforcement,
		TransactionTimeout: cfg.FSM.TransactionTimeout,
		ConflictRetries:    cfg.FSM.ConflictRetries,
	}
	reducer := appFSM.NewReducer(store, registry, fsmCfg, logger)
	fsmSvc := appFSM.NewService(reducer, dispatch.NewDispatcher(rtr, logger), logger)
	leases := appFSM.NewLeaseGuard(store, registry, fsmCfg, logger)

	consumer := intake.NewConsumer(rtr, fsmSvc, leases, logger)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("intake error: %w", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Warn().Err(err).Msg("intake close failed")
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      httpapi.NewServer(rtr, store, logger).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (stateStore, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Database.SQLitePath, sqlite.DefaultConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite error: %w", err)
		}
		logger.Info().Str("path", cfg.Database.SQLitePath).Msg("using sqlite state store")
		return s, func() { _ = s.Close() }, nil
	default:
		pool, err := postgres.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("db error: %w", err)
		}
		if err := postgres.RunMigrations(ctx, pool, cfg.Database.MigrationsDir, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migration error: %w", err)
		}
		return postgres.NewFSMStore(pool), pool.Close, nil
	}
}

// dialDurable builds the Redis transport whenever an address is set. An
// unreachable server at startup is logged; the router falls back to
// in-process delivery until Redis answers.
func dialDurable(ctx context.Context, cfg *config.Config, logger zerolog.Logger) event.Transport {
	if cfg.Redis.Addr == "" {
		logger.Info().Msg("no durable transport configured; events stay in-process")
		return nil
	}
	bus, err := redisbus.Dial(ctx, redisbus.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		StreamPrefix: cfg.Redis.StreamPrefix,
		MaxLen:       cfg.Redis.StreamMaxLen,
		Group:        cfg.Redis.ConsumerGroup,
		Consumer:     cfg.Redis.ConsumerName,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("durable transport unreachable at startup; falling back until it recovers")
	}
	return bus
}
