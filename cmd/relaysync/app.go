package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/agentworkforce/relaysync/internal/batch"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/coord"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/observability"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/rs/zerolog"
)

// app holds everything a command needs; close releases it in reverse order.
type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	store     localstore.Store
	locks     coord.LockManager
	hub       *coord.Hub
	batcher   *batch.Batcher
	engine    *engine.Engine
	telemetry func(context.Context) error
}

func loadApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.v)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg)
}

func buildApp(ctx context.Context, cfg config.Config) (a *app, err error) {
	logger, logCloser, err := config.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, logger: logger, logCloser: logCloser}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	observability.RegisterRuntimeCollectors()
	a.telemetry, err = observability.Start(ctx, observability.Config{
		ServiceName:  "relaysync",
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.store, err = localstore.Open(cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	locks, broadcaster, err := openCoordination(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.locks = locks
	a.hub = coord.NewHub(broadcaster, logger)

	client := remote.NewHTTPClient(cfg.BaseURL, tokenSource(cfg, a.store), &http.Client{Timeout: cfg.Timeout})
	a.batcher = batch.New(client, batch.Options{
		Path:        cfg.BatchPath,
		BaseURL:     cfg.BaseURL,
		Delay:       cfg.BatchDelay,
		MaxRequests: cfg.BatchMaxRequests,
		Logger:      logger,
	})
	a.engine, err = engine.New(engine.Config{
		Store:         a.store,
		Submitter:     a.batcher,
		Locks:         a.locks,
		Hub:           a.hub,
		DirectoryBase: cfg.BaseURL,
		Logger:        logger,
		PassTimeout:   cfg.Timeout,
		OnUnauthorized: func(context.Context) {
			logger.Warn().Msg("remote rejected the credential; run `relaysync login` to sign in again")
		},
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openCoordination returns locks and a broadcaster that reach every process
// able to open the same store. Unset values are derived from the store: a
// SQLite file gets <path>.locks and <path>.events beside it, Postgres uses
// advisory locks and LISTEN/NOTIFY. Process-local coordination is refused
// for any store another process could open.
func openCoordination(cfg config.Config, logger zerolog.Logger) (coord.LockManager, coord.Broadcaster, error) {
	loc, err := localstore.Locate(cfg.StoreDSN)
	if err != nil {
		return nil, nil, err
	}
	locks, err := openLocks(cfg, loc)
	if err != nil {
		return nil, nil, err
	}
	broadcaster, err := openBroadcaster(cfg, loc, logger)
	if err != nil {
		closeLocks(locks)
		return nil, nil, err
	}
	return locks, broadcaster, nil
}

func openLocks(cfg config.Config, loc localstore.Location) (coord.LockManager, error) {
	lockDir := cfg.LockDir
	if lockDir == "" && loc.Backend == localstore.BackendSQLite {
		lockDir = loc.Path + ".locks"
	}
	switch {
	case lockDir != "":
		return coord.NewFileLockManager(lockDir)
	case loc.Backend == localstore.BackendPostgres:
		return coord.NewPostgresLockManager(cfg.StoreDSN)
	case loc.Durable():
		return nil, fmt.Errorf("%w: %s is required for store backend %s", config.ErrInvalidConfig, config.KeyLockDir, loc.Backend)
	default:
		return coord.NewLocalLockManager(), nil
	}
}

func openBroadcaster(cfg config.Config, loc localstore.Location, logger zerolog.Logger) (coord.Broadcaster, error) {
	switch {
	case !coord.IsLocalBroadcast(cfg.BroadcastDSN):
		return coord.OpenBroadcaster(cfg.BroadcastDSN, logger)
	case loc.Durable() && cfg.BroadcastDSN != "":
		return nil, fmt.Errorf("%w: %s %q cannot reach other processes sharing the store", config.ErrInvalidConfig, config.KeyBroadcastDSN, cfg.BroadcastDSN)
	case loc.Backend == localstore.BackendSQLite:
		return coord.NewFileBroadcaster(loc.Path+".events", logger)
	case loc.Backend == localstore.BackendPostgres:
		return coord.NewPostgresBroadcaster(cfg.StoreDSN, logger)
	case loc.Durable():
		return nil, fmt.Errorf("%w: %s is required for store backend %s", config.ErrInvalidConfig, config.KeyBroadcastDSN, loc.Backend)
	default:
		return coord.NewLocalBus(), nil
	}
}

func closeLocks(locks coord.LockManager) {
	if closer, ok := locks.(io.Closer); ok {
		_ = closer.Close()
	}
}

// tokenSource prefers the configured token and falls back to the stored
// credential. A missing credential yields an empty token, which the client
// reports as unauthorized.
func tokenSource(cfg config.Config, store localstore.Store) remote.TokenSource {
	if cfg.Token != "" {
		return remote.StaticToken(cfg.Token)
	}
	return func(ctx context.Context) (string, error) {
		token, err := localstore.CredentialToken(ctx, store)
		if errors.Is(err, localstore.ErrNotFound) {
			return "", nil
		}
		return token, err
	}
}

func (a *app) close(ctx context.Context) {
	if a.batcher != nil {
		_ = a.batcher.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close broadcaster")
		}
	}
	closeLocks(a.locks)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close store")
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
