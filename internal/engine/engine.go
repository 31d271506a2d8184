package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaysync/internal/coord"
	"github.com/agentworkforce/relaysync/internal/entity"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/syncop"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultPassTimeout = 2 * time.Minute
	mutationsOperation = "mutations"
)

type Config struct {
	// Store is the backing store; the engine wraps it so every committed
	// write is broadcast through Hub.
	Store     localstore.Store
	Submitter entity.Submitter
	Locks     coord.LockManager
	Hub       *coord.Hub
	// Adapters defaults to entity.DefaultAdapters.
	Adapters func(store localstore.Store, submit entity.Submitter) ([]entity.Adapter, error)
	Registry *outbox.Registry
	// DirectoryBase is the absolute API root for reference payloads.
	DirectoryBase  string
	Logger         zerolog.Logger
	Notifier       Notifier
	OnUnauthorized func(ctx context.Context)
	PassTimeout    time.Duration
	Now            func() time.Time
}

// Engine runs sync passes over a set of controllers and the outbox, and is
// the entry point UI collaborators use.
type Engine struct {
	store          localstore.Store
	locks          coord.LockManager
	hub            *coord.Hub
	controllers    []*syncop.Controller
	queue          *outbox.Queue
	logger         zerolog.Logger
	notifier       Notifier
	onUnauthorized func(ctx context.Context)
	passTimeout    time.Duration
	now            func() time.Time

	trigger chan struct{}
	running atomic.Bool

	mu         sync.Mutex
	lastPassAt time.Time
	lastErr    error
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Submitter == nil {
		return nil, errors.New("engine requires a store and a submitter")
	}
	if cfg.Locks == nil {
		cfg.Locks = coord.NewLocalLockManager()
	}
	if cfg.Hub == nil {
		cfg.Hub = coord.NewHub(nil, cfg.Logger)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier(cfg.Logger)
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultPassTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = outbox.DefaultRegistry(cfg.DirectoryBase)
	}
	if cfg.Adapters == nil {
		cfg.Adapters = func(store localstore.Store, submit entity.Submitter) ([]entity.Adapter, error) {
			return entity.DefaultAdapters(store, submit, cfg.Logger)
		}
	}

	store := localstore.NewNotifyingStore(cfg.Store, cfg.Hub.Notify)
	adapters, err := cfg.Adapters(store, cfg.Submitter)
	if err != nil {
		return nil, fmt.Errorf("build adapters: %w", err)
	}
	controllers := make([]*syncop.Controller, 0, len(adapters))
	seen := map[string]struct{}{}
	for _, adapter := range adapters {
		if _, dup := seen[adapter.Name()]; dup {
			return nil, fmt.Errorf("duplicate operation %q", adapter.Name())
		}
		seen[adapter.Name()] = struct{}{}
		controllers = append(controllers, syncop.NewController(adapter, store, syncop.Options{Logger: cfg.Logger, Now: cfg.Now}))
	}

	return &Engine{
		store:          store,
		locks:          cfg.Locks,
		hub:            cfg.Hub,
		controllers:    controllers,
		queue:          outbox.NewQueue(store, cfg.Locks, cfg.Registry, cfg.Submitter, outbox.Options{Logger: cfg.Logger, Now: cfg.Now}),
		logger:         cfg.Logger,
		notifier:       cfg.Notifier,
		onUnauthorized: cfg.OnUnauthorized,
		passTimeout:    cfg.PassTimeout,
		now:            cfg.Now,
		trigger:        make(chan struct{}, 1),
	}, nil
}

// Store is the notifying store the engine writes through.
func (e *Engine) Store() localstore.Store {
	return e.store
}

// SyncNow runs one full pass under the sync lock: commit queued mutations,
// drive every operation concurrently, then commit again. Operation failures
// are independent; unauthorized cancels the whole pass and logs out.
func (e *Engine) SyncNow(ctx context.Context) (err error) {
	started := e.now()
	ctx, span := engineTracer.Start(ctx, "engine.sync_pass")
	defer func() {
		result := "ok"
		switch {
		case err == nil:
		case IsUnauthorized(err):
			result = "unauthorized"
		default:
			result = "error"
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		passTotal.WithLabelValues(result).Inc()
		passDuration.Observe(e.now().Sub(started).Seconds())
		span.End()
	}()

	release, err := e.locks.Acquire(ctx, coord.LockSync)
	if err != nil {
		return err
	}
	defer release()
	e.running.Store(true)
	defer e.running.Store(false)

	passCtx, cancelPass := context.WithCancel(ctx)
	defer cancelPass()

	var (
		mu           sync.Mutex
		failed       []string
		errs         []error
		unauthorized bool
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if IsUnauthorized(err) {
			if !unauthorized {
				unauthorized = true
				cancelPass()
			}
		}
		failed = append(failed, name)
		errs = append(errs, err)
	}

	commit := func(phase string) {
		report, err := e.queue.CommitPending(passCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) || ctx.Err() != nil {
				record(mutationsOperation, fmt.Errorf("%s commit: %w", phase, err))
			}
			return
		}
		if report.Committed > 0 || report.Failed > 0 {
			e.logger.Info().Str("phase", phase).Int("committed", report.Committed).Int("failed", report.Failed).Int("held", report.Held).Msg("mutation commit pass")
		}
		if report.Failed > 0 {
			e.logger.Warn().Int("failed", report.Failed).Msg("some mutations failed to commit; retained for the next pass")
		}
	}

	commit("before")
	if !unauthorized {
		var wg sync.WaitGroup
		for _, controller := range e.controllers {
			wg.Add(1)
			go func(c *syncop.Controller) {
				defer wg.Done()
				if err := c.Run(passCtx); err != nil {
					if errors.Is(err, context.Canceled) && ctx.Err() == nil {
						// cancelled by an unauthorized sibling
						return
					}
					e.logger.Warn().Err(err).Str("operation", c.Name()).Msg("sync operation failed")
					record(c.Name(), err)
				}
			}(controller)
		}
		wg.Wait()
	}
	if !unauthorized && passCtx.Err() == nil {
		commit("after")
	}
	span.SetAttributes(attribute.Int("pass.failed", len(failed)))

	var passErr *PassError
	if len(errs) > 0 {
		passErr = &PassError{Failed: failed, Unauthorized: unauthorized, Err: errors.Join(errs...)}
	}
	if unauthorized {
		if logoutErr := e.Logout(context.WithoutCancel(ctx)); logoutErr != nil {
			e.logger.Error().Err(logoutErr).Msg("clear credential after unauthorized failed")
		}
		if e.onUnauthorized != nil {
			e.onUnauthorized(ctx)
		}
	}

	e.mu.Lock()
	e.lastPassAt = e.now()
	e.lastErr = nil
	if passErr != nil {
		e.lastErr = passErr
	}
	e.mu.Unlock()

	if passErr != nil {
		if ctx.Err() != nil && !unauthorized {
			e.logger.Info().Strs("interrupted", failed).Msg("sync pass cancelled")
			return passErr
		}
		e.notifier.PassFailed(ctx, passErr)
		return passErr
	}
	e.logger.Info().Dur("elapsed", e.now().Sub(started)).Msg("sync pass complete")
	return nil
}

// Enqueue queues a mutation, applies it locally and schedules a pass.
func (e *Engine) Enqueue(ctx context.Context, kind outbox.Kind, data json.RawMessage) (outbox.Mutation, error) {
	m, err := e.queue.Enqueue(ctx, kind, data)
	if err != nil {
		return outbox.Mutation{}, err
	}
	e.TriggerSync()
	return m, nil
}

func (e *Engine) PendingMutations(ctx context.Context) ([]outbox.Mutation, error) {
	return e.queue.Pending(ctx)
}

// Subscribe registers fn for committed writes to collection, from this
// process or any other sharing the broadcaster.
func (e *Engine) Subscribe(collection string, fn func(collections []string)) func() {
	return e.hub.Subscribe(collection, fn)
}

func (e *Engine) SubscribeAll(fn func(collections []string)) func() {
	return e.hub.SubscribeAll(fn)
}

// Logout clears the stored credential and cached profile.
func (e *Engine) Logout(ctx context.Context) error {
	return localstore.DeleteKV(ctx, e.store, localstore.KeyCredential, localstore.KeyProfile)
}

type Status struct {
	Operations       []syncop.Status `json:"operations"`
	PendingMutations int             `json:"pendingMutations"`
	Running          bool            `json:"running"`
	SignedIn         bool            `json:"signedIn"`
	LastPassAt       *time.Time      `json:"lastPassAt,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	status := Status{Running: e.running.Load()}
	for _, controller := range e.controllers {
		op, err := syncop.LoadStatus(ctx, e.store, controller.Name())
		if err != nil {
			return Status{}, err
		}
		status.Operations = append(status.Operations, op)
	}
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return Status{}, err
	}
	status.PendingMutations = len(pending)
	if _, err := localstore.CredentialToken(ctx, e.store); err == nil {
		status.SignedIn = true
	} else if !errors.Is(err, localstore.ErrNotFound) {
		return Status{}, err
	}

	e.mu.Lock()
	if !e.lastPassAt.IsZero() {
		at := e.lastPassAt
		status.LastPassAt = &at
	}
	if e.lastErr != nil {
		status.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()
	return status, nil
}

func (e *Engine) Operations() []string {
	names := make([]string, 0, len(e.controllers))
	for _, c := range e.controllers {
		names = append(names, c.Name())
	}
	return names
}
