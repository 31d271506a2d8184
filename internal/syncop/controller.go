package syncop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relaysync/internal/entity"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Options struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

// Controller drives one adapter from Idle through InProgress back to Idle,
// persisting the continuation after every iteration so an interrupted run
// resumes where it stopped.
type Controller struct {
	adapter entity.Adapter
	store   localstore.Store
	logger  zerolog.Logger
	now     func() time.Time
}

func NewController(adapter entity.Adapter, store localstore.Store, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		adapter: adapter,
		store:   store,
		logger:  opts.Logger.With().Str("operation", adapter.Name()).Logger(),
		now:     opts.Now,
	}
}

func (c *Controller) Name() string {
	return c.adapter.Name()
}

// Run checks ctx between iterations only. An iteration that has started
// finishes its fetch and commit even if ctx ends meanwhile.
func (c *Controller) Run(ctx context.Context) (err error) {
	started := c.now()
	ctx, span := syncopTracer.Start(ctx, "syncop.run")
	span.SetAttributes(attribute.String("operation", c.Name()))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		operationDuration.WithLabelValues(c.Name(), result).Observe(c.now().Sub(started).Seconds())
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := c.begin(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int64("session_id", session.SyncSessionID))
	logger := c.logger.With().Int64("session_id", session.SyncSessionID).Logger()

	collections := append(c.adapter.Collections(), localstore.CollectionMeta)
	for {
		if err := ctx.Err(); err != nil {
			logger.Debug().Msg("stopping between iterations")
			return err
		}
		iterCtx := context.WithoutCancel(ctx)
		result, err := c.adapter.Step(iterCtx, session.SyncSessionID, session.Continuation)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Name(), err)
		}

		if result.Kind == entity.StepComplete {
			err := c.store.WriteMany(iterCtx, collections, func(tx localstore.Tx) error {
				if result.Writes != nil {
					if err := result.Writes(tx); err != nil {
						return err
					}
				}
				if c.adapter.CleanupStale() {
					if err := c.adapter.Cleanup(tx, session.SyncSessionID); err != nil {
						return fmt.Errorf("cleanup: %w", err)
					}
				}
				return putMetadata(tx, c.Name(), Idle{LastSyncedAt: c.now(), Continuation: result.Continuation})
			})
			if err != nil {
				return fmt.Errorf("%s: complete session: %w", c.Name(), err)
			}
			operationIterations.WithLabelValues(c.Name()).Inc()
			operationProgress.WithLabelValues(c.Name()).Set(1)
			logger.Info().Int("completed", result.Completed).Msg("sync operation complete")
			return nil
		}

		completed, total := c.clamp(logger, result.Completed, result.Total)
		next := InProgress{
			SyncSessionID:  session.SyncSessionID,
			CompletedCount: completed,
			TotalCount:     total,
			Continuation:   result.Continuation,
		}
		err = c.store.WriteMany(iterCtx, collections, func(tx localstore.Tx) error {
			if result.Writes != nil {
				if err := result.Writes(tx); err != nil {
					return err
				}
			}
			return putMetadata(tx, c.Name(), next)
		})
		if err != nil {
			return fmt.Errorf("%s: persist iteration: %w", c.Name(), err)
		}
		operationIterations.WithLabelValues(c.Name()).Inc()
		if total > 0 {
			operationProgress.WithLabelValues(c.Name()).Set(float64(completed) / float64(total))
		}
		session = next
	}
}

// begin resumes an interrupted session or starts a new one from the Idle
// continuation.
func (c *Controller) begin(ctx context.Context) (InProgress, error) {
	var session InProgress
	err := c.store.WriteMany(ctx, []string{localstore.CollectionMeta, localstore.CollectionKV}, func(tx localstore.Tx) error {
		current, err := loadMetadata(tx, c.Name())
		if err != nil && !errors.Is(err, localstore.ErrNotFound) {
			if !errors.Is(err, ErrInvalidMetadata) {
				return err
			}
			c.logger.Warn().Err(err).Msg("discarding unreadable sync metadata")
			current = nil
		}

		if inProgress, ok := current.(InProgress); ok {
			verr := c.adapter.ValidateContinuation(inProgress.Continuation)
			if verr == nil {
				session = inProgress
				c.logger.Info().Int64("session_id", session.SyncSessionID).Int("completed", session.CompletedCount).Msg("resuming sync operation")
				return nil
			}
			c.logger.Warn().Err(verr).Int64("session_id", inProgress.SyncSessionID).Msg("discarding invalid continuation; starting a new session")
		}

		var continuation json.RawMessage
		if idle, ok := current.(Idle); ok {
			if verr := c.adapter.ValidateContinuation(idle.Continuation); verr != nil {
				c.logger.Warn().Err(verr).Msg("discarding invalid saved continuation")
			} else {
				continuation = idle.Continuation
			}
		}
		id, err := c.newSessionID(tx, current)
		if err != nil {
			return fmt.Errorf("mint session id: %w", err)
		}
		session = InProgress{SyncSessionID: id, Continuation: continuation}
		return putMetadata(tx, c.Name(), session)
	})
	return session, err
}

// newSessionID is the current time in nanoseconds, raised past the stored
// high-water mark so ids keep increasing when the clock stalls or steps back.
func (c *Controller) newSessionID(tx localstore.Tx, previous Metadata) (int64, error) {
	floor := c.now().UnixNano()
	if prev, ok := previous.(InProgress); ok && floor <= prev.SyncSessionID {
		floor = prev.SyncSessionID + 1
	}
	return localstore.RaiseSequence(tx, localstore.KeySyncSession, floor)
}

func (c *Controller) clamp(logger zerolog.Logger, completed, total int) (int, int) {
	if completed < 0 {
		completed = 0
	}
	if total < 0 {
		total = 0
	}
	if completed > total {
		logger.Warn().Int("completed", completed).Int("total", total).Msg("completed count exceeds total; clamping")
		completed = total
	}
	return completed, total
}

func loadMetadata(tx localstore.Tx, name string) (Metadata, error) {
	raw, err := tx.Get(localstore.CollectionMeta, name)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(raw)
}

func putMetadata(tx localstore.Tx, name string, m Metadata) error {
	payload, err := EncodeMetadata(m)
	if err != nil {
		return err
	}
	return tx.Put(localstore.CollectionMeta, name, payload)
}

// Load reads the metadata record for one operation.
func Load(ctx context.Context, store localstore.Store, name string) (Metadata, error) {
	raw, err := store.Read(ctx, localstore.CollectionMeta, name)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(raw)
}

type Status struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	SyncSessionID int64      `json:"syncSessionId,omitempty"`
	Completed     int        `json:"completed"`
	Total         int        `json:"total"`
	Progress      float64    `json:"progress"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt,omitempty"`
}

// LoadStatus summarizes an operation's metadata. An operation that never ran
// reports Idle with no lastSyncedAt.
func LoadStatus(ctx context.Context, store localstore.Store, name string) (Status, error) {
	status := Status{Name: name, State: StateIdle}
	m, err := Load(ctx, store, name)
	if errors.Is(err, localstore.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return status, err
	}
	switch v := m.(type) {
	case InProgress:
		status.State = StateInProgress
		status.SyncSessionID = v.SyncSessionID
		status.Completed = v.CompletedCount
		status.Total = v.TotalCount
		if v.TotalCount > 0 {
			status.Progress = float64(v.CompletedCount) / float64(v.TotalCount)
		}
	case Idle:
		synced := v.LastSyncedAt
		status.LastSyncedAt = &synced
		status.Progress = 1
	}
	return status, nil
}
