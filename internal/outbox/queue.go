package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/relaysync/internal/coord"
	"github.com/agentworkforce/relaysync/internal/entity"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mutation is one queued local write.
type Mutation struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Applied   bool            `json:"applied"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Options struct {
	Logger zerolog.Logger
	Now    func() time.Time
	NewID  func() string
}

type Queue struct {
	store    localstore.Store
	locks    coord.LockManager
	registry *Registry
	submit   entity.Submitter
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

func NewQueue(store localstore.Store, locks coord.LockManager, registry *Registry, submit entity.Submitter, opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Queue{
		store:    store,
		locks:    locks,
		registry: registry,
		submit:   submit,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}
}

// Enqueue records the mutation and applies it optimistically, both under
// the mutations lock. A failed apply is logged and leaves applied false;
// the remote commit and the next sync still reconcile local state.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, data json.RawMessage) (Mutation, error) {
	def, err := q.registry.Lookup(kind)
	if err != nil {
		return Mutation{}, err
	}
	if !json.Valid(data) {
		return Mutation{}, fmt.Errorf("%w: payload is not json", ErrInvalidPayload)
	}
	if _, err := def.Target(data); err != nil {
		return Mutation{}, err
	}

	release, err := q.locks.Acquire(ctx, coord.LockMutations)
	if err != nil {
		return Mutation{}, err
	}
	defer release()

	m := Mutation{
		ID:        q.newID(),
		Type:      kind,
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: q.now().UTC(),
	}
	err = q.store.WriteMany(ctx, []string{localstore.CollectionMutations, localstore.CollectionKV}, func(tx localstore.Tx) error {
		seq, err := localstore.NextSequence(tx, localstore.KeyMutationSeq)
		if err != nil {
			return err
		}
		m.Seq = seq
		return putMutation(tx, m)
	})
	if err != nil {
		return Mutation{}, fmt.Errorf("insert mutation: %w", err)
	}

	logger := q.logger.With().Str("mutation_id", m.ID).Str("kind", string(kind)).Logger()
	applyScope := append(append([]string(nil), def.Collections...), localstore.CollectionMutations)
	err = q.store.WriteMany(ctx, applyScope, func(tx localstore.Tx) error {
		if err := def.Apply(tx, m.Data); err != nil {
			return err
		}
		applied := m
		applied.Applied = true
		return putMutation(tx, applied)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("optimistic apply failed; remote commit will reconcile")
		return m, nil
	}
	m.Applied = true
	logger.Debug().Int64("seq", m.Seq).Msg("mutation queued")
	return m, nil
}

// Pending lists queued mutations in creation order.
func (q *Queue) Pending(ctx context.Context) ([]Mutation, error) {
	var out []Mutation
	err := q.store.Scan(ctx, localstore.CollectionMutations, func(key string, value json.RawMessage) error {
		var m Mutation
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("decode mutation %s: %w", key, err)
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type CommitReport struct {
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
	Held      int `json:"held"`
	Remaining int `json:"remaining"`
}

// CommitPending walks the queue in creation order. A failure holds every
// later mutation on the same target for this pass; unrelated mutations
// still commit. Unauthorized stops the walk and is returned.
func (q *Queue) CommitPending(ctx context.Context) (report CommitReport, err error) {
	release, err := q.locks.Acquire(ctx, coord.LockMutations)
	if err != nil {
		return CommitReport{}, err
	}
	defer release()

	pending, err := q.Pending(ctx)
	if err != nil {
		return CommitReport{}, err
	}
	defer func() {
		report.Remaining = len(pending) - report.Committed
		pendingMutations.Set(float64(report.Remaining))
	}()

	held := map[string]struct{}{}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := q.logger.With().Str("mutation_id", m.ID).Str("kind", string(m.Type)).Logger()

		def, err := q.registry.Lookup(m.Type)
		if err != nil {
			// data-integrity problem: keep the record for inspection
			logger.Error().Err(err).Msg("queued mutation has an unregistered kind")
			commitResults.WithLabelValues(string(m.Type), "unknown").Inc()
			report.Failed++
			continue
		}
		target, err := def.Target(m.Data)
		if err != nil {
			logger.Error().Err(err).Msg("queued mutation has an unreadable payload")
			commitResults.WithLabelValues(string(m.Type), "invalid").Inc()
			report.Failed++
			continue
		}
		if _, blocked := held[target]; blocked {
			logger.Debug().Str("target", target).Msg("holding mutation behind an earlier failure")
			report.Held++
			continue
		}

		if err := q.commit(ctx, def, m); err != nil {
			if errors.Is(err, remote.ErrUnauthorized) {
				commitResults.WithLabelValues(string(m.Type), "unauthorized").Inc()
				return report, err
			}
			logger.Warn().Err(err).Msg("mutation commit failed; will retry next pass")
			commitResults.WithLabelValues(string(m.Type), "error").Inc()
			held[target] = struct{}{}
			report.Failed++
			continue
		}

		err = q.store.WriteMany(context.WithoutCancel(ctx), []string{localstore.CollectionMutations}, func(tx localstore.Tx) error {
			return tx.Delete(localstore.CollectionMutations, m.ID)
		})
		if err != nil {
			return report, fmt.Errorf("delete committed mutation %s: %w", m.ID, err)
		}
		commitResults.WithLabelValues(string(m.Type), "ok").Inc()
		report.Committed++
		logger.Info().Int64("seq", m.Seq).Msg("mutation committed")
	}
	return report, nil
}

func (q *Queue) commit(ctx context.Context, def Definition, m Mutation) error {
	requests, err := def.Commit(m.Data)
	if err != nil {
		return err
	}
	responses, err := q.submit.Submit(context.WithoutCancel(ctx), requests)
	if err != nil {
		return err
	}
	for _, resp := range responses {
		if err := resp.Result().Err(def.Accept...); err != nil {
			return fmt.Errorf("request %s: %w", resp.ID, err)
		}
	}
	return nil
}

func putMutation(tx localstore.Tx, m Mutation) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Put(localstore.CollectionMutations, m.ID, payload)
}
