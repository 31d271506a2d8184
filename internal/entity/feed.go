package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentworkforce/relaysync/internal/batch"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/rs/zerolog"
)

type SourceMode string

const (
	ModePage  SourceMode = "page"
	ModeDelta SourceMode = "delta"
)

type Source struct {
	Name string
	Mode SourceMode
	// URL is the starting endpoint, relative to the remote base URL.
	URL string
	// CountURL, when set, is queried once per session for the total.
	CountURL string
	Header   map[string]string
	Validate Validator
	// Upsert overrides the default write of one validated record.
	Upsert func(tx localstore.Tx, rec Record, sessionID int64) error
}

type FeedConfig struct {
	Name       string
	Collection string
	// Related are extra collections written by custom hooks.
	Related      []string
	Sources      []Source
	CleanupStale bool
	Delete       func(tx localstore.Tx, id string) error
	Logger       zerolog.Logger
}

// FeedAdapter follows one or more paginated or delta endpoints. Every
// iteration advances each unfinished source by one page; the operation
// completes once all of them are exhausted.
type FeedAdapter struct {
	name         string
	collection   string
	collections  []string
	sources      []Source
	cleanupStale bool
	deleteFn     func(tx localstore.Tx, id string) error
	submit       Submitter
	logger       zerolog.Logger
}

func NewFeedAdapter(cfg FeedConfig, submit Submitter) (*FeedAdapter, error) {
	if strings.TrimSpace(cfg.Name) == "" || strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("feed adapter requires a name and collection")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("feed adapter %s has no sources", cfg.Name)
	}
	seen := map[string]struct{}{}
	for _, src := range cfg.Sources {
		if src.Name == "" || src.URL == "" || src.Validate == nil {
			return nil, fmt.Errorf("feed adapter %s: source requires name, url and validator", cfg.Name)
		}
		if src.Mode != ModePage && src.Mode != ModeDelta {
			return nil, fmt.Errorf("feed adapter %s: source %s has unknown mode %q", cfg.Name, src.Name, src.Mode)
		}
		if _, dup := seen[src.Name]; dup {
			return nil, fmt.Errorf("feed adapter %s: duplicate source %s", cfg.Name, src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	a := &FeedAdapter{
		name:         cfg.Name,
		collection:   cfg.Collection,
		collections:  append([]string{cfg.Collection}, cfg.Related...),
		sources:      cfg.Sources,
		cleanupStale: cfg.CleanupStale,
		deleteFn:     cfg.Delete,
		submit:       submit,
		logger:       cfg.Logger,
	}
	if a.deleteFn == nil {
		a.deleteFn = func(tx localstore.Tx, id string) error {
			return tx.Delete(a.collection, id)
		}
	}
	return a, nil
}

func (a *FeedAdapter) Name() string          { return a.name }
func (a *FeedAdapter) Collections() []string { return append([]string(nil), a.collections...) }
func (a *FeedAdapter) CleanupStale() bool    { return a.cleanupStale }

func (a *FeedAdapter) initial() FeedContinuation {
	state := FeedContinuation{Sources: make([]SourceState, len(a.sources))}
	for i, src := range a.sources {
		state.Sources[i] = SourceState{Name: src.Name, Cursor: NoCursor()}
	}
	return state
}

func (a *FeedAdapter) decode(raw json.RawMessage) (FeedContinuation, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return a.initial(), nil
	}
	var state FeedContinuation
	if err := json.Unmarshal(trimmed, &state); err != nil {
		return FeedContinuation{}, fmt.Errorf("%w: %v", ErrInvalidContinuation, err)
	}
	if len(state.Sources) != len(a.sources) {
		return FeedContinuation{}, fmt.Errorf("%w: %s expects %d sources, got %d", ErrInvalidContinuation, a.name, len(a.sources), len(state.Sources))
	}
	for _, src := range a.sources {
		idx, ok := state.source(src.Name)
		if !ok {
			return FeedContinuation{}, fmt.Errorf("%w: missing source %s", ErrInvalidContinuation, src.Name)
		}
		s := state.Sources[idx]
		if err := s.Cursor.Validate(); err != nil {
			return FeedContinuation{}, fmt.Errorf("source %s: %w", src.Name, err)
		}
		if src.Mode == ModePage && s.Cursor.Kind == CursorDelta {
			return FeedContinuation{}, fmt.Errorf("%w: page source %s holds a delta cursor", ErrInvalidContinuation, src.Name)
		}
		if s.Completed < 0 || (s.Count != nil && *s.Count < 0) {
			return FeedContinuation{}, fmt.Errorf("%w: negative progress for %s", ErrInvalidContinuation, src.Name)
		}
	}
	return state, nil
}

func (a *FeedAdapter) ValidateContinuation(raw json.RawMessage) error {
	_, err := a.decode(raw)
	return err
}

type pageBody struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
	Count     *int              `json:"@odata.count"`
}

type feedItem struct {
	source    int
	record    Record
	tombstone string
}

func (a *FeedAdapter) Step(ctx context.Context, sessionID int64, continuation json.RawMessage) (StepResult, error) {
	current, err := a.decode(continuation)
	if err != nil {
		return StepResult{}, err
	}
	next := cloneContinuation(current)
	if next.allDone() {
		return a.complete(next)
	}

	var requests []batch.Request
	for _, src := range a.sources {
		idx, _ := next.source(src.Name)
		state := next.Sources[idx]
		if state.Done {
			continue
		}
		target := src.URL
		if state.Cursor.Kind != CursorNone {
			target = state.Cursor.URL
		}
		requests = append(requests, batch.Request{ID: src.Name, Method: http.MethodGet, URL: target, Header: src.Header})
		if src.CountURL != "" && state.Count == nil && !state.CountUnavailable {
			requests = append(requests, batch.Request{
				ID:     countRequestID(src.Name),
				Method: http.MethodGet,
				URL:    src.CountURL,
				Header: map[string]string{"ConsistencyLevel": "eventual"},
			})
		}
	}

	responses, err := a.submit.Submit(ctx, requests)
	if err != nil {
		return StepResult{}, err
	}

	var items []feedItem
	for _, resp := range responses {
		if name, ok := strings.CutSuffix(resp.ID, countSuffix); ok {
			idx, ok := next.source(name)
			if !ok {
				return StepResult{}, fmt.Errorf("%s: count for unknown source %q", a.name, name)
			}
			count, err := parseCount(resp)
			if errors.Is(err, remote.ErrUnauthorized) {
				return StepResult{}, fmt.Errorf("%s: count for %s: %w", a.name, name, err)
			}
			if err != nil {
				a.logger.Warn().Err(err).Str("operation", a.name).Str("request_id", resp.ID).Msg("count unavailable; reporting progress against fetched records")
				next.Sources[idx].CountUnavailable = true
				continue
			}
			next.Sources[idx].Count = &count
			continue
		}
		srcIdx := a.sourceIndex(resp.ID)
		if srcIdx < 0 {
			return StepResult{}, fmt.Errorf("%s: response for unknown source %q", a.name, resp.ID)
		}
		src := a.sources[srcIdx]
		idx, _ := next.source(src.Name)
		state := &next.Sources[idx]

		if resp.Status == http.StatusNotFound && src.Mode == ModePage {
			a.logger.Info().Str("operation", a.name).Str("request_id", resp.ID).Msg("source not available; treating as empty")
			state.Done = true
			state.Cursor = NoCursor()
			continue
		}
		if err := resp.Result().Err(); err != nil {
			return StepResult{}, fmt.Errorf("%s: request %s: %w", a.name, resp.ID, err)
		}

		var page pageBody
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return StepResult{}, &ValidationError{RequestID: resp.ID, Index: -1, Err: err}
		}
		for i, raw := range page.Value {
			if id, removed := tombstoneID(raw); removed {
				if id == "" {
					return StepResult{}, &ValidationError{RequestID: resp.ID, Index: i, Err: errors.New("tombstone without id")}
				}
				items = append(items, feedItem{source: srcIdx, tombstone: id})
				continue
			}
			rec, err := src.Validate(raw)
			if err != nil {
				return StepResult{}, &ValidationError{RequestID: resp.ID, Index: i, Err: err}
			}
			items = append(items, feedItem{source: srcIdx, record: rec})
		}
		state.Completed += len(page.Value)
		if state.Count == nil && page.Count != nil {
			count := *page.Count
			state.Count = &count
		}

		switch {
		case page.NextLink != "":
			state.Cursor = PageCursor(page.NextLink)
		case src.Mode == ModeDelta && page.DeltaLink != "":
			state.Done = true
			state.Cursor = DeltaCursor(page.DeltaLink)
		default:
			if src.Mode == ModeDelta {
				a.logger.Warn().Str("operation", a.name).Str("request_id", resp.ID).Msg("delta feed ended without a delta link; next session restarts the full feed")
			}
			state.Done = true
			state.Cursor = NoCursor()
		}
	}

	writes := a.writes(items, sessionID)
	if next.allDone() {
		result, err := a.complete(next)
		if err != nil {
			return StepResult{}, err
		}
		result.Writes = writes
		return result, nil
	}
	encoded, err := next.encode()
	if err != nil {
		return StepResult{}, err
	}
	completed, total := next.progress()
	return StepResult{
		Kind:         StepContinue,
		Continuation: encoded,
		Completed:    completed,
		Total:        total,
		Writes:       writes,
	}, nil
}

// complete reports the final progress and hands back the starting point
// of the next session: delta cursors are kept, page sources start over.
func (a *FeedAdapter) complete(state FeedContinuation) (StepResult, error) {
	completed, total := state.progress()
	reset := FeedContinuation{Sources: make([]SourceState, len(state.Sources))}
	for i, s := range state.Sources {
		cursor := NoCursor()
		if s.Cursor.Kind == CursorDelta {
			cursor = s.Cursor
		}
		reset.Sources[i] = SourceState{Name: s.Name, Cursor: cursor}
	}
	encoded, err := reset.encode()
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Kind: StepComplete, Continuation: encoded, Completed: completed, Total: total}, nil
}

func (a *FeedAdapter) writes(items []feedItem, sessionID int64) func(tx localstore.Tx) error {
	if len(items) == 0 {
		return nil
	}
	return func(tx localstore.Tx) error {
		for _, item := range items {
			if item.tombstone != "" {
				if err := a.deleteFn(tx, item.tombstone); err != nil {
					return fmt.Errorf("delete %s/%s: %w", a.collection, item.tombstone, err)
				}
				continue
			}
			src := a.sources[item.source]
			upsert := src.Upsert
			if upsert == nil {
				upsert = a.upsert
			}
			if err := upsert(tx, item.record, sessionID); err != nil {
				return fmt.Errorf("upsert %s/%s: %w", a.collection, item.record.EntityID(), err)
			}
		}
		return nil
	}
}

func (a *FeedAdapter) upsert(tx localstore.Tx, rec Record, sessionID int64) error {
	return PutRecord(tx, a.collection, rec, sessionID)
}

// Cleanup drops every record in the adapter's collections whose session
// stamp differs from sessionID.
func (a *FeedAdapter) Cleanup(tx localstore.Tx, sessionID int64) error {
	if !a.cleanupStale {
		return nil
	}
	removed := 0
	for _, collection := range a.collections {
		var stale []string
		err := tx.Scan(collection, func(key string, value json.RawMessage) error {
			var stamp Synced
			if err := json.Unmarshal(value, &stamp); err != nil || stamp.SyncSessionID != sessionID {
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := tx.Delete(collection, key); err != nil {
				return err
			}
		}
		removed += len(stale)
	}
	if removed > 0 {
		a.logger.Debug().Str("operation", a.name).Int64("session_id", sessionID).Int("removed", removed).Msg("removed stale records")
	}
	return nil
}

func (a *FeedAdapter) sourceIndex(name string) int {
	for i, src := range a.sources {
		if src.Name == name {
			return i
		}
	}
	return -1
}

// PutRecord stamps rec with the session and writes it under its entity id.
func PutRecord(tx localstore.Tx, collection string, rec Record, sessionID int64) error {
	rec.stamp(sessionID)
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Put(collection, rec.EntityID(), payload)
}

const countSuffix = ".count"

func countRequestID(source string) string {
	return source + countSuffix
}

func parseCount(resp batch.Response) (int, error) {
	if err := resp.Result().Err(); err != nil {
		return 0, err
	}
	text := strings.Trim(strings.TrimSpace(string(resp.Body)), `"`)
	count, err := strconv.Atoi(text)
	if err != nil || count < 0 {
		return 0, fmt.Errorf("invalid count %q", text)
	}
	return count, nil
}

func tombstoneID(raw json.RawMessage) (string, bool) {
	var marker struct {
		ID      string          `json:"id"`
		Removed json.RawMessage `json:"@removed"`
	}
	if err := json.Unmarshal(raw, &marker); err != nil {
		return "", false
	}
	if len(marker.Removed) == 0 || string(marker.Removed) == "null" {
		return "", false
	}
	return marker.ID, true
}
