package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentworkforce/relaysync/internal/batch"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/rs/zerolog"
)

// SingletonAdapter mirrors one remote object into a _kv key with a
// conditional fetch: the stored ETag is sent as If-None-Match and a 304
// completes the operation without writing.
type SingletonAdapter struct {
	name     string
	url      string
	key      string
	validate Validator
	store    localstore.Store
	submit   Submitter
	logger   zerolog.Logger
	now      func() time.Time
}

func NewOrganizationAdapter(store localstore.Store, submit Submitter, logger zerolog.Logger) (*SingletonAdapter, error) {
	all, err := Validators()
	if err != nil {
		return nil, err
	}
	return &SingletonAdapter{
		name:     "organization",
		url:      "/organization",
		key:      localstore.KeyOrganization,
		validate: all["organization"],
		store:    store,
		submit:   submit,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (a *SingletonAdapter) Name() string          { return a.name }
func (a *SingletonAdapter) Collections() []string { return []string{localstore.CollectionKV} }
func (a *SingletonAdapter) CleanupStale() bool    { return false }

func (a *SingletonAdapter) ValidateContinuation(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContinuation, err)
	}
	if cursor.Kind != CursorNone {
		return fmt.Errorf("%w: singleton holds a %s cursor", ErrInvalidContinuation, cursor.Kind)
	}
	return nil
}

func (a *SingletonAdapter) Step(ctx context.Context, sessionID int64, continuation json.RawMessage) (StepResult, error) {
	if err := a.ValidateContinuation(continuation); err != nil {
		return StepResult{}, err
	}
	req := batch.Request{ID: a.name, Method: http.MethodGet, URL: a.url}
	var cached OrganizationRecord
	err := localstore.GetKV(ctx, a.store, a.key, &cached)
	switch {
	case err == nil && cached.ETag != "":
		req.Header = map[string]string{"If-None-Match": cached.ETag}
	case err != nil && !errors.Is(err, localstore.ErrNotFound):
		return StepResult{}, err
	}

	responses, err := a.submit.Submit(ctx, []batch.Request{req})
	if err != nil {
		return StepResult{}, err
	}
	if len(responses) != 1 {
		return StepResult{}, fmt.Errorf("%s: expected one response, got %d", a.name, len(responses))
	}
	resp := responses[0]
	done, _ := json.Marshal(NoCursor())
	if resp.Status == http.StatusNotModified {
		return StepResult{Kind: StepComplete, Continuation: done, Completed: 1, Total: 1}, nil
	}
	if err := resp.Result().Err(); err != nil {
		return StepResult{}, fmt.Errorf("%s: request %s: %w", a.name, resp.ID, err)
	}

	var page pageBody
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return StepResult{}, &ValidationError{RequestID: resp.ID, Index: -1, Err: err}
	}
	if len(page.Value) == 0 {
		return StepResult{}, &ValidationError{RequestID: resp.ID, Index: -1, Err: errors.New("organization list is empty")}
	}
	rec, err := a.validate(page.Value[0])
	if err != nil {
		return StepResult{}, &ValidationError{RequestID: resp.ID, Index: 0, Err: err}
	}
	org, ok := rec.(*Organization)
	if !ok {
		return StepResult{}, &ValidationError{RequestID: resp.ID, Index: 0, Err: fmt.Errorf("unexpected record %T", rec)}
	}
	org.stamp(sessionID)
	stored := OrganizationRecord{
		Organization: *org,
		ETag:         remote.HeaderValue(resp.Header, "ETag"),
		FetchedAt:    a.now().UTC(),
	}
	return StepResult{
		Kind:         StepComplete,
		Continuation: done,
		Completed:    1,
		Total:        1,
		Writes: func(tx localstore.Tx) error {
			return localstore.SetKV(tx, a.key, stored)
		},
	}, nil
}

func (a *SingletonAdapter) Cleanup(tx localstore.Tx, sessionID int64) error {
	return nil
}
