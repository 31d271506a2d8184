package entity

import (
	"context"
	"encoding/json"

	"github.com/agentworkforce/relaysync/internal/batch"
	"github.com/agentworkforce/relaysync/internal/localstore"
)

type StepKind string

const (
	StepContinue StepKind = "continue"
	StepComplete StepKind = "complete"
)

// StepResult is the outcome of one fetch-validate iteration. Writes applies
// the reconciliation for the fetched items; the controller runs it in the
// same transaction that persists Continuation.
type StepResult struct {
	Kind         StepKind
	Continuation json.RawMessage
	Completed    int
	Total        int
	Writes       func(tx localstore.Tx) error
}

// Adapter describes how one named operation mirrors remote state into the
// local store.
type Adapter interface {
	Name() string
	// Collections lists every collection Writes and Cleanup may touch.
	Collections() []string
	// CleanupStale reports whether records not confirmed during a session
	// are removed when the session completes.
	CleanupStale() bool
	ValidateContinuation(raw json.RawMessage) error
	Step(ctx context.Context, sessionID int64, continuation json.RawMessage) (StepResult, error)
	Cleanup(tx localstore.Tx, sessionID int64) error
}

// Submitter is the slice of the request batcher adapters need.
type Submitter interface {
	Submit(ctx context.Context, requests []batch.Request) ([]batch.Response, error)
}
