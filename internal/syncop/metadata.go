package syncop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMetadata = errors.New("invalid sync metadata")

type State string

const (
	StateInProgress State = "inProgress"
	StateIdle       State = "idle"
)

// Metadata is either InProgress or Idle.
type Metadata interface {
	State() State
	ContinuationData() json.RawMessage
	sealed()
}

type InProgress struct {
	SyncSessionID  int64
	CompletedCount int
	TotalCount     int
	Continuation   json.RawMessage
}

type Idle struct {
	LastSyncedAt time.Time
	Continuation json.RawMessage
}

func (InProgress) State() State                        { return StateInProgress }
func (m InProgress) ContinuationData() json.RawMessage { return m.Continuation }
func (InProgress) sealed()                             {}

func (Idle) State() State                        { return StateIdle }
func (m Idle) ContinuationData() json.RawMessage { return m.Continuation }
func (Idle) sealed()                             {}

type wireMetadata struct {
	State          State           `json:"state"`
	SyncSessionID  int64           `json:"syncSessionId,omitempty"`
	CompletedCount *int            `json:"completedCount,omitempty"`
	TotalCount     *int            `json:"totalCount,omitempty"`
	LastSyncedAt   *time.Time      `json:"lastSyncedAt,omitempty"`
	Continuation   json.RawMessage `json:"continuation,omitempty"`
}

func EncodeMetadata(m Metadata) (json.RawMessage, error) {
	var wire wireMetadata
	switch v := m.(type) {
	case InProgress:
		completed, total := v.CompletedCount, v.TotalCount
		wire = wireMetadata{
			State:          StateInProgress,
			SyncSessionID:  v.SyncSessionID,
			CompletedCount: &completed,
			TotalCount:     &total,
			Continuation:   v.Continuation,
		}
	case Idle:
		synced := v.LastSyncedAt.UTC()
		wire = wireMetadata{State: StateIdle, LastSyncedAt: &synced, Continuation: v.Continuation}
	default:
		return nil, fmt.Errorf("%w: unsupported metadata %T", ErrInvalidMetadata, m)
	}
	if err := validate(wire); err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

func DecodeMetadata(raw json.RawMessage) (Metadata, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var wire wireMetadata
	if err := decoder.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := validate(wire); err != nil {
		return nil, err
	}
	switch wire.State {
	case StateInProgress:
		return InProgress{
			SyncSessionID:  wire.SyncSessionID,
			CompletedCount: *wire.CompletedCount,
			TotalCount:     *wire.TotalCount,
			Continuation:   wire.Continuation,
		}, nil
	default:
		return Idle{LastSyncedAt: *wire.LastSyncedAt, Continuation: wire.Continuation}, nil
	}
}

func validate(wire wireMetadata) error {
	switch wire.State {
	case StateInProgress:
		if wire.SyncSessionID <= 0 {
			return fmt.Errorf("%w: in-progress record without session id", ErrInvalidMetadata)
		}
		if wire.CompletedCount == nil || wire.TotalCount == nil || *wire.CompletedCount < 0 || *wire.TotalCount < 0 {
			return fmt.Errorf("%w: in-progress record with missing or negative counts", ErrInvalidMetadata)
		}
		if wire.LastSyncedAt != nil {
			return fmt.Errorf("%w: in-progress record carries lastSyncedAt", ErrInvalidMetadata)
		}
	case StateIdle:
		if wire.SyncSessionID != 0 || wire.CompletedCount != nil || wire.TotalCount != nil {
			return fmt.Errorf("%w: idle record carries session state", ErrInvalidMetadata)
		}
		if wire.LastSyncedAt == nil || wire.LastSyncedAt.IsZero() {
			return fmt.Errorf("%w: idle record without lastSyncedAt", ErrInvalidMetadata)
		}
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidMetadata, wire.State)
	}
	if len(wire.Continuation) > 0 && !json.Valid(wire.Continuation) {
		return fmt.Errorf("%w: continuation is not json", ErrInvalidMetadata)
	}
	return nil
}
