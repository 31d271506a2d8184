package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidContinuation = errors.New("invalid continuation")

type CursorKind string

const (
	CursorNone  CursorKind = "none"
	CursorPage  CursorKind = "page"
	CursorDelta CursorKind = "delta"
)

// Cursor is where a source resumes: its base endpoint (none), the next page
// of the listing in progress (page) or the delta link handed out at the end
// of the previous delta batch (delta).
type Cursor struct {
	Kind CursorKind `json:"kind"`
	URL  string     `json:"url,omitempty"`
}

func NoCursor() Cursor              { return Cursor{Kind: CursorNone} }
func PageCursor(url string) Cursor  { return Cursor{Kind: CursorPage, URL: url} }
func DeltaCursor(url string) Cursor { return Cursor{Kind: CursorDelta, URL: url} }

func (c Cursor) Validate() error {
	switch c.Kind {
	case CursorNone:
		if c.URL != "" {
			return fmt.Errorf("%w: none cursor carries a url", ErrInvalidContinuation)
		}
	case CursorPage, CursorDelta:
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("%w: %s cursor without url", ErrInvalidContinuation, c.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown cursor kind %q", ErrInvalidContinuation, c.Kind)
	}
	return nil
}

type SourceState struct {
	Name      string `json:"name"`
	Cursor    Cursor `json:"cursor"`
	Done      bool   `json:"done,omitempty"`
	Completed int    `json:"completed,omitempty"`
	Count     *int   `json:"count,omitempty"`
	// CountUnavailable stops count requests for the rest of the session.
	CountUnavailable bool `json:"countUnavailable,omitempty"`
}

// FeedContinuation is the persisted resume state of a FeedAdapter, one entry
// per source endpoint.
type FeedContinuation struct {
	Sources []SourceState `json:"sources"`
}

func (c FeedContinuation) source(name string) (int, bool) {
	for i, s := range c.Sources {
		if s.Name == name {
			return i, true
		}
	}
	return -1, false
}

func (c FeedContinuation) allDone() bool {
	for _, s := range c.Sources {
		if !s.Done {
			return false
		}
	}
	return true
}

func (c FeedContinuation) progress() (completed, total int) {
	for _, s := range c.Sources {
		completed += s.Completed
		if s.Count != nil {
			total += *s.Count
		} else {
			total += s.Completed
		}
	}
	return completed, total
}

func (c FeedContinuation) encode() (json.RawMessage, error) {
	return json.Marshal(c)
}

func cloneContinuation(c FeedContinuation) FeedContinuation {
	out := FeedContinuation{Sources: make([]SourceState, len(c.Sources))}
	for i, s := range c.Sources {
		out.Sources[i] = s
		if s.Count != nil {
			count := *s.Count
			out.Sources[i].Count = &count
		}
	}
	return out
}
