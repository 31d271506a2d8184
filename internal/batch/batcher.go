package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultDelay       = 20 * time.Millisecond
	DefaultPath        = "/$batch"
	DefaultMaxRequests = 20
	flushTimeout       = 2 * time.Minute
)

var (
	ErrClosed         = errors.New("batcher closed")
	ErrInvalidRequest = errors.New("invalid batch request")
)

// ErrUnauthorized is shared with the remote package so callers can test for
// it without caring which layer saw the 401.
var ErrUnauthorized = remote.ErrUnauthorized

// TransportError fails every caller of a flush that could not be completed.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("batch transport: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("batch transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Request is one operation in a batch. ID only has to be unique within a
// single Submit call.
type Request struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"headers,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

type Response struct {
	ID     string            `json:"id"`
	Status int               `json:"status"`
	Header map[string]string `json:"headers,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

// Result adapts a batch response to the remote fetch contract.
func (r Response) Result() remote.Result {
	return remote.Result{Status: r.Status, Header: r.Header, Body: r.Body}
}

type Options struct {
	// Path of the multiplexing endpoint, relative to the fetcher's base URL.
	Path string
	// BaseURL is stripped from absolute operation URLs.
	BaseURL     string
	Delay       time.Duration
	MaxRequests int
	Logger      zerolog.Logger
}

// Batcher owns a mailbox of pending operation groups and one flush timer.
// Groups that arrive within Delay of the first pending group travel in the
// same flush.
type Batcher struct {
	fetch       remote.Fetcher
	path        string
	baseURL     string
	delay       time.Duration
	maxRequests int
	logger      zerolog.Logger

	mailbox   chan *group
	done      chan struct{}
	stopped   chan struct{}
	flushes   sync.WaitGroup
	closeOnce sync.Once
}

type group struct {
	requests []Request
	reply    chan outcome
}

type outcome struct {
	responses []Response
	err       error
}

func New(fetch remote.Fetcher, opts Options) *Batcher {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = DefaultMaxRequests
	}
	b := &Batcher{
		fetch:       fetch,
		path:        opts.Path,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		delay:       opts.Delay,
		maxRequests: opts.MaxRequests,
		logger:      opts.Logger,
		mailbox:     make(chan *group),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Submit queues requests for the next flush and waits for their responses,
// returned in submission order. Once queued, the flush is not abandoned when
// ctx ends: the network call either completes or fails.
func (b *Batcher) Submit(ctx context.Context, requests []Request) ([]Response, error) {
	if len(requests) == 0 {
		return []Response{}, nil
	}
	seen := make(map[string]struct{}, len(requests))
	for _, req := range requests {
		if req.ID == "" || req.URL == "" {
			return nil, fmt.Errorf("%w: id and url are required", ErrInvalidRequest)
		}
		if _, dup := seen[req.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidRequest, req.ID)
		}
		seen[req.ID] = struct{}{}
	}

	g := &group{requests: requests, reply: make(chan outcome, 1)}
	select {
	case b.mailbox <- g:
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := <-g.reply
	return out.responses, out.err
}

// Close flushes whatever is pending, waits for in-flight flushes and stops
// the actor. Submit after Close returns ErrClosed.
func (b *Batcher) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		<-b.stopped
		b.flushes.Wait()
	})
	return nil
}

func (b *Batcher) run() {
	defer close(b.stopped)
	var pending []*group
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case g := <-b.mailbox:
			pending = append(pending, g)
			if fire == nil {
				timer = time.NewTimer(b.delay)
				fire = timer.C
			}
		case <-fire:
			b.flushAsync(pending)
			pending = nil
			fire = nil
		case <-b.done:
			if timer != nil {
				timer.Stop()
			}
			if len(pending) > 0 {
				b.flushAsync(pending)
			}
			return
		}
	}
}

func (b *Batcher) flushAsync(groups []*group) {
	b.flushes.Add(1)
	go func() {
		defer b.flushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		b.flush(ctx, groups)
	}()
}

type slot struct {
	group int
	index int
}

func (b *Batcher) flush(ctx context.Context, groups []*group) {
	started := time.Now()
	var wire []Request
	slots := map[string]slot{}
	for gi, g := range groups {
		for ri, req := range g.requests {
			id := strconv.Itoa(len(wire) + 1)
			slots[id] = slot{group: gi, index: ri}
			wire = append(wire, b.wireRequest(id, req))
		}
	}
	flushRequests.Observe(float64(len(wire)))

	ctx, span := batchTracer.Start(ctx, "batch.flush")
	span.SetAttributes(attribute.Int("batch.requests", len(wire)), attribute.Int("batch.groups", len(groups)))
	defer span.End()

	responses := make([][]*Response, len(groups))
	for gi, g := range groups {
		responses[gi] = make([]*Response, len(g.requests))
	}

	var err error
	for start := 0; start < len(wire) && err == nil; start += b.maxRequests {
		end := min(start+b.maxRequests, len(wire))
		var chunk []Response
		chunk, err = b.send(ctx, wire[start:end])
		for _, resp := range chunk {
			s, ok := slots[resp.ID]
			if !ok {
				b.logger.Warn().Str("request_id", resp.ID).Msg("batch response for unknown request id")
				continue
			}
			mapped := resp
			mapped.ID = groups[s.group].requests[s.index].ID
			responses[s.group][s.index] = &mapped
		}
	}

	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, ErrUnauthorized) {
			result = "unauthorized"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn().Err(err).Int("requests", len(wire)).Msg("batch flush failed")
	}
	flushLatency.WithLabelValues(result).Observe(time.Since(started).Seconds())

	for gi, g := range groups {
		if err != nil {
			g.reply <- outcome{err: err}
			continue
		}
		out := make([]Response, 0, len(g.requests))
		var missing error
		for ri, resp := range responses[gi] {
			if resp == nil {
				missing = &TransportError{Err: fmt.Errorf("no response for request id %q", g.requests[ri].ID)}
				break
			}
			out = append(out, *resp)
		}
		if missing != nil {
			g.reply <- outcome{err: missing}
			continue
		}
		g.reply <- outcome{responses: out}
	}
}

func (b *Batcher) send(ctx context.Context, requests []Request) ([]Response, error) {
	body, err := json.Marshal(struct {
		Requests []Request `json:"requests"`
	}{Requests: requests})
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	result, err := b.fetch.Do(ctx, remote.Call{
		Method: http.MethodPost,
		URL:    b.path,
		Header: map[string]string{"Content-Type": "application/json"},
		Body:   body,
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		return nil, &TransportError{Err: err}
	}
	if result.Status == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: batch endpoint returned 401", ErrUnauthorized)
	}
	if statusErr := result.Err(); statusErr != nil {
		return nil, &TransportError{Status: result.Status, Err: statusErr}
	}
	var decoded struct {
		Responses []Response `json:"responses"`
	}
	if err := json.Unmarshal(result.Body, &decoded); err != nil {
		return nil, &TransportError{Status: result.Status, Err: fmt.Errorf("decode batch response: %w", err)}
	}
	return decoded.Responses, nil
}

func (b *Batcher) wireRequest(id string, req Request) Request {
	out := Request{
		ID:     id,
		Method: strings.ToUpper(req.Method),
		URL:    remote.RelativeTo(b.baseURL, req.URL),
		Body:   req.Body,
	}
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	if len(req.Header) > 0 || len(req.Body) > 0 {
		out.Header = make(map[string]string, len(req.Header)+1)
		for key, value := range req.Header {
			out.Header[key] = value
		}
		if len(req.Body) > 0 && remote.HeaderValue(out.Header, "Content-Type") == "" {
			out.Header["Content-Type"] = "application/json"
		}
	}
	return out
}
