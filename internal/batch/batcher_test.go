package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/remote"
)

// echoFetcher answers every sub-request with its URL as body, returning the
// responses in reverse order.
type echoFetcher struct {
	calls    atomic.Int32
	requests atomic.Int32
	status   int
	err      error
	drop     string
}

func (f *echoFetcher) Do(ctx context.Context, call remote.Call) (remote.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return remote.Result{}, f.err
	}
	if f.status != 0 {
		return remote.Result{Status: f.status}, nil
	}
	var in struct {
		Requests []Request `json:"requests"`
	}
	if err := json.Unmarshal(call.Body, &in); err != nil {
		return remote.Result{}, err
	}
	f.requests.Add(int32(len(in.Requests)))
	out := struct {
		Responses []Response `json:"responses"`
	}{}
	for i := len(in.Requests) - 1; i >= 0; i-- {
		req := in.Requests[i]
		if req.URL == f.drop {
			continue
		}
		body, _ := json.Marshal(map[string]string{"url": req.URL})
		out.Responses = append(out.Responses, Response{ID: req.ID, Status: http.StatusOK, Body: body})
	}
	encoded, _ := json.Marshal(out)
	return remote.Result{Status: http.StatusOK, Body: encoded}, nil
}

func TestSubmitEmptyResolvesImmediately(t *testing.T) {
	fetcher := &echoFetcher{}
	b := New(fetcher, Options{Delay: time.Hour})
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		responses, err := b.Submit(context.Background(), nil)
		if err != nil || responses == nil || len(responses) != 0 {
			t.Errorf("expected empty non-nil result, got %v %v", responses, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("empty submit stalled")
	}
	if fetcher.calls.Load() != 0 {
		t.Fatalf("empty submit must not reach the network")
	}
}

func TestConcurrentSubmitsShareOneFlushAndGetTheirOwnResponses(t *testing.T) {
	fetcher := &echoFetcher{}
	b := New(fetcher, Options{Delay: 50 * time.Millisecond, MaxRequests: 100})
	defer b.Close()

	const callers = 8
	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			// every caller reuses the same ids; the batcher must keep them apart
			requests := []Request{
				{ID: "1", Method: "GET", URL: fmt.Sprintf("/callers/%d/a", c)},
				{ID: "2", Method: "GET", URL: fmt.Sprintf("/callers/%d/b", c)},
			}
			responses, err := b.Submit(context.Background(), requests)
			if err != nil {
				t.Errorf("caller %d: %v", c, err)
				return
			}
			if len(responses) != 2 {
				t.Errorf("caller %d: expected 2 responses, got %d", c, len(responses))
				return
			}
			for i, resp := range responses {
				var body map[string]string
				_ = json.Unmarshal(resp.Body, &body)
				if resp.ID != requests[i].ID || body["url"] != requests[i].URL {
					t.Errorf("caller %d: response %d mismatched: id=%s url=%s", c, i, resp.ID, body["url"])
				}
			}
		}(c)
	}
	wg.Wait()

	if fetcher.requests.Load() != callers*2 {
		t.Fatalf("expected %d multiplexed requests, got %d", callers*2, fetcher.requests.Load())
	}
	if fetcher.calls.Load() > 2 {
		t.Fatalf("expected submits to coalesce, got %d network calls", fetcher.calls.Load())
	}
}

func TestFlushChunksAtMaxRequests(t *testing.T) {
	fetcher := &echoFetcher{}
	b := New(fetcher, Options{MaxRequests: 2})
	defer b.Close()

	requests := make([]Request, 5)
	for i := range requests {
		requests[i] = Request{ID: fmt.Sprintf("r%d", i), URL: fmt.Sprintf("/items/%d", i)}
	}
	responses, err := b.Submit(context.Background(), requests)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(responses) != 5 || responses[4].ID != "r4" {
		t.Fatalf("unexpected responses %+v", responses)
	}
	if fetcher.calls.Load() != 3 {
		t.Fatalf("expected 3 chunked calls, got %d", fetcher.calls.Load())
	}
}

func TestUnauthorizedRejectsEveryCallerInTheFlush(t *testing.T) {
	fetcher := &echoFetcher{status: http.StatusUnauthorized}
	b := New(fetcher, Options{Delay: 30 * time.Millisecond})
	defer b.Close()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Submit(context.Background(), []Request{{ID: "1", URL: "/me"}})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("caller %d: expected ErrUnauthorized, got %v", i, err)
		}
	}
}

func TestTransportFailureAndMissingResponse(t *testing.T) {
	b := New(&echoFetcher{err: errors.New("connection reset")}, Options{})
	_, err := b.Submit(context.Background(), []Request{{ID: "1", URL: "/users"}})
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	b.Close()

	b = New(&echoFetcher{status: http.StatusBadGateway}, Options{})
	_, err = b.Submit(context.Background(), []Request{{ID: "1", URL: "/users"}})
	if !errors.As(err, &transport) || transport.Status != http.StatusBadGateway {
		t.Fatalf("expected TransportError with status 502, got %v", err)
	}
	b.Close()

	b = New(&echoFetcher{drop: "/groups"}, Options{})
	defer b.Close()
	_, err = b.Submit(context.Background(), []Request{{ID: "1", URL: "/users"}, {ID: "2", URL: "/groups"}})
	if !errors.As(err, &transport) {
		t.Fatalf("expected missing response to fail the submit, got %v", err)
	}
}

func TestSubmitValidatesIDs(t *testing.T) {
	b := New(&echoFetcher{}, Options{})
	defer b.Close()
	_, err := b.Submit(context.Background(), []Request{{ID: "1", URL: "/a"}, {ID: "1", URL: "/b"}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	b := New(&echoFetcher{}, Options{})
	b.Close()
	if _, err := b.Submit(context.Background(), []Request{{ID: "1", URL: "/a"}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBatcherOverHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/beta/$batch" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var in struct {
			Requests []Request `json:"requests"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		if len(in.Requests) != 1 || in.Requests[0].URL != "/users/delta" {
			t.Errorf("expected relative sub-request url, got %+v", in.Requests)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"responses":[{"id":%q,"status":200,"body":{"value":[]}}]}`, in.Requests[0].ID)
	}))
	defer server.Close()

	client := remote.NewHTTPClient(server.URL+"/beta", remote.StaticToken("token"), server.Client())
	b := New(client, Options{BaseURL: client.BaseURL()})
	defer b.Close()

	responses, err := b.Submit(context.Background(), []Request{{ID: "users", URL: server.URL + "/beta/users/delta"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if responses[0].ID != "users" || responses[0].Status != http.StatusOK {
		t.Fatalf("unexpected response %+v", responses[0])
	}
}
