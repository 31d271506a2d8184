package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/batch"
	"github.com/agentworkforce/relaysync/internal/coord"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/entity"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type fakeEngine struct {
	store    *localstore.MemoryStore
	hub      *coord.Hub
	syncErr  error
	syncs    atomic.Int32
	triggers atomic.Int32

	mu       sync.Mutex
	enqueued []outbox.Mutation
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{store: localstore.NewMemoryStore(), hub: coord.NewHub(nil, zerolog.Nop())}
}

func (f *fakeEngine) SyncNow(ctx context.Context) error {
	f.syncs.Add(1)
	return f.syncErr
}

func (f *fakeEngine) TriggerSync() { f.triggers.Add(1) }

func (f *fakeEngine) Enqueue(ctx context.Context, kind outbox.Kind, data json.RawMessage) (outbox.Mutation, error) {
	if kind != outbox.KindDeviceSync {
		return outbox.Mutation{}, fmt.Errorf("%w: %s", outbox.ErrUnknownKind, kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := outbox.Mutation{ID: fmt.Sprintf("m%d", len(f.enqueued)+1), Seq: int64(len(f.enqueued) + 1), Type: kind, Data: data}
	f.enqueued = append(f.enqueued, m)
	return m, nil
}

func (f *fakeEngine) PendingMutations(ctx context.Context) ([]outbox.Mutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outbox.Mutation(nil), f.enqueued...), nil
}

func (f *fakeEngine) Status(ctx context.Context) (engine.Status, error) {
	return engine.Status{PendingMutations: len(f.enqueued), SignedIn: true}, nil
}

func (f *fakeEngine) Store() localstore.Store { return f.store }

func (f *fakeEngine) SubscribeAll(fn func(collections []string)) func() {
	return f.hub.SubscribeAll(fn)
}

func seedCollection(t *testing.T, store localstore.Store, collection string, keys ...string) {
	t.Helper()
	err := store.WriteMany(context.Background(), []string{collection}, func(tx localstore.Tx) error {
		for _, key := range keys {
			if err := tx.Put(collection, key, json.RawMessage(fmt.Sprintf(`{"id":%q}`, key))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed %s: %v", collection, err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServer(newFakeEngine(), ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(newFakeEngine(), ServerConfig{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	expired := mustTestJWT(t, "dev-secret", "ui", []string{ScopeRead}, time.Now().Add(-time.Minute))
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(expired)})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}

	wrongSecret := mustTestJWT(t, "other", "ui", []string{ScopeRead}, time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(wrongSecret)})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.Code)
	}
}

func TestScopesGateWrites(t *testing.T) {
	eng := newFakeEngine()
	server := NewServer(eng, ServerConfig{})
	reader := mustTestJWT(t, "dev-secret", "ui", []string{ScopeRead}, time.Now().Add(time.Hour))
	writer := mustTestJWT(t, "dev-secret", "ui", []string{ScopeWrite}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(reader)})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only token, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(writer)})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	if eng.triggers.Load() != 1 {
		t.Fatalf("expected a background trigger, got %d", eng.triggers.Load())
	}
	// write implies read
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(writer)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected write token to read status, got %d", resp.Code)
	}
}

func TestSyncWaitReportsOutcome(t *testing.T) {
	eng := newFakeEngine()
	server := NewServer(eng, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ui", []string{ScopeWrite}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(token), body: map[string]any{"wait": true}})
	if resp.Code != http.StatusOK || eng.syncs.Load() != 1 {
		t.Fatalf("expected synchronous pass, got %d (%s)", resp.Code, resp.Body.String())
	}

	eng.syncErr = &engine.PassError{Failed: []string{"devices"}, Err: errors.New("boom")}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(token), body: map[string]any{"wait": true}})
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	var payload struct {
		Failed []string `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Failed) != 1 || payload.Failed[0] != "devices" {
		t.Fatalf("unexpected failed list: %v", payload.Failed)
	}

	eng.syncErr = &engine.PassError{Failed: []string{"users"}, Unauthorized: true, Err: remote.ErrUnauthorized}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(token), body: map[string]any{"wait": true}})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for remote unauthorized, got %d", resp.Code)
	}
}

func TestEnqueueAndListMutations(t *testing.T) {
	server := NewServer(newFakeEngine(), ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ui", []string{ScopeRead, ScopeWrite}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/mutations",
		headers: bearer(token),
		body:    map[string]any{"type": "device.sync", "data": map[string]any{"deviceId": "d1"}},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/mutations",
		headers: bearer(token),
		body:    map[string]any{"type": "device.explode", "data": map[string]any{"deviceId": "d1"}},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/mutations", headers: bearer(token)})
	var list struct {
		Mutations []outbox.Mutation `json:"mutations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Mutations) != 1 || list.Mutations[0].Type != outbox.KindDeviceSync {
		t.Fatalf("unexpected mutations: %+v", list.Mutations)
	}
}

func TestCollectionPagingAndRecords(t *testing.T) {
	eng := newFakeEngine()
	seedCollection(t, eng.store, "devices", "d1", "d2", "d3")
	seedCollection(t, eng.store, localstore.CollectionKV, "credential")
	server := NewServer(eng, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ui", []string{ScopeRead}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/devices?limit=2", headers: bearer(token)})
	var page collectionPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor != "d2" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/devices?limit=2&cursor=d2", headers: bearer(token)})
	page = collectionPage{}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Key != "d3" || page.NextCursor != "" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/devices/d2", headers: bearer(token)})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"d2"`) {
		t.Fatalf("unexpected record response: %d %s", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/devices/missing", headers: bearer(token)})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/_kv/credential", headers: bearer(token)})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected internal collection hidden, got %d", resp.Code)
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	server := NewServer(newFakeEngine(), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, "dev-secret", "ui", []string{ScopeRead}, time.Now().Add(time.Hour))
	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(token)})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d", i, resp.Code)
		}
	}
	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(token)})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
	other := mustTestJWT(t, "dev-secret", "cli", []string{ScopeRead}, time.Now().Add(time.Hour))
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(other)}); resp.Code != http.StatusOK {
		t.Fatalf("expected other subject allowed, got %d", resp.Code)
	}
}

func TestInvalidationStream(t *testing.T) {
	eng := newFakeEngine()
	srv := httptest.NewServer(NewServer(eng, ServerConfig{}))
	defer srv.Close()
	token := mustTestJWT(t, "dev-secret", "ui", []string{ScopeRead}, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/invalidations?access_token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello Invalidation
	readInvalidation(t, ctx, conn, &hello)
	if hello.Type != "hello" {
		t.Fatalf("expected hello, got %+v", hello)
	}

	eng.hub.Notify(ctx, []string{"devices", "groups"})
	var msg Invalidation
	readInvalidation(t, ctx, conn, &msg)
	if msg.Type != "invalidate" || strings.Join(msg.Collections, ",") != "devices,groups" {
		t.Fatalf("unexpected invalidation: %+v", msg)
	}
}

func TestInvalidationStreamChecksOrigin(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeEngine(), ServerConfig{OriginPatterns: []string{"localhost:*"}}))
	defer srv.Close()
	token := mustTestJWT(t, "dev-secret", "ui", []string{ScopeRead}, time.Now().Add(time.Hour))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/invalidations?access_token=" + token

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://attacker.example"}},
	})
	if err == nil {
		t.Fatalf("expected cross-origin upgrade to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %+v", resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://localhost:5173"}},
	})
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestEnqueueThroughRealEngine(t *testing.T) {
	store := localstore.NewMemoryStore()
	err := store.WriteMany(context.Background(), []string{entity.CollectionDevices}, func(tx localstore.Tx) error {
		return entity.PutRecord(tx, entity.CollectionDevices, &entity.Device{ID: "d1", DeviceName: "old"}, 1)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	eng, err := engine.New(engine.Config{
		Store:     store,
		Submitter: noopSubmitter{},
		Logger:    zerolog.Nop(),
		Adapters: func(localstore.Store, entity.Submitter) ([]entity.Adapter, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	server := NewServer(eng, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ui", []string{ScopeWrite}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/mutations",
		headers: bearer(token),
		body:    map[string]any{"type": "device.rename", "data": map[string]any{"deviceId": "d1", "deviceName": "new"}},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/collections/devices/d1", headers: bearer(token)})
	if !strings.Contains(resp.Body.String(), `"deviceName":"new"`) {
		t.Fatalf("expected optimistic rename visible, got %s", resp.Body.String())
	}
}

type noopSubmitter struct{}

func (noopSubmitter) Submit(ctx context.Context, requests []batch.Request) ([]batch.Response, error) {
	out := make([]batch.Response, 0, len(requests))
	for _, req := range requests {
		out = append(out, batch.Response{ID: req.ID, Status: http.StatusNoContent})
	}
	return out, nil
}

func readInvalidation(t *testing.T, ctx context.Context, conn *websocket.Conn, out *Invalidation) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode invalidation: %v", err)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	t.Helper()
	token, err := IssueToken(secret, subject, scopes, time.Until(exp), time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
