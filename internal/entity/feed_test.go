package entity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/agentworkforce/relaysync/internal/batch"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/rs/zerolog"
)

// fakeRemote serves canned responses by URL and records every request.
type fakeRemote struct {
	mu        sync.Mutex
	responses map[string]batch.Response
	requests  []batch.Request
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{responses: map[string]batch.Response{}}
}

func (f *fakeRemote) set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = batch.Response{Status: status, Body: json.RawMessage(body)}
}

func (f *fakeRemote) Submit(ctx context.Context, requests []batch.Request) ([]batch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]batch.Response, 0, len(requests))
	for _, req := range requests {
		f.requests = append(f.requests, req)
		resp, ok := f.responses[req.URL]
		if !ok {
			resp = batch.Response{Status: http.StatusNotFound, Body: json.RawMessage(`{"error":{"code":"NotFound"}}`)}
		}
		resp.ID = req.ID
		out = append(out, resp)
	}
	return out, nil
}

func (f *fakeRemote) requestURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, 0, len(f.requests))
	for _, req := range f.requests {
		urls = append(urls, req.URL)
	}
	return urls
}

func (f *fakeRemote) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = nil
}

func mustAdapter(t *testing.T, name string, remoteFeed Submitter, store localstore.Store) Adapter {
	t.Helper()
	adapters, err := DefaultAdapters(store, remoteFeed, zerolog.Nop())
	if err != nil {
		t.Fatalf("default adapters: %v", err)
	}
	for _, a := range adapters {
		if a.Name() == name {
			return a
		}
	}
	t.Fatalf("adapter %s not found", name)
	return nil
}

// drive runs an adapter to completion the way the controller does: each
// step's writes commit before the next step starts.
func drive(t *testing.T, store localstore.Store, adapter Adapter, sessionID int64, continuation json.RawMessage) (StepResult, int) {
	t.Helper()
	ctx := context.Background()
	for steps := 1; steps < 50; steps++ {
		result, err := adapter.Step(ctx, sessionID, continuation)
		if err != nil {
			t.Fatalf("step %d: %v", steps, err)
		}
		if result.Writes != nil {
			if err := store.WriteMany(ctx, adapter.Collections(), result.Writes); err != nil {
				t.Fatalf("writes %d: %v", steps, err)
			}
		}
		if result.Kind == StepComplete {
			return result, steps
		}
		continuation = result.Continuation
	}
	t.Fatalf("adapter did not complete")
	return StepResult{}, 0
}

const usersURL = "/users/delta?$select=id,displayName,userPrincipalName,mail,jobTitle,accountEnabled"

func TestUsersDeltaFeedFollowsPagesAndKeepsDeltaCursor(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	feed.set(usersURL, 200, `{"value":[{"id":"u1","displayName":"Ada"}],"@odata.nextLink":"https://graph.microsoft.com/beta/users/delta?$skiptoken=p2"}`)
	feed.set("https://graph.microsoft.com/beta/users/delta?$skiptoken=p2", 200, `{"value":[{"id":"u2","displayName":"Grace"}],"@odata.deltaLink":"https://graph.microsoft.com/beta/users/delta?$deltatoken=d1"}`)
	adapter := mustAdapter(t, "users", feed, store)

	result, steps := drive(t, store, adapter, 100, nil)
	if steps != 2 {
		t.Fatalf("expected 2 iterations, got %d", steps)
	}
	for _, id := range []string{"u1", "u2"} {
		raw, err := store.Read(context.Background(), CollectionUsers, id)
		if err != nil {
			t.Fatalf("read %s: %v", id, err)
		}
		var user User
		_ = json.Unmarshal(raw, &user)
		if user.SyncSessionID != 100 {
			t.Fatalf("expected %s stamped with session 100, got %d", id, user.SyncSessionID)
		}
	}
	var next FeedContinuation
	if err := json.Unmarshal(result.Continuation, &next); err != nil {
		t.Fatalf("decode continuation: %v", err)
	}
	if next.Sources[0].Cursor != DeltaCursor("https://graph.microsoft.com/beta/users/delta?$deltatoken=d1") || next.Sources[0].Done {
		t.Fatalf("expected fresh state holding the delta cursor, got %+v", next.Sources[0])
	}

	feed.reset()
	feed.set("https://graph.microsoft.com/beta/users/delta?$deltatoken=d1", 200, `{"value":[],"@odata.deltaLink":"https://graph.microsoft.com/beta/users/delta?$deltatoken=d2"}`)
	if _, steps := drive(t, store, adapter, 200, result.Continuation); steps != 1 {
		t.Fatalf("expected one iteration from the delta cursor, got %d", steps)
	}
	if urls := feed.requestURLs(); len(urls) != 1 || !strings.Contains(urls[0], "deltatoken=d1") {
		t.Fatalf("expected exactly one delta request, got %v", urls)
	}
}

func TestDeltaTombstoneDeletesRecord(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	feed.set(usersURL, 200, `{"value":[{"id":"u1"},{"id":"u2"}],"@odata.deltaLink":"/users/delta?$deltatoken=a"}`)
	adapter := mustAdapter(t, "users", feed, store)
	result, _ := drive(t, store, adapter, 1, nil)

	feed.set("/users/delta?$deltatoken=a", 200, `{"value":[{"id":"u1","@removed":{"reason":"deleted"}}],"@odata.deltaLink":"/users/delta?$deltatoken=b"}`)
	drive(t, store, adapter, 2, result.Continuation)

	if _, err := store.Read(context.Background(), CollectionUsers, "u1"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected u1 deleted, got %v", err)
	}
	if _, err := store.Read(context.Background(), CollectionUsers, "u2"); err != nil {
		t.Fatalf("expected u2 to survive: %v", err)
	}
}

func TestDevicesCountRequestedOncePerSession(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	feed.set("/deviceManagement/managedDevices", 200, `{"value":[{"id":"d1"}],"@odata.nextLink":"/deviceManagement/managedDevices?$skiptoken=2"}`)
	feed.set("/deviceManagement/managedDevices?$skiptoken=2", 200, `{"value":[{"id":"d2"}]}`)
	feed.set("/deviceManagement/managedDevices/$count", 200, `2`)
	adapter := mustAdapter(t, "devices", feed, store)

	first, err := adapter.Step(context.Background(), 7, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if first.Kind != StepContinue || first.Completed != 1 || first.Total != 2 {
		t.Fatalf("unexpected first step %+v", first)
	}
	second, err := adapter.Step(context.Background(), 7, first.Continuation)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if second.Kind != StepComplete || second.Completed != 2 || second.Total != 2 {
		t.Fatalf("unexpected second step %+v", second)
	}
	counts := 0
	for _, url := range feed.requestURLs() {
		if strings.HasSuffix(url, "$count") {
			counts++
		}
	}
	if counts != 1 {
		t.Fatalf("expected one count request, got %d", counts)
	}
}

func TestDevicesCountFailureFallsBackToFetchedTotal(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	feed.set("/deviceManagement/managedDevices", 200, `{"value":[{"id":"d1"}],"@odata.nextLink":"/deviceManagement/managedDevices?$skiptoken=2"}`)
	feed.set("/deviceManagement/managedDevices?$skiptoken=2", 200, `{"value":[{"id":"d2"}]}`)
	feed.set("/deviceManagement/managedDevices/$count", 400, `{"error":{"code":"Request_BadRequest"}}`)
	adapter := mustAdapter(t, "devices", feed, store)

	first, err := adapter.Step(context.Background(), 7, nil)
	if err != nil {
		t.Fatalf("a rejected count should not fail the step: %v", err)
	}
	if first.Kind != StepContinue || first.Completed != 1 || first.Total != 1 {
		t.Fatalf("unexpected first step %+v", first)
	}
	if err := store.WriteMany(context.Background(), adapter.Collections(), first.Writes); err != nil {
		t.Fatalf("first writes: %v", err)
	}
	if _, err := store.Read(context.Background(), CollectionDevices, "d1"); err != nil {
		t.Fatalf("listing page should be kept: %v", err)
	}

	second, err := adapter.Step(context.Background(), 7, first.Continuation)
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if second.Kind != StepComplete || second.Completed != 2 || second.Total != 2 {
		t.Fatalf("unexpected second step %+v", second)
	}
	counts := 0
	for _, url := range feed.requestURLs() {
		if strings.HasSuffix(url, "$count") {
			counts++
		}
	}
	if counts != 1 {
		t.Fatalf("count should not be retried within the session, got %d requests", counts)
	}
}

func TestPageSourceCleanupRemovesUnconfirmedRecords(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	feed.set("/deviceManagement/configurationPolicies", 200, `{"value":[{"id":"p1"},{"id":"p2"}]}`)
	adapter := mustAdapter(t, "policies", feed, store)
	if !adapter.CleanupStale() {
		t.Fatalf("policies should clean up stale records")
	}
	drive(t, store, adapter, 1, nil)

	feed.set("/deviceManagement/configurationPolicies", 200, `{"value":[{"id":"p2"}]}`)
	drive(t, store, adapter, 2, nil)
	err := store.WriteMany(context.Background(), adapter.Collections(), func(tx localstore.Tx) error {
		return adapter.Cleanup(tx, 2)
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := store.Read(context.Background(), CollectionPolicies, "p1"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected p1 cleaned up, got %v", err)
	}
	if _, err := store.Read(context.Background(), CollectionPolicies, "p2"); err != nil {
		t.Fatalf("expected p2 to survive: %v", err)
	}
}

func TestMultiSourceCompletesOnlyWhenAllSourcesFinish(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	feed.set("/deviceManagement/configurationPolicies?$select=id&$expand=assignments", 200,
		`{"value":[{"id":"p1","assignments":[{"id":"a1","target":{"groupId":"g1"}}]}],"@odata.nextLink":"/policies-page-2"}`)
	feed.set("/policies-page-2", 200, `{"value":[{"id":"p2","assignments":[]}]}`)
	feed.set("/deviceManagement/deviceManagementScripts?$select=id&$expand=assignments", 200,
		`{"value":[{"id":"s1","assignments":[{"id":"a1","intent":"apply"}]}]}`)
	// app assignments are not licensed in this tenant and return 404
	adapter := mustAdapter(t, "assignments", feed, store)

	first, err := adapter.Step(context.Background(), 3, nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if first.Kind != StepContinue {
		t.Fatalf("policy source still has a page; expected continue")
	}
	if err := store.WriteMany(context.Background(), adapter.Collections(), first.Writes); err != nil {
		t.Fatalf("first writes: %v", err)
	}
	_, steps := drive(t, store, adapter, 3, first.Continuation)
	if steps != 1 {
		t.Fatalf("expected completion on the next step, got %d", steps)
	}
	if _, err := store.Read(context.Background(), CollectionAssignments, "script:a1"); err != nil {
		t.Fatalf("expected script assignment: %v", err)
	}
}

func TestGroupsWriteMembershipsAndDeleteCascades(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	groupsURL := "/groups/delta?$select=id,displayName,description,mailEnabled,securityEnabled,groupTypes,members"
	feed.set(groupsURL, 200, `{"value":[{"id":"g1","displayName":"Ops","members@delta":[{"id":"u1","@odata.type":"#microsoft.graph.user"},{"id":"u2"}]}],"@odata.deltaLink":"/groups/delta?$deltatoken=1"}`)
	adapter := mustAdapter(t, "groups", feed, store)
	result, _ := drive(t, store, adapter, 1, nil)

	raw, err := store.Read(context.Background(), CollectionGroupMembers, "g1:u1")
	if err != nil {
		t.Fatalf("expected membership row: %v", err)
	}
	var member GroupMember
	_ = json.Unmarshal(raw, &member)
	if member.MemberType != "user" {
		t.Fatalf("expected member type user, got %q", member.MemberType)
	}
	groupRaw, _ := store.Read(context.Background(), CollectionGroups, "g1")
	if strings.Contains(string(groupRaw), "members") {
		t.Fatalf("group record should not embed members: %s", groupRaw)
	}

	feed.set("/groups/delta?$deltatoken=1", 200, `{"value":[{"id":"g1","@removed":{"reason":"changed"}}],"@odata.deltaLink":"/groups/delta?$deltatoken=2"}`)
	drive(t, store, adapter, 2, result.Continuation)
	if _, err := store.Read(context.Background(), CollectionGroupMembers, "g1:u2"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected memberships removed with group, got %v", err)
	}
}

func TestValidationFailureAbortsWithRequestID(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	feed.set("/deviceManagement/deviceManagementScripts", 200, `{"value":[{"id":"s1"},{"displayName":"missing id"}]}`)
	adapter := mustAdapter(t, "scripts", feed, store)

	_, err := adapter.Step(context.Background(), 1, nil)
	var validation *ValidationError
	if !errors.As(err, &validation) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validation.RequestID != "scripts" || validation.Index != 1 {
		t.Fatalf("unexpected validation context %+v", validation)
	}
}

func TestUnauthorizedSubResponseSurfaces(t *testing.T) {
	store := localstore.NewMemoryStore()
	feed := newFakeRemote()
	feed.set("/deviceAppManagement/mobileApps", 401, `{"error":{"code":"InvalidAuthenticationToken"}}`)
	adapter := mustAdapter(t, "applications", feed, store)
	if _, err := adapter.Step(context.Background(), 1, nil); !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestValidateContinuationRejectsMalformedState(t *testing.T) {
	adapter := mustAdapter(t, "devices", newFakeRemote(), localstore.NewMemoryStore())
	cases := []string{
		`{"sources":[]}`,
		`{"sources":[{"name":"other","cursor":{"kind":"none"}}]}`,
		`{"sources":[{"name":"devices","cursor":{"kind":"page"}}]}`,
		`{"sources":[{"name":"devices","cursor":{"kind":"delta","url":"/x"}}]}`,
		`{"sources":[{"name":"devices","cursor":{"kind":"bogus"}}]}`,
		`not json`,
	}
	for _, raw := range cases {
		if err := adapter.ValidateContinuation(json.RawMessage(raw)); !errors.Is(err, ErrInvalidContinuation) {
			t.Fatalf("expected ErrInvalidContinuation for %s, got %v", raw, err)
		}
	}
	if err := adapter.ValidateContinuation(nil); err != nil {
		t.Fatalf("empty continuation should mean start fresh: %v", err)
	}
}
