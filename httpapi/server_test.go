package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/tabkeeper/core"
	"pkt.systems/tabkeeper/schema"
)

type apiFixture struct {
	server  *httptest.Server
	manager *core.Manager
	hub     *Hub
}

func newAPIFixture(t *testing.T, limit int) *apiFixture {
	t.Helper()
	hub := NewHub(16)
	manager, err := core.NewManager(schema.ServiceConfig{
		Backend:         schema.StorageBackendMemory,
		TabLimit:        limit,
		PersistOnChange: true,
		BasicTabs: []schema.TabTemplate{
			{Title: "Home", Pathname: "/home", Type: "home"},
		},
	}, core.ManagerDeps{EventSink: hub})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	srv := httptest.NewServer(NewServer(Config{}, manager, hub).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = manager.Close(context.Background())
	})
	return &apiFixture{server: srv, manager: manager, hub: hub}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestViewSeedsBasicTabs(t *testing.T) {
	f := newAPIFixture(t, 0)
	var view schema.CollectionView
	if status := f.do(t, http.MethodGet, "/api/sessions/workspace", nil, &view); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(view.Tabs) != 1 || view.Tabs[0].Pathname != "/home" || !view.Tabs[0].IsFixed {
		t.Fatalf("unexpected tabs: %+v", view.Tabs)
	}
	if view.SelectedIndex != 0 || view.Limit != schema.MaxTabLimit {
		t.Fatalf("unexpected view: %+v", view)
	}
	var list struct {
		Sessions []schema.StorageKey `json:"sessions"`
	}
	f.do(t, http.MethodGet, "/api/sessions", nil, &list)
	if len(list.Sessions) != 1 || list.Sessions[0] != "workspace" {
		t.Fatalf("unexpected sessions: %+v", list.Sessions)
	}
}

func TestNewTabRejectedAtLimit(t *testing.T) {
	f := newAPIFixture(t, 2)
	var tab schema.Tab
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/tabs", nil, &tab); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if tab.ID == "" || tab.IsFixed {
		t.Fatalf("expected scratch tab, got %+v", tab)
	}
	var errBody map[string]string
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/tabs", schema.NewTabRequest{Key: "home"}, &errBody); status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if !strings.Contains(errBody["error"], schema.ErrLimitExceeded.Error()) {
		t.Fatalf("unexpected error body: %+v", errBody)
	}
	var view schema.CollectionView
	f.do(t, http.MethodGet, "/api/sessions/workspace", nil, &view)
	if len(view.Tabs) != 2 || view.Tabs[1].ID != tab.ID {
		t.Fatalf("expected collection unchanged, got %+v", view.Tabs)
	}
}

func TestCloseDirtyTabThroughDecision(t *testing.T) {
	f := newAPIFixture(t, 0)
	var tab schema.Tab
	f.do(t, http.MethodPost, "/api/sessions/workspace/tabs", nil, &tab)
	changed := true
	var patched schema.Tab
	if status := f.do(t, http.MethodPatch, "/api/sessions/workspace/tabs/"+string(tab.ID), schema.TabPatch{HasChanged: &changed}, &patched); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !patched.HasChanged || !patched.IsFixed {
		t.Fatalf("expected dirty fixed tab, got %+v", patched)
	}

	var pending schema.CloseOutcome
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/close/1", nil, &pending); status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
	if pending.Status != schema.CloseStatusPending || pending.Decision == nil {
		t.Fatalf("unexpected outcome: %+v", pending)
	}
	var decisions struct {
		Decisions []schema.PendingDecision `json:"decisions"`
	}
	f.do(t, http.MethodGet, "/api/sessions/workspace/decisions", nil, &decisions)
	if len(decisions.Decisions) != 1 || decisions.Decisions[0].ID != pending.Decision.ID {
		t.Fatalf("unexpected decisions: %+v", decisions.Decisions)
	}

	path := "/api/sessions/workspace/decisions/" + string(pending.Decision.ID)
	if status := f.do(t, http.MethodPost, path, schema.ResolveDecisionRequest{Choice: "maybe"}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid choice, got %d", status)
	}
	var closed schema.CloseOutcome
	if status := f.do(t, http.MethodPost, path, schema.ResolveDecisionRequest{Choice: schema.ChoiceDiscard}, &closed); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if closed.Status != schema.CloseStatusClosed || closed.Tab.ID != tab.ID {
		t.Fatalf("unexpected outcome: %+v", closed)
	}
	if status := f.do(t, http.MethodPost, path, schema.ResolveDecisionRequest{Choice: schema.ChoiceDiscard}, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for resolved decision, got %d", status)
	}
	var view schema.CollectionView
	f.do(t, http.MethodGet, "/api/sessions/workspace", nil, &view)
	if len(view.Tabs) != 1 || view.SelectedIndex != 0 {
		t.Fatalf("unexpected view after close: %+v", view)
	}
}

func TestRouteChangeAndLookup(t *testing.T) {
	f := newAPIFixture(t, 0)
	var tab schema.Tab
	event := schema.NavigationEvent{Pathname: "/api/detail", Params: map[string]string{schema.ResourceIDParam: "42"}}
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/route", event, &tab); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if tab.Pathname != "/api/detail" || tab.ResourceID() != "42" {
		t.Fatalf("unexpected tab: %+v", tab)
	}
	var found schema.Tab
	if status := f.do(t, http.MethodGet, "/api/sessions/workspace/lookup?resource_id=42", nil, &found); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if found.ID != tab.ID {
		t.Fatalf("expected %s, got %s", tab.ID, found.ID)
	}
	if status := f.do(t, http.MethodGet, "/api/sessions/workspace/lookup?resource_id=7", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	var current schema.Tab
	f.do(t, http.MethodGet, "/api/sessions/workspace/current", nil, &current)
	if current.ID != tab.ID {
		t.Fatalf("expected current %s, got %s", tab.ID, current.ID)
	}
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/route", schema.NavigationEvent{}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty pathname, got %d", status)
	}
}

func TestOperateAndBatchClose(t *testing.T) {
	f := newAPIFixture(t, 0)
	var first, second schema.Tab
	f.do(t, http.MethodPost, "/api/sessions/workspace/route", schema.NavigationEvent{Pathname: "/a"}, &first)
	f.do(t, http.MethodPost, "/api/sessions/workspace/tabs/"+string(first.ID)+"/fix", nil, nil)
	f.do(t, http.MethodPost, "/api/sessions/workspace/route", schema.NavigationEvent{Pathname: "/b"}, &second)

	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/operate", schema.OperateRequest{Action: "closeEverything"}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", status)
	}
	var result schema.BatchResult
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/operate", schema.OperateRequest{Action: schema.OperationCloseToRight, ID: first.ID}, &result); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(result.Closed) != 1 || result.Closed[0] != second.ID {
		t.Fatalf("unexpected result: %+v", result)
	}
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/batch-close", schema.BatchCloseRequest{IDs: []schema.TabID{first.ID, "missing"}}, &result); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(result.Closed) != 1 || len(result.Missing) != 1 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
}

func TestSelectAndErrors(t *testing.T) {
	f := newAPIFixture(t, 0)
	f.do(t, http.MethodPost, "/api/sessions/workspace/tabs", nil, nil)
	var tab schema.Tab
	if status := f.do(t, http.MethodPut, "/api/sessions/workspace/selected", schema.SelectRequest{Index: 0}, &tab); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if tab.Pathname != "/home" {
		t.Fatalf("unexpected selected tab: %+v", tab)
	}
	if status := f.do(t, http.MethodPut, "/api/sessions/workspace/selected", schema.SelectRequest{Index: 9}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range index, got %d", status)
	}
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/close/x", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad index, got %d", status)
	}
	if status := f.do(t, http.MethodGet, "/api/sessions/bad%20key", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid key, got %d", status)
	}
	if status := f.do(t, http.MethodGet, "/api/sessions/workspace/tabs/nope", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if status := f.do(t, http.MethodPatch, "/api/sessions/workspace/tabs/nope", map[string]any{"bogus": 1}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", status)
	}
}

func TestDisposeAndPersist(t *testing.T) {
	f := newAPIFixture(t, 0)
	if status := f.do(t, http.MethodPost, "/api/sessions/workspace/persist", nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var state schema.TabState
	f.do(t, http.MethodGet, "/api/sessions/workspace/state", nil, &state)
	if len(state.Order) != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if status := f.do(t, http.MethodDelete, "/api/sessions/workspace", nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if status := f.do(t, http.MethodDelete, "/api/sessions/workspace", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	loaded, ok, err := f.manager.Adapter().Load("workspace")
	if err != nil || !ok {
		t.Fatalf("expected persisted state, ok=%v err=%v", ok, err)
	}
	if len(loaded.Order) != 1 {
		t.Fatalf("unexpected persisted state: %+v", loaded)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, 0)
	var body map[string]any
	if status := f.do(t, http.MethodGet, "/healthz", nil, &body); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["ok"] != true {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestBasePathMountsAPI(t *testing.T) {
	manager, err := core.NewManager(schema.ServiceConfig{Backend: schema.StorageBackendMemory}, core.ManagerDeps{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	srv := httptest.NewServer(NewServer(Config{BasePath: "/tabs/"}, manager, nil).Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/tabs/api/sessions/workspace")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 under base path, got %d", resp.StatusCode)
	}
	resp, err = srv.Client().Get(srv.URL + "/api/sessions/workspace")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", resp.StatusCode)
	}
}

func TestStreamDeliversSnapshotAndEvents(t *testing.T) {
	f := newAPIFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/sessions/workspace/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan StreamEvent, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err == nil {
				events <- event
			}
		}
		close(events)
	}()

	next := func() StreamEvent {
		t.Helper()
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream ended")
			}
			return event
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for stream event")
		}
		return StreamEvent{}
	}

	snapshot := next()
	if snapshot.Type != "snapshot" || snapshot.Snapshot == nil || len(snapshot.Snapshot.Tabs) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	var tab schema.Tab
	f.do(t, http.MethodPost, "/api/sessions/workspace/tabs", nil, &tab)
	for {
		event := next()
		if event.TabEvent == schema.TabEventCreated {
			if event.Tab == nil || event.Tab.ID != tab.ID {
				t.Fatalf("unexpected created event: %+v", event)
			}
			break
		}
	}
}
