// Package integration contains end-to-end tests that run the webhook
// server, the scheduler and the engine against fake backends.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/JohanCodinha/icasync/internal/api"
	"github.com/JohanCodinha/icasync/internal/cache"
	"github.com/JohanCodinha/icasync/internal/ica"
	"github.com/JohanCodinha/icasync/internal/sync"
	"github.com/JohanCodinha/icasync/internal/todo/homeassistant"
)

const (
	sessionID  = "session-abc"
	remoteList = "list-1"
	todoList   = "todo.shopping"
	haToken    = "ha-token"
	apiKey     = "test-key"
)

type harness struct {
	remote *ica.MockServer
	ha     *homeassistant.MockServer
	todo   *homeassistant.Client
	db     *cache.DB
	sched  *sync.Scheduler
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	remote := ica.NewMockServer(sessionID)
	t.Cleanup(remote.Close)
	ha := homeassistant.NewMockServer(haToken)
	t.Cleanup(ha.Close)

	db, err := cache.InitDB(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	todo := homeassistant.New(ha.URL, haToken)
	client := ica.NewWithBaseURL(sessionID, remote.URL, ica.WithTokenStore(db))
	tracker := sync.NewTracker(time.Minute)
	engine := sync.NewEngine(client, todo, tracker, sync.Config{
		RemoteListID: remoteList,
		TodoListID:   todoList,
		CallTimeout:  5 * time.Second,
	})
	engine.OnRefresh(func(r sync.Result) {
		db.UpsertListState(context.Background(), cache.ListState{
			ListID:    remoteList,
			Name:      r.ListName,
			ItemCount: len(r.Items),
			Items:     r.Items,
		})
	})

	sched := sync.NewScheduler(engine, tracker, todoList, 50*time.Millisecond)
	t.Cleanup(sched.Stop)
	sched.OnPass(func(p sync.Pass) {
		run := cache.Run{
			ID:          p.ID,
			Trigger:     p.Trigger,
			Outcome:     p.Outcome(),
			StartedAt:   p.StartedAt,
			FinishedAt:  p.FinishedAt,
			RemoteAdded: p.Result.RemoteAdded,
			TodoAdded:   p.Result.TodoAdded,
		}
		if err := db.RecordRun(context.Background(), run); err != nil {
			t.Errorf("RecordRun failed: %v", err)
		}
	})

	server := httptest.NewServer(api.NewRouter(api.NewHandler(sched, db, remoteList, apiKey, "test")))
	t.Cleanup(server.Close)

	return &harness{remote: remote, ha: ha, todo: todo, db: db, sched: sched, server: server}
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (h *harness) status(t *testing.T) api.StatusResponse {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	return status
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestE2E_RefreshThenWebhook runs a manual pass and then a debounced pass
// triggered by Home Assistant events, checking both lists and the history.
func TestE2E_RefreshThenWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.remote.AddList(remoteList, "Veckohandling", ica.Row{Text: "Mjölk"}, ica.Row{Text: "Bröd"})
	h.ha.AddList(todoList, "Ägg")

	// Step 1: manual refresh merges both sides.
	resp := h.post(t, "/api/refresh", "")
	var result api.PassResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode refresh result: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh returned %d", resp.StatusCode)
	}
	if result.ListName != "Veckohandling" || result.RemoteAdded != 1 || result.TodoAdded != 2 {
		t.Errorf("unexpected refresh result: %+v", result)
	}
	if got, want := h.remote.Texts(remoteList), []string{"Mjölk", "Bröd", "Ägg"}; !reflect.DeepEqual(got, want) {
		t.Errorf("remote after refresh = %v, want %v", got, want)
	}
	if got, want := h.ha.Summaries(todoList), []string{"Ägg", "Mjölk", "Bröd"}; !reflect.DeepEqual(got, want) {
		t.Errorf("todo after refresh = %v, want %v", got, want)
	}

	// Home Assistant reports the pass's own todo writes back as events.
	for _, item := range []string{"Mjölk", "Bröd"} {
		resp := h.post(t, "/api/events", `{"domain": "todo", "service": "add_item", "service_data": {"entity_id": "todo.shopping", "item": "`+item+`"}}`)
		var er api.EventsResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			t.Fatalf("failed to decode events response: %v", err)
		}
		resp.Body.Close()
		if er.Accepted != 0 || er.Ignored != 1 {
			t.Errorf("echo of own add %q: %+v, want ignored", item, er)
		}
	}
	if n := h.sched.State(); n != sync.StateIdle {
		t.Errorf("echoed writes scheduled a pass: state = %s", n)
	}

	// Step 2: the user edits the todo list; Home Assistant reports it.
	if err := h.todo.RemoveItem(ctx, todoList, "Mjölk"); err != nil {
		t.Fatalf("RemoveItem failed: %v", err)
	}
	if err := h.todo.AddItem(ctx, todoList, "Kaffe"); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	events := []string{
		`{"event_type": "call_service", "data": {"domain": "todo", "service": "remove_item", "service_data": {"entity_id": "todo.shopping", "item": ["Mjölk"]}}}`,
		`{"domain": "todo", "service": "add_item", "service_data": {"entity_id": "todo.shopping", "item": "Kaffe"}}`,
		`{"domain": "todo", "service": "add_item", "service_data": {"entity_id": "todo.other", "item": "Te"}}`,
	}
	accepted := 0
	for _, body := range events {
		resp := h.post(t, "/api/events", body)
		var er api.EventsResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			t.Fatalf("failed to decode events response: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("events returned %d", resp.StatusCode)
		}
		accepted += er.Accepted
	}
	if accepted != 2 {
		t.Errorf("accepted %d events, want 2", accepted)
	}

	// Step 3: the debounced pass mirrors the edits to the remote list.
	waitUntil(t, "the debounced pass", func() bool {
		return len(h.status(t).Runs) >= 2
	})

	if got, want := h.remote.Texts(remoteList), []string{"Bröd", "Ägg", "Kaffe"}; !reflect.DeepEqual(got, want) {
		t.Errorf("remote after webhook = %v, want %v", got, want)
	}
	if got, want := h.ha.Summaries(todoList), []string{"Ägg", "Bröd", "Kaffe"}; !reflect.DeepEqual(got, want) {
		t.Errorf("todo after webhook = %v, want %v", got, want)
	}
	if n := h.sched.State(); n != sync.StateIdle {
		t.Errorf("scheduler state = %s, want idle", n)
	}

	status := h.status(t)
	if status.Runs[0].Trigger != sync.TriggerDebounce || status.Runs[len(status.Runs)-1].Trigger != sync.TriggerManual {
		t.Errorf("unexpected triggers: %s, %s", status.Runs[0].Trigger, status.Runs[len(status.Runs)-1].Trigger)
	}
	if status.LastOutcome != sync.OutcomeOK {
		t.Errorf("LastOutcome = %q, want ok", status.LastOutcome)
	}
	if status.List == nil || status.List.ItemCount != 3 {
		t.Errorf("unexpected list state: %+v", status.List)
	}

	// One token exchange serves every call.
	if n := h.remote.TokenRequests(); n != 1 {
		t.Errorf("token requests = %d, want 1", n)
	}
}

// TestE2E_RemoteFailureLeavesTodoUntouched checks that a failed remote
// read aborts the pass before any write.
func TestE2E_RemoteFailureLeavesTodoUntouched(t *testing.T) {
	h := newHarness(t)

	h.remote.AddList(remoteList, "Veckohandling", ica.Row{Text: "Mjölk"})
	h.ha.AddList(todoList, "Ägg")
	h.remote.FailNext(http.MethodGet, "/list/all", http.StatusServiceUnavailable)

	resp := h.post(t, "/api/refresh", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("refresh returned %d, want 502", resp.StatusCode)
	}
	if got := h.ha.Summaries(todoList); !reflect.DeepEqual(got, []string{"Ägg"}) {
		t.Errorf("todo list changed after failed read: %v", got)
	}
	if got := h.remote.Texts(remoteList); !reflect.DeepEqual(got, []string{"Mjölk"}) {
		t.Errorf("remote list changed after failed read: %v", got)
	}

	// The next pass succeeds.
	resp = h.post(t, "/api/refresh", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second refresh returned %d", resp.StatusCode)
	}
	if got := h.remote.Texts(remoteList); !reflect.DeepEqual(got, []string{"Mjölk", "Ägg"}) {
		t.Errorf("remote after retry = %v", got)
	}

	status := h.status(t)
	if len(status.Runs) != 2 || status.Runs[1].Outcome != sync.OutcomeReadError {
		t.Errorf("unexpected history: %+v", status.Runs)
	}
}
