package homeassistant

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockServer provides a minimal fake Home Assistant exposing the todo
// services, for testing.
type MockServer struct {
	*httptest.Server

	mu    sync.Mutex
	token string
	lists map[string][]todoItem
	calls []string
}

// NewMockServer creates a mock Home Assistant accepting the given token.
func NewMockServer(token string) *MockServer {
	m := &MockServer{token: token, lists: make(map[string][]todoItem)}

	mux := http.NewServeMux()
	mux.HandleFunc(servicePath, m.handle)
	m.Server = httptest.NewServer(mux)
	return m
}

// AddList creates a todo entity with open items.
func (m *MockServer) AddList(entityID string, summaries ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]todoItem, 0, len(summaries))
	for _, s := range summaries {
		items = append(items, todoItem{Summary: s, Status: "needs_action"})
	}
	m.lists[entityID] = items
}

// SetStatus changes the status of the first item with the given summary.
func (m *MockServer) SetStatus(entityID, summary, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.lists[entityID] {
		if it.Summary == summary {
			m.lists[entityID][i].Status = status
			return
		}
	}
}

// Summaries returns the item summaries of an entity in order.
func (m *MockServer) Summaries(entityID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, it := range m.lists[entityID] {
		out = append(out, it.Summary)
	}
	return out
}

// Calls returns the names of the services called so far.
func (m *MockServer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+m.token {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := r.URL.Path[len(servicePath):]
	m.calls = append(m.calls, name)

	items, ok := m.lists[req.EntityID]
	if !ok {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}

	switch name {
	case "get_items":
		if _, ok := r.URL.Query()["return_response"]; !ok {
			http.Error(w, "service requires responses", http.StatusBadRequest)
			return
		}
		resp := map[string]interface{}{
			"changed_states": []interface{}{},
			"service_response": map[string]interface{}{
				req.EntityID: map[string]interface{}{"items": items},
			},
		}
		json.NewEncoder(w).Encode(resp)
	case "add_item":
		m.lists[req.EntityID] = append(items, todoItem{Summary: req.Item, Status: "needs_action"})
		w.Write([]byte("[]"))
	case "remove_item":
		for i, it := range items {
			if it.Summary == req.Item {
				m.lists[req.EntityID] = append(items[:i], items[i+1:]...)
				w.Write([]byte("[]"))
				return
			}
		}
		http.Error(w, "Unable to find to-do list item", http.StatusBadRequest)
	default:
		http.Error(w, "unknown service", http.StatusBadRequest)
	}
}
