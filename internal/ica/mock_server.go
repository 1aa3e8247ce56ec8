package ica

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockServer provides a fake ICA API for testing. It serves both the
// token endpoint and the shopping-list API from one base URL.
type MockServer struct {
	*httptest.Server

	mu        sync.RWMutex
	sessionID string
	token     string
	expires   time.Time
	lists     map[string]*List
	order     []string
	nextRow   int

	tokenRequests int
	addRequests   int
	// failures maps "METHOD path-suffix" to a status code returned once.
	failures map[string]int
	// failText fails AddItem for rows with the given text.
	failText map[string]int
}

// NewMockServer creates a mock ICA API accepting the given session id.
func NewMockServer(sessionID string) *MockServer {
	m := &MockServer{
		sessionID: sessionID,
		token:     "token-1",
		expires:   time.Now().Add(time.Hour),
		lists:     make(map[string]*List),
		failures:  make(map[string]int),
		failText:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(userInfoPath, m.handleUserInfo)
	mux.HandleFunc(listAPIPath+"/", m.handleListAPI)

	m.Server = httptest.NewServer(mux)
	return m
}

// AddList adds a shopping list with the given rows.
func (m *MockServer) AddList(id, name string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range rows {
		if rows[i].ID == "" {
			m.nextRow++
			rows[i].ID = flexID("row-" + strconv.Itoa(m.nextRow))
		}
	}
	if _, ok := m.lists[id]; !ok {
		m.order = append(m.order, id)
	}
	m.lists[id] = &List{ID: id, Name: name, Rows: rows}
}

// Rows returns a copy of a list's rows (for test assertions).
func (m *MockServer) Rows(listID string) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[listID]
	if !ok {
		return nil
	}
	return append([]Row(nil), l.Rows...)
}

// Texts returns the texts of a list's rows in order.
func (m *MockServer) Texts(listID string) []string {
	rows := m.Rows(listID)
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.Text
	}
	return texts
}

// RotateToken invalidates the current access token and issues a new one
// on the next user information request.
func (m *MockServer) RotateToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.Atoi(strings.TrimPrefix(m.token, "token-"))
	m.token = "token-" + strconv.Itoa(n+1)
}

// SetTokenExpiry changes the expiry reported for issued tokens.
func (m *MockServer) SetTokenExpiry(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires = t
}

// FailNext makes the next request matching method and path suffix fail
// with the given status.
func (m *MockServer) FailNext(method, suffix string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method+" "+suffix] = status
}

// FailAdd makes every add of the given text fail with status.
func (m *MockServer) FailAdd(text string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failText[text] = status
}

// TokenRequests returns how many times the token endpoint was called.
func (m *MockServer) TokenRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokenRequests
}

// AddRequests returns how many row-add requests were received.
func (m *MockServer) AddRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addRequests
}

func (m *MockServer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.tokenRequests++
	token, expires := m.token, m.expires
	m.mu.Unlock()

	cookie, err := r.Cookie(DefaultSessionCookie)
	if err != nil || cookie.Value != m.sessionID {
		http.Error(w, "not logged in", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(userInfo{
		AccessToken:  token,
		TokenExpires: expires.UTC().Format(time.RFC3339),
	})
}

func (m *MockServer) handleListAPI(w http.ResponseWriter, r *http.Request) {
	suffix := strings.TrimPrefix(r.URL.Path, listAPIPath)

	m.mu.Lock()
	if status, ok := m.failures[r.Method+" "+suffix]; ok {
		delete(m.failures, r.Method+" "+suffix)
		m.mu.Unlock()
		http.Error(w, "injected failure", status)
		return
	}
	token := m.token
	m.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(suffix, "/"), "/")
	switch {
	// GET /list/all
	case len(parts) == 2 && parts[0] == "list" && parts[1] == "all" && r.Method == http.MethodGet:
		m.handleListAll(w)
	// POST /list/{id}/row
	case len(parts) == 3 && parts[0] == "list" && parts[2] == "row" && r.Method == http.MethodPost:
		m.handleAddRow(w, r, parts[1])
	// DELETE /list/{id}/row/{rowID}
	case len(parts) == 4 && parts[0] == "list" && parts[2] == "row" && r.Method == http.MethodDelete:
		m.handleDeleteRow(w, parts[1], parts[3])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockServer) handleListAll(w http.ResponseWriter) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lists := make([]*List, 0, len(m.order))
	for _, id := range m.order {
		lists = append(lists, m.lists[id])
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lists)
}

func (m *MockServer) handleAddRow(w http.ResponseWriter, r *http.Request, listID string) {
	var req addRowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.addRequests++

	if status, ok := m.failText[req.Text]; ok {
		http.Error(w, "injected failure", status)
		return
	}
	l, ok := m.lists[listID]
	if !ok {
		http.Error(w, "list not found", http.StatusNotFound)
		return
	}

	m.nextRow++
	row := Row{ID: flexID("row-" + strconv.Itoa(m.nextRow)), Text: req.Text, IsStriked: req.StrikedOver}
	l.Rows = append(l.Rows, row)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(row)
}

func (m *MockServer) handleDeleteRow(w http.ResponseWriter, listID, rowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[listID]
	if !ok {
		http.Error(w, "list not found", http.StatusNotFound)
		return
	}
	for i, row := range l.Rows {
		if string(row.ID) == rowID {
			l.Rows = append(l.Rows[:i], l.Rows[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, "row not found", http.StatusNotFound)
}
