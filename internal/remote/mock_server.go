package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockServer is a fake ticket server for tests: an in-memory ticket
// table behind the same API the real server exposes.
type MockServer struct {
	*httptest.Server

	mu       sync.RWMutex
	tickets  map[string]*APITicket // key -> ticket
	projects map[string]*ProjectMeta
	nextID   int

	// FailMetaTimes makes the next N project meta requests return 503,
	// for exercising the orchestrator's bounded retry.
	FailMetaTimes int

	// UpdateCalls records the keys submitted via PUT, in order.
	UpdateCalls []string
}

// NewMockServer starts a mock ticket server with one configured project.
func NewMockServer() *MockServer {
	m := &MockServer{
		tickets:  make(map[string]*APITicket),
		projects: make(map[string]*ProjectMeta),
		nextID:   10000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/project/", m.handleProject)
	mux.HandleFunc("/api/search", m.handleSearch)
	mux.HandleFunc("/api/ticket", m.handleCreate)
	mux.HandleFunc("/api/ticket/", m.handleTicket)

	m.Server = httptest.NewServer(mux)
	return m
}

// AddProject registers a project's metadata.
func (m *MockServer) AddProject(meta *ProjectMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[meta.Key] = meta
}

// AddTicket inserts or replaces a ticket on the fake server.
func (m *MockServer) AddTicket(t *APITicket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.Key] = t
}

// Ticket returns the server's current copy of a ticket, or nil.
func (m *MockServer) Ticket(key string) *APITicket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tickets[key]
}

func (m *MockServer) handleProject(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.FailMetaTimes > 0 {
		m.FailMetaTimes--
		m.mu.Unlock()
		http.Error(w, "server unavailable", http.StatusServiceUnavailable)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/project/")
	meta, ok := m.projects[key]
	m.mu.Unlock()

	if !ok {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (m *MockServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	since := r.URL.Query().Get("since")
	startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
	maxResults, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
	if maxResults <= 0 {
		maxResults = 25
	}

	var sinceTime time.Time
	if since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			http.Error(w, "bad since parameter", http.StatusBadRequest)
			return
		}
		sinceTime = t
	}

	m.mu.RLock()
	var matched []*APITicket
	for _, t := range m.tickets {
		if projectOf(t) != project {
			continue
		}
		if !sinceTime.IsZero() {
			updated, err := time.Parse(time.RFC3339Nano, stringField(t, "updated"))
			if err != nil || !updated.After(sinceTime) {
				continue
			}
		}
		matched = append(matched, t)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	total := len(matched)
	end := startAt + maxResults
	if startAt > total {
		startAt = total
	}
	if end > total {
		end = total
	}

	page := make([]APITicket, 0, end-startAt)
	for _, t := range matched[startAt:end] {
		page = append(page, *t)
	}

	writeJSON(w, http.StatusOK, SearchResult{
		StartAt:    startAt,
		MaxResults: maxResults,
		Total:      total,
		Tickets:    page,
	})
}

func (m *MockServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Fields map[string]any `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	project := nestedString(payload.Fields, "project", "key")
	if project == "" {
		http.Error(w, "missing project", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	var id, key string
	for {
		m.nextID++
		id = strconv.Itoa(m.nextID)
		key = fmt.Sprintf("%s-%d", project, m.nextID-10000)
		if _, taken := m.tickets[key]; !taken {
			break
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	payload.Fields["created"] = now
	payload.Fields["updated"] = now
	if _, ok := payload.Fields["status"]; !ok {
		payload.Fields["status"] = map[string]any{"name": "Backlog"}
	}

	m.tickets[key] = &APITicket{ID: id, Key: key, Fields: payload.Fields}
	m.mu.Unlock()

	writeJSON(w, http.StatusCreated, CreateResult{ID: id, Key: key})
}

func (m *MockServer) handleTicket(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/ticket/")

	switch r.Method {
	case http.MethodGet:
		m.mu.RLock()
		t, ok := m.tickets[key]
		m.mu.RUnlock()
		if !ok {
			http.Error(w, "ticket not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, t)

	case http.MethodPut:
		var payload struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		m.mu.Lock()
		t, ok := m.tickets[key]
		if !ok {
			m.mu.Unlock()
			http.Error(w, "ticket not found", http.StatusNotFound)
			return
		}
		for k, v := range payload.Fields {
			if v == nil {
				delete(t.Fields, k)
				continue
			}
			t.Fields[k] = v
		}
		t.Fields["updated"] = time.Now().UTC().Format(time.RFC3339Nano)
		m.UpdateCalls = append(m.UpdateCalls, key)
		m.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func projectOf(t *APITicket) string {
	return nestedString(t.Fields, "project", "key")
}

func stringField(t *APITicket, key string) string {
	s, _ := t.Fields[key].(string)
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
