package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemux/hivemux/internal/hub"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/term"
)

// fakeManager implements term.Manager without spawning anything.
type fakeManager struct {
	mu       sync.Mutex
	sessions map[string]bool
	writes   map[string][]byte
}

func newFakeManager() *fakeManager {
	return &fakeManager{sessions: make(map[string]bool), writes: make(map[string][]byte)}
}

func (f *fakeManager) Create(id, cwd string, rows, cols uint16, resumeToken string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[id] {
		return 0, term.ErrDuplicateSession
	}
	f.sessions[id] = true
	return 4242, nil
}

func (f *fakeManager) Write(id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[id] {
		return term.ErrSessionNotFound
	}
	f.writes[id] = append(f.writes[id], data...)
	return nil
}

func (f *fakeManager) Resize(id string, rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[id] {
		return term.ErrSessionNotFound
	}
	return nil
}

func (f *fakeManager) Close(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[id] {
		return term.ErrSessionNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeManager) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeManager) CloseAll() {}

func (f *fakeManager) written(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[id]
}

var _ term.Manager = (*fakeManager)(nil)

func newTestHandler(t *testing.T) (*SessionsHandler, *fakeManager, *store.Sessions) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	schema, err := os.ReadFile("../../migrations/001_initial.sql")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db, string(schema)))

	mgr := newFakeManager()
	sessions := store.NewSessions(db)
	h := NewSessionsHandler(mgr, sessions, hub.New(), 40, 120)
	return h, mgr, sessions
}

func routed(h *SessionsHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", h.HandleList)
	mux.HandleFunc("POST /api/sessions", h.HandleCreate)
	mux.HandleFunc("POST /api/sessions/{id}/input", h.HandleInput)
	mux.HandleFunc("POST /api/sessions/{id}/resize", h.HandleResize)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.HandleDelete)
	return mux
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestCreateSession(t *testing.T) {
	h, _, sessions := newTestHandler(t)
	mux := routed(h)

	w := doJSON(t, mux, "POST", "/api/sessions", map[string]any{"cwd": "/tmp"})
	require.Equal(t, http.StatusCreated, w.Code)

	var rec models.Session
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.Len(t, rec.ID, 8, "generated ids are short uuids")
	assert.Equal(t, uint16(40), rec.Rows)
	assert.Equal(t, uint16(120), rec.Cols)
	assert.Equal(t, "running", rec.Status)
	require.NotNil(t, rec.PID)
	assert.Equal(t, 4242, *rec.PID)

	stored, err := sessions.Get(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestCreateSessionExplicit(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := routed(h)

	w := doJSON(t, mux, "POST", "/api/sessions",
		map[string]any{"id": "mine", "cwd": "/tmp", "rows": 24, "cols": 80})
	require.Equal(t, http.StatusCreated, w.Code)

	var rec models.Session
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.Equal(t, "mine", rec.ID)
	assert.Equal(t, uint16(24), rec.Rows)
}

func TestCreateSessionValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := routed(h)

	w := doJSON(t, mux, "POST", "/api/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateDuplicateConflicts(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := routed(h)

	w := doJSON(t, mux, "POST", "/api/sessions", map[string]any{"id": "dup", "cwd": "/tmp"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, mux, "POST", "/api/sessions", map[string]any{"id": "dup", "cwd": "/tmp"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInput(t *testing.T) {
	h, mgr, _ := newTestHandler(t)
	mux := routed(h)

	doJSON(t, mux, "POST", "/api/sessions", map[string]any{"id": "s1", "cwd": "/tmp"})

	w := doJSON(t, mux, "POST", "/api/sessions/s1/input", map[string]any{"data": "echo hi\n"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []byte("echo hi\n"), mgr.written("s1"))

	w = doJSON(t, mux, "POST", "/api/sessions/nope/input", map[string]any{"data": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResize(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := routed(h)

	doJSON(t, mux, "POST", "/api/sessions", map[string]any{"id": "s1", "cwd": "/tmp"})

	w := doJSON(t, mux, "POST", "/api/sessions/s1/resize", map[string]any{"rows": 50, "cols": 120})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, mux, "POST", "/api/sessions/s1/resize", map[string]any{"rows": 0, "cols": 120})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, mux, "POST", "/api/sessions/nope/resize", map[string]any{"rows": 24, "cols": 80})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelete(t *testing.T) {
	h, mgr, sessions := newTestHandler(t)
	mux := routed(h)

	doJSON(t, mux, "POST", "/api/sessions", map[string]any{"id": "s1", "cwd": "/tmp"})

	w := doJSON(t, mux, "DELETE", "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, mgr.List())

	stored, err := sessions.Get("s1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	w = doJSON(t, mux, "DELETE", "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestList(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := routed(h)

	for i := 0; i < 3; i++ {
		doJSON(t, mux, "POST", "/api/sessions", map[string]any{"id": fmt.Sprintf("s%d", i), "cwd": "/tmp"})
	}

	w := doJSON(t, mux, "GET", "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var recs []models.Session
	require.NoError(t, json.NewDecoder(w.Body).Decode(&recs))
	assert.Len(t, recs, 3)
}
