package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hivemux/hivemux/internal/hub"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/term"
)

type SessionsHandler struct {
	manager  term.Manager
	sessions *store.Sessions
	events   *hub.Hub

	defaultRows uint16
	defaultCols uint16
}

func NewSessionsHandler(manager term.Manager, sessions *store.Sessions, events *hub.Hub, rows, cols uint16) *SessionsHandler {
	return &SessionsHandler{
		manager:     manager,
		sessions:    sessions,
		events:      events,
		defaultRows: rows,
		defaultCols: cols,
	}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	sessions, err := h.sessions.List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          string `json:"id"`
		Cwd         string `json:"cwd"`
		Rows        uint16 `json:"rows"`
		Cols        uint16 `json:"cols"`
		ResumeToken string `json:"resume_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Cwd == "" {
		WriteError(w, http.StatusBadRequest, "cwd is required")
		return
	}
	if body.ID == "" {
		body.ID = uuid.New().String()[:8]
	}
	if body.Rows == 0 {
		body.Rows = h.defaultRows
	}
	if body.Cols == 0 {
		body.Cols = h.defaultCols
	}

	pid, err := h.manager.Create(body.ID, body.Cwd, body.Rows, body.Cols, body.ResumeToken)
	if err != nil {
		if errors.Is(err, term.ErrDuplicateSession) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec := models.Session{
		ID:        body.ID,
		Cwd:       body.Cwd,
		Rows:      body.Rows,
		Cols:      body.Cols,
		Status:    "running",
		PID:       &pid,
		CreatedAt: time.Now(),
	}
	if err := h.sessions.Insert(rec); err != nil {
		log.Printf("api: record session %s: %v", body.ID, err)
	}

	// Flip the stored status when the child exits on its own. The registry
	// entry stays live until an explicit delete.
	sessionID := body.ID
	go func() {
		<-h.events.Done(sessionID)
		if err := h.sessions.SetStatus(sessionID, "exited"); err != nil {
			log.Printf("api: mark session %s exited: %v", sessionID, err)
		}
	}()

	WriteJSON(w, http.StatusCreated, rec)
}

func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.manager.Write(id, []byte(body.Data)); err != nil {
		if errors.Is(err, term.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Rows == 0 || body.Cols == 0 {
		WriteError(w, http.StatusBadRequest, "rows and cols must be positive")
		return
	}

	if err := h.manager.Resize(id, body.Rows, body.Cols); err != nil {
		if errors.Is(err, term.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.manager.Close(id); err != nil {
		if errors.Is(err, term.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.sessions.Delete(id); err != nil {
		log.Printf("api: delete session row %s: %v", id, err)
	}
	h.events.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}
