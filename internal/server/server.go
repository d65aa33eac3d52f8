package server

import (
	"net/http"

	"github.com/hivemux/hivemux/internal/api"
	"github.com/hivemux/hivemux/internal/hub"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/term"
	"github.com/hivemux/hivemux/internal/ws"
)

type Options struct {
	Manager     term.Manager
	Events      *hub.Hub
	Sessions    *store.Sessions
	Command     models.CommandStatus
	Agentd      bool
	DefaultRows uint16
	DefaultCols uint16
}

type Server struct {
	mux  *http.ServeMux
	opts Options
}

func New(opts Options) *Server {
	s := &Server{mux: http.NewServeMux(), opts: opts}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.opts.Manager, s.opts.Sessions, s.opts.Events,
		s.opts.DefaultRows, s.opts.DefaultCols)
	wsHandler := ws.NewHandler(s.opts.Manager, s.opts.Events)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessions.HandleCreate)
	s.mux.HandleFunc("POST /api/sessions/{id}/input", sessions.HandleInput)
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", sessions.HandleResize)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)

	// WebSocket
	s.mux.Handle("GET /ws/session/{id}", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status:  "ok",
		Command: s.opts.Command,
		Agentd:  s.opts.Agentd,
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
