// Package api exposes read-only plan state, a live event stream (SSE
// and websocket) and the two write operations an operator needs while a
// plan runs: stop-after-step and permission decisions.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/hochfrequenz/step-orchestrator/internal/approvals"
	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
)

// Store is the read surface the server needs.
type Store interface {
	ListPlans() ([]*domain.Plan, error)
	PlanState(id string) (*domain.PlanState, error)
}

// Approvals is the permission-decision surface.
type Approvals interface {
	Pending() ([]approvals.Request, error)
	Decide(id string, approved bool, note string) error
}

// Server is the HTTP API server.
type Server struct {
	store     Store
	approvals Approvals
	hub       *events.Hub
	stop      func()
	addr      string
	mux       *http.ServeMux
}

// NewServer creates an API server. stop is invoked on POST /api/stop
// and should request a stop-after-step on the running engine.
func NewServer(store Store, approvalSpool Approvals, hub *events.Hub, stop func(), addr string) *Server {
	s := &Server{
		store:     store,
		approvals: approvalSpool,
		hub:       hub,
		stop:      stop,
		addr:      addr,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/plans", s.listPlansHandler())
	s.mux.HandleFunc("/api/plans/", s.planStateHandler())
	s.mux.HandleFunc("/api/approvals", s.listApprovalsHandler())
	s.mux.HandleFunc("/api/approvals/", s.decideApprovalHandler())
	s.mux.HandleFunc("/api/stop", s.stopHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler returns the server's routing handler (tests).
func (s *Server) Handler() http.Handler { return s.mux }

// Start starts the HTTP server and blocks.
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
