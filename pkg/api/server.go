package api

import (
	"log/slog"
	"net/http"

	"github.com/voidsync/voidsync/pkg/agent"
	"github.com/voidsync/voidsync/pkg/locks"
	"github.com/voidsync/voidsync/pkg/push"
	"github.com/voidsync/voidsync/pkg/syncmgr"
)

// Server is the HTTP surface: change submission and review, lock and
// agent administration, the audit export, and the websocket push
// endpoint.
type Server struct {
	changes *syncmgr.Manager
	agents  *agent.Registry
	locks   *locks.Registry
	hub     *push.Hub
	logger  *slog.Logger
}

// NewServer wires the HTTP layer.
func NewServer(changes *syncmgr.Manager, agents *agent.Registry, lockReg *locks.Registry, hub *push.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{changes: changes, agents: agents, locks: lockReg, hub: hub, logger: logger}
}

// Handler builds the routed handler with middleware applied. pushPath
// is where the websocket endpoint is mounted.
func (s *Server) Handler(pushPath string, limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/changes", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/changes", s.handleListChanges)
	mux.HandleFunc("GET /api/v1/changes/{id}", s.handleGetChange)
	mux.HandleFunc("POST /api/v1/changes/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/changes/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /api/v1/changes/{id}/audit", s.handleAuditTrail)

	mux.HandleFunc("POST /api/v1/locks", s.handleCreateLock)
	mux.HandleFunc("GET /api/v1/locks", s.handleListLocks)
	mux.HandleFunc("DELETE /api/v1/locks/{id}", s.handleDeleteLock)

	mux.HandleFunc("POST /api/v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/v1/agents/{id}/status", s.handleAgentStatus)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.hub != nil {
		mux.Handle("GET "+pushPath, s.hub)
	}

	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = WithLogging(s.logger, h)
	h = WithRequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
