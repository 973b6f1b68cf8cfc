package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/diff"
	"github.com/voidsync/voidsync/pkg/store"
)

const maxBodyBytes = 6 * 1024 * 1024 // content limit plus envelope

type submitRequest struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type submitResponse struct {
	ChangeID int64                  `json:"change_id"`
	Status   contracts.ChangeStatus `json:"status"`
	Warnings []string               `json:"warnings,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	change, err := s.changes.Submit(r.Context(), req.AgentID, req.Path, req.Content)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	resp := submitResponse{ChangeID: change.ID, Status: change.Status}
	if warns, ok := change.Metadata[contracts.MetaWarnings].([]string); ok {
		resp.Warnings = warns
	}
	writeJSON(w, http.StatusCreated, resp)
}

// changeView decorates a change record with its diff summary for list
// and get responses.
type changeView struct {
	*contracts.Change
	Summary *diff.Summary `json:"summary,omitempty"`
}

func viewOf(c *contracts.Change) changeView {
	v := changeView{Change: c}
	if modified, err := diff.Apply(c.Diff, c.Original); err == nil {
		sum := diff.Summarize(c.Original, modified)
		v.Summary = &sum
	}
	return v
}

type listResponse struct {
	Changes []changeView `json:"changes"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit,omitempty"`
	Offset  int          `json:"offset,omitempty"`
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ChangeFilter{
		Status:  contracts.ChangeStatus(q.Get("status")),
		AgentID: q.Get("agent_id"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Invalid Input", "from must be RFC 3339")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Invalid Input", "to must be RFC 3339")
			return
		}
		f.To = t
	}
	f.Limit = queryInt(q.Get("limit"), 50)
	f.Offset = queryInt(q.Get("offset"), 0)

	changes, total, err := s.changes.List(r.Context(), f)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	resp := listResponse{Changes: make([]changeView, 0, len(changes)), Total: total, Limit: f.Limit, Offset: f.Offset}
	for _, c := range changes {
		resp.Changes = append(resp.Changes, viewOf(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	change, err := s.changes.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(change))
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ApprovedBy == "" {
		req.ApprovedBy = "operator"
	}
	change, err := s.changes.Approve(r.Context(), id, req.ApprovedBy)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(change))
}

type rejectRequest struct {
	RejectedBy string `json:"rejected_by"`
	Reason     string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RejectedBy == "" {
		req.RejectedBy = "operator"
	}
	change, err := s.changes.Reject(r.Context(), id, req.RejectedBy, req.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(change))
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	records, err := s.changes.AuditTrail(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"change_id": id, "records": records})
}

type lockRequest struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern,omitempty"`
}

func (s *Server) handleCreateLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	lock, err := s.locks.Create(r.Context(), req.Path, req.Pattern)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	list, err := s.locks.List(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": list})
}

func (s *Server) handleDeleteLock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	released, err := s.locks.Release(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if !released {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", fmt.Sprintf("lock %d does not exist", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerAgentRequest struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Type     contracts.AgentType     `json:"type"`
	Metadata contracts.AgentMetadata `json:"metadata"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := s.agents.Register(r.Context(), req.ID, req.Name, req.Type, req.Metadata)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.agents.List(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type agentStatusRequest struct {
	Status contracts.AgentStatus `json:"status"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req agentStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := s.agents.SetStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid Input", "malformed request body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid Input", "id must be an integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
