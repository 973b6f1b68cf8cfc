package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidsync/voidsync/pkg/agent"
	"github.com/voidsync/voidsync/pkg/audit"
	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/events"
	"github.com/voidsync/voidsync/pkg/fingerprint"
	"github.com/voidsync/voidsync/pkg/locks"
	"github.com/voidsync/voidsync/pkg/plugin"
	"github.com/voidsync/voidsync/pkg/ratelimit"
	"github.com/voidsync/voidsync/pkg/sandbox"
	"github.com/voidsync/voidsync/pkg/store"
	"github.com/voidsync/voidsync/pkg/syncmgr"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fs := afero.NewMemMapFs()
	bus := events.NewBus(16, nil)
	t.Cleanup(bus.Close)

	agents := agent.New(st, nil)
	lockReg := locks.New(st, nil)
	pipeline := plugin.NewPipeline(time.Second, nil)
	require.NoError(t, pipeline.Register(plugin.NewSyntaxValidator()))

	manager := syncmgr.New(syncmgr.Deps{
		Store:        st,
		Agents:       agents,
		Locks:        lockReg,
		Limiter:      ratelimit.New(ratelimit.Config{Window: time.Hour, MaxRequests: 100}, ratelimit.NewStoreMirror(st), nil),
		Pipeline:     pipeline,
		Workspace:    sandbox.New(fs, "project", "sandbox"),
		Fingerprints: fingerprint.New(st, fs, "project"),
		Trail:        audit.New(st, nil),
		Bus:          bus,
	})

	srv := NewServer(manager, agents, lockReg, nil, nil)
	return srv.Handler("/ws", nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	} else {
		buf.WriteString("{}")
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerAgent(t *testing.T, h http.Handler, id string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/agents", map[string]any{
		"id": id, "name": id, "type": "editor",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func submit(t *testing.T, h http.Handler, agentID, path, content string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, h, http.MethodPost, "/api/v1/changes", map[string]any{
		"agent_id": agentID, "path": path, "content": content,
	})
}

func TestSubmitCreatesChange(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	rec := submit(t, h, "a1", "src/app.js", "console.log(1)\n")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ChangeID int64  `json:"change_id"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotZero(t, resp.ChangeID)
	assert.Equal(t, "pending", resp.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitUnknownAgentIs404(t *testing.T) {
	h := newTestHandler(t)

	rec := submit(t, h, "ghost", "f.txt", "x")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Agent Unknown", problem.Title)
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, "/api/v1/changes", problem.Instance)
}

func TestSubmitInvalidPathIs400(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	rec := submit(t, h, "a1", "../escape.txt", "x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitMalformedBodyIs400(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/changes", bytes.NewBufferString(`{"agent_id": }`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitPluginRejectionIs422WithFailures(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	rec := submit(t, h, "a1", "bad.json", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var problem struct {
		ProblemDetail
		Failures []contracts.PluginFailure `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Plugin Rejected", problem.Title)
	require.Len(t, problem.Failures, 1)
	assert.Equal(t, "syntax-validator", problem.Failures[0].PluginID)
}

func TestChangeLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	rec := submit(t, h, "a1", "notes.txt", "hello\n")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ChangeID int64 `json:"change_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Get exposes the record plus a diff summary.
	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/changes/%d", created.ChangeID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Status  string `json:"status"`
		Summary *struct {
			AddedLines int `json:"added_lines"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pending", view.Status)
	require.NotNil(t, view.Summary)
	assert.Equal(t, 1, view.Summary.AddedLines)

	// Approve promotes and flips the status.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/changes/%d/approve", created.ChangeID),
		map[string]string{"approved_by": "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "approved", view.Status)

	// A second approval is an invalid transition.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/changes/%d/approve", created.ChangeID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The audit trail shows both actions.
	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/changes/%d/audit", created.ChangeID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail struct {
		Records []contracts.AuditRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.Len(t, trail.Records, 2)
	assert.Equal(t, contracts.AuditSubmitted, trail.Records[0].Action)
	assert.Equal(t, contracts.AuditApproved, trail.Records[1].Action)
}

func TestRejectOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	rec := submit(t, h, "a1", "f.txt", "v1\n")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ChangeID int64 `json:"change_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/changes/%d/reject", created.ChangeID),
		map[string]string{"rejected_by": "admin", "reason": "not needed"})
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "rejected", view.Status)
	assert.Equal(t, "not needed", view.Reason)
}

func TestListChangesFilterAndPagination(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")
	registerAgent(t, h, "a2")

	for i := 0; i < 3; i++ {
		rec := submit(t, h, "a1", fmt.Sprintf("f%d.txt", i), "x\n")
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := submit(t, h, "a2", "other.txt", "y\n")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/changes?agent_id=a1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Changes []json.RawMessage `json:"changes"`
		Total   int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Changes, 2)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/changes?from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockBlocksSubmissionOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/locks", map[string]string{"path": "frozen.txt"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var lock contracts.Lock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lock))

	rec = submit(t, h, "a1", "frozen.txt", "x\n")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, fmt.Sprintf("/api/v1/locks/%d", lock.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = submit(t, h, "a1", "frozen.txt", "x\n")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/locks/99999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentAdminEndpoints(t *testing.T) {
	h := newTestHandler(t)
	registerAgent(t, h, "a1")

	rec := doJSON(t, h, http.MethodGet, "/api/v1/agents/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var a contracts.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, contracts.AgentActive, a.Status)

	rec = doJSON(t, h, http.MethodPut, "/api/v1/agents/a1/status", map[string]string{"status": "inactive"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Inactive agents are refused at submission.
	rec = submit(t, h, "a1", "f.txt", "x\n")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []contracts.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Agents, 1)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGlobalRateLimiterReturns429(t *testing.T) {
	h := newTestHandler(t)
	limited := NewGlobalRateLimiter(1, 1).Middleware(h)

	first := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	second := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	second.RemoteAddr = "10.0.0.1:1234"
	rec = httptest.NewRecorder()
	limited.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
