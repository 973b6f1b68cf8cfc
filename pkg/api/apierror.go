// Package api — RFC 7807 Problem Detail error responses and the HTTP
// surface of the change-review pipeline.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/voidsync/voidsync/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// RequestID links the response to the server log line.
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://voidsync.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteErrorR writes an RFC 7807 response enriched with request
// context (request id, instance from the request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:      fmt.Sprintf("https://voidsync.dev/errors/%d", status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteDomainError maps a pipeline error to its transport status.
//
//	InvalidInput               -> 400
//	AgentInactive, Forbidden,
//	Locked                     -> 403
//	AgentUnknown, NotFound     -> 404
//	InvalidTransition, Drifted,
//	Conflict                   -> 409
//	PluginRejected             -> 422
//	RateLimited                -> 429
//	everything else            -> 500
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, contracts.ErrInvalidInput):
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid Input", err.Error())
	case errors.Is(err, contracts.ErrAgentInactive):
		WriteErrorR(w, r, http.StatusForbidden, "Agent Inactive", err.Error())
	case errors.Is(err, contracts.ErrForbidden):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, contracts.ErrLocked):
		WriteErrorR(w, r, http.StatusForbidden, "Path Locked", err.Error())
	case errors.Is(err, contracts.ErrAgentUnknown):
		WriteErrorR(w, r, http.StatusNotFound, "Agent Unknown", err.Error())
	case errors.Is(err, contracts.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, contracts.ErrInvalidTransition):
		WriteErrorR(w, r, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, contracts.ErrDrifted):
		WriteErrorR(w, r, http.StatusConflict, "Drifted", err.Error())
	case errors.Is(err, contracts.ErrConflict):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, contracts.ErrPluginRejected):
		writePluginRejected(w, r, err)
	case errors.Is(err, contracts.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		WriteErrorR(w, r, http.StatusTooManyRequests, "Rate Limited", err.Error())
	default:
		// Internal causes are logged, never exposed.
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
	}
}

// pluginProblem extends the problem body with per-plugin failures.
type pluginProblem struct {
	ProblemDetail
	Failures []contracts.PluginFailure `json:"failures,omitempty"`
	Warnings []string                  `json:"warnings,omitempty"`
}

func writePluginRejected(w http.ResponseWriter, r *http.Request, err error) {
	problem := pluginProblem{
		ProblemDetail: ProblemDetail{
			Type:      fmt.Sprintf("https://voidsync.dev/errors/%d", http.StatusUnprocessableEntity),
			Title:     "Plugin Rejected",
			Status:    http.StatusUnprocessableEntity,
			Detail:    err.Error(),
			Instance:  r.URL.Path,
			RequestID: w.Header().Get("X-Request-ID"),
		},
	}
	var perr *contracts.PipelineError
	if errors.As(err, &perr) {
		problem.Failures = perr.Failures
		problem.Warnings = perr.Warnings
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(problem)
}
