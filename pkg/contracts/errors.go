package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy surfaced to callers. Internal causes may refine these
// via wrapping but never replace the taxon; the API boundary maps each
// taxon to a transport status code.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrAgentUnknown      = errors.New("agent unknown")
	ErrAgentInactive     = errors.New("agent inactive")
	ErrForbidden         = errors.New("forbidden")
	ErrLocked            = errors.New("locked")
	ErrRateLimited       = errors.New("rate limited")
	ErrPluginRejected    = errors.New("plugin rejected")
	ErrDrifted           = errors.New("drifted")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrStorage           = errors.New("storage error")
	ErrFilesystem        = errors.New("filesystem error")
	ErrInternal          = errors.New("internal error")
)

// PluginFailure is a single plugin's failure inside a pipeline run.
type PluginFailure struct {
	PluginID string `json:"plugin_id"`
	Message  string `json:"message"`
}

// PipelineError aggregates per-plugin failures and warnings from a
// pipeline run. It wraps ErrPluginRejected so callers can match the
// taxon with errors.Is while still reading individual messages.
type PipelineError struct {
	Stage    string          `json:"stage"`
	Failures []PluginFailure `json:"failures"`
	Warnings []string        `json:"warnings,omitempty"`
}

func (e *PipelineError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.PluginID, f.Message))
	}
	return fmt.Sprintf("plugin rejected at %s: %s", e.Stage, strings.Join(msgs, "; "))
}

func (e *PipelineError) Unwrap() error { return ErrPluginRejected }
