// Package contracts defines the shared data model of the VoidSync
// change-review pipeline: agents, changes, locks, rate counters,
// fingerprints, audit records, and the event envelopes pushed to
// observers. All pipeline packages speak these types; none of them
// owns a private copy.
package contracts

import "time"

// AgentType categorizes an agent's role in the pipeline.
type AgentType string

const (
	AgentEditor   AgentType = "editor"
	AgentReviewer AgentType = "reviewer"
	AgentOther    AgentType = "other"
)

// AgentStatus is the liveness gate for submissions.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is an external actor that proposes file changes.
// Identity is immutable; status and metadata are mutable.
type Agent struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AgentType     `json:"type"`
	Status    AgentStatus   `json:"status"`
	Metadata  AgentMetadata `json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// AgentMetadata carries the per-agent permission policy.
//
// CanEdit entries are regular expressions matched against the
// normalized workspace-relative path. An empty list means no path
// restriction. Shell-glob entries (e.g. "*.js") are rejected at
// registration; the policy dialect is regex only.
type AgentMetadata struct {
	CanEdit []string `json:"can_edit,omitempty"`
	// CanComment is informational: no commenting surface exists yet,
	// the flag is stored for clients that render one.
	CanComment bool `json:"can_comment,omitempty"`
	// MaxChangesDay caps accepted submissions per UTC day, on top of
	// the windowed rate limit. Zero means uncapped.
	MaxChangesDay int `json:"max_changes_per_day,omitempty"`
}

// Active reports whether the agent may currently submit.
func (a *Agent) Active() bool {
	return a.Status == AgentActive
}
