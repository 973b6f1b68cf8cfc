package contracts

import "time"

// ChangeStatus is the lifecycle state of a change record.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
)

// Change is a proposal to replace the content of a single path,
// stored as a unified diff plus the captured original content.
//
// Exactly one status transition is permitted for a change:
// pending -> approved or pending -> rejected.
type Change struct {
	ID         int64          `json:"id"`
	AgentID    string         `json:"agent_id"`
	Path       string         `json:"path"`
	Diff       string         `json:"diff"`
	Original   string         `json:"original"`
	Status     ChangeStatus   `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Metadata keys written by the change manager. BaseHash is the
// production fingerprint captured at submit time and compared again at
// approve time for drift detection.
const (
	MetaBaseHash  = "base_hash"
	MetaSubmitter = "submitter"
	MetaWarnings  = "warnings"
)

// ValidTransition reports whether a status transition is admissible.
func ValidTransition(from, to ChangeStatus) bool {
	return from == ChangePending && (to == ChangeApproved || to == ChangeRejected)
}

// Terminal reports whether the status admits no further transitions.
func (s ChangeStatus) Terminal() bool {
	return s == ChangeApproved || s == ChangeRejected
}
