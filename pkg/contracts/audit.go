package contracts

import "time"

// AuditRecord is one entry of the append-only audit log. Records are
// keyed by change id; ContentHash is the SHA-256 of the JCS-canonical
// form of the record body, so exports can be verified offline.
type AuditRecord struct {
	ID          string         `json:"id"`
	ChangeID    int64          `json:"change_id"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	Detail      map[string]any `json:"detail,omitempty"`
	ContentHash string         `json:"content_hash"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Audit actions recorded by the change manager.
const (
	AuditSubmitted = "SUBMITTED"
	AuditApproved  = "APPROVED"
	AuditRejected  = "REJECTED"
	AuditDrifted   = "DRIFT_DETECTED"
)
