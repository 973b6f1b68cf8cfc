// Package store is the persistent repository for the change-review
// pipeline: agents, changes, locks, rate counters, fingerprints, and
// the audit log. Every operation is atomic from the caller's
// perspective. Two backends are provided: SQLite (embedded, the
// default) and Postgres.
package store

import (
	"context"
	"time"

	"github.com/voidsync/voidsync/pkg/contracts"
)

// ChangeFilter narrows ListChanges. Zero values mean "no filter".
type ChangeFilter struct {
	Status  contracts.ChangeStatus
	AgentID string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// ChangePatch is a partial update applied by UpdateChange. Nil fields
// are left untouched. A Status patch is validated against the allowed
// transitions; any other transition fails with ErrInvalidTransition.
type ChangePatch struct {
	Status     *contracts.ChangeStatus
	ApprovedBy *string
	Reason     *string
	Metadata   map[string]any
}

// Store is the repository abstraction the pipeline speaks to.
//
// Error contract: ErrNotFound for missing entities, ErrConflict for
// unique-constraint violations (agent identity, lock path),
// ErrInvalidTransition for inadmissible status changes. Other failures
// wrap ErrStorage.
type Store interface {
	// Agents.
	CreateAgent(ctx context.Context, a *contracts.Agent) error
	GetAgent(ctx context.Context, id string) (*contracts.Agent, error)
	UpdateAgent(ctx context.Context, a *contracts.Agent) error
	ListAgents(ctx context.Context) ([]*contracts.Agent, error)

	// Changes. CreateChange assigns and returns the monotonic id.
	// UpdateChange sets updated_at and returns the updated record.
	CreateChange(ctx context.Context, c *contracts.Change) (int64, error)
	GetChange(ctx context.Context, id int64) (*contracts.Change, error)
	UpdateChange(ctx context.Context, id int64, patch ChangePatch) (*contracts.Change, error)
	ListChanges(ctx context.Context, f ChangeFilter) ([]*contracts.Change, int, error)

	// Locks.
	CreateLock(ctx context.Context, l *contracts.Lock) (int64, error)
	DeleteLock(ctx context.Context, id int64) error
	ListLocks(ctx context.Context) ([]*contracts.Lock, error)

	// Rate counters (upsert by agent id).
	SaveRateCounter(ctx context.Context, c *contracts.RateCounter) error
	GetRateCounter(ctx context.Context, agentID string) (*contracts.RateCounter, error)
	ListRateCounters(ctx context.Context) ([]*contracts.RateCounter, error)
	DeleteRateCounter(ctx context.Context, agentID string) error

	// Fingerprints (upsert by path).
	SaveFingerprint(ctx context.Context, fp *contracts.Fingerprint) error
	GetFingerprint(ctx context.Context, path string) (*contracts.Fingerprint, error)

	// Audit log (append-only).
	AppendAudit(ctx context.Context, rec *contracts.AuditRecord) error
	ListAudit(ctx context.Context, changeID int64) ([]*contracts.AuditRecord, error)

	Close() error
}
