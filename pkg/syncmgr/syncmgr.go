// Package syncmgr orchestrates the change lifecycle: submission
// through the precondition gauntlet, operator approval through sandbox
// staging and promotion, and rejection. It is the only writer of
// change records and the only publisher on the changes channel.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voidsync/voidsync/pkg/agent"
	"github.com/voidsync/voidsync/pkg/audit"
	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/diff"
	"github.com/voidsync/voidsync/pkg/events"
	"github.com/voidsync/voidsync/pkg/fingerprint"
	"github.com/voidsync/voidsync/pkg/locks"
	"github.com/voidsync/voidsync/pkg/observability"
	"github.com/voidsync/voidsync/pkg/plugin"
	"github.com/voidsync/voidsync/pkg/ratelimit"
	"github.com/voidsync/voidsync/pkg/sandbox"
	"github.com/voidsync/voidsync/pkg/store"
)

// Operation deadlines. Submissions are cheap; approvals touch the
// filesystem twice and run the during-sync pipeline.
const (
	SubmitTimeout  = 30 * time.Second
	ApproveTimeout = 60 * time.Second
)

// Manager drives changes through their lifecycle.
type Manager struct {
	store        store.Store
	agents       *agent.Registry
	locks        *locks.Registry
	limiter      *ratelimit.Limiter
	pipeline     *plugin.Pipeline
	workspace    *sandbox.Workspace
	fingerprints *fingerprint.Tracker
	trail        *audit.Trail
	bus          *events.Bus
	metrics      *observability.Provider
	logger       *slog.Logger
	clock        func() time.Time
	contextLines int

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

// Deps collects the manager's collaborators. All fields except Metrics
// and Logger are required.
type Deps struct {
	Store        store.Store
	Agents       *agent.Registry
	Locks        *locks.Registry
	Limiter      *ratelimit.Limiter
	Pipeline     *plugin.Pipeline
	Workspace    *sandbox.Workspace
	Fingerprints *fingerprint.Tracker
	Trail        *audit.Trail
	Bus          *events.Bus
	Metrics      *observability.Provider
	Logger       *slog.Logger
	ContextLines int
}

// New wires a manager.
func New(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ContextLines <= 0 {
		d.ContextLines = diff.DefaultContextLines
	}
	return &Manager{
		store:        d.Store,
		agents:       d.Agents,
		locks:        d.Locks,
		limiter:      d.Limiter,
		pipeline:     d.Pipeline,
		workspace:    d.Workspace,
		fingerprints: d.Fingerprints,
		trail:        d.Trail,
		bus:          d.Bus,
		metrics:      d.Metrics,
		logger:       d.Logger,
		clock:        time.Now,
		contextLines: d.ContextLines,
		pathLocks:    make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the time source. Test hook.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Submit runs the precondition chain over a proposed change and, when
// it passes, records a pending change. The first failing precondition
// short-circuits; its error names the gate that refused.
func (m *Manager) Submit(ctx context.Context, agentID, path, content string) (*contracts.Change, error) {
	ctx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	defer cancel()

	// 1. Path shape and content size.
	normalized, err := locks.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if err := sandbox.CheckSize(content); err != nil {
		return nil, err
	}

	// 2. Agent exists and is active.
	a, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return nil, fmt.Errorf("%w: %s", contracts.ErrAgentInactive, agentID)
	}

	// 3. Rate limit: track the attempt first, then check. A refused
	// submission still counts against the window.
	m.limiter.Track(ctx, agentID)
	if m.limiter.IsLimited(ctx, agentID) {
		return nil, fmt.Errorf("%w: agent %s", contracts.ErrRateLimited, agentID)
	}
	if max := a.Metadata.MaxChangesDay; max > 0 {
		dayStart := m.clock().UTC().Truncate(24 * time.Hour)
		_, accepted, err := m.store.ListChanges(ctx, store.ChangeFilter{AgentID: agentID, From: dayStart})
		if err != nil {
			return nil, err
		}
		if accepted >= max {
			return nil, fmt.Errorf("%w: agent %s reached its daily cap of %d changes", contracts.ErrRateLimited, agentID, max)
		}
	}

	// 4. Permission policy.
	if !m.agents.CanEdit(a, normalized) {
		return nil, fmt.Errorf("%w: agent %s may not edit %s", contracts.ErrForbidden, agentID, normalized)
	}

	// 5. Locks.
	if lk, err := m.locks.Check(ctx, normalized, content); err != nil {
		return nil, err
	} else if lk != nil {
		return nil, fmt.Errorf("%w: %s (lock %d)", contracts.ErrLocked, normalized, lk.ID)
	}

	// 6. Pre-sync pipeline.
	original, err := m.workspace.ReadProduction(normalized)
	if err != nil {
		return nil, err
	}
	outcome := m.pipeline.Run(ctx, plugin.StagePreSync, plugin.Context{
		Path:     normalized,
		Content:  content,
		Original: original,
		AgentID:  agentID,
	})
	if err := outcome.Err(plugin.StagePreSync); err != nil {
		m.recordMetricRejection(ctx, agentID, "pipeline")
		return nil, err
	}
	content = outcome.Content

	baseHash := fingerprint.Hash([]byte(original))
	now := m.clock().UTC()
	change := &contracts.Change{
		AgentID:  agentID,
		Path:     normalized,
		Diff:     diff.Create(normalized, original, content, m.contextLines),
		Original: original,
		Status:   contracts.ChangePending,
		Metadata: map[string]any{
			contracts.MetaBaseHash:  baseHash,
			contracts.MetaSubmitter: agentID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(outcome.Warnings) > 0 {
		change.Metadata[contracts.MetaWarnings] = outcome.Warnings
	}
	id, err := m.store.CreateChange(ctx, change)
	if err != nil {
		return nil, err
	}
	change.ID = id

	m.auditRecord(ctx, id, agentID, contracts.AuditSubmitted, map[string]any{
		"path":      normalized,
		"base_hash": baseHash,
	})
	if m.metrics != nil {
		m.metrics.RecordSubmission(ctx, agentID)
	}
	m.logger.Info("change submitted", "change_id", id, "agent_id", agentID, "path", normalized)
	m.publishPending(ctx)
	return change, nil
}

// Approve stages the change in the sandbox, re-validates it, and
// promotes it into production. Approvals for the same path are
// serialized; different paths proceed in parallel.
//
// A drifted production file fails the approval with ErrDrifted and the
// change stays pending. A during-sync pipeline failure or a filesystem
// error during staging rejects the change and rolls back the sandbox.
func (m *Manager) Approve(ctx context.Context, id int64, approvedBy string) (*contracts.Change, error) {
	ctx, cancel := context.WithTimeout(ctx, ApproveTimeout)
	defer cancel()

	change, err := m.store.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if change.Status != contracts.ChangePending {
		return nil, fmt.Errorf("%w: change %d is %s", contracts.ErrInvalidTransition, id, change.Status)
	}

	unlock := m.lockPath(change.Path)
	defer unlock()

	// Re-read under the lock: a concurrent approval of the same change
	// may have committed while we waited, and the loser must fail on
	// the transition, not at the drift gate.
	change, err = m.store.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if change.Status != contracts.ChangePending {
		return nil, fmt.Errorf("%w: change %d is %s", contracts.ErrInvalidTransition, id, change.Status)
	}

	// Drift gate: production must still match the submit-time base.
	currentHash, err := m.fingerprints.CurrentHash(change.Path)
	if err != nil {
		return nil, err
	}
	if base, ok := change.Metadata[contracts.MetaBaseHash].(string); ok && base != currentHash {
		m.auditRecord(ctx, id, approvedBy, contracts.AuditDrifted, map[string]any{
			"path":         change.Path,
			"base_hash":    base,
			"current_hash": currentHash,
		})
		if m.metrics != nil {
			m.metrics.RecordDrift(ctx, change.Path)
		}
		return nil, fmt.Errorf("%w: %s changed outside the pipeline", contracts.ErrDrifted, change.Path)
	}

	// Stage: apply the stored diff over the staged copy when a prior
	// approval in this session left one, over production otherwise.
	base, err := m.workspace.ReadStaged(change.Path)
	if err != nil {
		return nil, err
	}
	if base == "" {
		base, err = m.workspace.ReadProduction(change.Path)
		if err != nil {
			return nil, err
		}
	}
	applied, err := diff.Apply(change.Diff, base)
	if err != nil {
		// The diff no longer applies: content moved under us. Same
		// operator story as a fingerprint mismatch.
		m.auditRecord(ctx, id, approvedBy, contracts.AuditDrifted, map[string]any{
			"path":  change.Path,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: diff does not apply to %s: %v", contracts.ErrDrifted, change.Path, err)
	}
	if err := m.workspace.Stage(change.Path, applied); err != nil {
		return m.rejectForFailure(ctx, change, approvedBy, "staging failed: "+err.Error())
	}

	outcome := m.pipeline.Run(ctx, plugin.StageDuringSync, plugin.Context{
		Path:     change.Path,
		Content:  applied,
		Original: change.Original,
		AgentID:  change.AgentID,
	})
	if perr := outcome.Err(plugin.StageDuringSync); perr != nil {
		if rbErr := m.workspace.Rollback(change.Path); rbErr != nil {
			m.logger.Error("sandbox rollback failed", "change_id", id, "path", change.Path, "error", rbErr)
		}
		return m.rejectForFailure(ctx, change, approvedBy, perr.Error())
	}
	if outcome.Content != applied {
		if err := m.workspace.Stage(change.Path, outcome.Content); err != nil {
			return m.rejectForFailure(ctx, change, approvedBy, "restaging failed: "+err.Error())
		}
		applied = outcome.Content
	}

	// Commit: sandbox -> production, then the new fingerprint.
	if err := m.workspace.Promote(change.Path); err != nil {
		if rbErr := m.workspace.Rollback(change.Path); rbErr != nil {
			m.logger.Error("sandbox rollback failed", "change_id", id, "path", change.Path, "error", rbErr)
		}
		return m.rejectForFailure(ctx, change, approvedBy, "promotion failed: "+err.Error())
	}
	if err := m.fingerprints.Save(ctx, change.Path, fingerprint.Hash([]byte(applied))); err != nil {
		m.logger.Error("fingerprint save failed", "change_id", id, "path", change.Path, "error", err)
	}

	status := contracts.ChangeApproved
	updated, err := m.store.UpdateChange(ctx, id, store.ChangePatch{
		Status:     &status,
		ApprovedBy: &approvedBy,
	})
	if err != nil {
		return nil, err
	}

	m.auditRecord(ctx, id, approvedBy, contracts.AuditApproved, map[string]any{"path": change.Path})
	if m.metrics != nil {
		m.metrics.RecordApproval(ctx, change.AgentID)
	}
	m.logger.Info("change approved", "change_id", id, "path", change.Path, "approved_by", approvedBy)
	m.publishStatus(ctx, id, contracts.ChangeApproved, "")
	m.publishPending(ctx)
	return updated, nil
}

// Reject marks a pending change rejected. No filesystem mutation.
func (m *Manager) Reject(ctx context.Context, id int64, rejectedBy, reason string) (*contracts.Change, error) {
	change, err := m.store.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if change.Status != contracts.ChangePending {
		return nil, fmt.Errorf("%w: change %d is %s", contracts.ErrInvalidTransition, id, change.Status)
	}

	status := contracts.ChangeRejected
	updated, err := m.store.UpdateChange(ctx, id, store.ChangePatch{
		Status: &status,
		Reason: &reason,
	})
	if err != nil {
		return nil, err
	}

	m.auditRecord(ctx, id, rejectedBy, contracts.AuditRejected, map[string]any{"reason": reason})
	m.recordMetricRejection(ctx, change.AgentID, "operator")
	m.logger.Info("change rejected", "change_id", id, "rejected_by", rejectedBy, "reason", reason)
	m.publishStatus(ctx, id, contracts.ChangeRejected, reason)
	m.publishPending(ctx)
	return updated, nil
}

// Get returns one change.
func (m *Manager) Get(ctx context.Context, id int64) (*contracts.Change, error) {
	return m.store.GetChange(ctx, id)
}

// List passes the filter through to the store.
func (m *Manager) List(ctx context.Context, f store.ChangeFilter) ([]*contracts.Change, int, error) {
	return m.store.ListChanges(ctx, f)
}

// AuditTrail returns a change's audit records.
func (m *Manager) AuditTrail(ctx context.Context, id int64) ([]*contracts.AuditRecord, error) {
	if _, err := m.store.GetChange(ctx, id); err != nil {
		return nil, err
	}
	return m.trail.List(ctx, id)
}

// rejectForFailure flips a change to rejected after a staging or
// pipeline failure during approval, recording the cause.
func (m *Manager) rejectForFailure(ctx context.Context, change *contracts.Change, actor, reason string) (*contracts.Change, error) {
	status := contracts.ChangeRejected
	updated, err := m.store.UpdateChange(ctx, change.ID, store.ChangePatch{
		Status:   &status,
		Reason:   &reason,
		Metadata: map[string]any{"failure": reason},
	})
	if err != nil {
		m.logger.Error("failed to mark change rejected", "change_id", change.ID, "error", err)
		return nil, err
	}
	m.auditRecord(ctx, change.ID, actor, contracts.AuditRejected, map[string]any{"reason": reason})
	m.recordMetricRejection(ctx, change.AgentID, "pipeline")
	m.logger.Warn("change rejected during approval", "change_id", change.ID, "reason", reason)
	m.publishStatus(ctx, change.ID, contracts.ChangeRejected, reason)
	m.publishPending(ctx)
	return updated, fmt.Errorf("%w: %s", contracts.ErrPluginRejected, reason)
}

// lockPath serializes approvals per path. Mutexes are never evicted:
// the map is bounded by the number of distinct paths ever approved,
// a few dozen bytes each.
func (m *Manager) lockPath(path string) func() {
	m.mu.Lock()
	pl, ok := m.pathLocks[path]
	if !ok {
		pl = &sync.Mutex{}
		m.pathLocks[path] = pl
	}
	m.mu.Unlock()
	pl.Lock()
	return pl.Unlock
}

func (m *Manager) auditRecord(ctx context.Context, id int64, actor, action string, detail map[string]any) {
	if m.trail == nil {
		return
	}
	if err := m.trail.Record(ctx, id, actor, action, detail); err != nil {
		m.logger.Error("audit record failed", "change_id", id, "action", action, "error", err)
	}
}

func (m *Manager) recordMetricRejection(ctx context.Context, agentID, source string) {
	if m.metrics != nil {
		m.metrics.RecordRejection(ctx, agentID, source)
	}
}

// publishPending pushes the current pending queue on the changes
// channel. Best effort; a listing failure is logged, not surfaced.
func (m *Manager) publishPending(ctx context.Context) {
	pending, _, err := m.store.ListChanges(ctx, store.ChangeFilter{Status: contracts.ChangePending})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("pending list for push failed", "error", err)
		}
		return
	}
	env, err := contracts.NewEnvelope(contracts.MsgChangesUpdated, contracts.ChangesUpdatedEvent{Changes: pending})
	if err != nil {
		m.logger.Error("envelope marshal failed", "error", err)
		return
	}
	m.bus.Publish(contracts.ChannelChanges, env)
	if m.metrics != nil {
		m.metrics.RecordPushEvent(ctx, contracts.MsgChangesUpdated)
	}
}

func (m *Manager) publishStatus(ctx context.Context, id int64, status contracts.ChangeStatus, reason string) {
	env, err := contracts.NewEnvelope(contracts.MsgChangeStatus, contracts.ChangeStatusEvent{
		ChangeID: id,
		Status:   status,
		Reason:   reason,
	})
	if err != nil {
		m.logger.Error("envelope marshal failed", "error", err)
		return
	}
	m.bus.Publish(contracts.ChannelChanges, env)
	if m.metrics != nil {
		m.metrics.RecordPushEvent(ctx, contracts.MsgChangeStatus)
	}
}
