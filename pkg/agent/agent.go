// Package agent is the registry of actors allowed to submit changes.
// Registration is idempotent on the agent id; permissions are regex
// path allowlists evaluated per submission.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/store"
)

// Registry manages agents on top of the store.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	clock  func() time.Time
}

// New builds a registry. A nil logger falls back to slog.Default.
func New(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, logger: logger, clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register creates an agent, or returns the existing one when the id
// is already taken: re-registration is idempotent, not an error. The
// permission allowlist is validated up front so a broken policy fails
// loudly at registration instead of silently at submission.
func (r *Registry) Register(ctx context.Context, id, name string, typ contracts.AgentType, meta contracts.AgentMetadata) (*contracts.Agent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: agent id is required", contracts.ErrInvalidInput)
	}
	if name == "" {
		name = id
	}
	switch typ {
	case contracts.AgentEditor, contracts.AgentReviewer, contracts.AgentOther:
	case "":
		typ = contracts.AgentOther
	default:
		return nil, fmt.Errorf("%w: unknown agent type %q", contracts.ErrInvalidInput, typ)
	}
	if err := validateCanEdit(meta.CanEdit); err != nil {
		return nil, err
	}

	now := r.clock().UTC()
	a := &contracts.Agent{
		ID:        id,
		Name:      name,
		Type:      typ,
		Status:    contracts.AgentActive,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.store.CreateAgent(ctx, a)
	if err == nil {
		r.logger.Info("agent registered", "agent_id", id, "type", typ)
		return a, nil
	}
	if isConflict(err) {
		existing, getErr := r.store.GetAgent(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, nil
	}
	return nil, err
}

// Get returns the agent or ErrAgentUnknown.
func (r *Registry) Get(ctx context.Context, id string) (*contracts.Agent, error) {
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", contracts.ErrAgentUnknown, id)
		}
		return nil, err
	}
	return a, nil
}

// List returns all registered agents.
func (r *Registry) List(ctx context.Context) ([]*contracts.Agent, error) {
	return r.store.ListAgents(ctx)
}

// SetStatus activates or deactivates an agent.
func (r *Registry) SetStatus(ctx context.Context, id string, status contracts.AgentStatus) (*contracts.Agent, error) {
	if status != contracts.AgentActive && status != contracts.AgentInactive {
		return nil, fmt.Errorf("%w: unknown agent status %q", contracts.ErrInvalidInput, status)
	}
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == status {
		return a, nil
	}
	a.Status = status
	a.UpdatedAt = r.clock().UTC()
	if err := r.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	r.logger.Info("agent status changed", "agent_id", id, "status", status)
	return a, nil
}

// UpdateMetadata replaces an agent's permission policy.
func (r *Registry) UpdateMetadata(ctx context.Context, id string, meta contracts.AgentMetadata) (*contracts.Agent, error) {
	if err := validateCanEdit(meta.CanEdit); err != nil {
		return nil, err
	}
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Metadata = meta
	a.UpdatedAt = r.clock().UTC()
	if err := r.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CanEdit reports whether the agent may touch the given normalized
// path: the agent must be active and the path must match its
// allowlist. An empty allowlist is unrestricted. A stored pattern that
// no longer compiles is skipped, not treated as match-all.
func (r *Registry) CanEdit(a *contracts.Agent, path string) bool {
	if !a.Active() {
		return false
	}
	if len(a.Metadata.CanEdit) == 0 {
		return true
	}
	for _, pat := range a.Metadata.CanEdit {
		re, err := regexp.Compile(pat)
		if err != nil {
			r.logger.Warn("skipping invalid permission pattern", "agent_id", a.ID, "pattern", pat, "error", err)
			continue
		}
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// validateCanEdit rejects allowlists that are not valid regex, and
// catches the classic shell-glob slip ("*.js") where the leading star
// has nothing to repeat in most dialects but silently compiles in
// others.
func validateCanEdit(patterns []string) error {
	for _, pat := range patterns {
		if strings.HasPrefix(pat, "*") || strings.Contains(pat, "/*") {
			return fmt.Errorf("%w: permission pattern %q looks like a shell glob; use a regular expression (e.g. %q)", contracts.ErrInvalidInput, pat, globToRegexHint(pat))
		}
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("%w: permission pattern %q: %v", contracts.ErrInvalidInput, pat, err)
		}
	}
	return nil
}

func globToRegexHint(glob string) string {
	hint := strings.ReplaceAll(glob, ".", `\.`)
	hint = strings.ReplaceAll(hint, "*", ".*")
	return hint + "$"
}

func isConflict(err error) bool { return errors.Is(err, contracts.ErrConflict) }
func isNotFound(err error) bool { return errors.Is(err, contracts.ErrNotFound) }
