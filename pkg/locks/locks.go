// Package locks is the path and pattern lock registry, the "is this
// path writable?" oracle consulted before any change is accepted.
//
// Two lock kinds exist, fixed per lock:
//   - exact-path locks (no pattern) forbid all edits to their path;
//   - content-guard locks carry a regex that is matched against the
//     proposed new content of their path; only matching edits are
//     forbidden.
//
// The registry deliberately does not match patterns against paths;
// one semantics per lock kind, documented here and on contracts.Lock.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/store"
)

// MaxPathLength bounds normalized workspace paths.
const MaxPathLength = 500

// Registry answers lock checks and owns lock persistence.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a registry over the given store.
func New(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, logger: logger}
}

// NormalizePath canonicalizes a workspace-relative path: forward-slash
// separators, leading "./" stripped, no ".." segments, bounded length.
// Traversal and over-long paths are rejected at ingress.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", contracts.ErrInvalidInput)
	}
	n := strings.ReplaceAll(p, "\\", "/")
	n = strings.TrimPrefix(n, "./")
	n = strings.TrimPrefix(n, "/")
	if len(n) > MaxPathLength {
		return "", fmt.Errorf("%w: path exceeds %d characters", contracts.ErrInvalidInput, MaxPathLength)
	}
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path traversal in %q", contracts.ErrInvalidInput, p)
		}
	}
	if n == "" {
		return "", fmt.Errorf("%w: empty path", contracts.ErrInvalidInput)
	}
	return n, nil
}

// Check returns the first lock denying an edit of path with the
// proposed content, or nil when the edit is allowed. Exact-path locks
// are consulted first, then content guards in creation order.
func (r *Registry) Check(ctx context.Context, path, proposed string) (*contracts.Lock, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	all, err := r.store.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range all {
		if !l.ContentGuard() && l.Path == normalized {
			return l, nil
		}
	}
	for _, l := range all {
		if !l.ContentGuard() || l.Path != normalized {
			continue
		}
		re, err := regexp.Compile(l.Pattern)
		if err != nil {
			// Patterns are validated at creation; a bad stored pattern
			// means manual tampering. Skip it but leave a trace.
			r.logger.Warn("skipping lock with invalid pattern",
				"lock_id", l.ID, "pattern", l.Pattern, "error", err)
			continue
		}
		if re.MatchString(proposed) {
			return l, nil
		}
	}
	return nil, nil
}

// Create registers a lock. The pattern, when present, must be a valid
// regex. A second lock on the same path fails with ErrConflict.
func (r *Registry) Create(ctx context.Context, path, pattern string) (*contracts.Lock, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if pattern != "" {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid lock pattern: %v", contracts.ErrInvalidInput, err)
		}
	}
	l := &contracts.Lock{Path: normalized, Pattern: pattern}
	if _, err := r.store.CreateLock(ctx, l); err != nil {
		return nil, err
	}
	r.logger.Info("lock created", "lock_id", l.ID, "path", normalized, "content_guard", l.ContentGuard())
	return l, nil
}

// Release deletes a lock by id, reporting whether it existed.
func (r *Registry) Release(ctx context.Context, id int64) (bool, error) {
	err := r.store.DeleteLock(ctx, id)
	if err == nil {
		r.logger.Info("lock released", "lock_id", id)
		return true, nil
	}
	if errors.Is(err, contracts.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// List returns all locks in creation order.
func (r *Registry) List(ctx context.Context) ([]*contracts.Lock, error) {
	return r.store.ListLocks(ctx)
}
