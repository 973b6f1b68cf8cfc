package contracts

import "time"

// Lock prevents modification of a workspace path.
//
// Semantics (fixed, one kind per lock):
//   - Pattern == "": the lock forbids ALL edits to the exact path.
//   - Pattern != "": the lock is a content guard on its path — an edit
//     to Path is forbidden when the proposed new content matches the
//     regex. Edits whose content does not match proceed.
//
// Locks are created and deleted by operators; never mutated.
type Lock struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Pattern   string    `json:"pattern,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentGuard reports whether the lock matches on proposed content
// rather than blocking the path outright.
func (l *Lock) ContentGuard() bool {
	return l.Pattern != ""
}
