// Package audit records the lifecycle of every change as an
// append-only trail. Each record carries a SHA-256 digest of its
// RFC 8785 canonical JSON body, so an exported trail can be verified
// without the server. Records are persisted in the store and optionally
// mirrored to a JSON-lines file.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/store"
)

// Trail appends and reads audit records.
type Trail struct {
	store  store.Store
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	mirror io.Writer
}

// New builds a trail over the store.
func New(st store.Store, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{store: st, logger: logger, clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// WithMirror also writes every record to w as one JSON line.
func (t *Trail) WithMirror(w io.Writer) *Trail {
	t.mirror = w
	return t
}

// Record appends an audit record for the change. The content hash is
// computed over the canonical form of the record with the hash field
// itself empty.
func (t *Trail) Record(ctx context.Context, changeID int64, actor, action string, detail map[string]any) error {
	rec := &contracts.AuditRecord{
		ID:        uuid.NewString(),
		ChangeID:  changeID,
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		Timestamp: t.clock().UTC(),
	}
	hash, err := ContentHash(rec)
	if err != nil {
		return fmt.Errorf("audit hash: %w", err)
	}
	rec.ContentHash = hash

	if err := t.store.AppendAudit(ctx, rec); err != nil {
		return err
	}
	if t.mirror != nil {
		t.mu.Lock()
		line, err := json.Marshal(rec)
		if err == nil {
			_, err = fmt.Fprintf(t.mirror, "%s\n", line)
		}
		t.mu.Unlock()
		if err != nil {
			t.logger.Warn("audit mirror write failed", "change_id", changeID, "error", err)
		}
	}
	t.logger.Info("audit recorded", "change_id", changeID, "actor", actor, "action", action)
	return nil
}

// List returns a change's trail in append order.
func (t *Trail) List(ctx context.Context, changeID int64) ([]*contracts.AuditRecord, error) {
	return t.store.ListAudit(ctx, changeID)
}

// ContentHash computes the canonical digest of a record, ignoring any
// hash already set on it.
func ContentHash(rec *contracts.AuditRecord) (string, error) {
	body := *rec
	body.ContentHash = ""
	raw, err := json.Marshal(&body)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes a record's digest and reports whether it matches.
func Verify(rec *contracts.AuditRecord) (bool, error) {
	want, err := ContentHash(rec)
	if err != nil {
		return false, err
	}
	return want == rec.ContentHash, nil
}
