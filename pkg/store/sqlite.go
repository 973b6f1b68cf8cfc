package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voidsync/voidsync/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded default backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs the
// schema migration. Use ":memory:" for an in-memory store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", contracts.ErrStorage, err)
	}
	// modernc sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle (tests).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'other',
		status TEXT NOT NULL DEFAULT 'active',
		metadata JSON,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		path TEXT NOT NULL,
		diff TEXT NOT NULL DEFAULT '',
		original TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		metadata JSON,
		approved_by TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_changes_status ON changes(status);
	CREATE INDEX IF NOT EXISTS idx_changes_agent ON changes(agent_id);
	CREATE TABLE IF NOT EXISTS locks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		pattern TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rate_counters (
		agent_id TEXT PRIMARY KEY,
		request_count INTEGER NOT NULL DEFAULT 0,
		window_start TEXT NOT NULL,
		last_update TEXT NOT NULL,
		blocked_until TEXT,
		max_requests INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS fingerprints (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		modified_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		change_id INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		detail JSON,
		content_hash TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_change ON audit_log(change_id);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("%w: migrate: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// isUniqueViolation matches the modernc sqlite constraint error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// --- Agents ---

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *contracts.Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	metaJSON, _ := json.Marshal(a.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Type), string(a.Status), string(metaJSON),
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: agent %q exists", contracts.ErrConflict, a.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: create agent: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, status, metadata, created_at, updated_at FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *contracts.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	metaJSON, _ := json.Marshal(a.Metadata)
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, type = ?, status = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		a.Name, string(a.Type), string(a.Status), string(metaJSON),
		a.UpdatedAt.Format(time.RFC3339Nano), a.ID)
	if err != nil {
		return fmt.Errorf("%w: update agent: %v", contracts.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %q", contracts.ErrNotFound, a.ID)
	}
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*contracts.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, status, metadata, created_at, updated_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*contracts.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", contracts.ErrStorage, err)
	}
	return agents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*contracts.Agent, error) {
	var (
		a                    contracts.Agent
		typ, status          string
		metaJSON             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.Name, &typ, &status, &metaJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: agent", contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan agent: %v", contracts.ErrStorage, err)
	}
	a.Type = contracts.AgentType(typ)
	a.Status = contracts.AgentStatus(status)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &a.Metadata)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// --- Changes ---

func (s *SQLiteStore) CreateChange(ctx context.Context, c *contracts.Change) (int64, error) {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = contracts.ChangePending
	}
	metaJSON, _ := json.Marshal(c.Metadata)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO changes (agent_id, path, diff, original, status, metadata, approved_by, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.AgentID, c.Path, c.Diff, c.Original, string(c.Status), string(metaJSON),
		c.ApprovedBy, c.Reason,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("%w: create change: %v", contracts.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: change id: %v", contracts.ErrStorage, err)
	}
	c.ID = id
	return id, nil
}

func (s *SQLiteStore) GetChange(ctx context.Context, id int64) (*contracts.Change, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, path, diff, original, status, metadata, approved_by, reason, created_at, updated_at
		 FROM changes WHERE id = ?`, id)
	return scanChange(row)
}

func (s *SQLiteStore) UpdateChange(ctx context.Context, id int64, patch ChangePatch) (*contracts.Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, agent_id, path, diff, original, status, metadata, approved_by, reason, created_at, updated_at
		 FROM changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		if !contracts.ValidTransition(c.Status, *patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", contracts.ErrInvalidTransition, c.Status, *patch.Status)
		}
		c.Status = *patch.Status
	}
	if patch.ApprovedBy != nil {
		c.ApprovedBy = *patch.ApprovedBy
	}
	if patch.Reason != nil {
		c.Reason = *patch.Reason
	}
	if patch.Metadata != nil {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			c.Metadata[k] = v
		}
	}
	c.UpdatedAt = time.Now().UTC()

	metaJSON, _ := json.Marshal(c.Metadata)
	_, err = tx.ExecContext(ctx,
		`UPDATE changes SET status = ?, metadata = ?, approved_by = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(c.Status), string(metaJSON), c.ApprovedBy, c.Reason,
		c.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("%w: update change: %v", contracts.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", contracts.ErrStorage, err)
	}
	return c, nil
}

func (s *SQLiteStore) ListChanges(ctx context.Context, f ChangeFilter) ([]*contracts.Change, int, error) {
	where, args := changeWhere(f, "?")
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count changes: %v", contracts.ErrStorage, err)
	}

	query := `SELECT id, agent_id, path, diff, original, status, metadata, approved_by, reason, created_at, updated_at
	 FROM changes` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list changes: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var changes []*contracts.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, 0, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: list changes: %v", contracts.ErrStorage, err)
	}
	return changes, total, nil
}

// changeWhere builds the WHERE clause shared by list and count.
// placeholder is "?" for sqlite; postgres rewrites positionally.
func changeWhere(f ChangeFilter, placeholder string) (string, []any) {
	var conds []string
	var args []any
	next := func() string {
		if placeholder == "?" {
			return "?"
		}
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status = "+next())
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		conds = append(conds, "agent_id = "+next())
	}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
		conds = append(conds, "created_at >= "+next())
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
		conds = append(conds, "created_at <= "+next())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanChange(row rowScanner) (*contracts.Change, error) {
	var (
		c                            contracts.Change
		status                       string
		metaJSON, approvedBy, reason sql.NullString
		createdAt, updatedAt         string
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.Path, &c.Diff, &c.Original, &status,
		&metaJSON, &approvedBy, &reason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: change", contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan change: %v", contracts.ErrStorage, err)
	}
	c.Status = contracts.ChangeStatus(status)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &c.Metadata)
	}
	c.ApprovedBy = approvedBy.String
	c.Reason = reason.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// --- Locks ---

func (s *SQLiteStore) CreateLock(ctx context.Context, l *contracts.Lock) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (path, pattern, created_at) VALUES (?, ?, ?)`,
		l.Path, l.Pattern, l.CreatedAt.Format(time.RFC3339Nano))
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: path %q already locked", contracts.ErrConflict, l.Path)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: create lock: %v", contracts.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: lock id: %v", contracts.ErrStorage, err)
	}
	l.ID = id
	return id, nil
}

func (s *SQLiteStore) DeleteLock(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete lock: %v", contracts.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: lock %d", contracts.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) ListLocks(ctx context.Context) ([]*contracts.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, pattern, created_at FROM locks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list locks: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*contracts.Lock
	for rows.Next() {
		var (
			l         contracts.Lock
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.Path, &l.Pattern, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan lock: %v", contracts.ErrStorage, err)
		}
		l.CreatedAt = parseTime(createdAt)
		locks = append(locks, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list locks: %v", contracts.ErrStorage, err)
	}
	return locks, nil
}

// --- Rate counters ---

func (s *SQLiteStore) SaveRateCounter(ctx context.Context, c *contracts.RateCounter) error {
	var blocked any
	if c.BlockedUntil != nil {
		blocked = c.BlockedUntil.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_counters (agent_id, request_count, window_start, last_update, blocked_until, max_requests)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			request_count = excluded.request_count,
			window_start = excluded.window_start,
			last_update = excluded.last_update,
			blocked_until = excluded.blocked_until,
			max_requests = excluded.max_requests`,
		c.AgentID, c.RequestCount,
		c.WindowStart.UTC().Format(time.RFC3339Nano),
		c.LastUpdate.UTC().Format(time.RFC3339Nano),
		blocked, c.Limit)
	if err != nil {
		return fmt.Errorf("%w: save rate counter: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) GetRateCounter(ctx context.Context, agentID string) (*contracts.RateCounter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, request_count, window_start, last_update, blocked_until, max_requests
		 FROM rate_counters WHERE agent_id = ?`, agentID)
	return scanRateCounter(row)
}

func (s *SQLiteStore) ListRateCounters(ctx context.Context) ([]*contracts.RateCounter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, request_count, window_start, last_update, blocked_until, max_requests FROM rate_counters`)
	if err != nil {
		return nil, fmt.Errorf("%w: list rate counters: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var counters []*contracts.RateCounter
	for rows.Next() {
		c, err := scanRateCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list rate counters: %v", contracts.ErrStorage, err)
	}
	return counters, nil
}

func (s *SQLiteStore) DeleteRateCounter(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("%w: delete rate counter: %v", contracts.ErrStorage, err)
	}
	return nil
}

func scanRateCounter(row rowScanner) (*contracts.RateCounter, error) {
	var (
		c                       contracts.RateCounter
		windowStart, lastUpdate string
		blockedUntil            sql.NullString
	)
	err := row.Scan(&c.AgentID, &c.RequestCount, &windowStart, &lastUpdate, &blockedUntil, &c.Limit)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: rate counter", contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan rate counter: %v", contracts.ErrStorage, err)
	}
	c.WindowStart = parseTime(windowStart)
	c.LastUpdate = parseTime(lastUpdate)
	if blockedUntil.Valid && blockedUntil.String != "" {
		t := parseTime(blockedUntil.String)
		c.BlockedUntil = &t
	}
	return &c, nil
}

// --- Fingerprints ---

func (s *SQLiteStore) SaveFingerprint(ctx context.Context, fp *contracts.Fingerprint) error {
	if fp.ModifiedAt.IsZero() {
		fp.ModifiedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (path, hash, modified_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, modified_at = excluded.modified_at`,
		fp.Path, fp.Hash, fp.ModifiedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: save fingerprint: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) GetFingerprint(ctx context.Context, path string) (*contracts.Fingerprint, error) {
	var (
		fp         contracts.Fingerprint
		modifiedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, hash, modified_at FROM fingerprints WHERE path = ?`, path).
		Scan(&fp.Path, &fp.Hash, &modifiedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: fingerprint %q", contracts.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get fingerprint: %v", contracts.ErrStorage, err)
	}
	fp.ModifiedAt = parseTime(modifiedAt)
	return &fp, nil
}

// --- Audit ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, rec *contracts.AuditRecord) error {
	detailJSON, _ := json.Marshal(rec.Detail)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, change_id, actor, action, detail, content_hash, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChangeID, rec.Actor, rec.Action, string(detailJSON),
		rec.ContentHash, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: append audit: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, changeID int64) ([]*contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, change_id, actor, action, detail, content_hash, timestamp
		 FROM audit_log WHERE change_id = ? ORDER BY timestamp ASC`, changeID)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*contracts.AuditRecord
	for rows.Next() {
		var (
			rec        contracts.AuditRecord
			detailJSON sql.NullString
			ts         string
		)
		if err := rows.Scan(&rec.ID, &rec.ChangeID, &rec.Actor, &rec.Action, &detailJSON, &rec.ContentHash, &ts); err != nil {
			return nil, fmt.Errorf("%w: scan audit: %v", contracts.ErrStorage, err)
		}
		if detailJSON.Valid && detailJSON.String != "" {
			_ = json.Unmarshal([]byte(detailJSON.String), &rec.Detail)
		}
		rec.Timestamp = parseTime(ts)
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list audit: %v", contracts.ErrStorage, err)
	}
	return recs, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
