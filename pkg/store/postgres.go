package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/voidsync/voidsync/pkg/contracts"
)

// PostgresStore backs the pipeline with a relational server. Schemas
// mirror the SQLite backend; timestamps are native TIMESTAMPTZ.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and runs the migration.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", contracts.ErrStorage, err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating (tests).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'other',
		status TEXT NOT NULL DEFAULT 'active',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS changes (
		id BIGSERIAL PRIMARY KEY,
		agent_id TEXT NOT NULL,
		path TEXT NOT NULL,
		diff TEXT NOT NULL DEFAULT '',
		original TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		metadata JSONB,
		approved_by TEXT,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_changes_status ON changes(status);
	CREATE INDEX IF NOT EXISTS idx_changes_agent ON changes(agent_id);
	CREATE TABLE IF NOT EXISTS locks (
		id BIGSERIAL PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		pattern TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rate_counters (
		agent_id TEXT PRIMARY KEY,
		request_count INTEGER NOT NULL DEFAULT 0,
		window_start TIMESTAMPTZ NOT NULL,
		last_update TIMESTAMPTZ NOT NULL,
		blocked_until TIMESTAMPTZ,
		max_requests INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS fingerprints (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		modified_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		change_id BIGINT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		detail JSONB,
		content_hash TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_change ON audit_log(change_id);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("%w: migrate: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// isPgUnique matches the postgres unique_violation SQLSTATE.
func isPgUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- Agents ---

func (s *PostgresStore) CreateAgent(ctx context.Context, a *contracts.Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	metaJSON, _ := json.Marshal(a.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Name, string(a.Type), string(a.Status), metaJSON, a.CreatedAt, a.UpdatedAt)
	if isPgUnique(err) {
		return fmt.Errorf("%w: agent %q exists", contracts.ErrConflict, a.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: create agent: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, status, metadata, created_at, updated_at FROM agents WHERE id = $1`, id)
	return scanPgAgent(row)
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *contracts.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	metaJSON, _ := json.Marshal(a.Metadata)
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = $1, type = $2, status = $3, metadata = $4, updated_at = $5 WHERE id = $6`,
		a.Name, string(a.Type), string(a.Status), metaJSON, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("%w: update agent: %v", contracts.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %q", contracts.ErrNotFound, a.ID)
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*contracts.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, status, metadata, created_at, updated_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*contracts.Agent
	for rows.Next() {
		a, err := scanPgAgent(rows)
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

func scanPgAgent(row rowScanner) (*contracts.Agent, error) {
	var (
		a           contracts.Agent
		typ, status string
		metaJSON    []byte
	)
	err := row.Scan(&a.ID, &a.Name, &typ, &status, &metaJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: agent", contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan agent: %v", contracts.ErrStorage, err)
	}
	a.Type = contracts.AgentType(typ)
	a.Status = contracts.AgentStatus(status)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &a.Metadata)
	}
	return &a, nil
}

// --- Changes ---

func (s *PostgresStore) CreateChange(ctx context.Context, c *contracts.Change) (int64, error) {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = contracts.ChangePending
	}
	metaJSON, _ := json.Marshal(c.Metadata)
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO changes (agent_id, path, diff, original, status, metadata, approved_by, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		c.AgentID, c.Path, c.Diff, c.Original, string(c.Status), metaJSON,
		c.ApprovedBy, c.Reason, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: create change: %v", contracts.ErrStorage, err)
	}
	c.ID = id
	return id, nil
}

func (s *PostgresStore) GetChange(ctx context.Context, id int64) (*contracts.Change, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, path, diff, original, status, metadata, approved_by, reason, created_at, updated_at
		 FROM changes WHERE id = $1`, id)
	return scanPgChange(row)
}

func (s *PostgresStore) UpdateChange(ctx context.Context, id int64, patch ChangePatch) (*contracts.Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, agent_id, path, diff, original, status, metadata, approved_by, reason, created_at, updated_at
		 FROM changes WHERE id = $1 FOR UPDATE`, id)
	c, err := scanPgChange(row)
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
		`UPDATE changes SET status = $1, metadata = $2, approved_by = $3, reason = $4, updated_at = $5 WHERE id = $6`,
		string(c.Status), metaJSON, c.ApprovedBy, c.Reason, c.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("%w: update change: %v", contracts.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", contracts.ErrStorage, err)
	}
	return c, nil
}

func (s *PostgresStore) ListChanges(ctx context.Context, f ChangeFilter) ([]*contracts.Change, int, error) {
	where, args := changeWhere(f, "$")
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
		c, err := scanPgChange(rows)
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

func scanPgChange(row rowScanner) (*contracts.Change, error) {
	var (
		c                  contracts.Change
		status             string
		metaJSON           []byte
		approvedBy, reason sql.NullString
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.Path, &c.Diff, &c.Original, &status,
		&metaJSON, &approvedBy, &reason, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: change", contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan change: %v", contracts.ErrStorage, err)
	}
	c.Status = contracts.ChangeStatus(status)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &c.Metadata)
	}
	c.ApprovedBy = approvedBy.String
	c.Reason = reason.String
	return &c, nil
}

// --- Locks ---

func (s *PostgresStore) CreateLock(ctx context.Context, l *contracts.Lock) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO locks (path, pattern, created_at) VALUES ($1, $2, $3) RETURNING id`,
		l.Path, l.Pattern, l.CreatedAt).Scan(&id)
	if isPgUnique(err) {
		return 0, fmt.Errorf("%w: path %q already locked", contracts.ErrConflict, l.Path)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: create lock: %v", contracts.ErrStorage, err)
	}
	l.ID = id
	return id, nil
}

func (s *PostgresStore) DeleteLock(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete lock: %v", contracts.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: lock %d", contracts.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ListLocks(ctx context.Context) ([]*contracts.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, pattern, created_at FROM locks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list locks: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*contracts.Lock
	for rows.Next() {
		var l contracts.Lock
		if err := rows.Scan(&l.ID, &l.Path, &l.Pattern, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan lock: %v", contracts.ErrStorage, err)
		}
		locks = append(locks, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list locks: %v", contracts.ErrStorage, err)
	}
	return locks, nil
}

// --- Rate counters ---

func (s *PostgresStore) SaveRateCounter(ctx context.Context, c *contracts.RateCounter) error {
	var blocked *time.Time
	if c.BlockedUntil != nil {
		t := c.BlockedUntil.UTC()
		blocked = &t
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_counters (agent_id, request_count, window_start, last_update, blocked_until, max_requests)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id) DO UPDATE SET
			request_count = EXCLUDED.request_count,
			window_start = EXCLUDED.window_start,
			last_update = EXCLUDED.last_update,
			blocked_until = EXCLUDED.blocked_until,
			max_requests = EXCLUDED.max_requests`,
		c.AgentID, c.RequestCount, c.WindowStart.UTC(), c.LastUpdate.UTC(), blocked, c.Limit)
	if err != nil {
		return fmt.Errorf("%w: save rate counter: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) GetRateCounter(ctx context.Context, agentID string) (*contracts.RateCounter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, request_count, window_start, last_update, blocked_until, max_requests
		 FROM rate_counters WHERE agent_id = $1`, agentID)
	return scanPgRateCounter(row)
}

func (s *PostgresStore) ListRateCounters(ctx context.Context) ([]*contracts.RateCounter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, request_count, window_start, last_update, blocked_until, max_requests FROM rate_counters`)
	if err != nil {
		return nil, fmt.Errorf("%w: list rate counters: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var counters []*contracts.RateCounter
	for rows.Next() {
		c, err := scanPgRateCounter(rows)
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

func (s *PostgresStore) DeleteRateCounter(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("%w: delete rate counter: %v", contracts.ErrStorage, err)
	}
	return nil
}

func scanPgRateCounter(row rowScanner) (*contracts.RateCounter, error) {
	var (
		c       contracts.RateCounter
		blocked sql.NullTime
	)
	err := row.Scan(&c.AgentID, &c.RequestCount, &c.WindowStart, &c.LastUpdate, &blocked, &c.Limit)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: rate counter", contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan rate counter: %v", contracts.ErrStorage, err)
	}
	if blocked.Valid {
		t := blocked.Time
		c.BlockedUntil = &t
	}
	return &c, nil
}

// --- Fingerprints ---

func (s *PostgresStore) SaveFingerprint(ctx context.Context, fp *contracts.Fingerprint) error {
	if fp.ModifiedAt.IsZero() {
		fp.ModifiedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (path, hash, modified_at) VALUES ($1, $2, $3)
		 ON CONFLICT (path) DO UPDATE SET hash = EXCLUDED.hash, modified_at = EXCLUDED.modified_at`,
		fp.Path, fp.Hash, fp.ModifiedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: save fingerprint: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) GetFingerprint(ctx context.Context, path string) (*contracts.Fingerprint, error) {
	var fp contracts.Fingerprint
	err := s.db.QueryRowContext(ctx,
		`SELECT path, hash, modified_at FROM fingerprints WHERE path = $1`, path).
		Scan(&fp.Path, &fp.Hash, &fp.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: fingerprint %q", contracts.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get fingerprint: %v", contracts.ErrStorage, err)
	}
	return &fp, nil
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, rec *contracts.AuditRecord) error {
	detailJSON, _ := json.Marshal(rec.Detail)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, change_id, actor, action, detail, content_hash, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ChangeID, rec.Actor, rec.Action, detailJSON, rec.ContentHash, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("%w: append audit: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, changeID int64) ([]*contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, change_id, actor, action, detail, content_hash, timestamp
		 FROM audit_log WHERE change_id = $1 ORDER BY timestamp ASC`, changeID)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*contracts.AuditRecord
	for rows.Next() {
		var (
			rec        contracts.AuditRecord
			detailJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ChangeID, &rec.Actor, &rec.Action, &detailJSON, &rec.ContentHash, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan audit: %v", contracts.ErrStorage, err)
		}
		if len(detailJSON) > 0 {
			_ = json.Unmarshal(detailJSON, &rec.Detail)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list audit: %v", contracts.ErrStorage, err)
	}
	return recs, nil
}
