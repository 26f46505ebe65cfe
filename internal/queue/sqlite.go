package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"triggerflow/internal/domain"
)

const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

var (
	ErrEmpty    = errors.New("no messages ready")
	ErrNotFound = errors.New("message not found")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  source TEXT NOT NULL,
  payload BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at INTEGER NOT NULL,
  leased_until INTEGER,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_next_run ON messages(state, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS message_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(message_id) REFERENCES messages(id)
)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Repository is the outbox holding trigger messages until a worker consumes them.
type Repository interface {
	Enqueue(ctx context.Context, m domain.Message) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Message, Lease, error)
	Retry(ctx context.Context, id, errStr string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errStr string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Message, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Message, error)
	CountByState(ctx context.Context) (map[string]int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type Lease struct{ Until time.Time }

const messageColumns = `id,source,payload,attempts,max_attempts,state,next_run_at,visibility_timeout,last_error,created_at,updated_at`

// Enqueue stores m. A zero NextRunAt makes the message due immediately.
func (r *sqliteRepo) Enqueue(ctx context.Context, m domain.Message) (string, error) {
	if m.Source == "" {
		return "", errors.New("message source is required")
	}
	id := m.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = 5
	}
	if m.VisibilityTimeout == 0 {
		m.VisibilityTimeout = 60
	}
	now := time.Now()
	next := m.NextRunAt
	if next.IsZero() {
		next = now
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO messages (id,source,payload,state,attempts,max_attempts,next_run_at,visibility_timeout,created_at,updated_at)
VALUES (?,?,?,'queued',0,?,?,?,?,?)
`, id, m.Source, m.Payload, m.MaxAttempts, next.UnixMilli(), m.VisibilityTimeout, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// LeaseNext claims the oldest due message. It returns ErrEmpty when none is due.
func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Message, Lease, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, Lease{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE state='queued' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1
`, now.UnixMilli())
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Message{}, Lease{}, err
	}

	leaseUntil := now.Add(time.Duration(m.VisibilityTimeout) * time.Second)
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET state='running', leased_until=?, updated_at=? WHERE id=?`,
		leaseUntil.UnixMilli(), now.UnixMilli(), m.ID); err != nil {
		return domain.Message{}, Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, Lease{}, err
	}
	m.State = StateRunning
	return m, Lease{Until: leaseUntil}, nil
}

// Retry records a failed attempt and requeues the message after delay, or
// marks it failed once max_attempts is reached.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	now := time.Now()
	return r.withAttempt(ctx, id, false, errStr, now, `
UPDATE messages
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    leased_until = NULL,
    last_error = ?,
    updated_at = ?
WHERE id = ?`, now.Add(delay).UnixMilli(), errStr, now.UnixMilli(), id)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	now := time.Now()
	return r.withAttempt(ctx, id, true, "", now, `
UPDATE messages SET attempts = attempts + 1, state='succeeded', leased_until=NULL, updated_at=? WHERE id=?`, now.UnixMilli(), id)
}

// Fail moves the message to failed without further retries.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	now := time.Now()
	return r.withAttempt(ctx, id, false, errStr, now, `
UPDATE messages SET attempts = attempts + 1, state='failed', leased_until=NULL, last_error=?, updated_at=? WHERE id=?`, errStr, now.UnixMilli(), id)
}

func (r *sqliteRepo) withAttempt(ctx context.Context, id string, success bool, errStr string, now time.Time, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	ok := 0
	if success {
		ok = 1
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO message_attempts(message_id, finished_at, success, error) VALUES (?,?,?,?)`,
		id, now.UnixMilli(), ok, errStr); err != nil {
		return err
	}
	return tx.Commit()
}

// RecoverStale requeues running messages whose lease has expired.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE messages
SET state='queued', next_run_at=?, leased_until=NULL, updated_at=?
WHERE state='running' AND (leased_until IS NULL OR leased_until < ?)`, now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	return m, err
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *sqliteRepo) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM messages GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{StateQueued: 0, StateRunning: 0, StateSucceeded: 0, StateFailed: 0}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		m                      domain.Message
		next, created, updated int64
	)
	if err := row.Scan(&m.ID, &m.Source, &m.Payload, &m.Attempts, &m.MaxAttempts, &m.State, &next, &m.VisibilityTimeout, &m.LastError, &created, &updated); err != nil {
		return domain.Message{}, err
	}
	m.NextRunAt = time.UnixMilli(next).UTC()
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	return m, nil
}
