// Package store keeps accounts and their task group definitions in SQL and
// serves them page by page to the schedulers.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"triggerflow/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultPageSize = 100
	MaxPageSize     = 1000
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidToken = errors.New("invalid continuation token")
)

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to driver ("sqlite" or "postgres") at dsn.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite single writer
	}
	return &Store{db: db, driver: driver}, nil
}

// New wraps an already opened database.
func New(db *sql.DB, driver string) *Store { return &Store{db: db, driver: driver} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureSchema creates tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS task_groups (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL REFERENCES accounts(id),
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_task_groups_account ON task_groups(account_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	if strings.TrimSpace(a.Name) == "" {
		return domain.Account{}, errors.New("account name is required")
	}
	if a.ID == "" {
		a.ID = "acc_" + uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	a.TaskGroups = nil

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO accounts (id,name,title,created_at) VALUES (?,?,?,?)`),
		a.ID, a.Name, a.Title, a.CreatedAt.UnixMilli())
	if err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id,name,title,created_at FROM accounts WHERE id=?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, err
	}
	if a.TaskGroups, err = s.taskGroupsOf(ctx, id); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// taskGroupsOf returns every task group of an account ordered by id.
func (s *Store) taskGroupsOf(ctx context.Context, accountID string) ([]domain.TaskGroupDefinition, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id,account_id,name,description,created_at FROM task_groups
WHERE account_id = ?
ORDER BY id`), accountID)
	if err != nil {
		return nil, fmt.Errorf("query task groups: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskGroupDefinition
	for rows.Next() {
		tg, err := scanTaskGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	return out, rows.Err()
}

// GetAccounts returns one page of accounts ordered by id.
func (s *Store) GetAccounts(ctx context.Context, req domain.PaginationRequest) (domain.PaginationResult[domain.Account], error) {
	after, limit, err := pageBounds(req)
	if err != nil {
		return domain.PaginationResult[domain.Account]{}, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id,name,title,created_at FROM accounts
WHERE id > ?
ORDER BY id
LIMIT ?`), after, limit+1)
	if err != nil {
		return domain.PaginationResult[domain.Account]{}, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var items []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return domain.PaginationResult[domain.Account]{}, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return domain.PaginationResult[domain.Account]{}, err
	}
	return paginate(items, limit, func(a domain.Account) string { return a.ID }), nil
}

func (s *Store) CreateTaskGroup(ctx context.Context, tg domain.TaskGroupDefinition) (domain.TaskGroupDefinition, error) {
	if strings.TrimSpace(tg.Name) == "" {
		return domain.TaskGroupDefinition{}, errors.New("task group name is required")
	}
	if _, err := s.GetAccount(ctx, tg.AccountID); err != nil {
		return domain.TaskGroupDefinition{}, err
	}
	if tg.ID == "" {
		tg.ID = "tgd_" + uuid.NewString()
	}
	tg.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO task_groups (id,account_id,name,description,created_at) VALUES (?,?,?,?,?)`),
		tg.ID, tg.AccountID, tg.Name, tg.Description, tg.CreatedAt.UnixMilli())
	if err != nil {
		return domain.TaskGroupDefinition{}, fmt.Errorf("insert task group: %w", err)
	}
	return tg, nil
}

// GetTaskGroupDefinitions returns one page of an account's task groups ordered by id.
func (s *Store) GetTaskGroupDefinitions(ctx context.Context, accountID string, req domain.PaginationRequest) (domain.PaginationResult[domain.TaskGroupDefinition], error) {
	after, limit, err := pageBounds(req)
	if err != nil {
		return domain.PaginationResult[domain.TaskGroupDefinition]{}, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id,account_id,name,description,created_at FROM task_groups
WHERE account_id = ? AND id > ?
ORDER BY id
LIMIT ?`), accountID, after, limit+1)
	if err != nil {
		return domain.PaginationResult[domain.TaskGroupDefinition]{}, fmt.Errorf("query task groups: %w", err)
	}
	defer rows.Close()

	var items []domain.TaskGroupDefinition
	for rows.Next() {
		tg, err := scanTaskGroup(rows)
		if err != nil {
			return domain.PaginationResult[domain.TaskGroupDefinition]{}, err
		}
		items = append(items, tg)
	}
	if err := rows.Err(); err != nil {
		return domain.PaginationResult[domain.TaskGroupDefinition]{}, err
	}
	return paginate(items, limit, func(tg domain.TaskGroupDefinition) string { return tg.ID }), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (domain.Account, error) {
	var (
		a       domain.Account
		created int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Title, &created); err != nil {
		return domain.Account{}, err
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	return a, nil
}

func scanTaskGroup(row scanner) (domain.TaskGroupDefinition, error) {
	var (
		tg      domain.TaskGroupDefinition
		created int64
	)
	if err := row.Scan(&tg.ID, &tg.AccountID, &tg.Name, &tg.Description, &created); err != nil {
		return domain.TaskGroupDefinition{}, err
	}
	tg.CreatedAt = time.UnixMilli(created).UTC()
	return tg, nil
}

// pageBounds decodes the keyset cursor and clamps the page size.
func pageBounds(req domain.PaginationRequest) (string, int, error) {
	limit := req.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	after, err := DecodeToken(req.ContinuationToken)
	if err != nil {
		return "", 0, err
	}
	return after, limit, nil
}

// paginate trims the one-row lookahead and sets the continuation token to the
// last returned key.
func paginate[T any](items []T, limit int, key func(T) string) domain.PaginationResult[T] {
	res := domain.PaginationResult[T]{Items: items}
	if len(items) > limit {
		res.Items = items[:limit]
		res.HasMore = true
		res.ContinuationToken = EncodeToken(key(res.Items[limit-1]))
	}
	if res.Items == nil {
		res.Items = []T{}
	}
	return res
}

func EncodeToken(lastID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastID))
}

func DecodeToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(b) == 0 {
		return "", ErrInvalidToken
	}
	return string(b), nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
