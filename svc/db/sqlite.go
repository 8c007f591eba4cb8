package db

import (
	"context"
	"database/sql"
	"pastel/pkg/domain"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	ErrCircuitOpen = errors.New("database circuit breaker open")
	ErrDuplicateID = errors.New("paste id already exists")
)

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 1
	defaultMaxIdleConns = 1
	defaultQueryTimeout = 5 * time.Second
)

const pasteColumns = `id, owner, title, content, language, visibility, created_at, updated_at, listed_at, seq, listed_seq`

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

// OwnerRow is one entry of the owner index as persisted.
type OwnerRow struct {
	ID        string
	Owner     string
	CreatedAt time.Time
	Seq       int64
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL CHECK (visibility IN ('public', 'private')),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		listed_at DATETIME NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0,
		listed_seq INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_owner ON pastes(owner, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_pastes_public ON pastes(visibility, listed_seq DESC);
	`
	_, err = s.db.Exec(query)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPaste(row scanner) (*domain.Paste, error) {
	var p domain.Paste
	var vis string
	if err := row.Scan(&p.ID, &p.Owner, &p.Title, &p.Content, &p.Language, &vis, &p.CreatedAt, &p.UpdatedAt, &p.ListedAt, &p.Seq, &p.ListedSeq); err != nil {
		return nil, err
	}
	p.Visibility = domain.Visibility(vis)
	return &p, nil
}

func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO pastes (` + pasteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Owner, p.Title, p.Content, p.Language, string(p.Visibility), p.CreatedAt.UTC(), p.UpdatedAt.UTC(), p.ListedAt.UTC(),
		p.Seq, p.ListedSeq,
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	return errors.Wrap(err, "db insert")
}
func (s *SQLite) Update(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET owner = ?, title = ?, content = ?, language = ?, visibility = ?, updated_at = ?, listed_at = ?, listed_seq = ?
	WHERE id = ?
	`
	res, err := s.db.ExecContext(queryCtx, q,
		p.Owner, p.Title, p.Content, p.Language, string(p.Visibility), p.UpdatedAt.UTC(), p.ListedAt.UTC(), p.ListedSeq, p.ID,
	)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}
func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE id = ?`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}

// GetMany returns the rows for ids in the order given. Unknown ids are skipped.
func (s *SQLite) GetMany(ctx context.Context, ids []string) ([]*domain.Paste, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	found, err := s.queryPastes(queryCtx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db get many")
	}
	byID := make(map[string]*domain.Paste, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]*domain.Paste, 0, len(found))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
func (s *SQLite) ListAll(ctx context.Context) ([]*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	out, err := s.queryPastes(queryCtx, `SELECT `+pasteColumns+` FROM pastes`)
	return out, errors.Wrap(err, "db list all")
}
func (s *SQLite) queryPastes(ctx context.Context, q string, args ...interface{}) ([]*domain.Paste, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	s.recordError(err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete reports whether a row was removed.
func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// OwnerRows lists every owned paste ordered by owner, newest first within an owner.
func (s *SQLite) OwnerRows(ctx context.Context) ([]OwnerRow, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT id, owner, created_at, seq FROM pastes WHERE owner <> '' ORDER BY owner, seq DESC, created_at DESC, id`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "owner rows")
	}
	defer rows.Close()
	var out []OwnerRow
	for rows.Next() {
		var r OwnerRow
		if err := rows.Scan(&r.ID, &r.Owner, &r.CreatedAt, &r.Seq); err != nil {
			return nil, errors.Wrap(err, "scan owner row")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "owner rows")
}

// RecentPublicIDs returns up to limit public ids, most recently listed first.
func (s *SQLite) RecentPublicIDs(ctx context.Context, limit int) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT id FROM pastes WHERE visibility = 'public' ORDER BY listed_seq DESC, listed_at DESC, created_at DESC LIMIT ?`, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "recent public ids")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan public id")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "recent public ids")
}
// MaxSeq returns the highest sequence number handed out so far, 0 when empty.
func (s *SQLite) MaxSeq(ctx context.Context) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var seq, listed int64
	err := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(listed_seq), 0) FROM pastes`).Scan(&seq, &listed)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "max seq")
	}
	return max(seq, listed), nil
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
