package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &ConnectionError{Err: err}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, classify("migrate", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			location TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			removed INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}

	// Keys are unique among transfers that have not been removed.
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS transfers_active_key ON transfers (key) WHERE removed = 0`); err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS transfers_removed ON transfers (removed)`)
	return err
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return &PersistenceError{Op: op, Err: ErrDuplicateKey}
		case sqliteErr.Code == sqlite3.ErrCantOpen, sqliteErr.Code == sqlite3.ErrNotADB:
			return &ConnectionError{Err: err}
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return &ConnectionError{Err: err}
	}
	return &PersistenceError{Op: op, Err: err}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &ConnectionError{Err: err}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*Transfer, error) {
	var t Transfer
	var createdAt int64
	var removed int
	if err := row.Scan(&t.ID, &t.Key, &t.Location, &t.Size, &createdAt, &removed); err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.Removed = removed == 1
	return &t, nil
}

func (s *SQLiteStore) FindAll(ctx context.Context, filter Filter) ([]*Transfer, error) {
	query := `SELECT id, key, location, size, created_at, removed FROM transfers`
	var args []any
	if filter.Removed != nil {
		query += ` WHERE removed = ?`
		args = append(args, boolToInt(*filter.Removed))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("find transfers", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, classify("scan transfer", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("find transfers", err)
	}
	return transfers, nil
}

// FindOne returns the active transfer holding key, or the most recent
// removed one when no active transfer exists.
func (s *SQLiteStore) FindOne(ctx context.Context, key string) (*Transfer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, location, size, created_at, removed
		FROM transfers WHERE key = ?
		ORDER BY removed ASC, created_at DESC
		LIMIT 1
	`, key)

	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("find transfer", err)
	}
	return t, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, t *Transfer) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (id, key, location, size, created_at, removed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.Key, t.Location, t.Size, t.CreatedAt.UnixMilli(), boolToInt(t.Removed))
	return classify("insert transfer", err)
}

// Update persists the removed flag. Location and creation time are immutable.
func (s *SQLiteStore) Update(ctx context.Context, t *Transfer) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transfers SET removed = MAX(removed, ?) WHERE id = ?
	`, boolToInt(t.Removed), t.ID)
	if err != nil {
		return classify("update transfer", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return classify("update transfer", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN removed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN removed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(CASE WHEN removed = 0 THEN size ELSE 0 END), 0),
			COALESCE(MIN(created_at), 0),
			COALESCE(MAX(created_at), 0)
		FROM transfers
	`)

	var oldest, newest int64
	err := row.Scan(
		&stats.TotalTransfers,
		&stats.ActiveTransfers,
		&stats.RemovedTransfers,
		&stats.TotalBytes,
		&stats.ActiveBytes,
		&oldest,
		&newest,
	)
	if err != nil {
		return nil, classify("stats", err)
	}

	if stats.TotalTransfers > 0 {
		stats.OldestTransfer = time.UnixMilli(oldest)
		stats.NewestTransfer = time.UnixMilli(newest)
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
