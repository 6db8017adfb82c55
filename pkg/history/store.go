// Package history keeps a log of every notification attempt in SQLite.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrDisabled = errors.New("history is disabled")

const (
	DefaultRecent = 20
	MaxRecent     = 1000
)

// Record is one notification attempt.
type Record struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Channel string    `json:"channel,omitempty"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
}

// Store is a SQLite backed history. A nil *Store is a disabled store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. An empty path returns a nil
// store, which reports ErrDisabled.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create directory for %s", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open history database %s", path)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return pkgerrors.Wrap(err, "failed to migrate history database")
}

func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// Append stores r. A zero At means now.
func (s *Store) Append(ctx context.Context, r Record) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(at, channel, subject, body, ok, err) VALUES(?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.Channel, r.Subject, r.Body, r.OK, nullStr(r.Error),
	)
	return pkgerrors.Wrap(err, "failed to append history record")
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if n <= 0 {
		n = DefaultRecent
	}
	if n > MaxRecent {
		n = MaxRecent
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, channel, subject, body, ok, err FROM notifications ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	records := make([]Record, 0, n)
	for rows.Next() {
		var (
			r      Record
			at     string
			errStr sql.NullString
		)
		if err := rows.Scan(&r.ID, &at, &r.Channel, &r.Subject, &r.Body, &r.OK, &errStr); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan history record")
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Error = errStr.String
		records = append(records, r)
	}
	return records, pkgerrors.Wrap(rows.Err(), "failed to read history")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
