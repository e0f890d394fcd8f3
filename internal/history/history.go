// Package history keeps a SQLite log of expansions. Only the shortcut key is
// stored; replacement text never reaches the database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("history closed")

// Entry is one expansion attempt.
type Entry struct {
	ID       int64
	Key      string
	Trigger  string
	Injector string
	Duration time.Duration
	OK       bool
	Error    string
	Time     time.Time
}

// KeyStat aggregates the entries of one key.
type KeyStat struct {
	Key      string
	Count    int
	Failures int
	LastUsed time.Time
}

// Summary aggregates the whole log.
type Summary struct {
	Total    int
	Failures int
	Keys     []KeyStat
}

// DB is the expansion history database.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One writer; the listener and the IPC handlers share it.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (h *DB) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

// Ping checks that the database still answers.
func (h *DB) Ping(ctx context.Context) error {
	if h == nil || h.db == nil {
		return ErrClosed
	}
	return h.db.PingContext(ctx)
}

// Record appends an entry and returns its id. A zero Time means now.
func (h *DB) Record(e Entry) (int64, error) {
	if h.db == nil {
		return 0, ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}

	res, err := h.db.Exec(
		`INSERT INTO expansions (key, trigger, injector, duration_us, ok, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.Trigger, e.Injector, e.Duration.Microseconds(), e.OK, errText, e.Time.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("record expansion: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to n entries, newest first.
func (h *DB) Recent(n int) ([]Entry, error) {
	if h.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}

	rows, err := h.db.Query(
		`SELECT id, key, trigger, injector, duration_us, ok, error, created_at
		 FROM expansions ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			durUS   int64
			errText sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Key, &e.Trigger, &e.Injector, &durUS, &e.OK, &errText, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Duration = time.Duration(durUS) * time.Microsecond
		e.Error = errText.String
		e.Time = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats returns totals and per-key aggregates, most used first.
func (h *DB) Stats() (Summary, error) {
	var s Summary
	if h.db == nil {
		return s, ErrClosed
	}

	err := h.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok THEN 0 ELSE 1 END), 0) FROM expansions`,
	).Scan(&s.Total, &s.Failures)
	if err != nil {
		return s, fmt.Errorf("query totals: %w", err)
	}

	rows, err := h.db.Query(
		`SELECT key, COUNT(*), SUM(CASE WHEN ok THEN 0 ELSE 1 END), MAX(created_at)
		 FROM expansions GROUP BY key ORDER BY COUNT(*) DESC, key ASC`)
	if err != nil {
		return s, fmt.Errorf("query key stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k    KeyStat
			last int64
		)
		if err := rows.Scan(&k.Key, &k.Count, &k.Failures, &last); err != nil {
			return s, fmt.Errorf("scan key stats: %w", err)
		}
		k.LastUsed = time.Unix(0, last)
		s.Keys = append(s.Keys, k)
	}
	return s, rows.Err()
}

// Prune deletes entries older than before and returns how many went.
func (h *DB) Prune(before time.Time) (int64, error) {
	if h.db == nil {
		return 0, ErrClosed
	}
	res, err := h.db.Exec("DELETE FROM expansions WHERE created_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// SchemaVersion reports the applied migration version.
func (h *DB) SchemaVersion() (int, error) {
	if h.db == nil {
		return 0, ErrClosed
	}
	return schemaVersion(h.db)
}
