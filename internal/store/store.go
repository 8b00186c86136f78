package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"meetopen/internal/model"
)

// DatabaseName is the file created inside the store directory.
const DatabaseName = "events.db"

// StoreError reports a persistence failure. The store never retries; the
// poll loop decides what happens next.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: pkgerrors.WithStack(err)}
}

// Store is the durable keyed collection of tracked events.
//
// "Most recent upsert batch" is recorded as a sync generation: every Upsert
// bumps the generation and stamps the rows it wrote, and purge removes
// unopened rows stamped with an older generation.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store inside dir. Call Initialize before use.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, storeErr("open", fmt.Errorf("store directory is empty"))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, storeErr("open", err)
	}

	path := filepath.Join(dir, DatabaseName)
	// WAL + busy timeout to avoid "database is locked" from the status server's reads.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	// One writer connection serializes upsert, purge and mark-opened.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, storeErr("open", err)
	}
	return &Store{db: db}, nil
}

// Initialize creates the schema if absent. Safe to call repeatedly.
func (s *Store) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events(
		  id              TEXT    PRIMARY KEY,
		  name            TEXT    NOT NULL DEFAULT '',
		  start_unix      INTEGER NOT NULL,
		  start_text      TEXT    NOT NULL,
		  url             TEXT    NOT NULL CHECK (url <> ''),
		  service         TEXT    NOT NULL CHECK (service IN ('zoom','meet')),
		  opened          INTEGER NOT NULL DEFAULT 0 CHECK (opened IN (0,1)),
		  seen_generation INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_unix);`,
		`CREATE TABLE IF NOT EXISTS sync_state(
		  singleton  INTEGER PRIMARY KEY CHECK (singleton = 1),
		  generation INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO sync_state(singleton, generation) VALUES (1, 0);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storeErr("initialize", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// ValidateEvent checks the row invariants enforced on every upsert.
func ValidateEvent(event model.Event) error {
	if event.ID == "" {
		return fmt.Errorf("event id cannot be empty")
	}
	if event.URL == "" {
		return fmt.Errorf("event %s: url cannot be empty", event.ID)
	}
	if !event.Service.Valid() {
		return fmt.Errorf("event %s: invalid service %q", event.ID, event.Service)
	}
	if event.StartTime.IsZero() {
		return fmt.Errorf("event %s: start time is zero", event.ID)
	}
	return nil
}

// Upsert writes the batch in one transaction. Existing rows get every field
// refreshed except opened; new rows start with opened=false regardless of
// the incoming value. An empty batch still starts a new generation, so a
// following purge sees "nothing reported".
func (s *Store) Upsert(ctx context.Context, events []model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE sync_state SET generation = generation + 1 WHERE singleton = 1`); err != nil {
		return storeErr("upsert", err)
	}
	var generation int64
	if err := tx.QueryRowContext(ctx, `SELECT generation FROM sync_state WHERE singleton = 1`).Scan(&generation); err != nil {
		return storeErr("upsert", err)
	}

	statement, err := tx.PrepareContext(ctx, `
	INSERT INTO events(id, name, start_unix, start_text, url, service, opened, seen_generation)
	VALUES(?,?,?,?,?,?,0,?)
	ON CONFLICT(id) DO UPDATE SET
	  name            = excluded.name,
	  start_unix      = excluded.start_unix,
	  start_text      = excluded.start_text,
	  url             = excluded.url,
	  service         = excluded.service,
	  seen_generation = excluded.seen_generation`)
	if err != nil {
		return storeErr("upsert", err)
	}
	defer statement.Close()

	for _, event := range events {
		if err := ValidateEvent(event); err != nil {
			return storeErr("upsert", err)
		}
		if _, err := statement.ExecContext(ctx,
			event.ID,
			event.Name,
			event.StartTime.UnixNano(),
			event.StartTime.Format(time.RFC3339Nano),
			event.URL,
			string(event.Service),
			generation,
		); err != nil {
			return storeErr("upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

// PurgeStaleUnopened deletes rows that were never opened and were not part
// of the most recent Upsert batch. It returns the number of rows removed.
// Opened rows are kept whatever their age.
func (s *Store) PurgeStaleUnopened(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	DELETE FROM events
	WHERE opened = 0
	  AND seen_generation < (SELECT generation FROM sync_state WHERE singleton = 1)`)
	if err != nil {
		return 0, storeErr("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("purge", err)
	}
	return n, nil
}

// QueryWindow returns every row with start time in [min, max), ordered by
// start time for readable logs; callers must not rely on the order.
func (s *Store) QueryWindow(ctx context.Context, min, max time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, name, start_text, url, service, opened
	FROM events
	WHERE start_unix >= ? AND start_unix < ?
	ORDER BY start_unix ASC, id ASC`, min.UnixNano(), max.UnixNano())
	if err != nil {
		return nil, storeErr("query window", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, storeErr("query window", err)
	}
	return events, nil
}

// List returns every tracked row ordered by start time.
func (s *Store) List(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, name, start_text, url, service, opened
	FROM events
	ORDER BY start_unix ASC, id ASC`)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, storeErr("list", err)
	}
	return events, nil
}

// MarkOpened sets opened=true for id. Missing rows are not an error: the
// row may have been purged in between.
func (s *Store) MarkOpened(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE events SET opened = 1 WHERE id = ?`, id); err != nil {
		return storeErr("mark opened", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			event     model.Event
			startText string
			service   string
			opened    int
		)
		if err := rows.Scan(&event.ID, &event.Name, &startText, &event.URL, &service, &opened); err != nil {
			return nil, err
		}
		start, err := time.Parse(time.RFC3339Nano, startText)
		if err != nil {
			return nil, fmt.Errorf("event %s: corrupt start time %q: %w", event.ID, startText, err)
		}
		event.StartTime = start
		event.Service = model.Service(service)
		event.Opened = opened == 1
		events = append(events, event)
	}
	return events, rows.Err()
}
