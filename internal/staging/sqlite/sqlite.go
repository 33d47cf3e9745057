package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/staffsync/internal/staging"
	"github.com/loykin/staffsync/internal/syncjob"
)

// DB implements staging.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// single connection: SQLite has one writer, and ":memory:" databases
	// are per connection
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS staging_records(
			collection TEXT NOT NULL,
			external_key TEXT NOT NULL,
			fetched_at TIMESTAMP NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (collection, external_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_staging_records_fetched ON staging_records(collection, fetched_at);`,
		`CREATE TABLE IF NOT EXISTS sync_jobs(
			name TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			state TEXT NOT NULL,
			processed INTEGER NOT NULL,
			total INTEGER NOT NULL,
			page INTEGER NOT NULL,
			retries INTEGER NOT NULL,
			last_error TEXT NULL,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Put(ctx context.Context, rec staging.Record) error {
	return s.PutBatch(ctx, rec.Collection, []staging.Record{rec})
}

// PutBatch upserts all records in one transaction.
func (s *DB) PutBatch(ctx context.Context, collection string, recs []staging.Record) (err error) {
	batch, err := staging.PrepareBatch(collection, recs, s.now())
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO staging_records(collection, external_key, fetched_at, payload)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(collection, external_key) DO UPDATE SET
			fetched_at=excluded.fetched_at,
			payload=excluded.payload;`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range batch {
		if _, err = stmt.ExecContext(ctx, r.Collection, r.Key, r.FetchedAt.UTC(), payloadText(r.Payload)); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", r.Collection, r.Key, err)
		}
	}
	return tx.Commit()
}

func (s *DB) Get(ctx context.Context, collection, key string) (staging.Record, error) {
	var r staging.Record
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT collection, external_key, fetched_at, payload
		FROM staging_records
		WHERE collection=? AND external_key=?;`, collection, key).
		Scan(&r.Collection, &r.Key, &r.FetchedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return staging.Record{}, staging.ErrNotFound
	}
	if err != nil {
		return staging.Record{}, err
	}
	r.Payload = []byte(payload)
	return r, nil
}

func (s *DB) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM staging_records WHERE collection=?;`, collection).Scan(&n)
	return n, err
}

func (s *DB) Keys(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_key FROM staging_records
		WHERE collection=?
		ORDER BY external_key;`, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *DB) SaveJob(ctx context.Context, j syncjob.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs(name, run_id, state, processed, total, page, retries, last_error, started_at, finished_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			run_id=excluded.run_id,
			state=excluded.state,
			processed=excluded.processed,
			total=excluded.total,
			page=excluded.page,
			retries=excluded.retries,
			last_error=excluded.last_error,
			started_at=excluded.started_at,
			finished_at=excluded.finished_at,
			updated_at=excluded.updated_at;`,
		j.Name, j.RunID, string(j.State), j.Processed, j.Total, j.Page, j.Retries,
		nullString(j.LastError), nullTime(j.StartedAt), nullTime(j.FinishedAt), j.UpdatedAt.UTC())
	return err
}

func (s *DB) LoadJobs(ctx context.Context) ([]syncjob.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, run_id, state, processed, total, page, retries, last_error, started_at, finished_at, updated_at
		FROM sync_jobs ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]syncjob.Job, 0)
	for rows.Next() {
		var j syncjob.Job
		var state string
		var lastErr sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&j.Name, &j.RunID, &state, &j.Processed, &j.Total, &j.Page, &j.Retries,
			&lastErr, &started, &finished, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.State = syncjob.State(state)
		j.LastError = lastErr.String
		j.StartedAt = started.Time
		j.FinishedAt = finished.Time
		out = append(out, j)
	}
	return out, rows.Err()
}

func payloadText(p []byte) string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
