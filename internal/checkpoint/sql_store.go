package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQL drivers supported by SQLStore.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var migrations = map[string]string{
	DriverSQLite: `
		CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
			run_id     TEXT PRIMARY KEY,
			pipeline   TEXT NOT NULL,
			next_level INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			data       TEXT NOT NULL
		)`,
	DriverPostgres: `
		CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
			run_id     TEXT PRIMARY KEY,
			pipeline   TEXT NOT NULL,
			next_level INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			data       TEXT NOT NULL
		)`,
}

// SQLStore keeps checkpoints in a sqlite or postgres table.
type SQLStore struct {
	db     *sql.DB
	driver string
	owned  bool
}

// OpenSQLStore opens a database and migrates the checkpoint table.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if _, ok := migrations[driver]; !ok {
		return nil, fmt.Errorf("%w: unsupported sql driver %q", ErrInvalidInput, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one connection keeps ":memory:" databases shared and serializes writers
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLStore uses an existing connection. The caller keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	ddl, ok := migrations[driver]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported sql driver %q", ErrInvalidInput, driver)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO pipeline_checkpoints (run_id, pipeline, next_level, created_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET
			pipeline = excluded.pipeline,
			next_level = excluded.next_level,
			created_at = excluded.created_at,
			data = excluded.data
	`
	if _, err := s.db.ExecContext(ctx, query, cp.RunID, cp.Pipeline, cp.NextLevel, cp.CreatedAt, string(data)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	query := `SELECT data FROM pipeline_checkpoints WHERE run_id = $1`
	var data string
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return Decode([]byte(data))
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	query := `
		SELECT run_id, pipeline, next_level, created_at
		FROM pipeline_checkpoints
		ORDER BY created_at, run_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum       Summary
			createdAt time.Time
		)
		if err := rows.Scan(&sum.RunID, &sum.Pipeline, &sum.NextLevel, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		sum.CreatedAt = createdAt.UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close implements Store. A connection passed to NewSQLStore is left open.
func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
