package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical-ai/pipeline-engine/internal/events"
)

// DB is the subset of *sql.DB and *sql.Tx the audit store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const auditSchema = `
	CREATE TABLE IF NOT EXISTS pipeline_audit_events (
		id          TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		pipeline    TEXT,
		stage       TEXT,
		kind        TEXT NOT NULL,
		state       TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		error       TEXT,
		reason      TEXT,
		payload     TEXT,
		occurred_at TIMESTAMP NOT NULL
	)`

const insertAudit = `
	INSERT INTO pipeline_audit_events (id, run_id, pipeline, stage, kind, state,
		attempts, error, reason, payload, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// SQLAuditStore persists audit events in sqlite or postgres.
type SQLAuditStore struct {
	db *sql.DB
}

// OpenSQLAuditStore opens a database and creates the audit table. driver is
// "sqlite3" or "postgres".
func OpenSQLAuditStore(ctx context.Context, driver, dsn string) (*SQLAuditStore, error) {
	if driver != "sqlite3" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &SQLAuditStore{db: db}, nil
}

func saveAudit(ctx context.Context, db DB, event *AuditEvent) error {
	var payload *string
	if len(event.Payload) > 0 {
		p := string(event.Payload)
		payload = &p
	}
	_, err := db.ExecContext(ctx, insertAudit,
		event.ID.String(), event.RunID, event.Pipeline, event.Stage, string(event.Kind), event.State,
		event.Attempts, event.Error, event.Reason, payload, event.OccurredAt.UTC(),
	)
	return err
}

// SaveAuditEvent implements AuditStore.
func (s *SQLAuditStore) SaveAuditEvent(ctx context.Context, event *AuditEvent) error {
	if err := saveAudit(ctx, s.db, event); err != nil {
		return fmt.Errorf("save audit event: %w", err)
	}
	return nil
}

// BatchSaveAuditEvents implements AuditStore. The batch is written in one
// transaction.
func (s *SQLAuditStore) BatchSaveAuditEvents(ctx context.Context, events []AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	for i := range events {
		if err := saveAudit(ctx, tx, &events[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("save audit event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// ListByRun returns the audit trail of a run in occurrence order.
func (s *SQLAuditStore) ListByRun(ctx context.Context, runID string) ([]AuditEvent, error) {
	query := `
		SELECT id, run_id, pipeline, stage, kind, state, attempts, error, reason, payload, occurred_at
		FROM pipeline_audit_events
		WHERE run_id = $1
		ORDER BY occurred_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			e                               AuditEvent
			id, kind                        string
			pipeline, stage, errMsg, reason sql.NullString
			payload                         sql.NullString
			occurredAt                      time.Time
		)
		if err := rows.Scan(&id, &e.RunID, &pipeline, &stage, &kind, &e.State, &e.Attempts,
			&errMsg, &reason, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = events.Kind(kind)
		e.Pipeline, e.Stage, e.Error, e.Reason = pipeline.String, stage.String, errMsg.String, reason.String
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		e.OccurredAt = occurredAt.UTC()
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse audit event id: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLAuditStore) Close() error {
	return s.db.Close()
}
