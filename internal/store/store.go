package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/seeker/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned for an unknown flight log ID.
var ErrNotFound = errors.New("flight log not found")

// Store manages the PostgreSQL connection for the telemetry log archive.
type Store struct {
	conn *pgx.Conn
}

// FlightLog is the summary row of one imported telemetry log.
type FlightLog struct {
	ID          string
	Source      string
	RecordCount int
	ImportedAt  time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flight_logs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			record_count INT NOT NULL,
			imported_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS telemetry_records (
			log_id TEXT NOT NULL REFERENCES flight_logs(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			t DOUBLE PRECISION NOT NULL,
			detected BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			cx DOUBLE PRECISION NOT NULL,
			cy DOUBLE PRECISION NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (log_id, seq)
		);
	`)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// ImportLog stores a recorded log under a fresh ID. Records are bulk-copied
// in one transaction so a failed import leaves nothing behind.
func (s *Store) ImportLog(ctx context.Context, source string, records []types.DetectionSample) (string, error) {
	id := uuid.NewString()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO flight_logs (id, source, record_count, imported_at)
		VALUES ($1, $2, $3, NOW())
	`, id, source, len(records)); err != nil {
		return "", err
	}

	rows := pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		r := records[i]
		return []any{id, i, r.T, r.Detected, r.Confidence, r.CX, r.CY, r.Size}, nil
	})
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"telemetry_records"},
		[]string{"log_id", "seq", "t", "detected", "confidence", "cx", "cy", "size"},
		rows)
	if err != nil {
		return "", fmt.Errorf("copy records: %w", err)
	}
	if int(n) != len(records) {
		return "", fmt.Errorf("copied %d of %d records", n, len(records))
	}

	return id, tx.Commit(ctx)
}

// ListLogs returns every archived log, newest first.
func (s *Store) ListLogs(ctx context.Context) ([]FlightLog, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, source, record_count, imported_at
		FROM flight_logs
		ORDER BY imported_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FlightLog, error) {
		var l FlightLog
		err := row.Scan(&l.ID, &l.Source, &l.RecordCount, &l.ImportedAt)
		return l, err
	})
}

// LoadLog returns the records of one log in recorded order.
func (s *Store) LoadLog(ctx context.Context, id string) ([]types.DetectionSample, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM flight_logs WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.conn.Query(ctx, `
		SELECT t, detected, confidence, cx, cy, size
		FROM telemetry_records
		WHERE log_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DetectionSample, error) {
		var r types.DetectionSample
		err := row.Scan(&r.T, &r.Detected, &r.Confidence, &r.CX, &r.CY, &r.Size)
		return r, err
	})
}

// DeleteLog removes a log and its records.
func (s *Store) DeleteLog(ctx context.Context, id string) error {
	tag, err := s.conn.Exec(ctx, "DELETE FROM flight_logs WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next connection.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS telemetry_records CASCADE;
		DROP TABLE IF EXISTS flight_logs CASCADE;
	`)
	return err
}
