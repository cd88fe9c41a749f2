package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// invocationSchema works on both Postgres and SQLite. No JSONB, no serial
// columns; the id comes from the record.
const invocationSchema = `
CREATE TABLE IF NOT EXISTS invocation_records (
    id                 TEXT PRIMARY KEY,
    capability         TEXT NOT NULL,
    agent              TEXT NOT NULL,
    started_at         TIMESTAMP NOT NULL,
    duration_ms        BIGINT NOT NULL,
    outcome            TEXT NOT NULL,
    provenance_written BOOLEAN NOT NULL,
    pattern_id         TEXT,
    step_name          TEXT,
    request_id         TEXT
);
CREATE INDEX IF NOT EXISTS idx_invocation_capability ON invocation_records (capability, started_at);
CREATE INDEX IF NOT EXISTS idx_invocation_outcome ON invocation_records (outcome, started_at);
`

// SQLRecorder persists records through database/sql. The statements use $N
// placeholders, which both lib/pq and the modernc SQLite driver accept.
type SQLRecorder struct {
	db *sql.DB
}

func NewSQLRecorder(db *sql.DB) *SQLRecorder {
	return &SQLRecorder{db: db}
}

// Init creates the invocation table and indexes.
func (s *SQLRecorder) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, invocationSchema); err != nil {
		return fmt.Errorf("telemetry: init schema: %w", err)
	}
	return nil
}

func (s *SQLRecorder) Observe(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocation_records
		 (id, capability, agent, started_at, duration_ms, outcome, provenance_written, pattern_id, step_name, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Capability, rec.Agent, rec.StartedAt, rec.DurationMS,
		string(rec.Outcome), rec.ProvenanceWritten, rec.PatternID, rec.StepName, rec.RequestID,
	)
	if err != nil {
		return fmt.Errorf("telemetry: insert record %s: %w", rec.ID, err)
	}
	return nil
}

// CapabilitySummary aggregates one capability's invocations over a period.
type CapabilitySummary struct {
	Capability    string
	Invocations   int64
	Errors        int64
	Timeouts      int64
	Stubs         int64
	AvgDurationMS float64
	MaxDurationMS int64
}

// Summarize aggregates records per capability between from and to.
func (s *SQLRecorder) Summarize(ctx context.Context, from, to time.Time) ([]CapabilitySummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT capability,
		        COUNT(*),
		        SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN outcome = 'timeout' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN outcome = 'stub' THEN 1 ELSE 0 END),
		        AVG(duration_ms),
		        MAX(duration_ms)
		 FROM invocation_records
		 WHERE started_at >= $1 AND started_at < $2
		 GROUP BY capability
		 ORDER BY capability`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: summarize: %w", err)
	}
	defer rows.Close()

	var out []CapabilitySummary
	for rows.Next() {
		var cs CapabilitySummary
		if err := rows.Scan(&cs.Capability, &cs.Invocations, &cs.Errors, &cs.Timeouts,
			&cs.Stubs, &cs.AvgDurationMS, &cs.MaxDurationMS); err != nil {
			return nil, fmt.Errorf("telemetry: scan summary: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// RecentErrors returns the most recent non-success records, newest first.
func (s *SQLRecorder) RecentErrors(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capability, agent, started_at, duration_ms, outcome,
		        provenance_written, pattern_id, step_name, request_id
		 FROM invocation_records
		 WHERE outcome != 'success'
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: recent errors: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var outcome string
		if err := rows.Scan(&rec.ID, &rec.Capability, &rec.Agent, &rec.StartedAt,
			&rec.DurationMS, &outcome, &rec.ProvenanceWritten,
			&rec.PatternID, &rec.StepName, &rec.RequestID); err != nil {
			return nil, fmt.Errorf("telemetry: scan record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}
