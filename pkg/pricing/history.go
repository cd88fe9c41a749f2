package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// History persists pack activations so replays can establish which snapshot
// was live at any moment. Statements stick to the portable subset that both
// Postgres (lib/pq) and SQLite (modernc) accept.
type History struct {
	db *sql.DB
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

const historySchema = `
CREATE TABLE IF NOT EXISTS pricing_pack_activations (
	pack_id TEXT NOT NULL,
	pack_date TIMESTAMP,
	description TEXT,
	supersedes TEXT,
	activated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (pack_id, activated_at)
);
`

func (h *History) Init(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("pricing history init: %w", err)
	}
	return nil
}

// RecordActivation appends one rollover event.
func (h *History) RecordActivation(ctx context.Context, p Pack, activatedAt time.Time) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO pricing_pack_activations (pack_id, pack_date, description, supersedes, activated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Date, p.Description, p.Supersedes, activatedAt.UTC())
	if err != nil {
		return fmt.Errorf("pricing history record: %w", err)
	}
	return nil
}

// ActiveAt returns the pack that was live at the given instant.
func (h *History) ActiveAt(ctx context.Context, at time.Time) (Pack, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT pack_id, pack_date, description, supersedes
		 FROM pricing_pack_activations
		 WHERE activated_at <= $1
		 ORDER BY activated_at DESC
		 LIMIT 1`,
		at.UTC())

	var p Pack
	var date sql.NullTime
	if err := row.Scan(&p.ID, &date, &p.Description, &p.Supersedes); err != nil {
		if err == sql.ErrNoRows {
			return Pack{}, fmt.Errorf("pricing history: no pack active at %s", at.Format(time.RFC3339))
		}
		return Pack{}, fmt.Errorf("pricing history query: %w", err)
	}
	if date.Valid {
		p.Date = date.Time
	}
	return p, nil
}

// Chain returns the activation log, newest first, for exports and audits.
func (h *History) Chain(ctx context.Context, limit int) ([]Pack, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT pack_id, pack_date, description, supersedes
		 FROM pricing_pack_activations
		 ORDER BY activated_at DESC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("pricing history chain: %w", err)
	}
	defer rows.Close()

	var out []Pack
	for rows.Next() {
		var p Pack
		var date sql.NullTime
		if err := rows.Scan(&p.ID, &date, &p.Description, &p.Supersedes); err != nil {
			return nil, fmt.Errorf("pricing history scan: %w", err)
		}
		if date.Valid {
			p.Date = date.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
