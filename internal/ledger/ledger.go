// Package ledger keeps an append-only history of finished batch runs and
// the outcomes that were delivered for them. It records completed work for
// later inspection; it is never read back to resume a run.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/verdict-labs/verdict-go/internal/domain"
	"github.com/verdict-labs/verdict-go/internal/runner"
)

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS batch_runs (
			run_id       TEXT PRIMARY KEY,
			total        INTEGER NOT NULL,
			delivered    INTEGER NOT NULL,
			succeeded    INTEGER NOT NULL,
			failed       INTEGER NOT NULL,
			errored      INTEGER NOT NULL,
			aborted      BOOLEAN NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			finished_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batch_run_outcomes (
			run_id   TEXT NOT NULL REFERENCES batch_runs(run_id),
			seq      INTEGER NOT NULL,
			item_id  TEXT NOT NULL,
			outcome  TEXT NOT NULL,
			detail   JSONB,
			PRIMARY KEY (run_id, seq)
		)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RecordRun persists one finished (or aborted) run with its delivered
// outcomes, in delivery order.
func (l *Ledger) RecordRun(ctx context.Context, summary runner.Summary, outcomes []domain.Outcome) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO batch_runs (
			run_id, total, delivered, succeeded, failed, errored, aborted, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		summary.RunID,
		summary.Total,
		summary.Delivered,
		summary.Succeeded,
		summary.Failed,
		summary.Errored,
		summary.Aborted,
		summary.StartedAt,
		summary.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for seq, out := range outcomes {
		detail := out.Detail
		if len(detail) == 0 {
			detail = nil
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO batch_run_outcomes (run_id, seq, item_id, outcome, detail)
			 VALUES ($1,$2,$3,$4,$5)`,
			summary.RunID,
			seq,
			out.ItemID,
			string(out.Status),
			detail,
		)
		if err != nil {
			return fmt.Errorf("insert outcome %s: %w", out.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type RunRecord struct {
	RunID      string    `json:"run_id"`
	Total      int       `json:"total"`
	Delivered  int       `json:"delivered"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Errored    int       `json:"errored"`
	Aborted    bool      `json:"aborted"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	rows, err := l.db.QueryContext(
		ctx,
		`SELECT run_id, total, delivered, succeeded, failed, errored, aborted, started_at, finished_at
		 FROM batch_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	records := make([]RunRecord, 0, limit)
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(
			&rec.RunID, &rec.Total, &rec.Delivered, &rec.Succeeded,
			&rec.Failed, &rec.Errored, &rec.Aborted, &rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt = rec.StartedAt.UTC()
		rec.FinishedAt = rec.FinishedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

type OutcomeRecord struct {
	Seq     int             `json:"seq"`
	ItemID  string          `json:"id"`
	Outcome string          `json:"outcome"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

func (l *Ledger) ListOutcomes(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	rows, err := l.db.QueryContext(
		ctx,
		`SELECT seq, item_id, outcome, detail
		 FROM batch_run_outcomes
		 WHERE run_id = $1
		 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var records []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var detail []byte
		if err := rows.Scan(&rec.Seq, &rec.ItemID, &rec.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		rec.Detail = detail
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RunExists reports whether a run was ever recorded.
func (l *Ledger) RunExists(ctx context.Context, runID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM batch_runs WHERE run_id = $1`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
