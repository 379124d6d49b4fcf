package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RunRecord summarises one orchestrator run.
type RunRecord struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Config     string    `json:"config,omitempty"`
	Products   int       `json:"products"`
	Failed     int       `json:"failed"`
}

// OutcomeRecord is the result of one stage on one product.
type OutcomeRecord struct {
	Tile     string        `json:"tile"`
	Product  string        `json:"product"`
	Stage    string        `json:"stage"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RecordRun stores a run and its stage outcomes in one transaction.
func (db *DB) RecordRun(ctx context.Context, run RunRecord, outcomes []OutcomeRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, started_unix, finished_unix, config_json, products, failed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixMilli(), finished, run.Config, run.Products, run.Failed,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_outcomes WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stage_outcomes (run_id, tile, product, stage, outcome, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, o := range outcomes {
		if _, err := stmt.ExecContext(ctx, run.ID, o.Tile, o.Product, o.Stage, o.Outcome, o.Error, o.Duration.Milliseconds()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanRun(row interface{ Scan(...any) error }) (RunRecord, error) {
	var (
		r        RunRecord
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&r.ID, &started, &finished, &r.Config, &r.Products, &r.Failed); err != nil {
		return RunRecord{}, err
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	return r, nil
}

const runColumns = `run_id, started_unix, finished_unix, config_json, products, failed`

// Runs lists the most recent runs first.
func (db *DB) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run returns a run with its outcomes in insertion order. ok is false when
// the run is unknown.
func (db *DB) Run(ctx context.Context, id string) (RunRecord, []OutcomeRecord, bool, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, nil, false, nil
	}
	if err != nil {
		return RunRecord{}, nil, false, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT tile, product, stage, outcome, COALESCE(error, ''), duration_ms
		FROM stage_outcomes WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return RunRecord{}, nil, false, err
	}
	defer rows.Close()

	var outcomes []OutcomeRecord
	for rows.Next() {
		var (
			o  OutcomeRecord
			ms int64
		)
		if err := rows.Scan(&o.Tile, &o.Product, &o.Stage, &o.Outcome, &o.Error, &ms); err != nil {
			return RunRecord{}, nil, false, err
		}
		o.Duration = time.Duration(ms) * time.Millisecond
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return RunRecord{}, nil, false, err
	}
	return r, outcomes, true, nil
}
