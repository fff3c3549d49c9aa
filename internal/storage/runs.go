package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/xray/internal/model"
)

const runColumns = `run_id, pipeline_name, pipeline_version, status, metadata, start_time, end_time, created_at`

// CreateRun inserts a new running run and returns it.
func (db *DB) CreateRun(ctx context.Context, p CreateRunParams) (model.Run, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Now().UTC()
	}
	md, err := EncodeObject(p.Metadata)
	if err != nil {
		return model.Run{}, err
	}

	var run model.Run
	var rawMD []byte
	err = db.pool.QueryRow(ctx,
		`INSERT INTO xray_runs (run_id, pipeline_name, pipeline_version, status, metadata, start_time)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 RETURNING `+runColumns,
		p.ID, p.PipelineName, p.PipelineVersion, string(model.RunStatusRunning), md, p.StartTime,
	).Scan(
		&run.ID, &run.PipelineName, &run.PipelineVersion, &run.Status,
		&rawMD, &run.StartTime, &run.EndTime, &run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	if run.Metadata, err = DecodeObject(rawMD); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// EnsureRun inserts the run if absent, otherwise merges metadata into it.
// Status, pipeline and start time of an existing run are left untouched.
func (db *DB) EnsureRun(ctx context.Context, p CreateRunParams) error {
	if p.StartTime.IsZero() {
		p.StartTime = time.Now().UTC()
	}
	md, err := EncodeObject(p.Metadata)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO xray_runs (run_id, pipeline_name, pipeline_version, status, metadata, start_time)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 ON CONFLICT (run_id) DO UPDATE SET metadata = xray_runs.metadata || EXCLUDED.metadata`,
		p.ID, p.PipelineName, p.PipelineVersion, string(model.RunStatusRunning), md, p.StartTime,
	)
	if err != nil {
		return fmt.Errorf("storage: ensure run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	var rawMD []byte
	err := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM xray_runs WHERE run_id = $1`, id,
	).Scan(
		&run.ID, &run.PipelineName, &run.PipelineVersion, &run.Status,
		&rawMD, &run.StartTime, &run.EndTime, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	if run.Metadata, err = DecodeObject(rawMD); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// FinishRun marks a running run as completed or failed and merges the patch
// into its metadata. It returns the number of rows affected, which is zero
// when the run does not exist or has already finished.
func (db *DB) FinishRun(ctx context.Context, p FinishRunParams) (int64, error) {
	patch, err := EncodeObject(p.MetadataPatch)
	if err != nil {
		return 0, err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE xray_runs SET status = $1, end_time = $2, metadata = metadata || $3::jsonb
		 WHERE run_id = $4 AND status = 'running'`,
		string(p.Status), p.EndTime, patch, p.RunID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: finish run: %w", err)
	}
	return tag.RowsAffected(), nil
}
