package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/xray/internal/model"
)

const stepColumns = `s.run_id, s.seq, s.step_name, s.step_type, s.status, s.start_time, s.end_time,
	s.inputs, s.outputs, s.metrics, s.explanation, s.explanation_json, s.artifact_refs, s.warnings, s.created_at`

// StartStep upserts a step. A new row starts pending; an existing row has only
// its name, type, start time and inputs overwritten.
func (db *DB) StartStep(ctx context.Context, p StartStepParams) error {
	inputs, err := EncodeObject(p.Inputs)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO xray_steps (run_id, seq, step_name, step_type, status, start_time, inputs)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		 ON CONFLICT (run_id, seq) DO UPDATE SET
		   step_name = EXCLUDED.step_name,
		   step_type = EXCLUDED.step_type,
		   start_time = EXCLUDED.start_time,
		   inputs = EXCLUDED.inputs,
		   updated_at = now()`,
		p.RunID, p.Seq, p.Name, string(p.Type), string(model.StepStatusPending), p.StartTime, inputs,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: start step: run %s: %w", p.RunID, ErrNotFound)
		}
		return fmt.Errorf("storage: start step: %w", err)
	}
	return nil
}

// EndStep writes the terminal fields of a pending step. It returns the number
// of rows affected, which is zero when the step was never started or has
// already ended.
func (db *DB) EndStep(ctx context.Context, p EndStepParams) (int64, error) {
	cols, err := EncodeEnd(p)
	if err != nil {
		return 0, err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE xray_steps SET
		   status = $3,
		   end_time = $4,
		   outputs = COALESCE($5::jsonb, outputs),
		   metrics = COALESCE($6::jsonb, metrics),
		   explanation = COALESCE($7, explanation),
		   explanation_json = COALESCE($8::jsonb, explanation_json),
		   artifact_refs = COALESCE($9::jsonb, artifact_refs),
		   warnings = COALESCE($10::jsonb, warnings),
		   updated_at = now()
		 WHERE run_id = $1 AND seq = $2 AND status = 'pending'`,
		p.RunID, p.Seq, string(p.Status), p.EndTime,
		cols.Outputs, cols.Metrics, p.Explanation, cols.ExplanationJSON, cols.ArtifactRefs, cols.Warnings,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: end step: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStepStatus returns the status of step (runID, seq).
func (db *DB) GetStepStatus(ctx context.Context, runID uuid.UUID, seq int64) (model.StepStatus, error) {
	var status model.StepStatus
	err := db.pool.QueryRow(ctx,
		`SELECT status FROM xray_steps WHERE run_id = $1 AND seq = $2`, runID, seq,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: step %s/%d: %w", runID, seq, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get step status: %w", err)
	}
	return status, nil
}

// ListSteps returns steps joined with their run's pipeline name, newest first.
func (db *DB) ListSteps(ctx context.Context, q model.StepQuery) ([]model.StepRow, error) {
	var (
		where []string
		args  []any
	)
	if q.StepType != "" {
		args = append(args, string(q.StepType))
		where = append(where, fmt.Sprintf("s.step_type = $%d", len(args)))
	}
	if q.Pipeline != "" {
		args = append(args, q.Pipeline)
		where = append(where, fmt.Sprintf("r.pipeline_name = $%d", len(args)))
	}
	if q.MinDropRatio != nil {
		args = append(args, *q.MinDropRatio)
		where = append(where, fmt.Sprintf("(s.metrics->>'drop_ratio')::double precision >= $%d", len(args)))
	}

	query := `SELECT ` + stepColumns + `, r.pipeline_name
		FROM xray_steps s JOIN xray_runs r ON r.run_id = s.run_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, ClampLimit(q.Limit))
	query += fmt.Sprintf(" ORDER BY s.created_at DESC, s.seq DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	steps := []model.StepRow{}
	for rows.Next() {
		var row model.StepRow
		if err := scanStep(rows, &row.Step, &row.PipelineName); err != nil {
			return nil, err
		}
		steps = append(steps, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	return steps, nil
}

// ListRunSteps returns the steps of a run ordered by seq.
func (db *DB) ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM xray_steps s WHERE s.run_id = $1 ORDER BY s.seq`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list run steps: %w", err)
	}
	defer rows.Close()

	steps := []model.Step{}
	for rows.Next() {
		var s model.Step
		if err := scanStep(rows, &s); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list run steps: %w", err)
	}
	return steps, nil
}

func scanStep(row pgx.Row, s *model.Step, extra ...any) error {
	var cols StepColumns
	dest := []any{
		&s.RunID, &s.Seq, &s.Name, &s.Type, &s.Status, &s.StartTime, &s.EndTime,
		&cols.Inputs, &cols.Outputs, &cols.Metrics, &s.Explanation, &cols.ExplanationJSON,
		&cols.ArtifactRefs, &cols.Warnings, &s.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return fmt.Errorf("storage: scan step: %w", err)
	}
	return cols.Decode(s)
}
