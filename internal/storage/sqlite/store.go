// Package sqlite provides an embedded storage.Store on modernc.org/sqlite.
//
// Timestamps are stored as fixed-width UTC text so lexical order matches time
// order. JSON columns are stored as TEXT and queried with the JSON1 functions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/storage"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

var _ storage.Store = (*Store)(nil)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the database at path and initializes the schema.
// ":memory:" gives a private in-memory database.
func New(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS xray_runs (
			run_id TEXT PRIMARY KEY,
			pipeline_name TEXT NOT NULL,
			pipeline_version TEXT,
			status TEXT NOT NULL DEFAULT 'running',
			metadata TEXT NOT NULL DEFAULT '{}',
			start_time TEXT NOT NULL,
			end_time TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS xray_steps (
			run_id TEXT NOT NULL REFERENCES xray_runs (run_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			start_time TEXT NOT NULL,
			end_time TEXT,
			inputs TEXT NOT NULL DEFAULT '{}',
			outputs TEXT,
			metrics TEXT,
			explanation TEXT,
			explanation_json TEXT,
			artifact_refs TEXT,
			warnings TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_xray_runs_pipeline ON xray_runs (pipeline_name)`,
		`CREATE INDEX IF NOT EXISTS idx_xray_steps_created ON xray_steps (created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close database", "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// text converts an encoded JSON column to a driver value. Raw []byte would be
// stored as a BLOB, which the JSON1 functions do not read as text.
func text(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// CreateRun inserts a new running run and returns it.
func (s *Store) CreateRun(ctx context.Context, p storage.CreateRunParams) (model.Run, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Now()
	}
	md, err := storage.EncodeObject(p.Metadata)
	if err != nil {
		return model.Run{}, err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO xray_runs (run_id, pipeline_name, pipeline_version, status, metadata, start_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.PipelineName, p.PipelineVersion, string(model.RunStatusRunning),
		string(md), formatTime(p.StartTime), formatTime(now),
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: create run: %w", err)
	}
	return s.GetRun(ctx, p.ID)
}

// EnsureRun inserts the run if absent, otherwise merges metadata into it.
func (s *Store) EnsureRun(ctx context.Context, p storage.CreateRunParams) error {
	if p.StartTime.IsZero() {
		p.StartTime = time.Now()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT metadata FROM xray_runs WHERE run_id = ?`, p.ID.String()).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			md, err := storage.EncodeObject(p.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO xray_runs (run_id, pipeline_name, pipeline_version, status, metadata, start_time, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				p.ID.String(), p.PipelineName, p.PipelineVersion, string(model.RunStatusRunning),
				string(md), formatTime(p.StartTime), formatTime(time.Now()),
			)
			if err != nil {
				return fmt.Errorf("sqlite: ensure run: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("sqlite: ensure run: %w", err)
		}

		current, err := storage.DecodeObject([]byte(raw))
		if err != nil {
			return err
		}
		md, err := storage.EncodeObject(current.Merge(p.Metadata))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE xray_runs SET metadata = ? WHERE run_id = ?`, string(md), p.ID.String(),
		); err != nil {
			return fmt.Errorf("sqlite: ensure run: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var (
		run                model.Run
		rawID, rawMD       string
		startTime, created string
		endTime            sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, pipeline_name, pipeline_version, status, metadata, start_time, end_time, created_at
		 FROM xray_runs WHERE run_id = ?`, id.String(),
	).Scan(&rawID, &run.PipelineName, &run.PipelineVersion, &run.Status, &rawMD, &startTime, &endTime, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	if run.ID, err = uuid.Parse(rawID); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: parse run id: %w", err)
	}
	if run.Metadata, err = storage.DecodeObject([]byte(rawMD)); err != nil {
		return model.Run{}, err
	}
	if run.StartTime, err = parseTime(startTime); err != nil {
		return model.Run{}, err
	}
	if run.EndTime, err = parseNullTime(endTime); err != nil {
		return model.Run{}, err
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// FinishRun marks a running run as completed or failed and merges the patch
// into its metadata. Zero rows are affected when the run does not exist or
// has already finished.
func (s *Store) FinishRun(ctx context.Context, p storage.FinishRunParams) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT metadata FROM xray_runs WHERE run_id = ? AND status = 'running'`, p.RunID.String(),
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("sqlite: finish run: %w", err)
		}

		current, err := storage.DecodeObject([]byte(raw))
		if err != nil {
			return err
		}
		md, err := storage.EncodeObject(current.Merge(p.MetadataPatch))
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE xray_runs SET status = ?, end_time = ?, metadata = ?
			 WHERE run_id = ? AND status = 'running'`,
			string(p.Status), formatTime(p.EndTime), string(md), p.RunID.String(),
		)
		if err != nil {
			return fmt.Errorf("sqlite: finish run: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// StartStep upserts a step. A new row starts pending; an existing row has only
// its name, type, start time and inputs overwritten.
func (s *Store) StartStep(ctx context.Context, p storage.StartStepParams) error {
	inputs, err := storage.EncodeObject(p.Inputs)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM xray_runs WHERE run_id = ?`, p.RunID.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: start step: run %s: %w", p.RunID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlite: start step: %w", err)
		}

		now := formatTime(time.Now())
		_, err = tx.ExecContext(ctx,
			`INSERT INTO xray_steps (run_id, seq, step_name, step_type, status, start_time, inputs, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, seq) DO UPDATE SET
			   step_name = excluded.step_name,
			   step_type = excluded.step_type,
			   start_time = excluded.start_time,
			   inputs = excluded.inputs,
			   updated_at = excluded.updated_at`,
			p.RunID.String(), p.Seq, p.Name, string(p.Type), string(model.StepStatusPending),
			formatTime(p.StartTime), string(inputs), now, now,
		)
		if err != nil {
			return fmt.Errorf("sqlite: start step: %w", err)
		}
		return nil
	})
}

// EndStep writes the terminal fields of a pending step and returns the number
// of rows affected.
func (s *Store) EndStep(ctx context.Context, p storage.EndStepParams) (int64, error) {
	cols, err := storage.EncodeEnd(p)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE xray_steps SET
		   status = ?,
		   end_time = ?,
		   outputs = COALESCE(?, outputs),
		   metrics = COALESCE(?, metrics),
		   explanation = COALESCE(?, explanation),
		   explanation_json = COALESCE(?, explanation_json),
		   artifact_refs = COALESCE(?, artifact_refs),
		   warnings = COALESCE(?, warnings),
		   updated_at = ?
		 WHERE run_id = ? AND seq = ? AND status = 'pending'`,
		string(p.Status), formatTime(p.EndTime),
		text(cols.Outputs), text(cols.Metrics), p.Explanation, text(cols.ExplanationJSON),
		text(cols.ArtifactRefs), text(cols.Warnings), formatTime(time.Now()),
		p.RunID.String(), p.Seq,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: end step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: end step: %w", err)
	}
	return n, nil
}

// GetStepStatus returns the status of step (runID, seq).
func (s *Store) GetStepStatus(ctx context.Context, runID uuid.UUID, seq int64) (model.StepStatus, error) {
	var status model.StepStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM xray_steps WHERE run_id = ? AND seq = ?`, runID.String(), seq,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("sqlite: step %s/%d: %w", runID, seq, storage.ErrNotFound)
		}
		return "", fmt.Errorf("sqlite: get step status: %w", err)
	}
	return status, nil
}

const stepColumns = `s.run_id, s.seq, s.step_name, s.step_type, s.status, s.start_time, s.end_time,
	s.inputs, s.outputs, s.metrics, s.explanation, s.explanation_json, s.artifact_refs, s.warnings, s.created_at`

// ListSteps returns steps joined with their run's pipeline name, newest first.
func (s *Store) ListSteps(ctx context.Context, q model.StepQuery) ([]model.StepRow, error) {
	var (
		where []string
		args  []any
	)
	if q.StepType != "" {
		where = append(where, "s.step_type = ?")
		args = append(args, string(q.StepType))
	}
	if q.Pipeline != "" {
		where = append(where, "r.pipeline_name = ?")
		args = append(args, q.Pipeline)
	}
	if q.MinDropRatio != nil {
		where = append(where, "CAST(json_extract(s.metrics, '$.drop_ratio') AS REAL) >= ?")
		args = append(args, *q.MinDropRatio)
	}

	query := `SELECT ` + stepColumns + `, r.pipeline_name
		FROM xray_steps s JOIN xray_runs r ON r.run_id = s.run_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.created_at DESC, s.rowid DESC LIMIT ?"
	args = append(args, storage.ClampLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps := []model.StepRow{}
	for rows.Next() {
		var row model.StepRow
		if err := scanStep(rows, &row.Step, &row.PipelineName); err != nil {
			return nil, err
		}
		steps = append(steps, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list steps: %w", err)
	}
	return steps, nil
}

// ListRunSteps returns the steps of a run ordered by seq.
func (s *Store) ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM xray_steps s WHERE s.run_id = ? ORDER BY s.seq`, runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list run steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps := []model.Step{}
	for rows.Next() {
		var st model.Step
		if err := scanStep(rows, &st); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list run steps: %w", err)
	}
	return steps, nil
}

func scanStep(rows *sql.Rows, st *model.Step, extra ...any) error {
	var (
		cols               storage.StepColumns
		rawID              string
		startTime, created string
		endTime            sql.NullString
	)
	dest := []any{
		&rawID, &st.Seq, &st.Name, &st.Type, &st.Status, &startTime, &endTime,
		&cols.Inputs, &cols.Outputs, &cols.Metrics, &st.Explanation, &cols.ExplanationJSON,
		&cols.ArtifactRefs, &cols.Warnings, &created,
	}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return fmt.Errorf("sqlite: scan step: %w", err)
	}
	var err error
	if st.RunID, err = uuid.Parse(rawID); err != nil {
		return fmt.Errorf("sqlite: parse run id: %w", err)
	}
	if st.StartTime, err = parseTime(startTime); err != nil {
		return err
	}
	if st.EndTime, err = parseNullTime(endTime); err != nil {
		return err
	}
	if st.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	return cols.Decode(st)
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}
