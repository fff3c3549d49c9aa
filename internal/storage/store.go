package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/xray/internal/model"
)

// Store is the persistence collaborator behind ingestion and the read API.
// Conditional updates report how many rows they touched; zero means the
// target does not exist or is already terminal, and callers decide which.
type Store interface {
	// CreateRun inserts a new running run.
	CreateRun(ctx context.Context, p CreateRunParams) (model.Run, error)
	// EnsureRun inserts a running run if p.ID is absent, otherwise merges
	// p.Metadata into the existing run's metadata.
	EnsureRun(ctx context.Context, p CreateRunParams) error
	// GetRun returns ErrNotFound when the run does not exist.
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// FinishRun moves a running run to a terminal status.
	FinishRun(ctx context.Context, p FinishRunParams) (int64, error)

	// StartStep upserts a step keyed by (run_id, seq).
	StartStep(ctx context.Context, p StartStepParams) error
	// EndStep moves a pending step to a terminal status.
	EndStep(ctx context.Context, p EndStepParams) (int64, error)
	// GetStepStatus returns ErrNotFound when the step does not exist.
	GetStepStatus(ctx context.Context, runID uuid.UUID, seq int64) (model.StepStatus, error)
	// ListSteps returns steps joined with their pipeline name, newest first.
	ListSteps(ctx context.Context, q model.StepQuery) ([]model.StepRow, error)
	// ListRunSteps returns a run's steps ordered by seq.
	ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// CreateRunParams describes a run to insert.
type CreateRunParams struct {
	ID              uuid.UUID
	PipelineName    string
	PipelineVersion *string
	Metadata        model.Object
	StartTime       time.Time
}

// FinishRunParams describes a run_finish update.
type FinishRunParams struct {
	RunID         uuid.UUID
	Status        model.RunStatus
	EndTime       time.Time
	MetadataPatch model.Object
}

// StartStepParams describes a step_start upsert. Only these fields are
// overwritten when the step already exists.
type StartStepParams struct {
	RunID     uuid.UUID
	Seq       int64
	Name      string
	Type      model.StepType
	StartTime time.Time
	Inputs    model.Object
}

// EndStepParams describes a step_end update. Explanation must already be
// truncated to model.MaxExplanationLen.
type EndStepParams struct {
	RunID           uuid.UUID
	Seq             int64
	Status          model.StepStatus
	EndTime         time.Time
	Outputs         *model.Value
	Metrics         *model.Metrics
	Explanation     *string
	ExplanationJSON *model.Value
	ArtifactRefs    []model.ArtifactRef
	Warnings        []model.Value
}

// DefaultStepLimit and MaxStepLimit bound ListSteps.
const (
	DefaultStepLimit = 50
	MaxStepLimit     = 1000
)

// ClampLimit applies DefaultStepLimit to non-positive values and caps at
// MaxStepLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultStepLimit
	}
	if limit > MaxStepLimit {
		return MaxStepLimit
	}
	return limit
}
