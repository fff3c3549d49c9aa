// Package storagetest holds the behavioral tests every storage.Store
// implementation must pass. Implementations call Run from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/storage"
)

// Run exercises store. The store may be shared across subtests; every
// subtest uses its own run IDs and pipeline names.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, storage.Store)
	}{
		{"CreateAndGetRun", testCreateAndGetRun},
		{"GetRunNotFound", testGetRunNotFound},
		{"EnsureRun", testEnsureRun},
		{"FinishRunOnce", testFinishRunOnce},
		{"FinishRunUnknown", testFinishRunUnknown},
		{"StartStepIdempotent", testStartStepIdempotent},
		{"StartStepUnknownRun", testStartStepUnknownRun},
		{"EndStepOnce", testEndStepOnce},
		{"EndStepNeverStarted", testEndStepNeverStarted},
		{"RestartDoesNotReopen", testRestartDoesNotReopen},
		{"ListStepsFilters", testListStepsFilters},
		{"ListRunStepsOrdered", testListRunStepsOrdered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, store) })
	}
}

func ptr[T any](v T) *T { return &v }

func pipelineName(t *testing.T) string {
	return fmt.Sprintf("%s-%s", strings.ToLower(t.Name()), uuid.NewString()[:8])
}

func createRun(t *testing.T, s storage.Store, pipeline string) model.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), storage.CreateRunParams{
		ID:           uuid.New(),
		PipelineName: pipeline,
		StartTime:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return run
}

func startStep(t *testing.T, s storage.Store, runID uuid.UUID, seq int64, name string, typ model.StepType) {
	t.Helper()
	require.NoError(t, s.StartStep(context.Background(), storage.StartStepParams{
		RunID: runID, Seq: seq, Name: name, Type: typ, StartTime: time.Now().UTC(),
	}))
}

func findStep(t *testing.T, s storage.Store, runID uuid.UUID, seq int64) model.Step {
	t.Helper()
	steps, err := s.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	for _, st := range steps {
		if st.Seq == seq {
			return st
		}
	}
	t.Fatalf("step %s/%d not found", runID, seq)
	return model.Step{}
}

func testCreateAndGetRun(t *testing.T, s storage.Store) {
	ctx := context.Background()
	pipeline := pipelineName(t)

	run, err := s.CreateRun(ctx, storage.CreateRunParams{
		ID:              uuid.New(),
		PipelineName:    pipeline,
		PipelineVersion: ptr("v2"),
		Metadata:        model.Object{"env": model.String("test")},
		StartTime:       time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, pipeline, got.PipelineName)
	require.NotNil(t, got.PipelineVersion)
	assert.Equal(t, "v2", *got.PipelineVersion)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Nil(t, got.EndTime)
	assert.True(t, got.Metadata.Equal(model.Object{"env": model.String("test")}))
}

func testGetRunNotFound(t *testing.T, s storage.Store) {
	_, err := s.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testEnsureRun(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uuid.New()
	pipeline := pipelineName(t)

	require.NoError(t, s.EnsureRun(ctx, storage.CreateRunParams{
		ID: id, PipelineName: pipeline, Metadata: model.Object{"a": model.Int(1)},
	}))
	require.NoError(t, s.EnsureRun(ctx, storage.CreateRunParams{
		ID: id, PipelineName: "ignored", Metadata: model.Object{"b": model.Int(2)},
	}))

	got, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline, got.PipelineName, "pipeline of an existing run is kept")
	assert.True(t, got.Metadata.Equal(model.Object{"a": model.Int(1), "b": model.Int(2)}))
}

func testFinishRunOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, pipelineName(t))

	n, err := s.FinishRun(ctx, storage.FinishRunParams{
		RunID:   run.ID,
		Status:  model.RunStatusFailed,
		EndTime: time.Now().UTC(),
		MetadataPatch: model.Object{
			"error": model.ObjectValue(model.Object{"message": model.String("boom")}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.FinishRun(ctx, storage.FinishRunParams{
		RunID:         run.ID,
		Status:        model.RunStatusCompleted,
		EndTime:       time.Now().UTC(),
		MetadataPatch: model.Object{"outcome": model.String("late")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a finished run must not finish again")

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.EndTime)
	msg, ok := got.Metadata["error"].Get("message")
	require.True(t, ok)
	str, _ := msg.Str()
	assert.Equal(t, "boom", str)
	assert.NotContains(t, got.Metadata, "outcome")
}

func testFinishRunUnknown(t *testing.T, s storage.Store) {
	n, err := s.FinishRun(context.Background(), storage.FinishRunParams{
		RunID: uuid.New(), Status: model.RunStatusCompleted, EndTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testStartStepIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, pipelineName(t))

	first := storage.StartStepParams{
		RunID: run.ID, Seq: 1, Name: "search", Type: model.StepSearch,
		StartTime: time.Now().UTC(), Inputs: model.Object{"q": model.String("boots")},
	}
	require.NoError(t, s.StartStep(ctx, first))
	require.NoError(t, s.StartStep(ctx, first))

	steps, err := s.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepStatusPending, steps[0].Status)

	retry := first
	retry.Name = "search-v2"
	retry.Inputs = model.Object{"q": model.String("shoes")}
	require.NoError(t, s.StartStep(ctx, retry))

	got := findStep(t, s, run.ID, 1)
	assert.Equal(t, "search-v2", got.Name)
	assert.True(t, got.Inputs.Equal(model.Object{"q": model.String("shoes")}))
	assert.Equal(t, model.StepStatusPending, got.Status)
}

func testStartStepUnknownRun(t *testing.T, s storage.Store) {
	err := s.StartStep(context.Background(), storage.StartStepParams{
		RunID: uuid.New(), Seq: 1, Name: "x", Type: model.StepCustom, StartTime: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testEndStepOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, pipelineName(t))
	startStep(t, s, run.ID, 1, "filter-categories", model.StepFilter)

	out := model.List(model.String("a"), model.String("b"))
	n, err := s.EndStep(ctx, storage.EndStepParams{
		RunID: run.ID, Seq: 1, Status: model.StepStatusCompleted, EndTime: time.Now().UTC(),
		Outputs:      &out,
		Metrics:      &model.Metrics{CandidatesIn: ptr(100.0), CandidatesOut: ptr(3.0), DropRatio: ptr(0.97)},
		Explanation:  ptr("kept the closest categories"),
		ArtifactRefs: []model.ArtifactRef{{Kind: "blob", URI: "file:///tmp/cands.json"}},
		Warnings:     []model.Value{model.String("slow")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.EndStep(ctx, storage.EndStepParams{
		RunID: run.ID, Seq: 1, Status: model.StepStatusFailed, EndTime: time.Now().UTC(),
		Explanation: ptr("second end"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got := findStep(t, s, run.ID, 1)
	assert.Equal(t, model.StepStatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	require.NotNil(t, got.Outputs)
	assert.True(t, got.Outputs.Equal(out))
	require.NotNil(t, got.Metrics)
	assert.Equal(t, 0.97, *got.Metrics.DropRatio)
	require.NotNil(t, got.Explanation)
	assert.Equal(t, "kept the closest categories", *got.Explanation)
	require.Len(t, got.ArtifactRefs, 1)
	assert.Equal(t, "file:///tmp/cands.json", got.ArtifactRefs[0].URI)
	require.Len(t, got.Warnings, 1)

	status, err := s.GetStepStatus(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, status)
}

func testEndStepNeverStarted(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, pipelineName(t))

	n, err := s.EndStep(ctx, storage.EndStepParams{
		RunID: run.ID, Seq: 7, Status: model.StepStatusCompleted, EndTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = s.GetStepStatus(ctx, run.ID, 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRestartDoesNotReopen(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, pipelineName(t))
	startStep(t, s, run.ID, 1, "rank", model.StepRank)

	out := model.Int(42)
	_, err := s.EndStep(ctx, storage.EndStepParams{
		RunID: run.ID, Seq: 1, Status: model.StepStatusCompleted, EndTime: time.Now().UTC(), Outputs: &out,
	})
	require.NoError(t, err)

	startStep(t, s, run.ID, 1, "rank", model.StepRank)

	got := findStep(t, s, run.ID, 1)
	assert.Equal(t, model.StepStatusCompleted, got.Status, "step_start never resets status")
	require.NotNil(t, got.Outputs)
	assert.True(t, got.Outputs.Equal(out))
}

func testListStepsFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	pipeA := pipelineName(t)
	pipeB := pipelineName(t)

	runA := createRun(t, s, pipeA)
	runB := createRun(t, s, pipeB)

	end := func(runID uuid.UUID, seq int64, drop float64) {
		_, err := s.EndStep(ctx, storage.EndStepParams{
			RunID: runID, Seq: seq, Status: model.StepStatusCompleted, EndTime: time.Now().UTC(),
			Metrics: &model.Metrics{DropRatio: ptr(drop)},
		})
		require.NoError(t, err)
	}

	startStep(t, s, runA.ID, 1, "a-filter", model.StepFilter)
	end(runA.ID, 1, 0.95)
	time.Sleep(2 * time.Millisecond)
	startStep(t, s, runA.ID, 2, "a-rank", model.StepRank)
	time.Sleep(2 * time.Millisecond)
	startStep(t, s, runB.ID, 1, "b-filter", model.StepFilter)
	end(runB.ID, 1, 0.50)

	rows, err := s.ListSteps(ctx, model.StepQuery{Pipeline: pipeA})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a-rank", rows[0].Name, "newest first")
	assert.Equal(t, "a-filter", rows[1].Name)
	assert.Equal(t, pipeA, rows[0].PipelineName)

	rows, err = s.ListSteps(ctx, model.StepQuery{Pipeline: pipeA, StepType: model.StepFilter})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a-filter", rows[0].Name)

	rows, err = s.ListSteps(ctx, model.StepQuery{Pipeline: pipeB, MinDropRatio: ptr(0.9)})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.ListSteps(ctx, model.StepQuery{Pipeline: pipeA, MinDropRatio: ptr(0.9)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.95, *rows[0].Metrics.DropRatio)

	rows, err = s.ListSteps(ctx, model.StepQuery{Pipeline: pipeA, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func testListRunStepsOrdered(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, pipelineName(t))
	for _, seq := range []int64{3, 1, 2} {
		startStep(t, s, run.ID, seq, fmt.Sprintf("step-%d", seq), model.StepCustom)
	}

	steps, err := s.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, int64(i+1), st.Seq)
		assert.Equal(t, run.ID, st.RunID)
	}
}
