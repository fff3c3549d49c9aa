package ingest_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/xray/internal/ingest"
	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/storage"
	"github.com/ashita-ai/xray/internal/storage/sqlite"
	"github.com/ashita-ai/xray/internal/testutil"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newService(t *testing.T) (*ingest.Service, storage.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "xray.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	svc := ingest.NewService(store, testutil.TestLogger(), ingest.WithClock(func() time.Time { return fixedNow }))
	return svc, store
}

func newRun(t *testing.T, svc *ingest.Service, pipeline string) uuid.UUID {
	t.Helper()
	run, err := svc.CreateRun(context.Background(), model.RunStart{Pipeline: pipeline})
	require.NoError(t, err)
	return run.ID
}

func stepStart(runID uuid.UUID, seq int64, name string, typ model.StepType) model.StepStartEvent {
	return model.StepStartEvent{RunID: runID.String(), Seq: seq, Meta: model.StepMeta{Name: name, Type: typ}}
}

func getStep(t *testing.T, store storage.Store, runID uuid.UUID, seq int64) model.Step {
	t.Helper()
	steps, err := store.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.Seq == seq {
			return s
		}
	}
	t.Fatalf("step %d not found", seq)
	return model.Step{}
}

func TestCreateRun(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, model.RunStart{
		Pipeline:        "competitor-selection",
		PipelineVersion: ptr("1.2.0"),
		Entity:          &model.Entity{Type: "product", ID: "sku-9"},
		Tags:            model.Object{"env": model.String("staging")},
	})
	require.NoError(t, err)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, "1.2.0", *got.PipelineVersion)
	assert.Contains(t, got.Metadata, "env")
	assert.Contains(t, got.Metadata, "entity")
	assert.True(t, fixedNow.Equal(got.StartTime))
}

func TestCreateRun_MissingPipeline(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.CreateRun(context.Background(), model.RunStart{})
	assert.ErrorIs(t, err, ingest.ErrInvalidRun)
}

// A step whose function recorded candidate counts and a drop ratio completes
// with the metrics persisted.
func TestApply_StepCompletesWithMetrics(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	res, err := svc.Apply(ctx, runID, []model.Event{
		stepStart(runID, 1, "filter-categories", model.StepFilter),
		model.StepEndEvent{RunID: runID.String(), Seq: 1, Payload: model.StepEndPayload{
			Output:  ptr(model.List(model.String("shoes"))),
			Metrics: &model.Metrics{CandidatesIn: ptr(100.0), CandidatesOut: ptr(3.0), DropRatio: ptr(0.97)},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Empty(t, res.Anomalies)

	step := getStep(t, store, runID, 1)
	assert.Equal(t, model.StepStatusCompleted, step.Status)
	require.NotNil(t, step.Metrics)
	assert.Equal(t, 0.97, *step.Metrics.DropRatio)
	require.NotNil(t, step.EndTime)
	assert.True(t, fixedNow.Equal(*step.EndTime), "missing ts defaults to receipt time")
}

func TestApply_FailedStepRecordsExplanation(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	_, err := svc.Apply(ctx, runID, []model.Event{
		stepStart(runID, 1, "select-best", model.StepSelect),
		model.StepEndEvent{RunID: runID.String(), Seq: 1, Payload: model.StepEndPayload{
			Output: ptr(model.ErrorMarker("No candidates left!")),
			Why:    ptr("No candidates left!"),
		}},
	})
	require.NoError(t, err)

	step := getStep(t, store, runID, 1)
	assert.Equal(t, model.StepStatusFailed, step.Status)
	require.NotNil(t, step.Explanation)
	assert.Contains(t, *step.Explanation, "No candidates left!")
}

func TestApply_ErrorWithoutWhyBecomesExplanation(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	_, err := svc.Apply(ctx, runID, []model.Event{
		stepStart(runID, 1, "llm", model.StepLLM),
		model.StepEndEvent{RunID: runID.String(), Seq: 1, Payload: model.StepEndPayload{
			Error: ptr(model.ObjectValue(model.Object{"message": model.String("rate limited")})),
		}},
	})
	require.NoError(t, err)

	step := getStep(t, store, runID, 1)
	assert.Equal(t, model.StepStatusFailed, step.Status)
	assert.Equal(t, "rate limited", *step.Explanation)
}

func TestApply_RunFinishFailureMergesError(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	run, err := svc.CreateRun(ctx, model.RunStart{Pipeline: "p1", Tags: model.Object{"env": model.String("ci")}})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, run.ID, []model.Event{
		model.RunFinishEvent{RunID: run.ID.String(), Finish: model.RunFinish{
			Status: model.FinishFailure,
			Error:  ptr(model.ObjectValue(model.Object{"message": model.String("boom")})),
		}},
	})
	require.NoError(t, err)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	msg, ok := got.Metadata["error"].Get("message")
	require.True(t, ok)
	s, _ := msg.Str()
	assert.Equal(t, "boom", s)
	assert.Contains(t, got.Metadata, "env", "finish merges rather than replaces metadata")
}

func TestApply_FinishStatusMapping(t *testing.T) {
	tests := []struct {
		status model.FinishStatus
		want   model.RunStatus
	}{
		{model.FinishSuccess, model.RunStatusCompleted},
		{model.FinishFailure, model.RunStatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			svc, store := newService(t)
			runID := newRun(t, svc, "p1")
			_, err := svc.Apply(context.Background(), runID, []model.Event{
				model.RunFinishEvent{RunID: runID.String(), Finish: model.RunFinish{Status: tt.status}},
			})
			require.NoError(t, err)
			got, err := store.GetRun(context.Background(), runID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestApply_ExplanationTruncated(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	_, err := svc.Apply(ctx, runID, []model.Event{
		stepStart(runID, 1, "llm", model.StepLLM),
		model.StepEndEvent{RunID: runID.String(), Seq: 1, Payload: model.StepEndPayload{
			Why: ptr(strings.Repeat("why ", 1000)),
		}},
	})
	require.NoError(t, err)

	step := getStep(t, store, runID, 1)
	require.NotNil(t, step.Explanation)
	assert.Equal(t, model.MaxExplanationLen, utf8.RuneCountInString(*step.Explanation))
}

func TestApply_StepStartTwiceIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	ev := stepStart(runID, 1, "search", model.StepSearch)
	ev.Input = model.Object{"q": model.String("boots")}
	_, err := svc.Apply(ctx, runID, []model.Event{ev})
	require.NoError(t, err)
	once := getStep(t, store, runID, 1)

	_, err = svc.Apply(ctx, runID, []model.Event{ev})
	require.NoError(t, err)
	twice := getStep(t, store, runID, 1)

	assert.Equal(t, once.Name, twice.Name)
	assert.Equal(t, once.Status, twice.Status)
	assert.True(t, once.Inputs.Equal(twice.Inputs))
	assert.True(t, once.StartTime.Equal(twice.StartTime))

	steps, err := store.ListRunSteps(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestApply_StepEndWithoutStartIsAnomaly(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	res, err := svc.Apply(ctx, runID, []model.Event{
		model.StepEndEvent{RunID: runID.String(), Seq: 5},
	})
	require.NoError(t, err, "anomalies do not fail the batch")
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, ingest.AnomalyNotFound, res.Anomalies[0].Kind)
	assert.Equal(t, model.EventStepEnd, res.Anomalies[0].Event)
	assert.Equal(t, int64(5), res.Anomalies[0].Seq)

	steps, err := store.ListRunSteps(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestApply_SecondStepEndIsAlreadyTerminal(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	_, err := svc.Apply(ctx, runID, []model.Event{
		stepStart(runID, 1, "rank", model.StepRank),
		model.StepEndEvent{RunID: runID.String(), Seq: 1, Payload: model.StepEndPayload{Why: ptr("first")}},
	})
	require.NoError(t, err)

	res, err := svc.Apply(ctx, runID, []model.Event{
		model.StepEndEvent{RunID: runID.String(), Seq: 1, Payload: model.StepEndPayload{
			Why: ptr("second"), Error: ptr(model.String("late")),
		}},
	})
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, ingest.AnomalyAlreadyTerminal, res.Anomalies[0].Kind)
	assert.NotEmpty(t, res.Anomalies[0].Detail)

	step := getStep(t, store, runID, 1)
	assert.Equal(t, model.StepStatusCompleted, step.Status)
	assert.Equal(t, "first", *step.Explanation)
}

func TestApply_UnknownFinishStatusRejected(t *testing.T) {
	svc, store := newService(t)
	runID := newRun(t, svc, "p1")
	_, err := svc.Apply(context.Background(), runID, []model.Event{
		model.RunFinishEvent{RunID: runID.String(), Finish: model.RunFinish{Status: "bogus"}},
	})
	require.ErrorIs(t, err, ingest.ErrInvalidBatch)

	got, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestApply_SecondRunFinishIsAlreadyTerminal(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	finish := func(status model.FinishStatus) ingest.Result {
		res, err := svc.Apply(ctx, runID, []model.Event{
			model.RunFinishEvent{RunID: runID.String(), Finish: model.RunFinish{Status: status}},
		})
		require.NoError(t, err)
		return res
	}
	assert.Empty(t, finish(model.FinishSuccess).Anomalies)
	res := finish(model.FinishFailure)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, ingest.AnomalyAlreadyTerminal, res.Anomalies[0].Kind)

	got, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
}

func TestApply_InvalidEventRejectsWholeBatch(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := newRun(t, svc, "p1")

	_, err := svc.Apply(ctx, runID, []model.Event{
		stepStart(runID, 1, "ok", model.StepCustom),
		model.StepStartEvent{RunID: runID.String(), Seq: 0, Meta: model.StepMeta{Name: "bad", Type: model.StepCustom}},
	})
	require.ErrorIs(t, err, ingest.ErrInvalidBatch)

	steps, err := store.ListRunSteps(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, steps, "nothing is applied from a rejected batch")
}

func TestApply_MismatchedRunIDRejected(t *testing.T) {
	svc, _ := newService(t)
	runID := newRun(t, svc, "p1")

	_, err := svc.Apply(context.Background(), runID, []model.Event{
		stepStart(uuid.New(), 1, "x", model.StepCustom),
	})
	assert.ErrorIs(t, err, ingest.ErrInvalidBatch)
}

func TestApply_UnknownRun(t *testing.T) {
	svc, _ := newService(t)
	runID := uuid.New()

	_, err := svc.Apply(context.Background(), runID, []model.Event{
		stepStart(runID, 1, "x", model.StepCustom),
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApply_RunStartCreatesRun(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	runID := uuid.New()

	_, err := svc.Apply(ctx, runID, []model.Event{
		model.RunStartEvent{RunID: runID.String(), Run: model.RunStart{Pipeline: "offline-import"}},
		stepStart(runID, 1, "x", model.StepCustom),
	})
	require.NoError(t, err)

	got, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "offline-import", got.PipelineName)
	assert.Equal(t, "x", getStep(t, store, runID, 1).Name)
}

func TestApply_ConcurrentRunsDoNotInterfere(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	runs := []uuid.UUID{newRun(t, svc, "p-a"), newRun(t, svc, "p-b")}

	var g errgroup.Group
	for i, runID := range runs {
		g.Go(func() error {
			for seq := int64(1); seq <= 4; seq++ {
				name := fmt.Sprintf("run%d-step%d", i, seq)
				_, err := svc.Apply(ctx, runID, []model.Event{
					stepStart(runID, seq, name, model.StepCustom),
					model.StepEndEvent{RunID: runID.String(), Seq: seq, Payload: model.StepEndPayload{
						Output: ptr(model.String(name)),
					}},
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i, runID := range runs {
		steps, err := store.ListRunSteps(ctx, runID)
		require.NoError(t, err)
		require.Len(t, steps, 4)
		for j, s := range steps {
			assert.Equal(t, int64(j+1), s.Seq)
			assert.Equal(t, fmt.Sprintf("run%d-step%d", i, j+1), s.Name)
			assert.Equal(t, model.StepStatusCompleted, s.Status)
		}
	}
}

// flakyStore fails the first writes of each kind with a transient error.
type flakyStore struct {
	storage.Store
	startFailures int
	endFailures   int
	endErr        error
}

func (f *flakyStore) StartStep(ctx context.Context, p storage.StartStepParams) error {
	if f.startFailures > 0 {
		f.startFailures--
		return fmt.Errorf("storage: start step: %w", &pgconn.PgError{Code: "40P01"})
	}
	return f.Store.StartStep(ctx, p)
}

func (f *flakyStore) EndStep(ctx context.Context, p storage.EndStepParams) (int64, error) {
	if f.endFailures > 0 {
		f.endFailures--
		return 0, f.endErr
	}
	return f.Store.EndStep(ctx, p)
}

func newFlakyService(t *testing.T, flaky *flakyStore) *ingest.Service {
	t.Helper()
	_, store := newService(t)
	flaky.Store = store
	return ingest.NewService(flaky, testutil.TestLogger(),
		ingest.WithClock(func() time.Time { return fixedNow }),
		ingest.WithRetryPolicy(storage.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	)
}

func TestApply_RetriesTransientWriteFailures(t *testing.T) {
	flaky := &flakyStore{
		startFailures: 2,
		endFailures:   1,
		endErr:        &pgconn.PgError{Code: "40001"},
	}
	svc := newFlakyService(t, flaky)
	runID := newRun(t, svc, "flaky")

	res, err := svc.Apply(context.Background(), runID, []model.Event{
		stepStart(runID, 1, "rank", model.StepRank),
		model.StepEndEvent{RunID: runID.String(), Seq: 1, Payload: model.StepEndPayload{Output: ptr(model.Int(1))}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, model.StepStatusCompleted, getStep(t, flaky.Store, runID, 1).Status)
}

func TestApply_PersistentFailureStopsBatch(t *testing.T) {
	flaky := &flakyStore{endFailures: 10, endErr: &pgconn.PgError{Code: "40001"}}
	svc := newFlakyService(t, flaky)
	runID := newRun(t, svc, "flaky")

	res, err := svc.Apply(context.Background(), runID, []model.Event{
		stepStart(runID, 1, "rank", model.StepRank),
		model.StepEndEvent{RunID: runID.String(), Seq: 1},
	})
	require.Error(t, err)
	assert.Equal(t, 1, res.Applied, "the step_start before the failure stays applied")
	assert.Equal(t, 7, flaky.endFailures, "three attempts were made")
	assert.Equal(t, model.StepStatusPending, getStep(t, flaky.Store, runID, 1).Status)
}

func TestApply_PermanentFailureIsNotRetried(t *testing.T) {
	flaky := &flakyStore{endFailures: 10, endErr: fmt.Errorf("storage: end step: %w", &pgconn.PgError{Code: "22P02"})}
	svc := newFlakyService(t, flaky)
	runID := newRun(t, svc, "flaky")

	_, err := svc.Apply(context.Background(), runID, []model.Event{
		stepStart(runID, 1, "rank", model.StepRank),
		model.StepEndEvent{RunID: runID.String(), Seq: 1},
	})
	require.Error(t, err)
	assert.Equal(t, 9, flaky.endFailures)
}
