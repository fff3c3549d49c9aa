package xray_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/xray/internal/auth"
	"github.com/ashita-ai/xray/internal/ingest"
	"github.com/ashita-ai/xray/internal/server"
	"github.com/ashita-ai/xray/internal/storage/sqlite"
	"github.com/ashita-ai/xray/internal/testutil"
	"github.com/ashita-ai/xray/sdk/go/xray"
)

// newLiveServer starts a real xray server on an embedded store.
// A non-empty apiKey enables authentication.
func newLiveServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	logger := testutil.TestLogger()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "xray.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	cfg := server.ServerConfig{
		Store:               store,
		Ingest:              ingest.NewService(store, logger),
		Logger:              logger,
		Version:             "test",
		StoreName:           "sqlite",
		MaxRequestBodyBytes: 1 << 20,
	}
	if apiKey != "" {
		hash, err := auth.HashAPIKey(apiKey)
		require.NoError(t, err)
		jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
		require.NoError(t, err)
		cfg.JWTMgr = jwtMgr
		cfg.APIKeyHash = hash
	}

	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newLiveClient(t *testing.T, baseURL, apiKey string) *xray.Client {
	t.Helper()
	c, err := xray.NewClient(xray.Config{BaseURL: baseURL, APIKey: apiKey, Logger: testutil.TestLogger()})
	require.NoError(t, err)
	return c
}

func TestScenarioFilterStepMetrics(t *testing.T) {
	srv := newLiveServer(t, "")
	client := newLiveClient(t, srv.URL, "")
	ctx := context.Background()

	run, err := client.StartRun(ctx, xray.RunConfig{Pipeline: "p1"})
	require.NoError(t, err)

	_, err = run.Step(ctx, "filter-categories", xray.StepFilter, func(ctx context.Context, sc *xray.StepContext) (xray.Value, error) {
		require.NoError(t, sc.AddMetric(xray.MetricCandidatesIn, xray.Int(100)))
		require.NoError(t, sc.AddMetric(xray.MetricCandidatesOut, xray.Int(3)))
		require.NoError(t, sc.AddMetric(xray.MetricDropRatio, xray.Number(0.97)))
		return xray.List(xray.String("a"), xray.String("b"), xray.String("c")), nil
	})
	require.NoError(t, err)
	assert.Zero(t, run.Dropped())

	detail, err := client.GetRun(ctx, run.ID())
	require.NoError(t, err)
	require.Len(t, detail.Steps, 1)
	step := detail.Steps[0]
	assert.Equal(t, int64(1), step.Seq)
	assert.Equal(t, "filter-categories", step.Name)
	assert.Equal(t, xray.StepStatus("completed"), step.Status)
	require.NotNil(t, step.Metrics)
	require.NotNil(t, step.Metrics.DropRatio)
	assert.InDelta(t, 0.97, *step.Metrics.DropRatio, 1e-9)
	assert.NotNil(t, step.EndTime)

	rows, err := client.ListSteps(ctx, &xray.ListStepsOptions{StepType: xray.StepFilter, Pipeline: "p1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].PipelineName)
}

func TestScenarioFailedStep(t *testing.T) {
	srv := newLiveServer(t, "")
	client := newLiveClient(t, srv.URL, "")
	ctx := context.Background()

	run, err := client.StartRun(ctx, xray.RunConfig{Pipeline: "p2"})
	require.NoError(t, err)

	cause := errors.New("No candidates left!")
	_, err = run.Step(ctx, "select-best", xray.StepSelect, func(ctx context.Context, sc *xray.StepContext) (xray.Value, error) {
		return xray.Value{}, cause
	})
	require.ErrorIs(t, err, cause)

	detail, err := client.GetRun(ctx, run.ID())
	require.NoError(t, err)
	require.Len(t, detail.Steps, 1)
	step := detail.Steps[0]
	assert.Equal(t, xray.StepStatus("failed"), step.Status)
	require.NotNil(t, step.Explanation)
	assert.Contains(t, *step.Explanation, "No candidates left!")
}

func TestScenarioFinishWithError(t *testing.T) {
	srv := newLiveServer(t, "")
	client := newLiveClient(t, srv.URL, "")
	ctx := context.Background()

	run, err := client.StartRun(ctx, xray.RunConfig{Pipeline: "p3"})
	require.NoError(t, err)

	d := run.Finish(ctx, nil, errors.New("boom"))
	require.True(t, d.OK(), "delivery: %+v", d)

	detail, err := client.GetRun(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, xray.RunStatus("failed"), detail.Run.Status)
	assert.NotNil(t, detail.Run.EndTime)
	errVal, ok := detail.Run.Metadata["error"]
	require.True(t, ok, "metadata.error missing")
	msg, ok := errVal.Get("message")
	require.True(t, ok)
	s, _ := msg.Str()
	assert.Equal(t, "boom", s)
}

func TestScenarioConcurrentRuns(t *testing.T) {
	srv := newLiveServer(t, "")
	client := newLiveClient(t, srv.URL, "")
	ctx := context.Background()

	const steps = 4
	pipelines := []string{"concurrent-a", "concurrent-b"}
	runs := make([]*xray.Run, len(pipelines))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pipelines {
		g.Go(func() error {
			run, err := client.StartRun(gctx, xray.RunConfig{Pipeline: p})
			if err != nil {
				return err
			}
			runs[i] = run
			for n := 1; n <= steps; n++ {
				name := fmt.Sprintf("%s-step-%d", p, n)
				if _, err := run.Step(gctx, name, xray.StepCustom, func(ctx context.Context, sc *xray.StepContext) (xray.Value, error) {
					return xray.String(p), nil
				}); err != nil {
					return err
				}
			}
			if d := run.Finish(gctx, nil, nil); !d.OK() {
				return d.Err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NotEqual(t, runs[0].ID(), runs[1].ID())

	for i, run := range runs {
		detail, err := client.GetRun(ctx, run.ID())
		require.NoError(t, err)
		assert.Equal(t, xray.RunStatus("completed"), detail.Run.Status)
		require.Len(t, detail.Steps, steps)
		for n, step := range detail.Steps {
			assert.Equal(t, run.ID(), step.RunID)
			assert.Equal(t, int64(n+1), step.Seq)
			assert.Equal(t, fmt.Sprintf("%s-step-%d", pipelines[i], n+1), step.Name)
			assert.Equal(t, xray.StepStatus("completed"), step.Status)
		}
		assert.Zero(t, run.Dropped())
	}
}

func TestAuthenticatedClient(t *testing.T) {
	srv := newLiveServer(t, "secret-key")
	ctx := context.Background()

	client := newLiveClient(t, srv.URL, "secret-key")
	run, err := client.StartRun(ctx, xray.RunConfig{Pipeline: "authed"})
	require.NoError(t, err)
	_, err = run.Step(ctx, "llm-call", xray.StepLLM, func(ctx context.Context, sc *xray.StepContext) (xray.Value, error) {
		return xray.String("answer"), sc.AddMetric(xray.MetricModel, xray.String("gpt-4o"))
	})
	require.NoError(t, err)
	assert.Zero(t, run.Dropped())

	bad := newLiveClient(t, srv.URL, "wrong-key")
	_, err = bad.StartRun(ctx, xray.RunConfig{Pipeline: "authed"})
	assert.True(t, xray.IsUnauthorized(err), "got %v", err)

	anon := newLiveClient(t, srv.URL, "")
	_, err = anon.GetRun(ctx, run.ID())
	assert.True(t, xray.IsUnauthorized(err), "got %v", err)

	h, err := anon.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "connected", h.Store)
}
