package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/ingest"
	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/storage/sqlite"
	"github.com/ashita-ai/xray/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

// newTestServer returns an MCP server over a fresh sqlite store, plus the
// ingest service used to seed it.
func newTestServer(t *testing.T) (*Server, *ingest.Service) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "xray.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	return New(store, testutil.TestLogger(), "test"), ingest.NewService(store, testutil.TestLogger())
}

// seedRun records a run of pipeline with a search step and a filter step
// that dropped dropRatio of its candidates.
func seedRun(t *testing.T, svc *ingest.Service, pipeline string, dropRatio float64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	run, err := svc.CreateRun(ctx, model.RunStart{Pipeline: pipeline})
	require.NoError(t, err)
	id := run.ID.String()
	_, err = svc.Apply(ctx, run.ID, []model.Event{
		model.StepStartEvent{RunID: id, Seq: 1, Meta: model.StepMeta{Name: "search", Type: model.StepSearch}},
		model.StepEndEvent{RunID: id, Seq: 1, Payload: model.StepEndPayload{Output: ptr(model.Int(100))}},
		model.StepStartEvent{RunID: id, Seq: 2, Meta: model.StepMeta{Name: "filter", Type: model.StepFilter}},
		model.StepEndEvent{RunID: id, Seq: 2, Payload: model.StepEndPayload{
			Metrics: &model.Metrics{DropRatio: ptr(dropRatio)},
			Why:     ptr("price band"),
		}},
	})
	require.NoError(t, err)
	return run.ID
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestListSteps(t *testing.T) {
	srv, svc := newTestServer(t)
	seedRun(t, svc, "competitor-selection", 0.95)
	seedRun(t, svc, "categorization", 0.2)

	tests := []struct {
		name      string
		args      map[string]any
		wantCount int
	}{
		{name: "no filters", args: map[string]any{}, wantCount: 4},
		{name: "by type", args: map[string]any{"step_type": "filter"}, wantCount: 2},
		{name: "by pipeline", args: map[string]any{"pipeline": "categorization"}, wantCount: 2},
		{name: "by drop ratio", args: map[string]any{"min_drop_ratio": 0.9}, wantCount: 1},
		{name: "drop ratio zero keeps steps with metrics", args: map[string]any{"min_drop_ratio": 0.0}, wantCount: 2},
		{name: "limit", args: map[string]any{"limit": 3}, wantCount: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.handleListSteps(context.Background(), toolRequest("xray_list_steps", tt.args))
			require.NoError(t, err)
			require.False(t, result.IsError, parseToolText(t, result))

			var body struct {
				Steps []model.StepRow `json:"steps"`
				Total int             `json:"total"`
			}
			require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &body))
			assert.Len(t, body.Steps, tt.wantCount)
			assert.Equal(t, tt.wantCount, body.Total)
		})
	}
}

func TestListSteps_InvalidType(t *testing.T) {
	srv, _ := newTestServer(t)
	result, err := srv.handleListSteps(context.Background(),
		toolRequest("xray_list_steps", map[string]any{"step_type": "sort"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "invalid step_type")
}

func TestGetRun(t *testing.T) {
	srv, svc := newTestServer(t)
	runID := seedRun(t, svc, "competitor-selection", 0.5)

	result, err := srv.handleGetRun(context.Background(),
		toolRequest("xray_get_run", map[string]any{"run_id": runID.String()}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var detail model.RunDetail
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &detail))
	assert.Equal(t, runID, detail.Run.ID)
	assert.Equal(t, "competitor-selection", detail.Run.PipelineName)
	require.Len(t, detail.Steps, 2)
	assert.Equal(t, int64(1), detail.Steps[0].Seq)
	assert.Equal(t, int64(2), detail.Steps[1].Seq)
	require.NotNil(t, detail.Steps[1].Explanation)
	assert.Equal(t, "price band", *detail.Steps[1].Explanation)
}

func TestGetRun_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name    string
		args    map[string]any
		wantMsg string
	}{
		{name: "missing", args: map[string]any{}, wantMsg: "run_id is required"},
		{name: "malformed", args: map[string]any{"run_id": "not-a-uuid"}, wantMsg: "invalid run_id"},
		{name: "unknown", args: map[string]any{"run_id": uuid.New().String()}, wantMsg: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.handleGetRun(context.Background(), toolRequest("xray_get_run", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.wantMsg)
		})
	}
}
