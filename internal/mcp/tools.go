package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/storage"
)

func (s *Server) registerTools() {
	// xray_list_steps: cross-run step listing.
	s.mcpServer.AddTool(
		mcplib.NewTool("xray_list_steps",
			mcplib.WithDescription(`List recorded pipeline steps across runs, newest first.

Each row carries the step's run_id, seq, type, status, inputs, outputs,
metrics and explanation, plus the pipeline_name of its run.

EXAMPLE: to find filters that discarded almost everything, call with
step_type="filter" and min_drop_ratio=0.9.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("step_type",
				mcplib.Description("Only steps of this type"),
				mcplib.Enum("llm", "search", "filter", "rank", "select", "custom"),
			),
			mcplib.WithString("pipeline", mcplib.Description("Only steps of runs of this pipeline")),
			mcplib.WithNumber("min_drop_ratio", mcplib.Description("Only steps whose metrics.drop_ratio is at least this value")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum rows to return (default 50, max 1000)")),
		),
		s.handleListSteps,
	)

	// xray_get_run: replay one run.
	s.mcpServer.AddTool(
		mcplib.NewTool("xray_get_run",
			mcplib.WithDescription("Get one run with all of its steps in execution order."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleGetRun,
	)
}

func (s *Server) handleListSteps(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q := model.StepQuery{
		StepType: model.StepType(request.GetString("step_type", "")),
		Pipeline: request.GetString("pipeline", ""),
		Limit:    storage.ClampLimit(request.GetInt("limit", storage.DefaultStepLimit)),
	}
	if q.StepType != "" && !q.StepType.Valid() {
		return errorResult(fmt.Sprintf("invalid step_type: %q", q.StepType)), nil
	}
	if args := request.GetArguments(); args != nil {
		if _, ok := args["min_drop_ratio"]; ok {
			v := request.GetFloat("min_drop_ratio", 0)
			q.MinDropRatio = &v
		}
	}

	rows, err := s.store.ListSteps(ctx, q)
	if err != nil {
		s.logger.Error("mcp: list steps failed", "error", err)
		return errorResult("failed to list steps"), nil
	}
	if rows == nil {
		rows = []model.StepRow{}
	}
	return jsonResult(map[string]any{
		"steps": rows,
		"total": len(rows),
	})
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return errorResult("run_id is required"), nil
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid run_id: %s", raw)), nil
	}

	detail, err := s.runDetail(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run %s not found", runID)), nil
		}
		s.logger.Error("mcp: get run failed", "run_id", runID, "error", err)
		return errorResult("failed to get run"), nil
	}
	return jsonResult(detail)
}

func (s *Server) runDetail(ctx context.Context, runID uuid.UUID) (model.RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	steps, err := s.store.ListRunSteps(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	if steps == nil {
		steps = []model.Step{}
	}
	return model.RunDetail{Run: run, Steps: steps}, nil
}
