package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/xray/internal/model"
)

const (
	recentStepsURI = "xray://steps/recent"
	runURIPrefix   = "xray://runs/"
)

func (s *Server) registerResources() {
	// xray://steps/recent: the latest steps across all runs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentStepsURI,
			"Recent Steps",
			mcplib.WithResourceDescription("The 20 most recently recorded steps across all runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentSteps,
	)

	// xray://runs/{run_id}: one run with its steps.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{run_id}",
			"Run",
			mcplib.WithTemplateDescription("A run and its steps in seq order"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func (s *Server) handleRecentSteps(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	rows, err := s.store.ListSteps(ctx, model.StepQuery{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent steps: %w", err)
	}
	if rows == nil {
		rows = []model.StepRow{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal steps: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      recentStepsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, err := parseRunURI(uri)
	if err != nil {
		return nil, err
	}
	detail, err := s.runDetail(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseRunURI extracts the run ID from xray://runs/{run_id}.
func parseRunURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %q", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid run_id in URI: %q", uri)
	}
	return id, nil
}
