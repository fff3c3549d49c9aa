// Package mcp implements the Model Context Protocol server for xray.
//
// The MCP server exposes the read side of the HTTP API (step listings and
// run replay) as MCP tools and resources, so MCP-compatible agents can ask
// why a pipeline produced the output it did.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/xray/internal/storage"
)

// Server wraps the MCP server with xray's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(store storage.Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"xray",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const instructions = `xray records pipeline runs as ordered steps. Each step has a type
(llm, search, filter, rank, select, custom), its inputs and outputs, metrics
such as candidates_in, candidates_out and drop_ratio, and an explanation.

Use xray_list_steps to find steps across runs (for example filter steps that
dropped most of their candidates), then xray_get_run to replay one run step
by step.`

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
