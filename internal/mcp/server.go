// Package mcp exposes the operator operations as MCP tools over stdio, so
// an operator's agent can drive the control-plane directly.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/l1x/crabitat/internal/engine"
	"github.com/l1x/crabitat/internal/store"
)

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(st *store.Store, eng *engine.Engine, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		store:  st,
		engine: eng,
		logger: logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"crabitat",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("crabitat_create_mission",
		mcp.WithDescription("Submit a mission to a colony. If a workflow is named, the mission expands into its task DAG."),
		mcp.WithString("colony_id",
			mcp.Required(),
			mcp.Description("Colony the mission belongs to"),
		),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("The mission objective"),
		),
		mcp.WithString("workflow",
			mcp.Description("Workflow name (optional; omit for an ad-hoc mission)"),
		),
		mcp.WithString("external_ref",
			mcp.Description("External reference such as a ticket number (optional)"),
		),
	), s.handleCreateMission)

	mcpServer.AddTool(mcp.NewTool("crabitat_list_missions",
		mcp.WithDescription("List missions, optionally filtered by colony"),
		mcp.WithString("colony_id",
			mcp.Description("Colony filter (optional)"),
		),
	), s.handleListMissions)

	mcpServer.AddTool(mcp.NewTool("crabitat_list_crabs",
		mcp.WithDescription("List registered crabs with their roles and states"),
		mcp.WithString("colony_id",
			mcp.Description("Colony filter (optional)"),
		),
	), s.handleListCrabs)

	mcpServer.AddTool(mcp.NewTool("crabitat_status",
		mcp.WithDescription("Summarize the current state of the colony fleet"),
	), s.handleStatus)

	mcpServer.AddTool(mcp.NewTool("crabitat_list_workflows",
		mcp.WithDescription("List the loaded workflow names"),
	), s.handleListWorkflows)

	mcpServer.AddTool(mcp.NewTool("crabitat_trigger_tick",
		mcp.WithDescription("Run a scheduler pass immediately"),
	), s.handleTriggerTick)

	s.logger.Info("MCP tools registered", "count", 6)
}

func (s *MCPServer) handleCreateMission(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	colonyID := mcp.ParseString(request, "colony_id", "")
	prompt := mcp.ParseString(request, "prompt", "")
	if colonyID == "" || prompt == "" {
		return mcp.NewToolResultError("colony_id and prompt are required"), nil
	}

	req := engine.CreateMissionRequest{ColonyID: colonyID, Prompt: prompt}
	if workflow := mcp.ParseString(request, "workflow", ""); workflow != "" {
		req.WorkflowName = &workflow
	}
	if ref := mcp.ParseString(request, "external_ref", ""); ref != "" {
		req.ExternalRef = &ref
	}

	mission, err := s.engine.CreateMission(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create mission: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("mission created\nID: %s\nstatus: %s\nburrow: %s",
		mission.ID, mission.Status, mission.BurrowPath)), nil
}

func (s *MCPServer) handleListMissions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var colonyID *string
	if v := mcp.ParseString(request, "colony_id", ""); v != "" {
		colonyID = &v
	}
	missions, err := s.store.ListMissions(ctx, colonyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list missions: %v", err)), nil
	}
	if len(missions) == 0 {
		return mcp.NewToolResultText("no missions"), nil
	}
	var b strings.Builder
	for _, mission := range missions {
		fmt.Fprintf(&b, "%s  %-9s  %s\n", mission.ID, mission.Status, mission.Prompt)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListCrabs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var colonyID *string
	if v := mcp.ParseString(request, "colony_id", ""); v != "" {
		colonyID = &v
	}
	crabs, err := s.store.ListCrabs(ctx, colonyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list crabs: %v", err)), nil
	}
	if len(crabs) == 0 {
		return mcp.NewToolResultText("no crabs registered"), nil
	}
	var b strings.Builder
	for _, crab := range crabs {
		fmt.Fprintf(&b, "%s  %-8s  %-7s  %s\n", crab.ID, crab.Role, crab.State, crab.Name)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snapshot, err := s.engine.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status: %v", err)), nil
	}
	sum := snapshot.Summary
	return mcp.NewToolResultText(fmt.Sprintf(
		"colonies: %d\ncrabs: %d (%d busy)\ntasks: %d running, %d queued\nruns: %d running, %d completed, %d failed\ntotal tokens: %d",
		sum.TotalColonies, sum.TotalCrabs, sum.BusyCrabs,
		sum.RunningTasks, sum.QueuedTasks,
		sum.RunningRuns, sum.CompletedRuns, sum.FailedRuns,
		sum.TotalTokens)), nil
}

func (s *MCPServer) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names := s.engine.Registry().Names()
	if len(names) == 0 {
		return mcp.NewToolResultText("no workflows loaded"), nil
	}
	return mcp.NewToolResultText(strings.Join(names, "\n")), nil
}

func (s *MCPServer) handleTriggerTick(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.engine.Tick(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scheduler tick: %v", err)), nil
	}
	return mcp.NewToolResultText("scheduler tick complete"), nil
}
