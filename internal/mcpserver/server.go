package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all guardrail tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("guardrail", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolEvaluateChange, h.HandleEvaluateChange)
	s.AddTool(ToolListActiveReservations, h.HandleListActiveReservations)
	s.AddTool(ToolListDriftExceptions, h.HandleListDriftExceptions)
	s.AddTool(ToolReconcileReservation, h.HandleReconcileReservation)
	s.AddTool(ToolReconcileAsMatched, h.HandleReconcileAsMatched)
	s.AddTool(ToolSweepOverdue, h.HandleSweepOverdue)
	s.AddTool(ToolGetBudget, h.HandleGetBudget)

	return s
}
