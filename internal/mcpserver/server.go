package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all facilitator tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("x402-flash-facilitator", version)
	client := NewFacilitatorClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListSessions, h.HandleListSessions)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolSettlementHistory, h.HandleSettlementHistory)
	s.AddTool(ToolFacilitatorHealth, h.HandleFacilitatorHealth)
	s.AddTool(ToolPriorityFee, h.HandlePriorityFee)
	s.AddTool(ToolReportUsage, h.HandleReportUsage)
	s.AddTool(ToolPaidRequest, h.HandlePaidRequest)

	return s
}
