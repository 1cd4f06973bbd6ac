package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("jobescrow", Version)
	h := NewHandlers(NewEscrowClient(cfg))

	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolListPayments, h.HandleListPayments)
	s.AddTool(ToolGetPaymentStats, h.HandleGetPaymentStats)
	s.AddTool(ToolQuoteFees, h.HandleQuoteFees)
	s.AddTool(ToolRaiseDispute, h.HandleRaiseDispute)
	s.AddTool(ToolApproveMilestone, h.HandleApproveMilestone)

	return s
}
