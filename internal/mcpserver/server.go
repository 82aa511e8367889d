package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("holdfast", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolApproveEscrow, h.HandleApproveEscrow)
	s.AddTool(ToolRaiseDispute, h.HandleRaiseDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolCancelEscrow, h.HandleCancelEscrow)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
