package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all AetherLock tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("aetherlock", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolRequestVerification, h.HandleRequestVerification)
	s.AddTool(ToolSubmitVerification, h.HandleSubmitVerification)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetCrossChainEscrow, h.HandleGetCrossChainEscrow)
	s.AddTool(ToolEscrowHistory, h.HandleEscrowHistory)

	return s
}
