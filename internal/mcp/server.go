package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/approvalgate/internal/stack"
)

// Server exposes the governance gate to MCP clients. An agent asks the
// gate before acting and proceeds only on an allowed outcome.
type Server struct {
	mcpServer *mcpsdk.Server
	st        *stack.Stack
}

// New creates an MCP server over an assembled runtime. The caller owns st.
func New(st *stack.Stack, version string) *Server {
	s := &Server{st: st}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "approvalgate",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all gate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_check",
		Description: "Classify a call and ask the decision engine about it without counting it against the breaker or opening a local ticket.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_request",
		Description: "Govern a call the agent is about to make. Proceed only when outcome is allowed; a suspended outcome returns an approval ticket.",
	}, s.handleRequest)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_ticket",
		Description: "Show the local state of an approval ticket.",
	}, s.handleTicket)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_wait",
		Description: "Wait for an approval ticket to be decided. proceed=true is returned exactly once per approved ticket.",
	}, s.handleWait)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_breaker",
		Description: "Show a run's circuit breaker counters and limits.",
	}, s.handleBreaker)
}
