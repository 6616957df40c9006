// Package mcpserver exposes the gateway as an MCP stdio server: one tool per
// canvas command plus join_channel, so any MCP-speaking agent can drive a
// host through the relay.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"canvaslink/internal/canvas"
	"canvaslink/internal/domain"
)

const serverVersion = "1.0.0"

// Invoker is the slice of the gateway the tools drive.
type Invoker interface {
	Invoke(ctx context.Context, command string, params any) (json.RawMessage, error)
	Join(ctx context.Context, channel, peerName string) (string, error)
}

// Server wraps an MCP stdio server whose tools forward to the gateway.
type Server struct {
	mcp      *server.MCPServer
	invoker  Invoker
	peerName string
	logger   *slog.Logger
}

// New builds the server with join_channel plus one tool per spec. Tool input
// schemas are the same JSON Schemas the host validates against, so rejections
// happen once, host-side, with a single source of truth.
func New(invoker Invoker, specs []canvas.Spec, peerName string, logger *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer("canvaslink", serverVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		invoker:  invoker,
		peerName: peerName,
		logger:   logger,
	}

	s.mcp.AddTool(
		mcp.NewTool("join_channel",
			mcp.WithDescription("Join a relay channel. Required before any canvas tool; the channel is where the canvas host listens."),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name shared with the canvas host.")),
		),
		s.handleJoin,
	)

	for _, spec := range specs {
		schema := spec.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		s.mcp.AddTool(
			mcp.NewToolWithRawSchema(spec.Name, spec.Summary, schema),
			s.commandHandler(spec.Name),
		)
	}

	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout until ctx is
// cancelled or stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio", "peer_name", s.peerName)
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) handleJoin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel, err := req.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	peer, err := s.invoker.Join(ctx, channel, s.peerName)
	if err != nil {
		s.logger.Warn("join failed", "channel", channel, "error", err)
		return toolError(err), nil
	}

	s.logger.Info("joined channel", "channel", channel, "peer", peer)
	ack, _ := json.Marshal(map[string]string{"peer": peer, "channel": channel})
	return mcp.NewToolResultText(string(ack)), nil
}

// commandHandler forwards one tool call to the matching relay command. The
// arguments pass through untouched; validation is the host's job.
func (s *Server) commandHandler(command string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.invoker.Invoke(ctx, command, req.GetArguments())
		if err != nil {
			s.logger.Warn("command failed", "command", command, "error", err)
			return toolError(err), nil
		}
		return mcp.NewToolResultText(string(result)), nil
	}
}

// toolError renders err as a tool error led by its stable wire code, the
// exact host-side code when the error crossed the wire.
func toolError(err error) *mcp.CallToolResult {
	var w *domain.WireError
	if errors.As(err, &w) {
		return mcp.NewToolResultError(w.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", domain.ErrorCodeOf(err), err.Error()))
}
