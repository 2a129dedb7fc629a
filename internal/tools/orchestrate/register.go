// Package orchestrate exposes the worker-facing MCP tools. Every spawned
// worker coordinates exclusively through these: liveness via heartbeat,
// progress via report_status and checkpoint, durable mail via
// send_message, and completion via complete. The handlers validate
// arguments, apply the mutation through the engine services, and always
// answer with a structured result: a misbehaving worker gets an error
// payload back, never a dead session.
package orchestrate

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/app"
	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/notify"
	"github.com/jaakkos/showrunner/internal/policy"
)

// Deps carries the engine services the tools operate on. Events and
// Notifier are optional; nil disables UI events and alerts respectively.
type Deps struct {
	Cfg         *policy.Config
	State       *app.StateManager
	Bus         *app.MessageBus
	Checkpoints *app.CheckpointService
	Heartbeat   *app.HeartbeatMonitor
	Events      *app.EventPublisher
	Notifier    notify.Notifier
	Sessions    *SessionRegistry
	Logger      zerolog.Logger
}

// Register wires all orchestration tools onto the MCP server. Pass
// server.WithToolHandlerMiddleware(SessionMiddleware(d.Sessions)) when
// constructing the server so session bindings stay current.
func Register(s *server.MCPServer, d Deps) {
	// Liveness and progress (2)
	registerHeartbeat(s, d)
	registerReportStatus(s, d)

	// Durable progress snapshots (1)
	registerCheckpoint(s, d)

	// Completion (1)
	registerComplete(s, d)

	// Messaging (2)
	registerSendMessage(s, d)
	registerRequestHelp(s, d)

	// Shared state reads (1)
	registerGetContext(s, d)
}

// failf answers a tool call with a structured error result. Handlers
// route every failure through here so a bad argument or a storage
// hiccup reaches the worker as text it can react to instead of tearing
// down its session.
func failf(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

func publishAgentEvent(d Deps, a *domain.Agent) {
	if d.Events == nil || a == nil {
		return
	}
	d.Events.Publish(app.AgentUpdateEvent(a))
}
