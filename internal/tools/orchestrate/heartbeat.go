package orchestrate

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/metrics"
)

// registerHeartbeat registers the heartbeat tool. Workers call it on a
// fixed cadence; missing the window gets them terminated and restarted.
func registerHeartbeat(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("heartbeat",
			mcp.WithDescription(
				"Signal that you are alive and making progress. REQUIRED on a fixed cadence while working: "+
					"a worker that stops heartbeating is presumed stalled, terminated, and restarted from its last checkpoint. "+
					"Include progress so the supervisor can tell motion from silence."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role name from the roster (e.g. planner, builder)")),
			mcp.WithString("status", mcp.Required(), mcp.Description("One of: working, thinking, writing")),
			mcp.WithString("progress", mcp.Description("One line on what you are doing right now. Strongly recommended.")),
			mcp.WithNumber("estimatedContextUsage", mcp.Description("Estimated context window usage, 0-100 percent.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, err := requireString(args, "agentRole")
			if err != nil {
				return failf("%v", err)
			}
			status, err := requireString(args, "status")
			if err != nil {
				return failf("%v", err)
			}
			if !domain.HeartbeatStatuses[status] {
				return failf("invalid heartbeat status %q (want working, thinking, or writing)", status)
			}
			progress := optionalString(args, "progress")
			usage := optionalInt(args, "estimatedContextUsage", 0)

			if _, err := d.State.Agent(ctx, role); err != nil {
				return failf("heartbeat rejected: %v", err)
			}

			d.Heartbeat.Record(role, status, progress)
			now := time.Now().UTC()
			updated, err := d.State.UpdateAgent(ctx, role, func(a *domain.Agent) error {
				a.LastHeartbeatAt = now
				a.TimeoutAt = now.Add(d.Cfg.RoleTimeout(role))
				if progress != "" {
					a.LastMessage = progress
				}
				if usage > 0 {
					a.EstimatedContextUsage = usage
				}
				return nil
			})
			if err != nil {
				return failf("heartbeat rejected: %v", err)
			}
			metrics.HeartbeatsReceived.WithLabelValues(updated.Role).Inc()

			if progress != "" {
				d.Logger.Debug().Str("role", updated.Role).Str("status", status).Str("progress", progress).Msg("heartbeat")
			} else {
				d.Logger.Debug().Str("role", updated.Role).Str("status", status).Msg("heartbeat")
			}
			return mcp.NewToolResultText("OK"), nil
		},
	)
}

// registerReportStatus registers report_status. Unlike heartbeat this
// carries a worker-authored status change: blocked, done (completion),
// or context_limit (ask for a restart before the window fills up).
func registerReportStatus(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("report_status",
			mcp.WithDescription(
				"Report a status change. Use 'working' for routine updates, 'blocked' when you cannot proceed, "+
					"'done' when your role's work is finished (equivalent to complete), and 'context_limit' when your "+
					"context window is nearly exhausted so the supervisor restarts you from your latest checkpoint."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role name from the roster")),
			mcp.WithString("status", mcp.Required(), mcp.Description("One of: working, blocked, done, context_limit")),
			mcp.WithString("message", mcp.Required(), mcp.Description("What changed, one or two sentences")),
			mcp.WithString("blockedReason", mcp.Description("When blocked: what you are waiting on")),
			mcp.WithArray("artifacts", mcp.Description("Paths of finished artifacts, if any")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, err := requireString(args, "agentRole")
			if err != nil {
				return failf("%v", err)
			}
			status, err := requireString(args, "status")
			if err != nil {
				return failf("%v", err)
			}
			if !domain.ReportStatuses[status] {
				return failf("invalid report status %q (want working, blocked, done, or context_limit)", status)
			}
			message, err := requireString(args, "message")
			if err != nil {
				return failf("%v", err)
			}
			blockedReason := optionalString(args, "blockedReason")
			artifacts := stringList(args, "artifacts")

			if status == "done" {
				return completeAgent(ctx, d, role, message, artifacts)
			}

			if _, err := d.State.Agent(ctx, role); err != nil {
				return failf("report rejected: %v", err)
			}

			updated, err := d.State.UpdateAgent(ctx, role, func(a *domain.Agent) error {
				a.LastMessage = message
				switch status {
				case "blocked":
					if blockedReason != "" {
						a.LastError = blockedReason
					}
				case "context_limit":
					// Force the deadline so the next health tick treats
					// this worker as stalled and restarts it from its
					// checkpoint with retry accounting intact.
					a.TimeoutAt = time.Now().UTC()
				}
				if len(artifacts) > 0 {
					a.Artifacts = mergeArtifacts(a.Artifacts, artifacts)
				}
				return nil
			})
			if err != nil {
				return failf("report rejected: %v", err)
			}

			switch status {
			case "context_limit":
				d.Logger.Warn().Str("role", updated.Role).Str("message", message).
					Msg("worker reported context limit, flagged for restart")
			case "blocked":
				d.Heartbeat.Record(role, "working", message)
				d.Logger.Warn().Str("role", updated.Role).Str("reason", blockedReason).Str("message", message).
					Msg("worker reported blocked")
			default:
				d.Heartbeat.Record(role, "working", message)
				d.Logger.Info().Str("role", updated.Role).Str("message", message).Msg("status report")
			}
			publishAgentEvent(d, updated)

			if status == "context_limit" {
				return mcp.NewToolResultText("Acknowledged. Save a checkpoint now if you have not; you will be restarted from it shortly."), nil
			}
			return mcp.NewToolResultText("OK"), nil
		},
	)
}
