package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/metrics"
)

// registerComplete registers the complete tool, the only sanctioned way
// for a worker to finish its role. Exiting without calling it reads as
// a stall and triggers a restart.
func registerComplete(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("complete",
			mcp.WithDescription(
				"Mark your role's work as finished. Call this exactly once, as your final action: "+
					"it unblocks every role that depends on yours. Exiting without calling complete "+
					"counts as a stall and you will be restarted."),
			mcp.WithString("agentRole", mcp.Description("Your role name from the roster. Defaults to the role this session has been speaking for.")),
			mcp.WithString("summary", mcp.Required(), mcp.Description("What you produced, a few sentences")),
			mcp.WithArray("artifacts", mcp.Description("Paths of the artifacts you produced")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role := optionalString(args, "agentRole")
			if role == "" && d.Sessions != nil {
				if sess := server.ClientSessionFromContext(ctx); sess != nil {
					role = d.Sessions.RoleForSession(sess.SessionID())
				}
			}
			if role == "" {
				return failf("agentRole is required (this session has not identified itself yet)")
			}
			summary, err := requireString(args, "summary")
			if err != nil {
				return failf("%v", err)
			}
			return completeAgent(ctx, d, role, summary, stringList(args, "artifacts"))
		},
	)
}

// completeAgent applies completion semantics for role: transition to
// Completed, publish a Done message for the record, and drop liveness
// tracking. Calling it again for an already-completed role succeeds
// without side effects, so a worker can safely retry a complete call
// whose response it never saw.
func completeAgent(ctx context.Context, d Deps, role, summary string, artifacts []string) (*mcp.CallToolResult, error) {
	agent, err := d.State.Agent(ctx, role)
	if err != nil {
		return failf("complete rejected: %v", err)
	}
	if agent.Status == domain.StatusCompleted {
		return mcp.NewToolResultText(fmt.Sprintf("Role %s is already completed; nothing to do.", agent.Role)), nil
	}

	updated, err := d.State.UpdateAgent(ctx, role, func(a *domain.Agent) error {
		a.Status = domain.StatusCompleted
		a.CompletedAt = time.Now().UTC()
		a.LastMessage = summary
		a.LastError = ""
		a.TimeoutAt = time.Time{}
		if len(artifacts) > 0 {
			a.Artifacts = mergeArtifacts(a.Artifacts, artifacts)
		}
		return nil
	})
	if err != nil {
		return failf("complete rejected: %v", err)
	}

	d.Heartbeat.Clear(updated.Role)
	metrics.Completions.WithLabelValues(updated.Role).Inc()

	msg := &domain.Message{
		From:      updated.Role,
		To:        domain.SupervisorRole,
		Type:      domain.MessageDone,
		Content:   summary,
		Artifacts: domain.EncodeList(artifacts),
	}
	if err := d.Bus.Publish(ctx, msg); err != nil {
		d.Logger.Error().Err(err).Str("role", updated.Role).Msg("could not publish completion message")
	}

	publishAgentEvent(d, updated)
	d.Logger.Info().Str("role", updated.Role).Int("artifacts", len(updated.Artifacts)).Msg("agent completed")

	return mcp.NewToolResultText(fmt.Sprintf(
		"Completion recorded for %s. Dependent roles are now unblocked; you may exit.", updated.Role)), nil
}

// mergeArtifacts appends the new paths that are not already recorded,
// preserving first-seen order.
func mergeArtifacts(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[a] = true
	}
	out := existing
	for _, a := range incoming {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
