package orchestrate

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/showrunner/internal/app"
	"github.com/jaakkos/showrunner/internal/domain"
)

// registerCheckpoint registers the checkpoint tool. Checkpoints are the
// durable progress snapshots a restarted worker resumes from, so the
// supervisor leans on workers to save them early and often.
func registerCheckpoint(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("checkpoint",
			mcp.WithDescription(
				"Save a progress snapshot. If you stall or hit your context limit you will be restarted "+
					"from your latest checkpoint, so keep it current: checkpoint after each finished item "+
					"and always before reporting context_limit."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role name from the roster")),
			mcp.WithString("summary", mcp.Required(), mcp.Description("Where you are, a few sentences")),
			mcp.WithArray("completedItems", mcp.Required(), mcp.Description("Work items finished so far")),
			mcp.WithArray("pendingItems", mcp.Required(), mcp.Description("Work items still to do")),
			mcp.WithArray("activeFiles", mcp.Description("Files you are mid-edit in")),
			mcp.WithString("notes", mcp.Description("Anything your successor must know: decisions, gotchas, half-done state")),
			mcp.WithNumber("estimatedContextUsage", mcp.Description("Estimated context window usage, 0-100 percent")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, err := requireString(args, "agentRole")
			if err != nil {
				return failf("%v", err)
			}
			summary, err := requireString(args, "summary")
			if err != nil {
				return failf("%v", err)
			}

			if _, err := d.State.Agent(ctx, role); err != nil {
				return failf("checkpoint rejected: %v", err)
			}

			cp := &domain.Checkpoint{
				Role:                  role,
				Summary:               summary,
				CompletedItems:        domain.EncodeList(stringList(args, "completedItems")),
				PendingItems:          domain.EncodeList(stringList(args, "pendingItems")),
				ActiveFiles:           domain.EncodeList(stringList(args, "activeFiles")),
				Notes:                 optionalString(args, "notes"),
				EstimatedContextUsage: optionalInt(args, "estimatedContextUsage", 0),
			}
			if err := d.Checkpoints.Save(ctx, role, cp); err != nil {
				return failf("checkpoint rejected: %v", err)
			}

			// A checkpoint is also a sign of life.
			d.Heartbeat.Record(role, "working", summary)

			if d.Events != nil {
				d.Events.Publish(app.Event{Type: app.EventCheckpoint, Role: cp.Role, Payload: cp})
			}
			d.Logger.Info().
				Str("role", cp.Role).
				Int("percent_complete", cp.PercentComplete()).
				Int("context_usage", cp.EstimatedContextUsage).
				Msg("checkpoint saved")

			return mcp.NewToolResultText(fmt.Sprintf(
				"Checkpoint saved for %s (%d%% complete).", cp.Role, cp.PercentComplete())), nil
		},
	)
}
