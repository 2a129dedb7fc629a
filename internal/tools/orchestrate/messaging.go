package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/notify"
)

// registerSendMessage registers send_message, the durable mail between
// roles. Delivery is at-least-once into the store; the recipient reads
// it from get_context whether or not it is connected right now.
func registerSendMessage(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription(
				"Send a durable message to another role, or to 'all' to broadcast. Messages survive "+
					"restarts; the recipient sees them via get_context even if it is not running yet."),
			mcp.WithString("from", mcp.Required(), mcp.Description("Your role name")),
			mcp.WithString("to", mcp.Required(), mcp.Description("Recipient role name, or 'all' to broadcast")),
			mcp.WithString("type", mcp.Required(), mcp.Description("One of: info, progress, done, error, help, question, needs_review")),
			mcp.WithString("content", mcp.Required(), mcp.Description("The message body")),
			mcp.WithArray("artifacts", mcp.Description("Paths the recipient should look at")),
			mcp.WithObject("metadata", mcp.Description("Optional structured payload, passed through opaquely")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			from, err := requireString(args, "from")
			if err != nil {
				return failf("%v", err)
			}
			to, err := requireString(args, "to")
			if err != nil {
				return failf("%v", err)
			}
			typeStr, err := requireString(args, "type")
			if err != nil {
				return failf("%v", err)
			}
			content, err := requireString(args, "content")
			if err != nil {
				return failf("%v", err)
			}

			var metadata string
			if raw, ok := args["metadata"].(map[string]any); ok && len(raw) > 0 {
				b, err := json.Marshal(raw)
				if err != nil {
					return failf("metadata must be a JSON object: %v", err)
				}
				metadata = string(b)
			}

			m := &domain.Message{
				From:      from,
				To:        to,
				Type:      domain.MessageType(strings.ToLower(strings.TrimSpace(typeStr))),
				Content:   content,
				Artifacts: domain.EncodeList(stringList(args, "artifacts")),
				Metadata:  metadata,
			}
			if err := d.Bus.Publish(ctx, m); err != nil {
				return failf("message rejected: %v", err)
			}

			d.Logger.Info().
				Str("from", m.From).
				Str("to", m.To).
				Str("type", string(m.Type)).
				Str("message_id", m.ID).
				Msg("message sent")
			return mcp.NewToolResultText(fmt.Sprintf("Message %s delivered to %s.", m.ID, m.To)), nil
		},
	)
}

// registerRequestHelp registers request_help. It lands as a Help
// message in the supervisor's mail and, when a notifier is configured,
// as an out-of-band alert a human actually sees.
func registerRequestHelp(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("request_help",
			mcp.WithDescription(
				"Ask the supervisor for help when you are stuck on something you cannot resolve yourself: "+
					"a missing dependency, an ambiguous requirement, a decision above your pay grade. "+
					"Keep working on whatever is not blocked while you wait."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role name")),
			mcp.WithString("helpType", mcp.Required(), mcp.Description("Short category (e.g. decision, missing-input, tooling)")),
			mcp.WithString("issue", mcp.Required(), mcp.Description("What you are stuck on and what you have tried")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, err := requireString(args, "agentRole")
			if err != nil {
				return failf("%v", err)
			}
			helpType, err := requireString(args, "helpType")
			if err != nil {
				return failf("%v", err)
			}
			issue, err := requireString(args, "issue")
			if err != nil {
				return failf("%v", err)
			}

			if _, err := d.State.Agent(ctx, role); err != nil {
				return failf("help request rejected: %v", err)
			}

			meta, _ := json.Marshal(map[string]string{"helpType": helpType})
			m := &domain.Message{
				From:     role,
				To:       domain.SupervisorRole,
				Type:     domain.MessageHelp,
				Content:  fmt.Sprintf("[%s] %s", helpType, issue),
				Metadata: string(meta),
			}
			if err := d.Bus.Publish(ctx, m); err != nil {
				return failf("help request rejected: %v", err)
			}

			if d.Notifier != nil {
				ev := notify.Event{
					Kind:  notify.KindHelpRequested,
					Role:  m.From,
					Title: fmt.Sprintf("%s requests help (%s)", m.From, helpType),
					Body:  issue,
				}
				if err := d.Notifier.Notify(ctx, ev); err != nil {
					d.Logger.Warn().Err(err).Str("role", m.From).Msg("help notification failed")
				}
			}

			d.Logger.Warn().Str("role", m.From).Str("help_type", helpType).Msg("worker requested help")
			return mcp.NewToolResultText("Help request recorded and forwarded to the supervisor. Continue with unblocked work."), nil
		},
	)
}
