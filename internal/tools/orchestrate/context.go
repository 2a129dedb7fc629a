package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/showrunner/internal/domain"
)

const defaultMessageLimit = 50

var contextSections = map[string]bool{
	"project":   true,
	"agents":    true,
	"messages":  true,
	"artifacts": true,
}

// contextAgent is the agent view handed to workers. It deliberately
// omits recovery_context, which can be large and is addressed to the
// next incarnation of that role, not to whoever asks.
type contextAgent struct {
	Role                  string    `json:"role"`
	Status                string    `json:"status"`
	Dependencies          []string  `json:"dependencies,omitempty"`
	RetryCount            int       `json:"retry_count"`
	LastMessage           string    `json:"last_message,omitempty"`
	LastError             string    `json:"last_error,omitempty"`
	CompletedAt           time.Time `json:"completed_at,omitempty"`
	EstimatedContextUsage int       `json:"estimated_context_usage,omitempty"`
}

type contextPayload struct {
	Project   *domain.Project     `json:"project,omitempty"`
	Agents    []contextAgent      `json:"agents,omitempty"`
	Messages  []*domain.Message   `json:"messages,omitempty"`
	Artifacts map[string][]string `json:"artifacts,omitempty"`
}

// registerGetContext registers get_context, the read side of the
// facade: project brief and phase, the roster's current state, durable
// messages, and recorded artifacts.
func registerGetContext(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("get_context",
			mcp.WithDescription(
				"Read shared orchestration state. Ask for the sections you need: 'project' (brief and phase), "+
					"'agents' (roster status), 'messages' (your durable mail), 'artifacts' (what other roles produced). "+
					"Defaults to all sections."),
			mcp.WithArray("include", mcp.Description("Sections to include: project, agents, messages, artifacts. Default: all.")),
			mcp.WithArray("agentRoles", mcp.Description("Restrict agents/artifacts to these roles; with a single role, messages are filtered to its mail.")),
			mcp.WithNumber("messageLimit", mcp.Description("Maximum messages to return (default 50).")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()

			include := stringList(args, "include")
			if len(include) == 0 {
				include = []string{"project", "agents", "messages", "artifacts"}
			}
			want := make(map[string]bool, len(include))
			for _, section := range include {
				if !contextSections[section] {
					return failf("unknown context section %q (want project, agents, messages, or artifacts)", section)
				}
				want[section] = true
			}

			roleFilter := make(map[string]bool)
			for _, r := range stringList(args, "agentRoles") {
				roleFilter[domain.NormalizeRole(r)] = true
			}
			limit := optionalInt(args, "messageLimit", defaultMessageLimit)
			if limit <= 0 {
				limit = defaultMessageLimit
			}

			var payload contextPayload

			if want["project"] {
				project, err := d.State.Project(ctx)
				switch {
				case err == nil:
					payload.Project = project
				case errors.Is(err, domain.ErrNotInitialized):
					// No project yet; omit the section.
				default:
					return failf("get_context: %v", err)
				}
			}

			if want["agents"] || want["artifacts"] {
				agents, err := d.State.Agents(ctx)
				if err != nil {
					return failf("get_context: %v", err)
				}
				for _, a := range agents {
					if len(roleFilter) > 0 && !roleFilter[a.Role] {
						continue
					}
					if want["agents"] {
						payload.Agents = append(payload.Agents, contextAgent{
							Role:                  a.Role,
							Status:                string(a.Status),
							Dependencies:          a.Dependencies,
							RetryCount:            a.RetryCount,
							LastMessage:           a.LastMessage,
							LastError:             a.LastError,
							CompletedAt:           a.CompletedAt,
							EstimatedContextUsage: a.EstimatedContextUsage,
						})
					}
					if want["artifacts"] && len(a.Artifacts) > 0 {
						if payload.Artifacts == nil {
							payload.Artifacts = make(map[string][]string)
						}
						payload.Artifacts[a.Role] = a.Artifacts
					}
				}
			}

			if want["messages"] {
				messages, err := contextMessages(ctx, d, roleFilter, limit)
				if err != nil {
					return failf("get_context: %v", err)
				}
				payload.Messages = messages
			}

			out, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return failf("get_context: encode: %v", err)
			}
			return mcp.NewToolResultText(string(out)), nil
		},
	)
}

// contextMessages selects the message slice for a get_context call.
// With exactly one requested role (or a session already bound to one)
// it returns that role's mail: messages addressed to it, broadcast, or
// sent by it. Otherwise it returns the most recent messages overall.
// Either way the result is chronological and capped at limit.
func contextMessages(ctx context.Context, d Deps, roleFilter map[string]bool, limit int) ([]*domain.Message, error) {
	role := ""
	if len(roleFilter) == 1 {
		for r := range roleFilter {
			role = r
		}
	} else if len(roleFilter) == 0 && d.Sessions != nil {
		if sess := server.ClientSessionFromContext(ctx); sess != nil {
			role = d.Sessions.RoleForSession(sess.SessionID())
		}
	}

	if role != "" {
		msgs, err := d.Bus.ForRole(ctx, role, time.Time{})
		if err != nil {
			return nil, err
		}
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		return msgs, nil
	}

	msgs, err := d.Bus.All(ctx, limit)
	if err != nil {
		return nil, err
	}
	// All returns newest first; flip to chronological for reading.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
