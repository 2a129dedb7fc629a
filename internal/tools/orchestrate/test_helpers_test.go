package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/app"
	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/notify"
	"github.com/jaakkos/showrunner/internal/policy"
	"github.com/jaakkos/showrunner/internal/repository/sqlite"
)

// testDeps builds the tool dependencies over a real sqlite store seeded
// with a planner -> builder roster.
func testDeps(t *testing.T) Deps {
	t.Helper()

	cfg := policy.DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.StateFile = "state.sqlite"
	cfg.Project.Name = "demo"
	cfg.Roles = []policy.RoleSpec{
		{Role: "planner", WorkerKind: "claude"},
		{Role: "builder", WorkerKind: "claude", DependsOn: []string{"planner"}},
	}

	store, err := sqlite.Open(cfg.StateFilePath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := zerolog.Nop()
	state := app.NewStateManager(store, cfg, logger)
	bus := app.NewMessageBus(store, logger)
	t.Cleanup(bus.Close)

	if err := state.InitializeFromConfig(context.Background()); err != nil {
		t.Fatalf("initialize state: %v", err)
	}

	return Deps{
		Cfg:         cfg,
		State:       state,
		Bus:         bus,
		Checkpoints: app.NewCheckpointService(store, logger),
		Heartbeat:   app.NewHeartbeatMonitor(state, cfg.HeartbeatTimeout(), logger),
		Sessions:    NewSessionRegistry(),
		Logger:      logger,
	}
}

// testServer creates an MCPServer with all tools registered and the
// session middleware installed, the same shape serve builds.
func testServer(d Deps) *server.MCPServer {
	s := server.NewMCPServer("test", "1.0.0",
		server.WithToolHandlerMiddleware(SessionMiddleware(d.Sessions)))
	Register(s, d)
	return s
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// mustCallOK invokes a tool and fails the test on any RPC or tool error.
func mustCallOK(t *testing.T, s *server.MCPServer, name string, args map[string]any) string {
	t.Helper()
	result, err := callTool(t, s, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if result.IsError {
		t.Fatalf("%s returned error result: %s", name, resultText(t, result))
	}
	return resultText(t, result)
}

// mustCallError invokes a tool and fails the test unless it answers with
// an error result whose text is returned for inspection.
func mustCallError(t *testing.T, s *server.MCPServer, name string, args map[string]any) string {
	t.Helper()
	result, err := callTool(t, s, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if !result.IsError {
		t.Fatalf("%s succeeded, want error result: %s", name, resultText(t, result))
	}
	return resultText(t, result)
}

// markRunning moves a seeded agent into the running state so tools that
// expect a live worker have one to talk about.
func markRunning(t *testing.T, d Deps, role string) *domain.Agent {
	t.Helper()
	now := time.Now().UTC()
	a, err := d.State.UpdateAgent(context.Background(), role, func(a *domain.Agent) error {
		a.Status = domain.StatusRunning
		a.TaskID = role + "-task"
		a.SpawnedAt = now
		a.LastHeartbeatAt = now
		a.TimeoutAt = now.Add(10 * time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("mark %s running: %v", role, err)
	}
	return a
}

// mustAgent reads an agent row directly, failing the test on error.
func mustAgent(t *testing.T, d Deps, role string) *domain.Agent {
	t.Helper()
	a, err := d.State.Agent(context.Background(), role)
	if err != nil {
		t.Fatalf("get agent %s: %v", role, err)
	}
	return a
}

// supervisorMail returns every message addressed to the supervisor.
func supervisorMail(t *testing.T, d Deps) []*domain.Message {
	t.Helper()
	msgs, err := d.Bus.ForRole(context.Background(), domain.SupervisorRole, time.Time{})
	if err != nil {
		t.Fatalf("read supervisor mail: %v", err)
	}
	return msgs
}

// captureNotifier records notifications for assertions.
type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) byKind(kind string) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
