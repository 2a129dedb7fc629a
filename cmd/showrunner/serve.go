package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jaakkos/showrunner/internal/app"
	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/log"
	"github.com/jaakkos/showrunner/internal/metrics"
	"github.com/jaakkos/showrunner/internal/policy"
	"github.com/jaakkos/showrunner/internal/repository/sqlite"
	"github.com/jaakkos/showrunner/internal/tools/orchestrate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Run the engine: initialize the roster, spawn workers as their
dependencies complete, monitor heartbeats, and serve the worker tool
endpoint over the configured transport.

With tool_transport.kind stdio (the default), each worker talks to its
own "showrunner tools" subprocess against the shared state store, and
this process serves MCP on stdin/stdout for whoever launched it. With
http-sse, workers connect to this process over HTTP (/sse, /mcp), which
also exposes /health, /state, /events and /metrics.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.WithComponent("serve")

	store, err := sqlite.Open(cfg.StateFilePath(),
		sqlite.WithSignalFile(cfg.SignalFilePath()),
		sqlite.WithLogger(log.WithComponent("store")),
	)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	// Over http-sse workers connect back to this process, so hold the
	// first spawn until the listener is up; over stdio each worker gets
	// its own facade subprocess and there is nothing to wait for.
	var facadeReady atomic.Bool
	var supOpts []app.SupervisorOption
	if cfg.ToolTransport.Kind == policy.TransportHTTPSSE {
		supOpts = append(supOpts, app.WithReadyCheck(facadeReady.Load))
	}

	eng, err := app.NewEngine(cfg, store, log.Logger, supOpts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := eng.Initialize(ctx); err != nil {
		return err
	}

	sessions := orchestrate.NewSessionRegistry()
	mcpServer := newToolServer(eng.Cfg, toolDeps(eng, sessions), sessions, logger)

	eng.Start(ctx)
	logger.Info().
		Str("workspace", cfg.WorkspaceRoot).
		Str("state_file", cfg.StateFilePath()).
		Str("transport", cfg.ToolTransport.Kind).
		Int("roles", len(cfg.Roles)).
		Msg("engine started")

	// Keep running when daemonized; stop on interrupt or terminate.
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.ToolTransport.Kind {
	case policy.TransportHTTPSSE:
		shutdown, err := startHTTPServer(cfg, mcpServer, eng, sessions, logger)
		if err != nil {
			eng.Stop()
			return err
		}
		facadeReady.Store(true)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdown()

	default: // stdio
		errCh := make(chan error, 1)
		stdioSrv := server.NewStdioServer(mcpServer)
		go func() {
			errCh <- stdioSrv.Listen(ctx, os.Stdin, os.Stdout)
		}()
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			// The launching client disconnected; wind the engine down.
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("stdio server stopped")
			} else {
				logger.Info().Msg("stdio client disconnected, shutting down")
			}
		}
	}

	cancel()
	eng.Stop()
	return nil
}

// toolDeps bundles the engine services for the tool facade.
func toolDeps(eng *app.Engine, sessions *orchestrate.SessionRegistry) orchestrate.Deps {
	return orchestrate.Deps{
		Cfg:         eng.Cfg,
		State:       eng.State,
		Bus:         eng.Bus,
		Checkpoints: eng.Checkpoints,
		Heartbeat:   eng.Heartbeat,
		Events:      eng.Events,
		Notifier:    eng.Notifier,
		Sessions:    sessions,
		Logger:      log.WithComponent("tools"),
	}
}

// newToolServer builds the MCP server carrying the worker tools.
func newToolServer(cfg *policy.Config, deps orchestrate.Deps, sessions *orchestrate.SessionRegistry, logger zerolog.Logger) *server.MCPServer {
	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sid := session.SessionID()
		if role := sessions.RoleForSession(sid); role != "" {
			logger.Info().Str("role", role).Str("session_id", sid).Msg("worker session disconnected")
		}
		sessions.Remove(sid)
	})

	s := server.NewMCPServer(
		"showrunner",
		Version,
		server.WithInstructions(
			"Orchestration tools for "+cfg.ProjectName()+" workers. "+
				"Heartbeat on your cadence, checkpoint as you finish items, "+
				"coordinate over send_message/get_context, and finish with complete."),
		server.WithToolHandlerMiddleware(orchestrate.SessionMiddleware(sessions)),
		server.WithHooks(hooks),
	)
	orchestrate.Register(s, deps)
	return s
}

// startHTTPServer serves the MCP endpoints for workers plus the
// observer endpoints, in the background. Returns a shutdown function.
// net.Listen is used directly so port 0 auto-assigns.
func startHTTPServer(cfg *policy.Config, mcpServer *server.MCPServer, eng *app.Engine, sessions *orchestrate.SessionRegistry, logger zerolog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", cfg.ToolTransport.Address())
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	baseURL := fmt.Sprintf("http://%s", ln.Addr().String())

	sseSrv := server.NewSSEServer(mcpServer, server.WithBaseURL(baseURL))
	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseSrv)
	mux.Handle("/sse/", sseSrv)
	mux.Handle("/message", sseSrv)
	mux.Handle("/mcp", streamSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connected_roles":%d}`, sessions.Count())
	})
	mux.HandleFunc("/state", stateHandler(eng, sessions))
	mux.HandleFunc("/events", eventsHandler(eng.Events, logger))
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("http transport listening")
	logger.Info().Str("url", baseURL+"/sse").Msg("workers connect here")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
	}, nil
}

// stateSnapshot is the /state payload: everything a dashboard needs in
// one read.
type stateSnapshot struct {
	Project        *domain.Project              `json:"project,omitempty"`
	Agents         []*domain.Agent              `json:"agents"`
	Workers        []app.WorkerInfo             `json:"workers,omitempty"`
	Heartbeats     map[string]app.HeartbeatInfo `json:"heartbeats,omitempty"`
	ConnectedRoles []string                     `json:"connected_roles,omitempty"`
	Messages       []*domain.Message            `json:"messages,omitempty"`
}

func stateHandler(eng *app.Engine, sessions *orchestrate.SessionRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		snap := stateSnapshot{
			Workers:        eng.Spawner.Processes(),
			Heartbeats:     eng.Heartbeat.Snapshot(),
			ConnectedRoles: sessions.ConnectedRoles(),
		}

		if project, err := eng.State.Project(ctx); err == nil {
			snap.Project = project
		}
		agents, err := eng.State.Agents(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		snap.Agents = agents

		limit := eng.Cfg.MaxRecentMessages
		if limit <= 0 {
			limit = 50
		}
		if messages, err := eng.Bus.All(ctx, limit); err == nil {
			snap.Messages = messages
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// eventsHandler streams engine events as SSE frames until the client
// leaves.
func eventsHandler(events *app.EventPublisher, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch := events.Subscribe(r.Context())
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					logger.Warn().Err(err).Msg("encode event")
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
			}
		}
	}
}
