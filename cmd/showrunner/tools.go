package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jaakkos/showrunner/internal/app"
	"github.com/jaakkos/showrunner/internal/log"
	"github.com/jaakkos/showrunner/internal/notify"
	"github.com/jaakkos/showrunner/internal/repository/sqlite"
	"github.com/jaakkos/showrunner/internal/tools/orchestrate"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Serve the worker tool facade over stdio",
	Long: `Serve only the worker-facing tools on stdin/stdout against the
shared state store, without a supervisor. The engine launches one of
these per worker when tool_transport.kind is stdio; every write lands
in the store and wakes the engine through the store signal file.`,
	RunE: runTools,
}

func runTools(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.WithComponent("tools")

	store, err := sqlite.Open(cfg.StateFilePath(),
		sqlite.WithSignalFile(cfg.SignalFilePath()),
		sqlite.WithLogger(log.WithComponent("store")),
	)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	notifier, err := notify.New(cfg.Notify, log.WithComponent("notify"))
	if err != nil {
		return err
	}

	state := app.NewStateManager(store, cfg, log.WithComponent("state"))
	bus := app.NewMessageBus(store, log.WithComponent("bus"))
	defer bus.Close()

	sessions := orchestrate.NewSessionRegistry()
	deps := orchestrate.Deps{
		Cfg:         cfg,
		State:       state,
		Bus:         bus,
		Checkpoints: app.NewCheckpointService(store, log.WithComponent("checkpoints")),
		Heartbeat:   app.NewHeartbeatMonitor(state, cfg.HeartbeatTimeout(), log.WithComponent("heartbeat")),
		Notifier:    notifier,
		Sessions:    sessions,
		Logger:      logger,
	}
	mcpServer := newToolServer(cfg, deps, sessions, logger)

	logger.Info().Str("state_file", cfg.StateFilePath()).Msg("tool facade ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(cmd.Context(), os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
