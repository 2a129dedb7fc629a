package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/notify"
	"github.com/jaakkos/showrunner/internal/policy"
	"github.com/jaakkos/showrunner/internal/prompt"
)

// Engine bundles the orchestrator runtime: store-backed state, the
// durable message bus, checkpoints, heartbeat monitoring, the worker
// spawner, timeout policy, the supervisor loop and the event stream.
type Engine struct {
	Cfg         *policy.Config
	State       *StateManager
	Bus         *MessageBus
	Checkpoints *CheckpointService
	Heartbeat   *HeartbeatMonitor
	Spawner     *Spawner
	Timeouts    *TimeoutHandler
	Supervisor  *Supervisor
	Events      *EventPublisher
	Notifier    notify.Notifier

	store   Store
	watcher *StoreWatcher
	logger  zerolog.Logger
	cancel  context.CancelFunc
}

// NewEngine wires every component over store. Supervisor options let
// the caller attach a readiness check or shrink the tick interval in
// tests.
func NewEngine(cfg *policy.Config, store Store, logger zerolog.Logger, supOpts ...SupervisorOption) (*Engine, error) {
	prompts, err := prompt.NewFactory()
	if err != nil {
		return nil, err
	}
	notifier, err := notify.New(cfg.Notify, logger.With().Str("component", "notify").Logger())
	if err != nil {
		return nil, err
	}

	state := NewStateManager(store, cfg, logger.With().Str("component", "state").Logger())
	events := NewEventPublisher(logger.With().Str("component", "events").Logger())
	bus := NewMessageBus(store, logger.With().Str("component", "bus").Logger())
	checkpoints := NewCheckpointService(store, logger.With().Str("component", "checkpoints").Logger())
	heartbeat := NewHeartbeatMonitor(state, cfg.HeartbeatTimeout(), logger.With().Str("component", "heartbeat").Logger())
	spawner := NewSpawner(cfg, state, store, prompts, logger.With().Str("component", "spawner").Logger())
	timeouts := NewTimeoutHandler(cfg, state, checkpoints, bus, spawner, heartbeat, prompts, notifier, events,
		logger.With().Str("component", "timeout").Logger())
	supervisor := NewSupervisor(cfg, state, heartbeat, timeouts, spawner, events, notifier,
		logger.With().Str("component", "supervisor").Logger(), supOpts...)

	e := &Engine{
		Cfg:         cfg,
		State:       state,
		Bus:         bus,
		Checkpoints: checkpoints,
		Heartbeat:   heartbeat,
		Spawner:     spawner,
		Timeouts:    timeouts,
		Supervisor:  supervisor,
		Events:      events,
		Notifier:    notifier,
		store:       store,
		logger:      logger,
	}
	e.watcher = NewStoreWatcher(cfg.SignalFilePath(), func() {
		state.FlushCache()
		supervisor.Kick()
	}, logger.With().Str("component", "watcher").Logger())
	return e, nil
}

// Initialize validates the roster and seeds project and agent rows.
// Refused rosters (missing references, cycles) stop startup.
func (e *Engine) Initialize(ctx context.Context) error {
	v := ValidateRoster(e.Cfg.Roles)
	for _, warn := range v.Warnings {
		e.logger.Warn().Msg(warn)
	}
	if !v.OK() {
		return fmt.Errorf("invalid roster: %s", strings.Join(v.Errors, "; "))
	}
	return e.State.InitializeFromConfig(ctx)
}

// Start launches the background machinery: event republishing, the
// store watcher and the supervisor loop. Returns immediately.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.Events.Start(runCtx, e.Bus)
	go e.watcher.Start(runCtx)
	go e.Supervisor.Start(runCtx)
}

// Stop tears the engine down in dependency order: the supervisor stops
// scheduling, workers get a graceful window then the tree kill, and
// finally the streams close. Safe to call once after Start.
func (e *Engine) Stop() {
	e.Supervisor.Stop()
	e.watcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.Cfg.GracefulShutdownTimeout()+forcedReapTimeout)
	e.Spawner.Shutdown(shutdownCtx)
	cancel()

	if e.cancel != nil {
		e.cancel()
	}
	e.Bus.Close()
	e.Events.Close()
	e.logger.Info().Msg("engine stopped")
}
