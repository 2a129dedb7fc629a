package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/metrics"
	"github.com/jaakkos/showrunner/internal/notify"
	"github.com/jaakkos/showrunner/internal/policy"
)

const (
	// defaultStartupGrace is how long the supervisor waits for the tool
	// facade to come up before proceeding anyway.
	defaultStartupGrace = 10 * time.Second

	// tickBackoff is the pause after a tick that failed outright, so a
	// broken store does not produce a hot loop.
	tickBackoff = 5 * time.Second
)

// supervisorStatuses drives the per-status gauge refresh.
var supervisorStatuses = []domain.AgentStatus{
	domain.StatusPending,
	domain.StatusQueued,
	domain.StatusSpawning,
	domain.StatusRunning,
	domain.StatusPaused,
	domain.StatusCompleted,
	domain.StatusFailed,
	domain.StatusTimedOut,
	domain.StatusEscalated,
}

// Supervisor is the scheduling loop: it checks worker health, promotes
// agents whose dependencies completed, spawns queued agents, and keeps
// the project phase in step with the roster. It never completes agents
// itself; completion arrives only through the tool facade.
type Supervisor struct {
	cfg       *policy.Config
	state     *StateManager
	heartbeat *HeartbeatMonitor
	timeouts  *TimeoutHandler
	spawner   *Spawner
	events    *EventPublisher
	notifier  notify.Notifier
	logger    zerolog.Logger

	interval     time.Duration
	startupGrace time.Duration
	readyFn      func() bool

	stopCh chan struct{}
	doneCh chan struct{}
	wakeCh chan struct{}
}

// SupervisorOption configures the supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorInterval overrides the tick period.
func WithSupervisorInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.interval = d }
}

// WithReadyCheck makes startup wait (bounded) until fn reports true.
func WithReadyCheck(fn func() bool) SupervisorOption {
	return func(s *Supervisor) { s.readyFn = fn }
}

// WithStartupGrace overrides how long the ready check may hold startup.
func WithStartupGrace(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.startupGrace = d }
}

// NewSupervisor creates the loop. The tick period comes from the
// polling_interval_seconds config key.
func NewSupervisor(
	cfg *policy.Config,
	state *StateManager,
	heartbeat *HeartbeatMonitor,
	timeouts *TimeoutHandler,
	spawner *Spawner,
	events *EventPublisher,
	notifier notify.Notifier,
	logger zerolog.Logger,
	opts ...SupervisorOption,
) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		state:        state,
		heartbeat:    heartbeat,
		timeouts:     timeouts,
		spawner:      spawner,
		events:       events,
		notifier:     notifier,
		logger:       logger,
		interval:     cfg.PollingInterval(),
		startupGrace: defaultStartupGrace,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	defer close(s.doneCh)

	s.waitReady(ctx)
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("heartbeat_timeout", s.cfg.HeartbeatTimeout()).
		Int("max_retries", s.cfg.MaxRetries).
		Msg("supervisor started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("supervisor stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("supervisor stopped")
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}

		if err := s.tick(ctx); err != nil {
			s.logger.Error().Err(err).Dur("backoff", tickBackoff).Msg("supervisor tick failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(tickBackoff):
			}
		}
	}
}

// Stop signals the loop to stop and waits for it to exit.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Kick schedules an immediate tick, coalescing concurrent kicks. The
// store watcher calls this when another process wrote state.
func (s *Supervisor) Kick() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// CheckOnce runs a single tick (for testing or manual trigger).
func (s *Supervisor) CheckOnce(ctx context.Context) error {
	return s.tick(ctx)
}

// waitReady blocks (bounded by the startup grace) until the ready check
// passes, then proceeds either way.
func (s *Supervisor) waitReady(ctx context.Context) {
	if s.readyFn == nil {
		return
	}
	deadline := time.Now().Add(s.startupGrace)
	for time.Now().Before(deadline) {
		if s.readyFn() {
			s.logger.Debug().Msg("tool facade ready")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
	s.logger.Warn().Dur("grace", s.startupGrace).Msg("tool facade not confirmed ready, proceeding")
}

// tick runs the supervisor phases in fixed order. Each phase is fenced
// so one failure does not starve the others; the first error is
// returned to trigger the outer backoff.
func (s *Supervisor) tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	var firstErr error
	keep := func(phase string, err error) {
		if err == nil {
			return
		}
		s.logger.Error().Err(err).Str("phase", phase).Msg("supervisor phase failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", phase, err)
		}
	}

	keep("health_check", s.healthCheck(ctx))
	keep("promote", s.promoteReady(ctx))
	keep("spawn", s.spawnReady(ctx))
	keep("project_phase", s.reconcileProjectPhase(ctx))
	s.refreshGauges(ctx)
	return firstErr
}

// healthCheck hands every stalled Running role to the timeout handler.
func (s *Supervisor) healthCheck(ctx context.Context) error {
	stalled, err := s.heartbeat.UnhealthyRunning(ctx)
	if err != nil {
		return err
	}
	for _, role := range stalled {
		metrics.HeartbeatTimeouts.WithLabelValues(role).Inc()
		s.logger.Warn().Str("role", role).Msg("heartbeat lapsed")
		if err := s.timeouts.HandleStall(ctx, role); err != nil {
			s.logger.Error().Err(err).Str("role", role).Msg("stall handling failed")
		}
	}
	return nil
}

// promoteReady moves Pending agents whose dependencies are all
// Completed into the queue.
func (s *Supervisor) promoteReady(ctx context.Context) error {
	ready, err := s.state.ReadyAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range ready {
		if a.Status != domain.StatusPending {
			continue
		}
		updated, err := s.state.UpdateAgent(ctx, a.Role, func(ag *domain.Agent) error {
			if ag.Status != domain.StatusPending {
				return fmt.Errorf("agent %s is %s, not pending", ag.Role, ag.Status)
			}
			ag.Status = domain.StatusQueued
			return nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("role", a.Role).Msg("promotion skipped")
			continue
		}
		s.publishAgentEvent(updated)
		s.logger.Info().Str("role", updated.Role).Msg("dependencies satisfied, queued")
	}
	return nil
}

// spawnReady starts a worker for every Queued agent whose dependencies
// are satisfied. The recovery context is captured and cleared in the
// same mutation that marks the agent Spawning, so a crash between the
// two cannot replay it.
func (s *Supervisor) spawnReady(ctx context.Context) error {
	ready, err := s.state.ReadyAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range ready {
		if a.Status != domain.StatusQueued {
			continue
		}

		var recovery string
		spawning, err := s.state.UpdateAgent(ctx, a.Role, func(ag *domain.Agent) error {
			if ag.Status != domain.StatusQueued {
				return fmt.Errorf("agent %s is %s, not queued", ag.Role, ag.Status)
			}
			recovery = ag.RecoveryContext
			ag.Status = domain.StatusSpawning
			ag.RecoveryContext = ""
			return nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("role", a.Role).Msg("spawn claim skipped")
			continue
		}
		s.publishAgentEvent(spawning)

		res, spawnErr := s.spawner.Spawn(ctx, spawning, recovery)
		if spawnErr != nil {
			s.logger.Error().Err(spawnErr).Str("role", a.Role).Msg("spawn failed")
			failed, uerr := s.state.UpdateAgent(ctx, a.Role, func(ag *domain.Agent) error {
				ag.Status = domain.StatusFailed
				ag.LastError = spawnErr.Error()
				ag.RetryCount++
				return nil
			})
			if uerr != nil {
				s.logger.Error().Err(uerr).Str("role", a.Role).Msg("spawn failure not recorded")
				continue
			}
			s.publishAgentEvent(failed)
			continue
		}

		timeout := s.cfg.RoleTimeout(a.Role)
		running, uerr := s.state.UpdateAgent(ctx, a.Role, func(ag *domain.Agent) error {
			now := time.Now().UTC()
			ag.Status = domain.StatusRunning
			ag.TaskID = res.TaskID
			ag.SpawnedAt = now
			ag.TimeoutAt = now.Add(timeout)
			return nil
		})
		if uerr != nil {
			s.logger.Error().Err(uerr).Str("role", a.Role).Msg("running state not recorded, stopping fresh worker")
			s.spawner.Terminate(ctx, a.Role)
			continue
		}
		s.publishAgentEvent(running)
		s.logger.Info().
			Str("role", running.Role).
			Str("task_id", res.TaskID).
			Int("pid", res.PID).
			Dur("timeout", timeout).
			Msg("worker spawned")
	}
	return nil
}

// reconcileProjectPhase derives the project phase from agent states:
// Building while anything is active, Completed when every agent
// completed, Failed when all terminal with failures among them.
func (s *Supervisor) reconcileProjectPhase(ctx context.Context) error {
	proj, err := s.state.Project(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotInitialized) {
			return nil
		}
		return err
	}
	if proj.Phase.Terminal() {
		return nil
	}

	agents, err := s.state.Agents(ctx)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}

	completed, terminal, failed, active := 0, 0, 0, 0
	for _, a := range agents {
		if a.Status == domain.StatusCompleted {
			completed++
		}
		if a.Status.Terminal() {
			terminal++
		}
		if a.Status == domain.StatusFailed || a.Status == domain.StatusEscalated {
			failed++
		}
		if a.Status.Active() {
			active++
		}
	}

	var next domain.ProjectPhase
	switch {
	case completed == len(agents):
		next = domain.PhaseCompleted
	case terminal == len(agents) && failed > 0:
		next = domain.PhaseFailed
	case active > 0 && proj.Phase == domain.PhaseInitializing:
		next = domain.PhaseBuilding
	default:
		return nil
	}
	if next == proj.Phase {
		return nil
	}

	updated, err := s.state.UpdateProject(ctx, func(p *domain.Project) error {
		p.Phase = next
		if next.Terminal() && p.CompletedAt.IsZero() {
			p.CompletedAt = time.Now().UTC()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.events != nil {
		s.events.Publish(Event{Type: EventProjectUpdate, Payload: map[string]any{
			"name":  updated.Name,
			"phase": string(updated.Phase),
		}})
	}

	if s.notifier != nil && next.Terminal() {
		kind := notify.KindProjectCompleted
		title := fmt.Sprintf("project %s completed", updated.Name)
		if next == domain.PhaseFailed {
			kind = notify.KindProjectFailed
			title = fmt.Sprintf("project %s failed", updated.Name)
		}
		if nerr := s.notifier.Notify(ctx, notify.Event{Kind: kind, Title: title}); nerr != nil {
			s.logger.Warn().Err(nerr).Msg("project notification failed")
		}
	}
	return nil
}

// refreshGauges republishes per-status agent counts.
func (s *Supervisor) refreshGauges(ctx context.Context) {
	agents, err := s.state.Agents(ctx)
	if err != nil {
		return
	}
	counts := make(map[domain.AgentStatus]int, len(supervisorStatuses))
	for _, a := range agents {
		counts[a.Status]++
	}
	for _, st := range supervisorStatuses {
		metrics.AgentsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (s *Supervisor) publishAgentEvent(agent *domain.Agent) {
	if s.events == nil || agent == nil {
		return
	}
	s.events.Publish(AgentUpdateEvent(agent))
}
