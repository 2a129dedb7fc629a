package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/metrics"
	"github.com/jaakkos/showrunner/internal/notify"
	"github.com/jaakkos/showrunner/internal/policy"
	"github.com/jaakkos/showrunner/internal/prompt"
)

// TimeoutHandler decides what happens to a worker whose heartbeat
// lapsed: restart with its checkpoint, restart with reduced scope, or
// escalate to a human once retries are exhausted.
type TimeoutHandler struct {
	cfg         *policy.Config
	state       *StateManager
	checkpoints *CheckpointService
	bus         *MessageBus
	spawner     *Spawner
	heartbeat   *HeartbeatMonitor
	prompts     *prompt.Factory
	notifier    notify.Notifier
	events      *EventPublisher
	logger      zerolog.Logger
}

// NewTimeoutHandler wires the handler.
func NewTimeoutHandler(
	cfg *policy.Config,
	state *StateManager,
	checkpoints *CheckpointService,
	bus *MessageBus,
	spawner *Spawner,
	heartbeat *HeartbeatMonitor,
	prompts *prompt.Factory,
	notifier notify.Notifier,
	events *EventPublisher,
	logger zerolog.Logger,
) *TimeoutHandler {
	return &TimeoutHandler{
		cfg:         cfg,
		state:       state,
		checkpoints: checkpoints,
		bus:         bus,
		spawner:     spawner,
		heartbeat:   heartbeat,
		prompts:     prompts,
		notifier:    notifier,
		events:      events,
		logger:      logger,
	}
}

// HandleStall processes one stalled role. The agent is first marked
// TimedOut, its worker is torn down, and then retry policy decides
// between requeue and escalation. Only TimedOut agents may be requeued,
// so the intermediate transition is not skippable.
func (h *TimeoutHandler) HandleStall(ctx context.Context, role string) error {
	role = domain.NormalizeRole(role)

	agent, err := h.state.UpdateAgent(ctx, role, func(a *domain.Agent) error {
		if a.Status != domain.StatusRunning {
			return fmt.Errorf("agent %s is %s, not running", role, a.Status)
		}
		a.Status = domain.StatusTimedOut
		return nil
	})
	if err != nil {
		return err
	}
	h.publishAgentEvent(agent)

	if h.spawner.Terminate(ctx, role) {
		h.logger.Info().Str("role", role).Msg("stalled worker terminated")
	}
	h.heartbeat.Clear(role)

	if agent.RetryCount >= h.cfg.MaxRetries-1 {
		return h.escalate(ctx, agent)
	}
	return h.requeue(ctx, agent)
}

// requeue composes a recovery context from the latest checkpoint and
// puts the agent back in line for a fresh spawn.
func (h *TimeoutHandler) requeue(ctx context.Context, agent *domain.Agent) error {
	recovery, err := h.checkpoints.ResumptionContext(ctx, agent.Role)
	if err != nil {
		h.logger.Warn().Err(err).Str("role", agent.Role).Msg("checkpoint lookup failed, restarting without recovery context")
		recovery = ""
	}

	lastError := "Heartbeat timeout - restarting from checkpoint"
	if agent.RetryCount >= 1 {
		preamble, perr := h.prompts.ReducedScope(agent.Role)
		if perr != nil {
			h.logger.Error().Err(perr).Str("role", agent.Role).Msg("reduced scope preamble failed to render")
		} else if recovery == "" {
			recovery = preamble
		} else {
			recovery = preamble + "\n\n" + recovery
		}
		lastError = "Heartbeat timeout - restarting with reduced scope"
	} else if recovery == "" {
		h.logger.Warn().Str("role", agent.Role).Msg("no checkpoint to resume from, restarting from scratch")
	}

	updated, err := h.state.UpdateAgent(ctx, agent.Role, func(a *domain.Agent) error {
		if a.Status != domain.StatusTimedOut {
			return fmt.Errorf("agent %s is %s, not timed_out", agent.Role, a.Status)
		}
		a.Status = domain.StatusQueued
		a.RetryCount++
		a.RecoveryContext = recovery
		a.LastError = lastError
		a.TimeoutAt = time.Time{}
		return nil
	})
	if err != nil {
		return err
	}
	h.publishAgentEvent(updated)

	h.logger.Info().
		Str("role", updated.Role).
		Int("retry_count", updated.RetryCount).
		Bool("has_recovery_context", recovery != "").
		Msg("stalled worker requeued")
	return nil
}

// escalate gives up on the role: terminal Escalated status, an Error
// message to the supervisor inbox, a notification, and a metric.
func (h *TimeoutHandler) escalate(ctx context.Context, agent *domain.Agent) error {
	attempts := agent.RetryCount + 1
	lastError := fmt.Sprintf("Timed out after %d attempts", attempts)

	updated, err := h.state.UpdateAgent(ctx, agent.Role, func(a *domain.Agent) error {
		if a.Status != domain.StatusTimedOut {
			return fmt.Errorf("agent %s is %s, not timed_out", agent.Role, a.Status)
		}
		a.Status = domain.StatusEscalated
		a.LastError = lastError
		a.TimeoutAt = time.Time{}
		return nil
	})
	if err != nil {
		return err
	}
	h.publishAgentEvent(updated)
	metrics.Escalations.Inc()

	report := h.buildEscalationReport(ctx, updated, attempts)
	if perr := h.bus.Publish(ctx, &domain.Message{
		From:    updated.Role,
		To:      domain.SupervisorRole,
		Type:    domain.MessageError,
		Content: report,
	}); perr != nil {
		h.logger.Error().Err(perr).Str("role", updated.Role).Msg("escalation message not published")
	}

	if h.notifier != nil {
		nerr := h.notifier.Notify(ctx, notify.Event{
			Kind:  notify.KindEscalation,
			Role:  updated.Role,
			Title: fmt.Sprintf("%s escalated after %d attempts", updated.Role, attempts),
			Body:  report,
		})
		if nerr != nil {
			h.logger.Warn().Err(nerr).Str("role", updated.Role).Msg("escalation notification failed")
		}
	}

	h.logger.Error().
		Str("role", updated.Role).
		Int("attempts", attempts).
		Msg("worker escalated, human attention required")
	return nil
}

// buildEscalationReport renders the full report embedded in the
// supervisor-addressed Error message.
func (h *TimeoutHandler) buildEscalationReport(ctx context.Context, agent *domain.Agent, attempts int) string {
	var b strings.Builder
	b.WriteString("ESCALATION: worker requires human attention\n\n")
	fmt.Fprintf(&b, "Role: %s\n", agent.Role)
	fmt.Fprintf(&b, "Worker kind: %s\n", agent.WorkerKind)
	fmt.Fprintf(&b, "Attempts: %d\n", attempts)
	fmt.Fprintf(&b, "Last error: %s\n", agent.LastError)
	if !agent.SpawnedAt.IsZero() {
		fmt.Fprintf(&b, "Last spawned: %s\n", agent.SpawnedAt.UTC().Format(time.RFC3339))
	}

	cp, err := h.checkpoints.Latest(ctx, agent.Role)
	if err != nil {
		h.logger.Warn().Err(err).Str("role", agent.Role).Msg("checkpoint lookup failed for escalation report")
		return b.String()
	}
	if cp == nil {
		b.WriteString("\nNo checkpoint was ever recorded for this role.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "\nLast checkpoint (%s):\n", cp.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Summary: %s\n", cp.Summary)
	fmt.Fprintf(&b, "Progress: %d%%\n", cp.PercentComplete())
	if notes := strings.TrimSpace(cp.Notes); notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", notes)
	}
	return b.String()
}

func (h *TimeoutHandler) publishAgentEvent(agent *domain.Agent) {
	if h.events == nil || agent == nil {
		return
	}
	h.events.Publish(AgentUpdateEvent(agent))
}

// agentEventPayload is the compact agent view carried in events.
func agentEventPayload(a *domain.Agent) map[string]any {
	return map[string]any{
		"role":        a.Role,
		"status":      string(a.Status),
		"retry_count": a.RetryCount,
		"task_id":     a.TaskID,
		"last_error":  a.LastError,
	}
}
