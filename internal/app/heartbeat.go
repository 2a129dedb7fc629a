package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
)

// HeartbeatInfo is one worker's most recent liveness report.
type HeartbeatInfo struct {
	At       time.Time `json:"at"`
	Status   string    `json:"status"`
	Progress string    `json:"progress,omitempty"`
}

// HeartbeatMonitor tracks worker liveness. Heartbeats received in this
// process land in an in-memory table; workers attached over a separate
// process (stdio transport runs the tool facade in its own process)
// only reach the shared store, so health checks fall back to the
// persisted agent record when no in-memory entry exists.
type HeartbeatMonitor struct {
	mu      sync.RWMutex
	entries map[string]HeartbeatInfo

	state   *StateManager
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHeartbeatMonitor creates a monitor with the given timeout. A
// worker whose last sign of life is older than timeout is unhealthy.
func NewHeartbeatMonitor(state *StateManager, timeout time.Duration, logger zerolog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		entries: make(map[string]HeartbeatInfo),
		state:   state,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Record stores a heartbeat for role at the current time.
func (h *HeartbeatMonitor) Record(role, status, progress string) {
	role = domain.NormalizeRole(role)
	if role == "" {
		return
	}
	h.mu.Lock()
	h.entries[role] = HeartbeatInfo{At: h.now().UTC(), Status: status, Progress: progress}
	h.mu.Unlock()
}

// Clear drops the in-memory entry for role. Called when the worker
// reaches a terminal state or is restarted so a stale entry cannot
// vouch for the next incarnation.
func (h *HeartbeatMonitor) Clear(role string) {
	role = domain.NormalizeRole(role)
	h.mu.Lock()
	delete(h.entries, role)
	h.mu.Unlock()
}

// IsHealthy reports whether role is within its heartbeat window. Only
// Running agents are monitored; everything else counts as healthy.
func (h *HeartbeatMonitor) IsHealthy(ctx context.Context, role string) bool {
	agent, err := h.state.Agent(ctx, domain.NormalizeRole(role))
	if err != nil {
		h.logger.Warn().Err(err).Str("role", role).Msg("heartbeat check could not load agent, assuming healthy")
		return true
	}
	return h.healthyAgent(agent)
}

// healthyAgent judges a persisted agent row. A Running agent past its
// absolute deadline is stalled no matter how fresh its heartbeats are;
// within the deadline an in-memory entry wins, then the freshest of
// last_heartbeat_at and spawned_at. A Running agent with neither
// timestamp is unhealthy.
func (h *HeartbeatMonitor) healthyAgent(a *domain.Agent) bool {
	if a.Status != domain.StatusRunning {
		return true
	}
	now := h.now()
	if !a.TimeoutAt.IsZero() && now.After(a.TimeoutAt) {
		return false
	}

	h.mu.RLock()
	entry, ok := h.entries[a.Role]
	h.mu.RUnlock()
	if ok {
		return now.Sub(entry.At) <= h.timeout
	}

	ref := a.LastHeartbeatAt
	if a.SpawnedAt.After(ref) {
		ref = a.SpawnedAt
	}
	if ref.IsZero() {
		return false
	}
	return now.Sub(ref) <= h.timeout
}

// UnhealthyRunning returns the roles of Running agents that have missed
// their heartbeat window or passed their deadline, in roster order.
func (h *HeartbeatMonitor) UnhealthyRunning(ctx context.Context) ([]string, error) {
	agents, err := h.state.Agents(ctx)
	if err != nil {
		return nil, err
	}
	var stalled []string
	for _, a := range agents {
		if a.Status != domain.StatusRunning {
			continue
		}
		if !h.healthyAgent(a) {
			stalled = append(stalled, a.Role)
		}
	}
	return stalled, nil
}

// Snapshot returns a copy of the in-memory heartbeat table.
func (h *HeartbeatMonitor) Snapshot() map[string]HeartbeatInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]HeartbeatInfo, len(h.entries))
	for role, info := range h.entries {
		out[role] = info
	}
	return out
}
