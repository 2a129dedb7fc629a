package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/policy"
)

const (
	cacheTTL             = 30 * time.Second
	cacheCleanupInterval = time.Minute

	cacheKeyProject   = "project"
	cacheKeyAllAgents = "agents:all"
)

func cacheKeyAgent(role string) string { return "agent:" + role }

// StateManager is the sole mutation path for agent and project state. It
// serializes read-modify-write cycles, validates status transitions and
// keeps a short-TTL read cache in front of the store.
type StateManager struct {
	store  Store
	cfg    *policy.Config
	logger zerolog.Logger
	cache  *gocache.Cache
	mu     sync.Mutex
}

// NewStateManager creates a state manager over store.
func NewStateManager(store Store, cfg *policy.Config, logger zerolog.Logger) *StateManager {
	return &StateManager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		cache:  gocache.New(cacheTTL, cacheCleanupInterval),
	}
}

func cloneAgent(a *domain.Agent) *domain.Agent {
	b := *a
	b.Dependencies = slices.Clone(a.Dependencies)
	b.Artifacts = slices.Clone(a.Artifacts)
	return &b
}

// Project returns the project row. domain.ErrNotInitialized before
// InitializeProject has run.
func (m *StateManager) Project(ctx context.Context) (*domain.Project, error) {
	if v, ok := m.cache.Get(cacheKeyProject); ok {
		p := *(v.(*domain.Project))
		return &p, nil
	}
	p, err := m.store.Project(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.Set(cacheKeyProject, p, gocache.DefaultExpiration)
	out := *p
	return &out, nil
}

// Agent returns the agent row for role.
func (m *StateManager) Agent(ctx context.Context, role string) (*domain.Agent, error) {
	role = domain.NormalizeRole(role)
	if v, ok := m.cache.Get(cacheKeyAgent(role)); ok {
		return cloneAgent(v.(*domain.Agent)), nil
	}
	a, err := m.store.Agent(ctx, role)
	if err != nil {
		return nil, err
	}
	m.cache.Set(cacheKeyAgent(role), a, gocache.DefaultExpiration)
	return cloneAgent(a), nil
}

// Agents returns every agent, ordered by role.
func (m *StateManager) Agents(ctx context.Context) ([]*domain.Agent, error) {
	if v, ok := m.cache.Get(cacheKeyAllAgents); ok {
		cached := v.([]*domain.Agent)
		out := make([]*domain.Agent, len(cached))
		for i, a := range cached {
			out[i] = cloneAgent(a)
		}
		return out, nil
	}
	agents, err := m.store.Agents(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.Set(cacheKeyAllAgents, agents, gocache.DefaultExpiration)
	out := make([]*domain.Agent, len(agents))
	for i, a := range agents {
		out[i] = cloneAgent(a)
	}
	return out, nil
}

// UpdateAgent applies fn to the current row for role and persists the
// result. The read-modify-write cycle is the engine's atomic unit; it
// runs under the manager lock and always bypasses the read cache.
func (m *StateManager) UpdateAgent(ctx context.Context, role string, fn func(*domain.Agent) error) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	role = domain.NormalizeRole(role)
	current, err := m.store.Agent(ctx, role)
	if err != nil {
		return nil, err
	}
	before := current.Status

	updated := cloneAgent(current)
	if err := fn(updated); err != nil {
		return nil, err
	}
	if domain.NormalizeRole(updated.Role) != role {
		return nil, fmt.Errorf("%w: %s became %s", domain.ErrRoleMismatch, role, updated.Role)
	}
	if err := m.validateTransition(before, updated); err != nil {
		return nil, err
	}

	if err := m.store.UpsertAgent(ctx, updated); err != nil {
		return nil, err
	}
	m.invalidate(role)

	if before != updated.Status {
		m.logger.Info().
			Str("role", role).
			Str("from", string(before)).
			Str("to", string(updated.Status)).
			Int("retry_count", updated.RetryCount).
			Msg("agent status transition")
	}
	return cloneAgent(updated), nil
}

// validateTransition enforces the lifecycle invariants: terminal statuses
// only accept same-status writes, and an agent may only become running
// with its spawn time set and its deadline in the future.
func (m *StateManager) validateTransition(before domain.AgentStatus, updated *domain.Agent) error {
	if before.Terminal() && updated.Status != before {
		return domain.Validationf("agent is %s; no further transitions", before)
	}
	if updated.Status == domain.StatusRunning && before != domain.StatusRunning {
		if updated.SpawnedAt.IsZero() {
			return domain.Validationf("running agent must have spawned_at")
		}
		if updated.TimeoutAt.IsZero() || !updated.TimeoutAt.After(time.Now()) {
			return domain.Validationf("running agent must have timeout_at in the future")
		}
	}
	return nil
}

func (m *StateManager) invalidate(role string) {
	m.cache.Delete(cacheKeyAgent(role))
	m.cache.Delete(cacheKeyAllAgents)
}

// FlushCache drops every cached read. The supervisor calls this when the
// store signal file reports a write from another process.
func (m *StateManager) FlushCache() {
	m.cache.Flush()
}

// ActiveAgents returns agents whose status admits a live worker process.
func (m *StateManager) ActiveAgents(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := m.Agents(ctx)
	if err != nil {
		return nil, err
	}
	var active []*domain.Agent
	for _, a := range agents {
		if a.Status.Active() {
			active = append(active, a)
		}
	}
	return active, nil
}

// ReadyAgents returns agents in pending or queued whose dependencies have
// all completed, in role order.
func (m *StateManager) ReadyAgents(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := m.Agents(ctx)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a.Status == domain.StatusCompleted {
			completed[a.Role] = true
		}
	}

	var ready []*domain.Agent
	for _, a := range agents {
		if a.Status != domain.StatusPending && a.Status != domain.StatusQueued {
			continue
		}
		ok := true
		for _, dep := range a.Dependencies {
			if !completed[domain.NormalizeRole(dep)] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, a)
		}
	}
	return ready, nil
}

// InitializeProject creates the singleton project row. Idempotent: an
// existing project is returned unchanged.
func (m *StateManager) InitializeProject(ctx context.Context, name, dir, brief string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, err := m.store.Project(ctx); err == nil {
		return p, nil
	} else if !errors.Is(err, domain.ErrNotInitialized) {
		return nil, err
	}

	p := &domain.Project{
		Name:      name,
		Dir:       dir,
		Phase:     domain.PhaseInitializing,
		StartedAt: time.Now().UTC(),
		Brief:     brief,
	}
	if err := m.store.SaveProject(ctx, p); err != nil {
		return nil, err
	}
	m.cache.Delete(cacheKeyProject)
	m.logger.Info().Str("project", name).Str("dir", dir).Msg("project initialized")
	return p, nil
}

// UpdateProject mutates the project row through fn and persists it.
func (m *StateManager) UpdateProject(ctx context.Context, fn func(*domain.Project) error) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.store.Project(ctx)
	if err != nil {
		return nil, err
	}
	before := p.Phase
	updated := *p
	if err := fn(&updated); err != nil {
		return nil, err
	}
	if err := m.store.SaveProject(ctx, &updated); err != nil {
		return nil, err
	}
	m.cache.Delete(cacheKeyProject)
	if before != updated.Phase {
		m.logger.Info().
			Str("from", string(before)).
			Str("to", string(updated.Phase)).
			Msg("project phase transition")
	}
	out := updated
	return &out, nil
}

// InitializeFromConfig creates the project row and seeds one agent row per
// roster entry. Existing agents keep their status; their worker kind and
// dependency list are refreshed from the roster so config edits take
// effect on restart.
func (m *StateManager) InitializeFromConfig(ctx context.Context) error {
	brief, err := m.cfg.BriefText()
	if err != nil {
		return err
	}
	if _, err := m.InitializeProject(ctx, m.cfg.ProjectName(), m.cfg.WorkspaceRoot, brief); err != nil {
		return err
	}

	for _, spec := range m.cfg.Roster() {
		existing, err := m.store.Agent(ctx, spec.Role)
		switch {
		case err == nil:
			existing.WorkerKind = spec.WorkerKind
			existing.Dependencies = slices.Clone(spec.DependsOn)
			if err := m.store.UpsertAgent(ctx, existing); err != nil {
				return err
			}
		case errors.Is(err, domain.ErrRoleNotFound):
			a := &domain.Agent{
				Role:         spec.Role,
				WorkerKind:   spec.WorkerKind,
				Status:       domain.StatusPending,
				Dependencies: slices.Clone(spec.DependsOn),
			}
			if err := m.store.UpsertAgent(ctx, a); err != nil {
				return err
			}
			m.logger.Debug().Str("role", spec.Role).Msg("agent row seeded from roster")
		default:
			return err
		}
	}
	m.cache.Flush()
	return nil
}
