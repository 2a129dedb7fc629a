package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/notify"
	"github.com/jaakkos/showrunner/internal/policy"
	"github.com/jaakkos/showrunner/internal/prompt"
)

// memStore is an in-memory Store for tests. It mirrors the sqlite
// repository's observable behavior: values are copied in and out, roles
// are normalized, messages dedupe by id, and reads come back in the
// same order the real store produces.
type memStore struct {
	mu          sync.Mutex
	project     *domain.Project
	agents      map[string]*domain.Agent
	checkpoints []*domain.Checkpoint
	nextCpID    int64
	messages    []*domain.Message
	msgSeen     map[string]bool
	tasks       []*domain.Task
}

func newMemStore() *memStore {
	return &memStore{
		agents:  make(map[string]*domain.Agent),
		msgSeen: make(map[string]bool),
	}
}

func copyStoredAgent(a *domain.Agent) *domain.Agent {
	b := *a
	b.Dependencies = append([]string(nil), a.Dependencies...)
	b.Artifacts = append([]string(nil), a.Artifacts...)
	return &b
}

func (m *memStore) SaveProject(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.project = &cp
	return nil
}

func (m *memStore) Project(context.Context) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.project == nil {
		return nil, domain.ErrNotInitialized
	}
	cp := *m.project
	return &cp, nil
}

func (m *memStore) UpsertAgent(_ context.Context, a *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role := domain.NormalizeRole(a.Role)
	if role == "" {
		return domain.Validationf("agent role must not be empty")
	}
	cp := copyStoredAgent(a)
	cp.Role = role
	m.agents[role] = cp
	return nil
}

func (m *memStore) Agent(_ context.Context, role string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role = domain.NormalizeRole(role)
	a, ok := m.agents[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoleNotFound, role)
	}
	return copyStoredAgent(a), nil
}

func (m *memStore) Agents(context.Context) ([]*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := make([]string, 0, len(m.agents))
	for role := range m.agents {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	out := make([]*domain.Agent, 0, len(roles))
	for _, role := range roles {
		out = append(out, copyStoredAgent(m.agents[role]))
	}
	return out, nil
}

func (m *memStore) AppendCheckpoint(_ context.Context, c *domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Role = domain.NormalizeRole(c.Role)
	if c.Role == "" {
		return domain.Validationf("checkpoint role must not be empty")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.nextCpID++
	c.ID = m.nextCpID
	cp := *c
	m.checkpoints = append(m.checkpoints, &cp)
	return nil
}

func (m *memStore) LatestCheckpoint(_ context.Context, role string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role = domain.NormalizeRole(role)
	var latest *domain.Checkpoint
	for _, c := range m.checkpoints {
		if c.Role != role {
			continue
		}
		if latest == nil || c.ID > latest.ID {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) Checkpoints(_ context.Context, role string, limit int) ([]*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role = domain.NormalizeRole(role)
	var out []*domain.Checkpoint
	for i := len(m.checkpoints) - 1; i >= 0; i-- {
		if m.checkpoints[i].Role != role {
			continue
		}
		cp := *m.checkpoints[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) AppendMessage(_ context.Context, msg *domain.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		return false, domain.Validationf("message id must not be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if m.msgSeen[msg.ID] {
		return false, nil
	}
	m.msgSeen[msg.ID] = true
	cp := *msg
	cp.From = domain.NormalizeRole(msg.From)
	if cp.To != domain.BroadcastRole {
		cp.To = domain.NormalizeRole(msg.To)
	}
	m.messages = append(m.messages, &cp)
	return true, nil
}

func (m *memStore) MessagesForRole(_ context.Context, role string, since time.Time) ([]*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Message
	for _, msg := range m.messages {
		if !msg.MatchesRole(role) {
			continue
		}
		if !since.IsZero() && !msg.Timestamp.After(since) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) Messages(_ context.Context, limit int) ([]*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Message
	for i := len(m.messages) - 1; i >= 0; i-- {
		cp := *m.messages[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) AppendTask(_ context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		return domain.Validationf("task id must not be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	cp.Role = domain.NormalizeRole(t.Role)
	m.tasks = append(m.tasks, &cp)
	return nil
}

func (m *memStore) FinishTask(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			t.Status = status
			t.FinishedAt = time.Now().UTC()
		}
	}
	return nil
}

func (m *memStore) Tasks(_ context.Context, role string, limit int) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role = domain.NormalizeRole(role)
	var out []*domain.Task
	for i := len(m.tasks) - 1; i >= 0; i-- {
		if role != "" && m.tasks[i].Role != role {
			continue
		}
		cp := *m.tasks[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

// roleSpec builds a roster entry for tests. Role names must already be
// lower case: normalization happens in policy.Load, which tests bypass.
func roleSpec(role string, deps ...string) policy.RoleSpec {
	return policy.RoleSpec{Role: role, WorkerKind: role, DependsOn: deps}
}

// testConfig returns defaults rooted in a temp workspace.
func testConfig(t *testing.T, roles ...policy.RoleSpec) *policy.Config {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.StateFile = "state.sqlite"
	cfg.Roles = roles
	return cfg
}

func testStateManager(store Store, cfg *policy.Config) *StateManager {
	return NewStateManager(store, cfg, zerolog.Nop())
}

// seedAgent writes an agent row straight into the store, the way rows
// persisted by an earlier engine run would already exist.
func seedAgent(t *testing.T, store Store, a *domain.Agent) {
	t.Helper()
	if err := store.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("seed agent %s: %v", a.Role, err)
	}
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

// engineParts wires the full component stack over a memStore, the same
// shape NewEngine builds in production.
type engineParts struct {
	cfg         *policy.Config
	store       *memStore
	state       *StateManager
	bus         *MessageBus
	checkpoints *CheckpointService
	heartbeat   *HeartbeatMonitor
	spawner     *Spawner
	timeouts    *TimeoutHandler
	notifier    *captureNotifier
	supervisor  *Supervisor
}

func newEngineParts(t *testing.T, cfg *policy.Config) *engineParts {
	t.Helper()
	logger := zerolog.Nop()
	store := newMemStore()
	state := NewStateManager(store, cfg, logger)
	bus := NewMessageBus(store, logger)
	checkpoints := NewCheckpointService(store, logger)
	heartbeat := NewHeartbeatMonitor(state, cfg.HeartbeatTimeout(), logger)
	prompts, err := prompt.NewFactory()
	if err != nil {
		t.Fatalf("prompt factory: %v", err)
	}
	spawner := NewSpawner(cfg, state, store, prompts, logger)
	notifier := &captureNotifier{}
	timeouts := NewTimeoutHandler(cfg, state, checkpoints, bus, spawner, heartbeat, prompts, notifier, nil, logger)
	supervisor := NewSupervisor(cfg, state, heartbeat, timeouts, spawner, nil, notifier, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		spawner.Shutdown(ctx)
		bus.Close()
	})

	return &engineParts{
		cfg:         cfg,
		store:       store,
		state:       state,
		bus:         bus,
		checkpoints: checkpoints,
		heartbeat:   heartbeat,
		spawner:     spawner,
		timeouts:    timeouts,
		notifier:    notifier,
		supervisor:  supervisor,
	}
}

func mustAgent(t *testing.T, state *StateManager, role string) *domain.Agent {
	t.Helper()
	a, err := state.Agent(context.Background(), role)
	if err != nil {
		t.Fatalf("load agent %s: %v", role, err)
	}
	return a
}
