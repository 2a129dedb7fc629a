package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/metrics"
	"github.com/jaakkos/showrunner/internal/policy"
	"github.com/jaakkos/showrunner/internal/prompt"
)

// forcedReapTimeout bounds how long Terminate waits for the process to
// be reaped after a forced kill.
const forcedReapTimeout = 5 * time.Second

// SpawnResult reports a successfully started worker.
type SpawnResult struct {
	TaskID  string
	PID     int
	LogPath string
}

// WorkerInfo is the public view of a tracked worker process.
type WorkerInfo struct {
	Role      string    `json:"role"`
	TaskID    string    `json:"task_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Exited    bool      `json:"exited"`
	LogPath   string    `json:"log_path"`
}

// workerProc tracks one spawned worker for its whole lifetime.
type workerProc struct {
	role      string
	taskID    string
	pid       int
	startedAt time.Time
	cmd       *exec.Cmd
	logPath   string
	logFile   *os.File
	scratch   []string
	lockPath  string

	done    chan struct{}
	exitErr error
	cleanup sync.Once
}

func (p *workerProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// finish releases everything the spawn allocated: log file handle,
// scratch files, lockfile. Safe to call from any termination path.
func (p *workerProc) finish(logger zerolog.Logger) {
	p.cleanup.Do(func() {
		if p.logFile != nil {
			_ = p.logFile.Close()
		}
		removeScratchFiles(logger, p.scratch)
		if p.lockPath != "" {
			_ = os.Remove(p.lockPath)
		}
	})
}

// Spawner starts worker processes and supervises their teardown. At
// most one live worker per role; the in-memory table is authoritative
// within this engine and a per-role lockfile guards against a second
// engine on the same workspace.
type Spawner struct {
	cfg     *policy.Config
	state   *StateManager
	store   Store
	prompts *prompt.Factory
	logger  zerolog.Logger

	mu    sync.Mutex
	procs map[string]*workerProc
}

// NewSpawner creates a spawner.
func NewSpawner(cfg *policy.Config, state *StateManager, store Store, prompts *prompt.Factory, logger zerolog.Logger) *Spawner {
	return &Spawner{
		cfg:     cfg,
		state:   state,
		store:   store,
		prompts: prompts,
		logger:  logger,
		procs:   make(map[string]*workerProc),
	}
}

// Spawn starts a worker process for agent a. The recovery context, when
// non-empty, is embedded in the worker's briefing. On any failure after
// the process started, the whole tree is killed and scratch state is
// cleaned up before the error is returned.
func (s *Spawner) Spawn(ctx context.Context, a *domain.Agent, recoveryContext string) (*SpawnResult, error) {
	role := domain.NormalizeRole(a.Role)
	if role == "" {
		return nil, domain.Validationf("spawn role must not be empty")
	}
	kind := a.WorkerKind
	if kind == "" {
		kind = role
	}
	taskID := uuid.NewString()

	s.mu.Lock()
	if existing, ok := s.procs[role]; ok {
		if !existing.exited() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s (task %s, pid %d)", domain.ErrDuplicateWorker, role, existing.taskID, existing.pid)
		}
		delete(s.procs, role)
	}
	lockPath, err := s.acquireLock(role, taskID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	res, err := s.start(ctx, a, role, kind, taskID, lockPath, recoveryContext)
	if err != nil {
		_ = os.Remove(lockPath)
		metrics.SpawnFailures.WithLabelValues(role).Inc()
		return nil, err
	}
	metrics.Spawns.WithLabelValues(role).Inc()
	return res, nil
}

func (s *Spawner) start(ctx context.Context, a *domain.Agent, role, kind, taskID, lockPath, recoveryContext string) (*SpawnResult, error) {
	promptText, err := s.buildPrompt(ctx, a, role, kind, taskID, recoveryContext)
	if err != nil {
		return nil, err
	}

	scratchDir := s.cfg.ScratchDir()
	promptPath, err := writeScratchFile(scratchDir, fmt.Sprintf("%s-%s-prompt.md", role, taskID), promptText)
	if err != nil {
		return nil, err
	}
	scratch := []string{promptPath}

	facadeCfg, err := renderFacadeConfig(s.cfg)
	if err != nil {
		removeScratchFiles(s.logger, scratch)
		return nil, err
	}
	mcpPath, err := writeScratchFile(scratchDir, fmt.Sprintf("%s-%s-mcp.json", role, taskID), facadeCfg)
	if err != nil {
		removeScratchFiles(s.logger, scratch)
		return nil, err
	}
	scratch = append(scratch, mcpPath)

	argv := s.buildArgv(role, taskID, promptPath, mcpPath)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.cfg.WorkspaceRoot
	cmd.Env = buildWorkerEnv(s.cfg.Worker, role, taskID, s.cfg.WorkspaceRoot)
	setProcGroup(cmd)

	logPath, logFile := s.openWorkerLog(role, taskID)
	if logFile != nil {
		label := "spawn"
		if a.RetryCount > 0 {
			label = fmt.Sprintf("retry-%d", a.RetryCount)
		}
		fmt.Fprintf(logFile, "\n=== worker %s [%s] at %s (dir=%s) ===\n", role, label, time.Now().Format(time.RFC3339), s.cfg.WorkspaceRoot)
		fmt.Fprintf(logFile, "command: %v\n", argv)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		removeScratchFiles(s.logger, scratch)
		return nil, fmt.Errorf("start worker for %s: %w", role, err)
	}

	p := &workerProc{
		role:      role,
		taskID:    taskID,
		pid:       cmd.Process.Pid,
		startedAt: time.Now().UTC(),
		cmd:       cmd,
		logPath:   logPath,
		logFile:   logFile,
		scratch:   scratch,
		lockPath:  lockPath,
		done:      make(chan struct{}),
	}

	// Rewrite the lock with the worker pid so staleness tracks the
	// worker, not the engine that started it.
	_ = os.WriteFile(lockPath, []byte(fmt.Sprintf("%d %s\n", p.pid, taskID)), 0o644)

	s.mu.Lock()
	s.procs[role] = p
	s.mu.Unlock()
	metrics.WorkersRunning.Inc()

	if err := s.store.AppendTask(ctx, &domain.Task{
		ID:         taskID,
		Role:       role,
		WorkerKind: kind,
		Status:     "running",
		PID:        p.pid,
	}); err != nil {
		s.logger.Error().Err(err).Str("role", role).Msg("task ledger write failed, killing fresh worker")
		s.destroy(p)
		return nil, fmt.Errorf("record task for %s: %w", role, err)
	}

	s.logger.Info().
		Str("role", role).
		Str("task_id", taskID).
		Int("pid", p.pid).
		Str("log", logPath).
		Msg("worker started")

	go s.reap(p)

	return &SpawnResult{TaskID: taskID, PID: p.pid, LogPath: logPath}, nil
}

// buildPrompt assembles the briefing for a worker from project state.
func (s *Spawner) buildPrompt(ctx context.Context, a *domain.Agent, role, kind, taskID, recoveryContext string) (string, error) {
	brief, err := s.cfg.BriefText()
	if err != nil {
		s.logger.Warn().Err(err).Msg("brief file unreadable, briefing without it")
		brief = ""
	}
	req := prompt.Request{
		Role:            role,
		WorkerKind:      kind,
		TaskID:          taskID,
		ProjectName:     s.cfg.ProjectName(),
		Brief:           brief,
		Workspace:       s.cfg.WorkspaceRoot,
		RecoveryContext: recoveryContext,
	}
	hb := int(s.cfg.HeartbeatTimeout().Seconds() / 2)
	if hb < 5 {
		hb = 5
	}
	req.HeartbeatSeconds = hb

	if proj, err := s.state.Project(ctx); err == nil {
		req.ProjectName = proj.Name
		if proj.Brief != "" {
			req.Brief = proj.Brief
		}
	}

	for _, dep := range a.Dependencies {
		d := prompt.Dependency{Role: dep, Status: "unknown"}
		if agent, err := s.state.Agent(ctx, dep); err == nil {
			d.Status = string(agent.Status)
			d.Summary = agent.LastMessage
		}
		req.Dependencies = append(req.Dependencies, d)
	}

	return s.prompts.SystemPrompt(req)
}

// buildArgv constructs the worker command line from the worker config,
// then appends the configured extra args with spawn placeholders
// expanded and the initial user message.
func (s *Spawner) buildArgv(role, taskID, promptPath, mcpPath string) []string {
	w := s.cfg.Worker
	argv := []string{w.BinaryPath}
	if w.Model != "" {
		argv = append(argv, "--model", w.Model)
	}
	if w.OutputFormat != "" {
		argv = append(argv, "--output-format", w.OutputFormat)
	}
	if w.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(w.MaxTurns))
	}
	argv = append(argv, "--session-id", taskID, "--mcp-config", mcpPath)
	if w.DangerouslySkipPermissions {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	argv = append(argv, expandArgTemplates(w.Args, map[string]string{
		"workspace":   s.cfg.WorkspaceRoot,
		"role":        role,
		"task_id":     taskID,
		"prompt_file": promptPath,
		"mcp_config":  mcpPath,
	})...)
	initial := fmt.Sprintf("You are the %s agent. Read your briefing at %s, then begin. Coordinate through the showrunner tools and call complete when finished.", role, promptPath)
	return append(argv, "-p", initial)
}

func (s *Spawner) openWorkerLog(role, taskID string) (string, *os.File) {
	dir := s.cfg.WorkerLogDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn().Err(err).Str("dir", dir).Msg("worker log dir not created, using stderr")
		return "", nil
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", role, taskID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("worker log not opened, using stderr")
		return "", nil
	}
	return path, f
}

// acquireLock takes the per-role lockfile. A lock held by a dead pid is
// stale and gets replaced; a lock held by a live pid means another
// engine already runs this role.
func (s *Spawner) acquireLock(role, taskID string) (string, error) {
	dir := s.cfg.LockDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, role+".lock")
	if data, err := os.ReadFile(path); err == nil {
		pid := 0
		if fields := strings.Fields(string(data)); len(fields) > 0 {
			pid, _ = strconv.Atoi(fields[0])
		}
		if pid > 0 && processAlive(pid) {
			return "", fmt.Errorf("%w: %s held by pid %d", domain.ErrDuplicateWorker, path, pid)
		}
		s.logger.Warn().Str("path", path).Int("pid", pid).Msg("removing stale worker lock")
		_ = os.Remove(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: lock %s: %v", domain.ErrDuplicateWorker, path, err)
	}
	fmt.Fprintf(f, "%d %s\n", os.Getpid(), taskID)
	_ = f.Close()
	return path, nil
}

// reap waits for the process to exit, releases its resources and closes
// out the task ledger row. Process exit never drives agent status;
// completion happens only through the tool facade.
func (s *Spawner) reap(p *workerProc) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)
	metrics.WorkersRunning.Dec()

	status := "exited"
	if err != nil {
		status = "failed"
	}
	evt := s.logger.Info()
	if err != nil {
		evt = s.logger.Warn().Err(err)
	}
	evt.Str("role", p.role).Str("task_id", p.taskID).Int("pid", p.pid).Msg("worker exited")

	p.finish(s.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := s.store.FinishTask(ctx, p.taskID, status); ferr != nil {
		s.logger.Warn().Err(ferr).Str("task_id", p.taskID).Msg("task ledger not finalized")
	}
}

// destroy force-kills a worker after a post-start failure. It runs
// before the reaper goroutine exists, so it must wait on the process
// itself.
func (s *Spawner) destroy(p *workerProc) {
	s.mu.Lock()
	if s.procs[p.role] == p {
		delete(s.procs, p.role)
	}
	s.mu.Unlock()

	_ = killProcessTree(p.pid)
	_ = p.cmd.Wait()
	close(p.done)
	metrics.WorkersRunning.Dec()
	p.finish(s.logger)
}

// Terminate stops the worker for role: graceful signal first, full tree
// kill after the graceful shutdown window. Returns false when no worker
// is tracked for role, which makes a second call a no-op.
func (s *Spawner) Terminate(ctx context.Context, role string) bool {
	role = domain.NormalizeRole(role)

	s.mu.Lock()
	p, ok := s.procs[role]
	if ok {
		delete(s.procs, role)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if p.exited() {
		p.finish(s.logger)
		return true
	}

	if err := signalGraceful(p.cmd.Process); err != nil {
		s.logger.Debug().Err(err).Str("role", role).Msg("graceful signal not delivered")
	}

	grace := s.cfg.GracefulShutdownTimeout()
	forced := false
	select {
	case <-p.done:
	case <-time.After(grace):
		forced = true
	case <-ctx.Done():
		forced = true
	}

	if forced {
		s.logger.Warn().Str("role", role).Int("pid", p.pid).Dur("grace", grace).Msg("worker did not stop gracefully, killing process tree")
		if err := killProcessTree(p.pid); err != nil {
			s.logger.Warn().Err(err).Str("role", role).Int("pid", p.pid).Msg("process tree kill failed")
		}
		select {
		case <-p.done:
		case <-time.After(forcedReapTimeout):
			s.logger.Error().Str("role", role).Int("pid", p.pid).Msg("worker not reaped after kill")
		}
	} else {
		s.logger.Info().Str("role", role).Int("pid", p.pid).Msg("worker stopped gracefully")
	}

	p.finish(s.logger)
	return true
}

// Shutdown terminates all tracked workers concurrently.
func (s *Spawner) Shutdown(ctx context.Context) {
	s.mu.Lock()
	roles := make([]string, 0, len(s.procs))
	for role := range s.procs {
		roles = append(roles, role)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, role := range roles {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			s.Terminate(ctx, r)
		}(role)
	}
	wg.Wait()
}

// Running reports whether a live worker is tracked for role.
func (s *Spawner) Running(role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[domain.NormalizeRole(role)]
	return ok && !p.exited()
}

// Processes returns a snapshot of all tracked workers.
func (s *Spawner) Processes() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, WorkerInfo{
			Role:      p.role,
			TaskID:    p.taskID,
			PID:       p.pid,
			StartedAt: p.startedAt,
			Exited:    p.exited(),
			LogPath:   p.logPath,
		})
	}
	return out
}
