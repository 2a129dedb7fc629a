package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/notify"
)

// writeWorkerScript drops an executable stand-in for the worker binary.
// It swallows whatever flags the spawner passes.
func writeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return path
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSupervisor_PromotesAndSpawnsInOneTick(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, roleSpec("planner"), roleSpec("builder", "planner"), roleSpec("tester", "builder"))
	cfg.Worker.BinaryPath = "true"
	parts := newEngineParts(t, cfg)

	seedAgent(t, parts.store, &domain.Agent{Role: "planner", WorkerKind: "claude", Status: domain.StatusCompleted})
	seedAgent(t, parts.store, &domain.Agent{Role: "builder", WorkerKind: "claude", Status: domain.StatusPending, Dependencies: []string{"planner"}})
	seedAgent(t, parts.store, &domain.Agent{Role: "tester", WorkerKind: "claude", Status: domain.StatusPending, Dependencies: []string{"builder"}})

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	builder := mustAgent(t, parts.state, "builder")
	if builder.Status != domain.StatusRunning {
		t.Fatalf("builder = %s, want running after one tick", builder.Status)
	}
	if builder.TaskID == "" {
		t.Error("builder has no task id")
	}
	if builder.SpawnedAt.IsZero() {
		t.Error("builder has no spawned_at")
	}
	if !builder.TimeoutAt.After(time.Now()) {
		t.Errorf("builder timeout_at = %v, want in the future", builder.TimeoutAt)
	}

	tasks, err := parts.store.Tasks(ctx, "builder", 0)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("builder tasks = %v (err %v), want 1 ledger row", tasks, err)
	}
	if tasks[0].ID != builder.TaskID || tasks[0].PID <= 0 {
		t.Errorf("ledger row = %+v, want task %s with a pid", tasks[0], builder.TaskID)
	}

	if tester := mustAgent(t, parts.state, "tester"); tester.Status != domain.StatusPending {
		t.Errorf("tester = %s, want pending while builder runs", tester.Status)
	}

	// A second tick must not respawn or regress the running builder.
	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("second CheckOnce: %v", err)
	}
	again := mustAgent(t, parts.state, "builder")
	if again.Status != domain.StatusRunning || again.TaskID != builder.TaskID {
		t.Errorf("builder after second tick = %s task %s, want running task %s", again.Status, again.TaskID, builder.TaskID)
	}
}

func TestSupervisor_SpawnFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, roleSpec("builder"))
	cfg.Worker.BinaryPath = filepath.Join(t.TempDir(), "missing-binary")
	parts := newEngineParts(t, cfg)

	seedAgent(t, parts.store, &domain.Agent{Role: "builder", WorkerKind: "claude", Status: domain.StatusPending})

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	builder := mustAgent(t, parts.state, "builder")
	if builder.Status != domain.StatusFailed {
		t.Fatalf("builder = %s, want failed", builder.Status)
	}
	if builder.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", builder.RetryCount)
	}
	if !strings.Contains(builder.LastError, "start worker") {
		t.Errorf("last error = %q, want the spawn failure recorded", builder.LastError)
	}
}

func TestSupervisor_StallRequeuesAndRespawnsInOneTick(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, roleSpec("builder"))
	cfg.Worker.BinaryPath = writeWorkerScript(t, "exec sleep 60")
	parts := newEngineParts(t, cfg)

	now := time.Now().UTC()
	seedAgent(t, parts.store, &domain.Agent{
		Role:       "builder",
		WorkerKind: "claude",
		Status:     domain.StatusRunning,
		TaskID:     "stalled-task",
		SpawnedAt:  now.Add(-10 * time.Minute),
		TimeoutAt:  now.Add(-time.Minute),
	})
	if err := parts.checkpoints.Save(ctx, "builder", &domain.Checkpoint{Summary: "halfway"}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	builder := mustAgent(t, parts.state, "builder")
	if builder.Status != domain.StatusRunning {
		t.Fatalf("builder = %s, want running again after stall handling", builder.Status)
	}
	if builder.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", builder.RetryCount)
	}
	if builder.TaskID == "stalled-task" || builder.TaskID == "" {
		t.Errorf("task id = %q, want a fresh task", builder.TaskID)
	}
	if builder.RecoveryContext != "" {
		t.Errorf("recovery context = %q, want consumed by the respawn", builder.RecoveryContext)
	}
	if !builder.TimeoutAt.After(time.Now()) {
		t.Errorf("timeout_at = %v, want a fresh deadline", builder.TimeoutAt)
	}
}

func TestSupervisor_EscalatesExhaustedRoleDuringTick(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("builder")))

	now := time.Now().UTC()
	seedAgent(t, parts.store, &domain.Agent{
		Role:       "builder",
		WorkerKind: "claude",
		Status:     domain.StatusRunning,
		SpawnedAt:  now.Add(-20 * time.Minute),
		TimeoutAt:  now.Add(-time.Minute),
		RetryCount: 2,
	})

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	builder := mustAgent(t, parts.state, "builder")
	if builder.Status != domain.StatusEscalated {
		t.Fatalf("builder = %s, want escalated", builder.Status)
	}
	if alerts := parts.notifier.byKind(notify.KindEscalation); len(alerts) != 1 {
		t.Errorf("escalation alerts = %d, want 1", len(alerts))
	}
}

func TestSupervisor_ProjectCompletedWhenAllAgentsComplete(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("planner"), roleSpec("builder", "planner")))

	if _, err := parts.state.InitializeProject(ctx, "demo", parts.cfg.WorkspaceRoot, ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	seedAgent(t, parts.store, &domain.Agent{Role: "planner", Status: domain.StatusCompleted})
	seedAgent(t, parts.store, &domain.Agent{Role: "builder", Status: domain.StatusCompleted})

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	proj, err := parts.state.Project(ctx)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if proj.Phase != domain.PhaseCompleted {
		t.Fatalf("phase = %s, want completed", proj.Phase)
	}
	if proj.CompletedAt.IsZero() {
		t.Error("completed_at not stamped")
	}
	if alerts := parts.notifier.byKind(notify.KindProjectCompleted); len(alerts) != 1 {
		t.Errorf("completion alerts = %d, want 1", len(alerts))
	}
}

func TestSupervisor_ProjectFailedWhenTerminalWithFailures(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("planner"), roleSpec("builder", "planner")))

	if _, err := parts.state.InitializeProject(ctx, "demo", parts.cfg.WorkspaceRoot, ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	seedAgent(t, parts.store, &domain.Agent{Role: "planner", Status: domain.StatusCompleted})
	seedAgent(t, parts.store, &domain.Agent{Role: "builder", Status: domain.StatusFailed})

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	proj, err := parts.state.Project(ctx)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if proj.Phase != domain.PhaseFailed {
		t.Fatalf("phase = %s, want failed", proj.Phase)
	}
	if alerts := parts.notifier.byKind(notify.KindProjectFailed); len(alerts) != 1 {
		t.Errorf("failure alerts = %d, want 1", len(alerts))
	}
}

func TestSupervisor_ProjectMovesToBuildingWhileAgentsActive(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("builder")))

	if _, err := parts.state.InitializeProject(ctx, "demo", parts.cfg.WorkspaceRoot, ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	now := time.Now().UTC()
	seedAgent(t, parts.store, &domain.Agent{
		Role:      "builder",
		Status:    domain.StatusRunning,
		SpawnedAt: now,
		TimeoutAt: now.Add(10 * time.Minute),
	})

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	proj, err := parts.state.Project(ctx)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if proj.Phase != domain.PhaseBuilding {
		t.Errorf("phase = %s, want building", proj.Phase)
	}
	if !proj.CompletedAt.IsZero() {
		t.Errorf("completed_at = %v, want unset for a live project", proj.CompletedAt)
	}
}

func TestSupervisor_WorkerExitDoesNotCompleteAgent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, roleSpec("builder"))
	cfg.Worker.BinaryPath = "true"
	parts := newEngineParts(t, cfg)

	seedAgent(t, parts.store, &domain.Agent{Role: "builder", WorkerKind: "claude", Status: domain.StatusPending})

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}
	builder := mustAgent(t, parts.state, "builder")
	if builder.Status != domain.StatusRunning {
		t.Fatalf("builder = %s, want running", builder.Status)
	}

	// The stand-in exits immediately; wait for the reaper to notice and
	// finalize the ledger, then tick again.
	waitFor(t, 2*time.Second, func() bool {
		return !parts.spawner.Running("builder")
	}, "worker never reaped")
	waitFor(t, 2*time.Second, func() bool {
		tasks, err := parts.store.Tasks(ctx, "builder", 1)
		return err == nil && len(tasks) == 1 && !tasks[0].FinishedAt.IsZero()
	}, "task ledger never finalized")

	tasks, err := parts.store.Tasks(ctx, "builder", 1)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks = %v (err %v)", tasks, err)
	}
	if tasks[0].Status != "exited" {
		t.Errorf("ledger status = %q, want exited for a clean exit", tasks[0].Status)
	}

	if err := parts.supervisor.CheckOnce(ctx); err != nil {
		t.Fatalf("second CheckOnce: %v", err)
	}
	builder = mustAgent(t, parts.state, "builder")
	if builder.Status != domain.StatusRunning {
		t.Errorf("builder = %s after worker exit, want still running (completion comes only through the tools)", builder.Status)
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, roleSpec("builder"))
	cfg.Worker.BinaryPath = "true"
	parts := newEngineParts(t, cfg)
	if err := parts.state.InitializeFromConfig(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	sup := NewSupervisor(
		parts.cfg, parts.state, parts.heartbeat, parts.timeouts, parts.spawner, nil, parts.notifier, zerolog.Nop(),
		WithSupervisorInterval(10*time.Millisecond),
		WithReadyCheck(func() bool { return true }),
	)

	go sup.Start(ctx)
	sup.Kick()

	waitFor(t, 3*time.Second, func() bool {
		a, err := parts.state.Agent(ctx, "builder")
		return err == nil && a.Status == domain.StatusRunning
	}, "builder never spawned by the running loop")

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}
