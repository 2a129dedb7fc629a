package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/notify"
)

// seedStalledBuilder puts a running builder row in the store with its
// deadline already blown, as the health check would find it.
func seedStalledBuilder(t *testing.T, parts *engineParts, retryCount int) {
	t.Helper()
	now := time.Now().UTC()
	seedAgent(t, parts.store, &domain.Agent{
		Role:            "builder",
		WorkerKind:      "claude",
		Status:          domain.StatusRunning,
		SpawnedAt:       now.Add(-10 * time.Minute),
		LastHeartbeatAt: now.Add(-5 * time.Minute),
		TimeoutAt:       now.Add(-time.Minute),
		RetryCount:      retryCount,
	})
}

func TestTimeoutHandler_FirstStallRequeuesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("builder")))
	seedStalledBuilder(t, parts, 0)

	if err := parts.checkpoints.Save(ctx, "builder", &domain.Checkpoint{
		Summary:        "storage layer done",
		CompletedItems: domain.EncodeList([]string{"schema"}),
		PendingItems:   domain.EncodeList([]string{"bus wiring"}),
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	parts.heartbeat.Record("builder", "working", "about to stall")

	if err := parts.timeouts.HandleStall(ctx, "builder"); err != nil {
		t.Fatalf("HandleStall: %v", err)
	}

	a := mustAgent(t, parts.state, "builder")
	if a.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", a.Status)
	}
	if a.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", a.RetryCount)
	}
	if a.LastError != "Heartbeat timeout - restarting from checkpoint" {
		t.Errorf("last error = %q", a.LastError)
	}
	if !a.TimeoutAt.IsZero() {
		t.Errorf("timeout_at = %v, want cleared for queued agent", a.TimeoutAt)
	}
	if !strings.HasPrefix(a.RecoveryContext, "# Resuming from checkpoint (") {
		t.Errorf("recovery context should start with the checkpoint header:\n%s", a.RecoveryContext)
	}
	if !strings.Contains(a.RecoveryContext, "- [x] schema") || !strings.Contains(a.RecoveryContext, "- [ ] bus wiring") {
		t.Errorf("recovery context missing checkpoint items:\n%s", a.RecoveryContext)
	}
	if strings.Contains(a.RecoveryContext, "reduced scope") {
		t.Errorf("first retry must not carry the reduced scope preamble:\n%s", a.RecoveryContext)
	}

	if _, ok := parts.heartbeat.Snapshot()["builder"]; ok {
		t.Error("in-memory heartbeat entry must be cleared on stall")
	}
}

func TestTimeoutHandler_FirstStallWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("builder")))
	seedStalledBuilder(t, parts, 0)

	if err := parts.timeouts.HandleStall(ctx, "builder"); err != nil {
		t.Fatalf("HandleStall: %v", err)
	}
	a := mustAgent(t, parts.state, "builder")
	if a.Status != domain.StatusQueued || a.RetryCount != 1 {
		t.Fatalf("agent = %s retry %d, want queued retry 1", a.Status, a.RetryCount)
	}
	if a.RecoveryContext != "" {
		t.Errorf("recovery context = %q, want empty without a checkpoint", a.RecoveryContext)
	}
}

func TestTimeoutHandler_SecondStallAddsReducedScope(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("builder")))
	seedStalledBuilder(t, parts, 1)

	if err := parts.checkpoints.Save(ctx, "builder", &domain.Checkpoint{
		Summary:      "still going",
		PendingItems: domain.EncodeList([]string{"finish the bus"}),
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	if err := parts.timeouts.HandleStall(ctx, "builder"); err != nil {
		t.Fatalf("HandleStall: %v", err)
	}

	a := mustAgent(t, parts.state, "builder")
	if a.Status != domain.StatusQueued || a.RetryCount != 2 {
		t.Fatalf("agent = %s retry %d, want queued retry 2", a.Status, a.RetryCount)
	}
	if a.LastError != "Heartbeat timeout - restarting with reduced scope" {
		t.Errorf("last error = %q", a.LastError)
	}
	if !strings.HasPrefix(a.RecoveryContext, "IMPORTANT: a previous run of the `builder` agent stalled") {
		t.Errorf("recovery context should open with the reduced scope preamble:\n%s", a.RecoveryContext)
	}
	preambleIdx := strings.Index(a.RecoveryContext, "Operate with reduced scope")
	resumeIdx := strings.Index(a.RecoveryContext, "# Resuming from checkpoint")
	if preambleIdx < 0 || resumeIdx < 0 || preambleIdx > resumeIdx {
		t.Errorf("preamble must precede the checkpoint body:\n%s", a.RecoveryContext)
	}
}

func TestTimeoutHandler_EscalatesAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("builder")))
	// max_retries is 3: an agent already on retry 2 gets no third requeue.
	seedStalledBuilder(t, parts, 2)

	if err := parts.checkpoints.Save(ctx, "builder", &domain.Checkpoint{
		Summary: "stuck on the same item",
		Notes:   "likely a missing credential",
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	parts.heartbeat.Record("builder", "working", "spinning")

	if err := parts.timeouts.HandleStall(ctx, "builder"); err != nil {
		t.Fatalf("HandleStall: %v", err)
	}

	a := mustAgent(t, parts.state, "builder")
	if a.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", a.Status)
	}
	if a.LastError != "Timed out after 3 attempts" {
		t.Errorf("last error = %q", a.LastError)
	}
	if a.RetryCount != 2 {
		t.Errorf("retry count = %d, escalation must not consume another retry", a.RetryCount)
	}

	msgs, err := parts.bus.ForRole(ctx, domain.SupervisorRole, time.Time{})
	if err != nil {
		t.Fatalf("ForRole: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("supervisor messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.From != "builder" || m.Type != domain.MessageError {
		t.Errorf("message = from %s type %s, want builder/error", m.From, m.Type)
	}
	if !strings.HasPrefix(m.Content, "ESCALATION: worker requires human attention") {
		t.Errorf("report should open with the escalation banner:\n%s", m.Content)
	}
	for _, want := range []string{"Attempts: 3", "Last checkpoint", "stuck on the same item", "likely a missing credential"} {
		if !strings.Contains(m.Content, want) {
			t.Errorf("report missing %q:\n%s", want, m.Content)
		}
	}

	alerts := parts.notifier.byKind(notify.KindEscalation)
	if len(alerts) != 1 || alerts[0].Role != "builder" {
		t.Errorf("escalation alerts = %+v, want one for builder", alerts)
	}
	if _, ok := parts.heartbeat.Snapshot()["builder"]; ok {
		t.Error("in-memory heartbeat entry must be cleared on escalation")
	}
}

func TestTimeoutHandler_EscalationReportWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("builder")))
	seedStalledBuilder(t, parts, 2)

	if err := parts.timeouts.HandleStall(ctx, "builder"); err != nil {
		t.Fatalf("HandleStall: %v", err)
	}
	msgs, err := parts.bus.ForRole(ctx, domain.SupervisorRole, time.Time{})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("supervisor messages = %v (err %v), want 1", msgs, err)
	}
	if !strings.Contains(msgs[0].Content, "No checkpoint was ever recorded") {
		t.Errorf("report should note the missing checkpoint:\n%s", msgs[0].Content)
	}
}

func TestTimeoutHandler_RequiresRunningAgent(t *testing.T) {
	ctx := context.Background()
	parts := newEngineParts(t, testConfig(t, roleSpec("builder")))
	seedAgent(t, parts.store, &domain.Agent{Role: "builder", Status: domain.StatusPending})

	if err := parts.timeouts.HandleStall(ctx, "builder"); err == nil {
		t.Fatal("expected error for non-running agent")
	}
	a := mustAgent(t, parts.state, "builder")
	if a.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending untouched", a.Status)
	}
}
