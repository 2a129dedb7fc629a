package orchestrate

import (
	"context"
	"strings"
	"testing"

	"github.com/jaakkos/showrunner/internal/domain"
)

func TestCompleteRecordsCompletion(t *testing.T) {
	d := testDeps(t)
	s := testServer(d)
	markRunning(t, d, "builder")

	text := mustCallOK(t, s, "complete", map[string]any{
		"agentRole": "builder",
		"summary":   "storage and bus are in, tests pass",
		"artifacts": []string{"internal/store/store.go", "internal/bus/bus.go"},
	})
	if text != "Completion recorded for builder. Dependent roles are now unblocked; you may exit." {
		t.Errorf("unexpected ack: %q", text)
	}

	a := mustAgent(t, d, "builder")
	if a.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", a.Status)
	}
	if a.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if a.LastMessage != "storage and bus are in, tests pass" {
		t.Errorf("LastMessage = %q", a.LastMessage)
	}
	if !a.TimeoutAt.IsZero() {
		t.Errorf("deadline should be cleared, got %v", a.TimeoutAt)
	}
	if len(a.Artifacts) != 2 {
		t.Errorf("artifacts = %v", a.Artifacts)
	}

	mail := supervisorMail(t, d)
	if len(mail) != 1 {
		t.Fatalf("expected 1 supervisor message, got %d", len(mail))
	}
	msg := mail[0]
	if msg.Type != domain.MessageDone || msg.From != "builder" {
		t.Errorf("unexpected message: type=%s from=%s", msg.Type, msg.From)
	}
	arts, ok := domain.DecodeList(msg.Artifacts)
	if !ok || len(arts) != 2 {
		t.Errorf("message artifacts = %q", msg.Artifacts)
	}

	if _, ok := d.Heartbeat.Snapshot()["builder"]; ok {
		t.Error("completion should drop liveness tracking")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	d := testDeps(t)
	s := testServer(d)
	markRunning(t, d, "builder")

	mustCallOK(t, s, "complete", map[string]any{
		"agentRole": "builder",
		"summary":   "done",
	})
	text := mustCallOK(t, s, "complete", map[string]any{
		"agentRole": "builder",
		"summary":   "done again",
	})
	if text != "Role builder is already completed; nothing to do." {
		t.Errorf("unexpected repeat ack: %q", text)
	}

	// The retry must not double-publish the completion record.
	if mail := supervisorMail(t, d); len(mail) != 1 {
		t.Errorf("expected 1 supervisor message after retry, got %d", len(mail))
	}
	a := mustAgent(t, d, "builder")
	if a.LastMessage != "done" {
		t.Errorf("retry should not overwrite the summary, got %q", a.LastMessage)
	}
}

func TestCompleteRequiresRoleWithoutSession(t *testing.T) {
	d := testDeps(t)
	s := testServer(d)

	text := mustCallError(t, s, "complete", map[string]any{
		"summary": "finished something",
	})
	if !strings.Contains(text, "agentRole is required") {
		t.Errorf("unexpected error text: %q", text)
	}
}

func TestCompleteRejectsUnknownRole(t *testing.T) {
	d := testDeps(t)
	s := testServer(d)

	text := mustCallError(t, s, "complete", map[string]any{
		"agentRole": "ghost",
		"summary":   "phantom work",
	})
	if !strings.Contains(text, "complete rejected") {
		t.Errorf("unexpected error text: %q", text)
	}
}

func TestCompleteUnblocksDependents(t *testing.T) {
	d := testDeps(t)
	s := testServer(d)
	markRunning(t, d, "planner")

	ready, err := d.State.ReadyAgents(context.Background())
	if err != nil {
		t.Fatalf("ready agents: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("builder should be blocked while planner runs, ready = %v", ready)
	}

	mustCallOK(t, s, "complete", map[string]any{
		"agentRole": "planner",
		"summary":   "plan written",
	})

	ready, err = d.State.ReadyAgents(context.Background())
	if err != nil {
		t.Fatalf("ready agents: %v", err)
	}
	if len(ready) != 1 || ready[0].Role != "builder" {
		t.Errorf("builder should be ready after planner completes, got %v", ready)
	}
}
