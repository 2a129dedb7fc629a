package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStoreWatcherCheckOnce(t *testing.T) {
	signalPath := filepath.Join(t.TempDir(), ".showrunner-notify")

	var fired atomic.Int64
	w := NewStoreWatcher(signalPath, func() { fired.Add(1) }, zerolog.Nop())

	// No signal file yet: nothing to report.
	w.CheckOnce()
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times before the signal file exists", got)
	}

	if err := os.WriteFile(signalPath, []byte("rev-1"), 0o644); err != nil {
		t.Fatalf("write signal: %v", err)
	}
	w.CheckOnce()
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times after first revision, want 1", got)
	}

	// Same revision again: no new callback.
	w.CheckOnce()
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times on an unchanged revision, want 1", got)
	}

	if err := os.WriteFile(signalPath, []byte("rev-2"), 0o644); err != nil {
		t.Fatalf("write signal: %v", err)
	}
	w.CheckOnce()
	if got := fired.Load(); got != 2 {
		t.Fatalf("fired %d times after second revision, want 2", got)
	}
}

func TestStoreWatcherIgnoresEmptyRevision(t *testing.T) {
	signalPath := filepath.Join(t.TempDir(), ".showrunner-notify")
	if err := os.WriteFile(signalPath, nil, 0o644); err != nil {
		t.Fatalf("write signal: %v", err)
	}

	var fired atomic.Int64
	w := NewStoreWatcher(signalPath, func() { fired.Add(1) }, zerolog.Nop())
	w.CheckOnce()
	if got := fired.Load(); got != 0 {
		t.Errorf("fired %d times for an empty revision, want 0", got)
	}
}

func TestStoreWatcherDetectsWrites(t *testing.T) {
	dir := t.TempDir()
	signalPath := filepath.Join(dir, ".showrunner-notify")

	var fired atomic.Int64
	w := NewStoreWatcher(signalPath, func() { fired.Add(1) }, zerolog.Nop(),
		WithWatchPollInterval(10*time.Millisecond),
		WithWatchDebounce(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)

	if err := os.WriteFile(signalPath, []byte("rev-1"), 0o644); err != nil {
		t.Fatalf("write signal: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return fired.Load() >= 1
	}, "watcher never noticed the signal write")

	cancel()
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}
