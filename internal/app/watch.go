package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	defaultWatchDebounce = 250 * time.Millisecond
	defaultWatchPoll     = 10 * time.Second
)

// StoreWatcher watches the store's signal file and fires a callback
// when its revision changes. Tool facades running in separate processes
// (stdio transport) touch the signal file on every committed write;
// without the watcher the supervisor would only notice on its next
// poll. Falls back to poll-only when fsnotify cannot watch the
// directory.
type StoreWatcher struct {
	signalPath string
	onChange   func()
	logger     zerolog.Logger
	debounce   time.Duration
	pollEvery  time.Duration

	mu            sync.Mutex
	lastRev       string
	debounceTimer *time.Timer
	watcher       *fsnotify.Watcher
	useFsnotify   bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	checkMu       sync.Mutex
}

// WatcherOption configures the store watcher.
type WatcherOption func(*StoreWatcher)

// WithWatchPollInterval sets the fallback poll interval.
func WithWatchPollInterval(d time.Duration) WatcherOption {
	return func(w *StoreWatcher) { w.pollEvery = d }
}

// WithWatchDebounce sets the debounce window for bursts of writes.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *StoreWatcher) { w.debounce = d }
}

// NewStoreWatcher creates a watcher over signalPath calling onChange
// when the revision moves.
func NewStoreWatcher(signalPath string, onChange func(), logger zerolog.Logger, opts ...WatcherOption) *StoreWatcher {
	w := &StoreWatcher{
		signalPath: signalPath,
		onChange:   onChange,
		logger:     logger,
		debounce:   defaultWatchDebounce,
		pollEvery:  defaultWatchPoll,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the watcher until ctx is cancelled or Stop is called. If
// fsnotify fails to initialize, the poll loop alone carries the load.
func (w *StoreWatcher) Start(ctx context.Context) {
	defer close(w.doneCh)

	watchDir := filepath.Dir(w.signalPath)
	signalName := filepath.Base(w.signalPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn().Err(err).Msg("fsnotify init failed, using poll-only")
	} else {
		w.watcher = watcher
		w.useFsnotify = true
		if err := watcher.Add(watchDir); err != nil {
			w.logger.Warn().Err(err).Str("dir", watchDir).Msg("fsnotify watch failed, using poll-only")
			_ = watcher.Close()
			w.watcher = nil
			w.useFsnotify = false
		}
	}

	if w.useFsnotify {
		defer w.watcher.Close()
		go w.watchLoop(ctx, signalName)
	}

	w.pollLoop(ctx)
}

// Stop signals the watcher to stop. Call after cancelling the context
// passed to Start.
func (w *StoreWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// CheckOnce runs one revision check (for testing or manual trigger).
func (w *StoreWatcher) CheckOnce() {
	w.check()
}

func (w *StoreWatcher) watchLoop(ctx context.Context, signalName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != signalName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.triggerDebounced()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *StoreWatcher) triggerDebounced() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.check)
}

func (w *StoreWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check fires onChange when the signal revision moved. Serialized so
// the debounce timer and the poll loop cannot double-fire for one
// revision.
func (w *StoreWatcher) check() {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	data, err := os.ReadFile(w.signalPath)
	if err != nil {
		return
	}
	rev := string(data)

	w.mu.Lock()
	changed := rev != "" && rev != w.lastRev
	if changed {
		w.lastRev = rev
	}
	w.mu.Unlock()

	if changed && w.onChange != nil {
		w.onChange()
	}
}
