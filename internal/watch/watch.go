// Package watch implements sync_on_commit: it follows the HEAD of every
// tree of the watched pairs and syncs a pair after its trees settle.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/ddworktree/internal/drift"
	"github.com/schaermu/ddworktree/internal/git"
	"github.com/schaermu/ddworktree/internal/registry"
	ddsync "github.com/schaermu/ddworktree/internal/sync"
)

// DefaultDelay is how long a pair must be quiet before it is synced
const DefaultDelay = 500 * time.Millisecond

// Detector produces a fresh drift report for a pair
type Detector interface {
	Detect(ctx context.Context, p registry.Pair) (*drift.Report, error)
}

// Syncer runs a locked sync for a pair
type Syncer interface {
	Run(ctx context.Context, p registry.Pair, pol ddsync.Policy, dryRun bool) (*ddsync.Outcome, error)
}

// Watcher reacts to HEAD movements in the trees of registered pairs
type Watcher struct {
	git      git.Client
	detector Detector
	engine   Syncer
	logger   *slog.Logger
	delay    time.Duration
	handle   func(ctx context.Context, p registry.Pair) error
}

// pairState serializes the runs of one pair
type pairState struct {
	pair        registry.Pair
	debounce    *debouncer
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool
	syncPending bool
}

// debouncer runs the last scheduled callback once triggers stop arriving
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// New creates a watcher. A zero delay uses DefaultDelay.
func New(client git.Client, detector Detector, engine Syncer, logger *slog.Logger, delay time.Duration) *Watcher {
	if delay <= 0 {
		delay = DefaultDelay
	}
	w := &Watcher{
		git:      client,
		detector: detector,
		engine:   engine,
		logger:   logger,
		delay:    delay,
	}
	w.handle = w.handlePair
	return w
}

// Run watches pairs until ctx is cancelled. Every pair is handled once at
// start so drift that happened while nothing was watching is not missed.
func (w *Watcher) Run(ctx context.Context, pairs []registry.Pair) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()

	owners := make(map[string]*pairState)
	states := make([]*pairState, 0, len(pairs))
	for _, p := range pairs {
		st := &pairState{pair: p, debounce: &debouncer{delay: w.delay}}
		states = append(states, st)
		for _, tree := range []string{p.Main, p.Local} {
			dirs, err := w.headDirs(ctx, tree)
			if err != nil {
				return err
			}
			for _, dir := range dirs {
				if err := fsw.Add(dir); err != nil {
					return fmt.Errorf("failed to watch %s: %w", dir, err)
				}
				owners[dir] = st
			}
		}
		w.logger.Info("watching pair", "pair", p.Alias, "sync_on_commit", p.Options.SyncOnCommit)
	}

	for _, st := range states {
		w.performSync(ctx, st)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !headChanged(ev) {
				continue
			}
			st, ok := owners[filepath.Dir(ev.Name)]
			if !ok {
				continue
			}
			w.logger.Debug("HEAD moved", "pair", st.pair.Alias, "file", ev.Name, "op", ev.Op.String())
			st.debounce.trigger(func() {
				w.performSync(ctx, st)
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// headDirs returns the directories holding tree's HEAD and its reflog
func (w *Watcher) headDirs(ctx context.Context, tree string) ([]string, error) {
	gitDir, err := w.git.GitDir(ctx, tree)
	if err != nil {
		return nil, err
	}
	dirs := []string{gitDir}
	logs := filepath.Join(gitDir, "logs")
	if info, err := os.Stat(logs); err == nil && info.IsDir() {
		dirs = append(dirs, logs)
	}
	return dirs, nil
}

func headChanged(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != "HEAD" {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

// handlePair syncs pairs with sync_on_commit and only reports drift for the
// rest. Pairs with commits of their own in both trees since the last sync
// are never synced from here.
func (w *Watcher) handlePair(ctx context.Context, p registry.Pair) error {
	if !p.Options.SyncOnCommit {
		report, err := w.detector.Detect(ctx, p)
		if err != nil {
			return err
		}
		if report.HasDrift() {
			w.logger.Warn("drift detected", "pair", p.Alias, "entries", len(report.Entries), "divergence", report.Divergence.String())
		}
		return nil
	}

	_, err := w.engine.Run(ctx, p, ddsync.Policy{AutoSync: true, Commit: true}, false)
	return err
}

// performSync runs the handler for one pair with single-flight semantics.
// A trigger that arrives while a run is in progress queues at most one
// re-run.
func (w *Watcher) performSync(ctx context.Context, st *pairState) {
	st.syncMu.Lock()
	if st.syncRunning {
		st.syncPending = true
		st.syncMu.Unlock()
		w.logger.Debug("sync already in progress, queuing pending re-run", "pair", st.pair.Alias)
		return
	}
	st.syncRunning = true
	st.syncMu.Unlock()

	for {
		if ctx.Err() != nil {
			st.syncMu.Lock()
			st.syncRunning, st.syncPending = false, false
			st.syncMu.Unlock()
			return
		}

		if err := w.handle(ctx, st.pair); err != nil {
			w.logger.Error("sync failed", "pair", st.pair.Alias, "error", err)
		}

		st.syncMu.Lock()
		if !st.syncPending {
			st.syncRunning = false
			st.syncMu.Unlock()
			return
		}
		st.syncPending = false
		st.syncMu.Unlock()

		w.logger.Debug("re-running sync due to pending request", "pair", st.pair.Alias)
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
