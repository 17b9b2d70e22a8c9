// Package watchdog implements the filesystem watchdog (spec component C9):
// periodic polling of the imager's current working directory, emitting a
// snapshot only when its structure changes, pausable around imaging ops.
package watchdog

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/astigmatism/benchd/internal/events"
	"github.com/astigmatism/benchd/internal/imager"
)

// Lister is the C8 `list` contract the watchdog polls.
type Lister interface {
	List(rel string) (imager.Snapshot, error)
}

// Config configures a Watchdog.
type Config struct {
	DeviceID     string
	Lister       Lister
	PollInterval time.Duration // no default is applied; 0 disables polling entirely
	Sink         events.Sink
}

// Watchdog polls a Lister's current working directory and emits a snapshot
// event only on structural change.
type Watchdog struct {
	deviceID string
	lister   Lister
	interval time.Duration
	sink     events.Sink

	mu       sync.Mutex
	cwd      string
	rootDir  string
	last     *imager.Snapshot
	paused   bool
	stop     chan struct{}
	done     chan struct{}
	running  bool
}

// New constructs a Watchdog rooted at rootDir (used for the CWD-loss hard
// reset). cwd starts equal to rootDir.
func New(rootDir string, cfg Config) *Watchdog {
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 0
	}
	return &Watchdog{
		deviceID: cfg.DeviceID,
		lister:   cfg.Lister,
		interval: cfg.PollInterval,
		sink:     cfg.Sink,
		cwd:      rootDir,
		rootDir:  rootDir,
	}
}

// Start begins polling. Idempotent: calling Start while already running is
// a no-op, per spec.md §4.6's "start/stop is idempotent" requirement. A
// zero PollInterval disables polling (Start becomes a no-op).
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running || w.interval <= 0 {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop halts polling. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop := w.stop
	done := w.done
	w.mu.Unlock()

	close(stop)
	<-done
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watchdog) pollOnce(ctx context.Context) {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		return
	}
	cwd := w.cwd
	w.mu.Unlock()

	snap, err := w.lister.List(cwd)
	if err != nil {
		// CWD loss: hard-reset to root and force one refresh.
		w.mu.Lock()
		w.cwd = w.rootDir
		w.mu.Unlock()
		snap, err = w.lister.List(w.rootDir)
		if err != nil {
			return
		}
		w.emit(ctx, snap, true)
		return
	}
	w.emit(ctx, snap, false)
}

// emit compares snap against the last emitted snapshot and emits a
// watchdog:snapshot event only on structural difference, or unconditionally
// if force is true.
func (w *Watchdog) emit(ctx context.Context, snap imager.Snapshot, force bool) {
	w.mu.Lock()
	changed := force || w.last == nil || !structurallyEqual(*w.last, snap)
	if changed {
		cp := snap
		w.last = &cp
	}
	w.mu.Unlock()
	if !changed {
		return
	}
	w.sink.Emit(ctx, events.Event{
		Kind:     events.KindWatchdogSnapshot,
		DeviceID: w.deviceID,
		Data:     snap,
	})
}

func structurallyEqual(a, b imager.Snapshot) bool {
	if a.RootPath != b.RootPath || a.CWD != b.CWD {
		return false
	}
	return reflect.DeepEqual(a.Entries, b.Entries)
}

// Pause stops the watchdog from surfacing snapshots during an active
// imaging operation, per spec.md §4.6. Pausing is idempotent.
func (w *Watchdog) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume un-pauses the watchdog. If refresh is true, it immediately polls
// once and emits unconditionally (spec.md §4.6: true for successful reads
// and all failures, false for successful writes that didn't modify root).
func (w *Watchdog) Resume(ctx context.Context, refresh bool) {
	w.mu.Lock()
	w.paused = false
	cwd := w.cwd
	w.mu.Unlock()

	if !refresh {
		return
	}
	snap, err := w.lister.List(cwd)
	if err != nil {
		return
	}
	w.emit(ctx, snap, true)
}

// CWD reports the watchdog's current working directory.
func (w *Watchdog) CWD() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cwd
}

// SetCWD changes the directory the watchdog polls.
func (w *Watchdog) SetCWD(cwd string) {
	w.mu.Lock()
	w.cwd = cwd
	w.mu.Unlock()
}
