// Package discovery implements the USB discovery poller (spec component
// C4): it periodically enumerates USB devices, matches them against a
// declarative set of device specs, and reports arrival/replacement/loss to
// per-device supervisors.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/astigmatism/benchd/internal/config"
	"github.com/astigmatism/benchd/internal/events"
)

// Info describes one observed device matching a spec.
type Info struct {
	ID     string // "usb:<vid>:<pid>:<kind>:<path>"
	Kind   string
	Path   string // synthetic "unmounted" for a reader with no media present
	VID    string
	PID    string
	Serial string
}

func makeID(kind, vid, pid, path string) string {
	return fmt.Sprintf("usb:%s:%s:%s:%s", vid, pid, kind, path)
}

// Enumerator is the platform adapter contract: return every USB device
// currently visible to the OS, matched against specs. Implementations live
// in linux.go / darwin.go.
type Enumerator interface {
	Enumerate(ctx context.Context, specs []config.DeviceSpec) ([]Info, error)
}

// Handlers are the poller's output contract.
type Handlers struct {
	OnPresent func(info Info)
	OnLost    func(id string)
}

// Poller periodically enumerates devices and reports arrival/loss per
// spec.md §4.1's contract, including reattach-on-path-change semantics.
type Poller struct {
	enum     Enumerator
	specs    []config.DeviceSpec
	interval time.Duration
	sink     events.Sink
	handlers Handlers

	mu      sync.Mutex
	present map[string]Info // keyed by (vid,pid,kind) -> last known Info (with current id)

	stop chan struct{}
	done chan struct{}
}

// New constructs a Poller. interval is floored to 1000ms per spec default.
func New(enum Enumerator, specs []config.DeviceSpec, interval time.Duration, sink events.Sink, h Handlers) *Poller {
	if interval < time.Second {
		interval = time.Second
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Poller{
		enum:     enum,
		specs:    specs,
		interval: interval,
		sink:     sink,
		handlers: h,
		present:  make(map[string]Info),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// groupKey identifies a device kind+VID+PID triple, independent of path.
func groupKey(i Info) string {
	return i.Kind + "|" + i.VID + "|" + i.PID
}

// Start runs the poll loop in a new goroutine until Stop is called.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce performs a single enumeration pass. A failed enumeration is
// retried on the next cycle per spec.md §4.1's failure policy — it never
// treats a poll error as loss of any previously-present device.
func (p *Poller) pollOnce(ctx context.Context) {
	observed, err := p.enum.Enumerate(ctx, p.specs)
	if err != nil {
		p.sink.Emit(ctx, events.Event{Kind: events.Kind("discovery:poll-error"), Data: err.Error()})
		return
	}

	byGroup := make(map[string]Info, len(observed))
	for _, o := range observed {
		byGroup[groupKey(o)] = o
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Deterministic order keeps tests (and logs) stable.
	keys := make([]string, 0, len(byGroup))
	for k := range byGroup {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, gk := range keys {
		info := byGroup[gk]
		info.ID = makeID(info.Kind, info.VID, info.PID, info.Path)
		prev, existed := p.present[gk]
		switch {
		case !existed:
			p.present[gk] = info
			p.firePresent(ctx, info)
		case prev.Path != info.Path:
			// Reattach: old id lost, new id present.
			p.present[gk] = info
			p.fireLost(ctx, prev.ID)
			p.firePresent(ctx, info)
		default:
			// Unchanged; no events.
		}
	}

	for gk, prev := range p.present {
		if _, stillObserved := byGroup[gk]; !stillObserved {
			delete(p.present, gk)
			p.fireLost(ctx, prev.ID)
		}
	}
}

func (p *Poller) firePresent(ctx context.Context, info Info) {
	p.sink.Emit(ctx, events.Event{Kind: events.KindDeviceIdentified, DeviceID: info.ID, Data: info})
	if p.handlers.OnPresent != nil {
		p.handlers.OnPresent(info)
	}
}

func (p *Poller) fireLost(ctx context.Context, id string) {
	p.sink.Emit(ctx, events.Event{Kind: events.KindDeviceLost, DeviceID: id})
	if p.handlers.OnLost != nil {
		p.handlers.OnLost(id)
	}
}
