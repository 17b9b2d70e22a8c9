// Package opqueue implements the per-device operation queue (spec
// component C5): a bounded FIFO with exactly one active operation,
// cancellation by reason, and per-operation completion handles.
//
// Cancellation is tied to a sticky (op_id, reason) cell scoped to the
// currently active operation, never to a bare mutable boolean: a cancel
// request issued while no operation is active is a queue-drain, not a
// poisoning flag that would wrongly cancel some future, unrelated op.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/astigmatism/benchd/internal/events"
	"github.com/goombaio/namegenerator"
)

// Status is the terminal (or pending) state of an operation.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ErrCancelled is returned by cooperative checkpoints (via CancelCell.Check)
// once the active operation has been cancelled.
var ErrCancelled = errors.New("opqueue: operation cancelled")

// ErrQueueFull is returned by Enqueue when the queue is at its depth bound.
var ErrQueueFull = errors.New("opqueue: queue is at depth bound")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("opqueue: queue is closed")

// CancelCell is the sticky (op_id, reason) cell for one operation's
// lifetime. It starts unset; exactly one cancellation can ever stick.
type CancelCell struct {
	mu       sync.Mutex
	cancelled bool
	reason    string
}

// Cancel sets the sticky cancellation reason if one isn't already set.
// Later calls are no-ops: the first reason wins.
func (c *CancelCell) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		c.reason = reason
	}
}

// Check returns ErrCancelled (wrapping the reason) if Cancel was called.
// Exec functions call this at cooperative checkpoints such as before
// writing a line to the wire.
func (c *CancelCell) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return fmt.Errorf("%w: %s", ErrCancelled, c.reason)
	}
	return nil
}

// Reason reports the sticky reason, if any.
func (c *CancelCell) Reason() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.cancelled
}

// ExecFunc performs the operation's real work. It must check cell at
// cooperative checkpoints and return promptly once cancelled.
type ExecFunc func(ctx context.Context, cell *CancelCell) error

// Result is the terminal outcome delivered on a Handle's Done channel.
type Result struct {
	Status Status
	Reason string // set for Cancelled; empty otherwise
	Err    error  // set for Failed; nil otherwise
}

// Handle is returned by Enqueue and resolves once the operation reaches a
// terminal state.
type Handle struct {
	ID   string
	Kind string
	Meta any

	done chan Result
}

// Wait blocks until the operation completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-h.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type op struct {
	id     string
	kind   string
	meta   any
	exec   ExecFunc
	handle *Handle
	cell   *CancelCell
}

// Queue is a per-device FIFO with exactly one active operation at a time.
type Queue struct {
	deviceID              string
	depthBound            int
	interCommandDelay     time.Duration
	retainAcrossReconnect bool
	sink                  events.Sink

	mu      sync.Mutex
	items   []*op
	active  *op
	closing bool
	counter uint64

	wake chan struct{}
	done chan struct{}

	nameGen namegenerator.Generator
}

// Config configures a new Queue. Zero values fall back to spec defaults.
type Config struct {
	DeviceID              string
	DepthBound            int           // default 500
	InterCommandDelay     time.Duration // default 25ms
	RetainAcrossReconnect bool
	Sink                  events.Sink
}

// New starts a Queue's worker goroutine and returns it. Call Close to stop
// the worker.
func New(cfg Config) *Queue {
	if cfg.DepthBound <= 0 {
		cfg.DepthBound = 500
	}
	if cfg.InterCommandDelay <= 0 {
		cfg.InterCommandDelay = 25 * time.Millisecond
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	q := &Queue{
		deviceID:              cfg.DeviceID,
		depthBound:            cfg.DepthBound,
		interCommandDelay:     cfg.InterCommandDelay,
		retainAcrossReconnect: cfg.RetainAcrossReconnect,
		sink:                  cfg.Sink,
		wake:                  make(chan struct{}, 1),
		done:                  make(chan struct{}),
		nameGen:               namegenerator.NewNameGenerator(int64(len(cfg.DeviceID)) + 1),
	}
	go q.run()
	return q
}

// Enqueue appends a new operation to the FIFO tail and returns its Handle.
func (q *Queue) Enqueue(kind string, exec ExecFunc, meta any) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return nil, ErrClosed
	}
	if len(q.items) >= q.depthBound {
		return nil, ErrQueueFull
	}
	q.counter++
	o := &op{
		id:   fmt.Sprintf("%s-%d-%s", q.deviceID, q.counter, q.nameGen.Generate()),
		kind: kind,
		meta: meta,
		exec: exec,
		cell: &CancelCell{},
	}
	o.handle = &Handle{ID: o.id, Kind: kind, Meta: meta, done: make(chan Result, 1)}
	q.items = append(q.items, o)
	q.sink.Emit(context.Background(), events.Event{
		Kind:     events.KindOpQueued,
		DeviceID: q.deviceID,
		Data:     map[string]any{"op_id": o.id, "kind": o.kind},
	})
	q.poke()
	return o.handle, nil
}

// CancelActive sets the sticky cancellation reason on whichever operation
// is currently running. If no operation is active, this is a no-op: it
// never poisons a future op.
func (q *Queue) CancelActive(reason string) {
	q.CancelActiveIf(nil, reason)
}

// CancelActiveIf is like CancelActive but only cancels the active operation
// if predicate(kind, meta) reports true (or predicate is nil). Used by
// callers that must only cancel the active op when it matches some class,
// e.g. the keyboard service only cancelling an active *key* op on
// host-power-off, leaving an active powerOn/powerOff op alone.
func (q *Queue) CancelActiveIf(predicate func(kind string, meta any) bool, reason string) {
	q.mu.Lock()
	active := q.active
	q.mu.Unlock()
	if active == nil {
		return
	}
	if predicate != nil && !predicate(active.kind, active.meta) {
		return
	}
	active.cell.Cancel(reason)
}

// CancelQueued settles every queued (not yet running) operation matching
// predicate as Cancelled without ever executing it. A nil predicate matches
// everything.
func (q *Queue) CancelQueued(predicate func(kind string, meta any) bool, reason string) int {
	q.mu.Lock()
	var remaining []*op
	n := 0
	for _, o := range q.items {
		if predicate == nil || predicate(o.kind, o.meta) {
			q.settle(o, Result{Status: StatusCancelled, Reason: reason})
			n++
			continue
		}
		remaining = append(remaining, o)
	}
	q.items = remaining
	q.mu.Unlock()
	return n
}

// CancelAll is the union of CancelActive and CancelQueued(nil, reason).
func (q *Queue) CancelAll(reason string) int {
	n := q.CancelQueued(nil, reason)
	q.CancelActive(reason)
	return n
}

// Len reports the number of queued (not yet running) operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drains and cancels all queued operations, waits for any active
// operation to observe cancellation, and stops the worker.
func (q *Queue) Close(reason string) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.closing = true
	q.mu.Unlock()
	q.CancelAll(reason)
	q.poke()
	<-q.done
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// settle must be called with q.mu held. It delivers a terminal result and
// emits the corresponding event.
func (q *Queue) settle(o *op, r Result) {
	kind := events.KindOpCompleted
	switch r.Status {
	case StatusCancelled:
		kind = events.KindOpCancelled
	case StatusFailed:
		kind = events.KindOpFailed
	}
	o.handle.done <- r
	q.sink.Emit(context.Background(), events.Event{
		Kind:     kind,
		DeviceID: q.deviceID,
		Data: map[string]any{
			"op_id":  o.id,
			"kind":   o.kind,
			"reason": r.Reason,
		},
	})
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.closing && len(q.items) == 0 && q.active == nil {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		o := q.items[0]
		q.items = q.items[1:]
		q.active = o
		q.mu.Unlock()

		q.sink.Emit(context.Background(), events.Event{
			Kind:     events.KindOpStarted,
			DeviceID: q.deviceID,
			Data:     map[string]any{"op_id": o.id, "kind": o.kind},
		})

		result := q.runOne(o)

		q.mu.Lock()
		q.active = nil
		q.settle(o, result)
		q.mu.Unlock()

		time.Sleep(q.interCommandDelay)
	}
}

func (q *Queue) runOne(o *op) Result {
	if err := o.cell.Check(); err != nil {
		reason, _ := o.cell.Reason()
		return Result{Status: StatusCancelled, Reason: reason}
	}
	err := o.exec(context.Background(), o.cell)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			reason, _ := o.cell.Reason()
			return Result{Status: StatusCancelled, Reason: reason}
		}
		return Result{Status: StatusFailed, Err: err}
	}
	return Result{Status: StatusCompleted}
}
