// Package keyboard implements the keyboard service (spec component C7):
// composes the serial supervisor (C6), operation queue (C5), and scan-code
// table (C3) to send key actions as framed PS/2 commands, tracks held
// modifiers, and gates on host-power policy.
package keyboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/astigmatism/benchd/internal/events"
	"github.com/astigmatism/benchd/internal/opqueue"
	"github.com/astigmatism/benchd/internal/scancode"
	"github.com/astigmatism/benchd/internal/supervisor"
)

// Action is one of the three key actions.
type Action string

const (
	ActionPress   Action = "press"
	ActionHold    Action = "hold"
	ActionRelease Action = "release"
)

// KeyEvent is the public enqueue payload.
type KeyEvent struct {
	Code        *scancode.Code
	Key         string
	Action      Action
	RequestedBy string
}

// PowerState is the front-panel power-sense value the service gates on.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// ErrHostPowerOff is returned by EnqueueKeyEvent while the host is known
// off.
var ErrHostPowerOff = fmt.Errorf("keyboard: host power is off")

// ErrUnresolvedKey is returned when neither Code nor a known Key is given.
var ErrUnresolvedKey = fmt.Errorf("keyboard: could not resolve scan code")

// Writer is the minimal supervisor surface the service needs, so it can be
// faked in tests without a real port.
type Writer interface {
	WriteLine(line string) error
}

// Service is the keyboard service.
type Service struct {
	sup   Writer
	queue *opqueue.Queue
	sink  events.Sink

	mu            sync.Mutex
	powerState    PowerState
	heldModifiers map[string]bool
}

// New composes a keyboard Service over an already-configured supervisor and
// queue. The supervisor should be configured with IdentifyRequired=true,
// ExpectedIDToken="KB" (or the configured PS2_KB_ID_TOKEN), Baud=9600, per
// spec.md §4.4.
func New(sup Writer, queue *opqueue.Queue, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		sup:           sup,
		queue:         queue,
		sink:          sink,
		powerState:    PowerUnknown,
		heldModifiers: make(map[string]bool),
	}
}

// EnqueueKeyEvent resolves the scan code (preferring an explicit Code) and
// enqueues a wire write. Key ops are refused outright while the host is
// known off.
func (s *Service) EnqueueKeyEvent(ev KeyEvent) (*opqueue.Handle, error) {
	s.mu.Lock()
	blocked := s.powerState == PowerOff
	s.mu.Unlock()
	if blocked {
		return nil, ErrHostPowerOff
	}

	code, err := resolveCode(ev)
	if err != nil {
		return nil, err
	}

	return s.queue.Enqueue(string(ev.Action), func(ctx context.Context, cell *opqueue.CancelCell) error {
		if err := cell.Check(); err != nil {
			return err
		}
		if err := s.sup.WriteLine(fmt.Sprintf("%s %s", ev.Action, code.String())); err != nil {
			return err
		}
		s.applyModifierTracking(ev, code)
		return nil
	}, ev)
}

func resolveCode(ev KeyEvent) (scancode.Code, error) {
	if ev.Code != nil {
		return *ev.Code, nil
	}
	if ev.Key != "" {
		if c, ok := scancode.Lookup(ev.Key); ok {
			return c, nil
		}
	}
	return scancode.Code{}, ErrUnresolvedKey
}

func (s *Service) applyModifierTracking(ev KeyEvent, code scancode.Code) {
	if ev.Key == "" || !scancode.IsModifier(ev.Key) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Action {
	case ActionHold:
		s.heldModifiers[ev.Key] = true
	case ActionRelease:
		delete(s.heldModifiers, ev.Key)
	}
}

// HeldModifiers returns the currently held modifier identifiers.
func (s *Service) HeldModifiers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.heldModifiers))
	for k := range s.heldModifiers {
		out = append(out, k)
	}
	return out
}

// PowerOn enqueues the peripheral "power_on" wire command. Not gated by
// host power, per spec.md §4.4.
func (s *Service) PowerOn() (*opqueue.Handle, error) {
	return s.queue.Enqueue("powerOn", func(ctx context.Context, cell *opqueue.CancelCell) error {
		if err := cell.Check(); err != nil {
			return err
		}
		return s.sup.WriteLine("power_on")
	}, nil)
}

// PowerOff enqueues the peripheral "power_off" wire command.
func (s *Service) PowerOff() (*opqueue.Handle, error) {
	return s.queue.Enqueue("powerOff", func(ctx context.Context, cell *opqueue.CancelCell) error {
		if err := cell.Check(); err != nil {
			return err
		}
		return s.sup.WriteLine("power_off")
	}, nil)
}

// CancelAll cancels every queued and active key/power operation.
func (s *Service) CancelAll(reason string) int {
	return s.queue.CancelAll(reason)
}

// ApplyHostPower implements the policy gate's target-service contract
// (spec.md §4.7): the gate calls it when frontPanel.power_sense changes to
// on or off; an unknown sense maps to permit and does not reach it.
func (s *Service) ApplyHostPower(ctx context.Context, state PowerState) {
	s.mu.Lock()
	if s.powerState == state {
		s.mu.Unlock()
		return
	}
	s.powerState = state
	s.mu.Unlock()

	if state == PowerOff {
		isKeyOp := func(kind string, meta any) bool {
			switch kind {
			case string(ActionPress), string(ActionHold), string(ActionRelease):
				return true
			default:
				return false
			}
		}
		s.queue.CancelQueued(isKeyOp, "host-power-off")
		s.queue.CancelActiveIf(isKeyOp, "host-power-off")
		s.mu.Lock()
		s.heldModifiers = make(map[string]bool)
		s.mu.Unlock()
	}
	s.sink.Emit(ctx, events.Event{Kind: events.KindPolicyApplied, Data: map[string]any{"power_sense": state}})
}
