package keyboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/astigmatism/benchd/internal/opqueue"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes []string
}

func (f *fakeWriter) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, line)
	return nil
}

func (f *fakeWriter) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func newTestService(t *testing.T) (*Service, *fakeWriter, *opqueue.Queue) {
	t.Helper()
	w := &fakeWriter{}
	q := opqueue.New(opqueue.Config{DeviceID: "kb", InterCommandDelay: time.Millisecond})
	t.Cleanup(func() { q.Close("test-teardown") })
	return New(w, q, nil), w, q
}

func TestEnqueueKeyEventWritesWireForm(t *testing.T) {
	svc, w, _ := newTestService(t)
	h, err := svc.EnqueueKeyEvent(KeyEvent{Key: "KeyA", Action: ActionPress})
	if err != nil {
		t.Fatalf("EnqueueKeyEvent: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	if err != nil || r.Status != opqueue.StatusCompleted {
		t.Fatalf("Wait: %v %+v", err, r)
	}
	writes := w.Writes()
	if len(writes) != 1 || writes[0] != "press 00:1c" {
		t.Fatalf("got %v", writes)
	}
}

func TestEnqueueUnresolvedKeyFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.EnqueueKeyEvent(KeyEvent{Key: "NotAKey", Action: ActionPress}); err != ErrUnresolvedKey {
		t.Fatalf("got %v, want ErrUnresolvedKey", err)
	}
}

func TestModifierHoldAndReleaseTracking(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h1, _ := svc.EnqueueKeyEvent(KeyEvent{Key: "ShiftLeft", Action: ActionHold})
	h1.Wait(ctx)
	if held := svc.HeldModifiers(); len(held) != 1 || held[0] != "ShiftLeft" {
		t.Fatalf("got %v", held)
	}

	h2, _ := svc.EnqueueKeyEvent(KeyEvent{Key: "ShiftLeft", Action: ActionRelease})
	h2.Wait(ctx)
	if held := svc.HeldModifiers(); len(held) != 0 {
		t.Fatalf("got %v, want empty", held)
	}
}

func TestHostPowerOffRefusesNewKeyOps(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.ApplyHostPower(context.Background(), PowerOff)

	if _, err := svc.EnqueueKeyEvent(KeyEvent{Key: "KeyA", Action: ActionPress}); err != ErrHostPowerOff {
		t.Fatalf("got %v, want ErrHostPowerOff", err)
	}
}

func TestHostPowerOffCancelsQueuedAndActiveKeyOps(t *testing.T) {
	svc, w, q := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	blockerDone, _ := q.Enqueue("press", func(ctx context.Context, cell *opqueue.CancelCell) error {
		close(started)
		<-release
		return cell.Check()
	}, nil)
	<-started

	keyHandle, err := svc.EnqueueKeyEvent(KeyEvent{Key: "KeyB", Action: ActionPress})
	if err != nil {
		t.Fatalf("EnqueueKeyEvent: %v", err)
	}

	svc.ApplyHostPower(ctx, PowerOff)
	close(release)

	r, err := keyHandle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if r.Status != opqueue.StatusCancelled || r.Reason != "host-power-off" {
		t.Fatalf("got %+v", r)
	}

	blockerResult, err := blockerDone.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if blockerResult.Status != opqueue.StatusCancelled {
		t.Fatalf("expected active key op cancelled too, got %+v", blockerResult)
	}
	_ = w
}

func TestNonKeyOpsNotGatedByHostPower(t *testing.T) {
	svc, w, _ := newTestService(t)
	svc.ApplyHostPower(context.Background(), PowerOff)

	h, err := svc.PowerOn()
	if err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if r.Status != opqueue.StatusCompleted {
		t.Fatalf("got %+v, want completed (power ops are not host-power-gated)", r)
	}
	writes := w.Writes()
	if len(writes) != 1 || writes[0] != "power_on" {
		t.Fatalf("got %v", writes)
	}
}

func TestApplyHostPowerIdempotentOnEqualValue(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.ApplyHostPower(context.Background(), PowerOn)
	svc.ApplyHostPower(context.Background(), PowerOn) // must not panic or double-clear state
}
