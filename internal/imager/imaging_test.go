package imager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astigmatism/benchd/internal/events"
	"github.com/astigmatism/benchd/internal/opqueue"
	"github.com/astigmatism/benchd/internal/progressparse"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunScriptStreamsProgress(t *testing.T) {
	script := writeScript(t, `
echo "PROGRESS bytes=10 total=100 pct=10.0"
echo "PROGRESS bytes=50 total=100 pct=50.0"
echo "PROGRESS bytes=100 total=100 pct=100.0"
`)
	svc := New(Config{Root: t.TempDir(), WriteScriptPath: script})

	var samples []progressparse.Sample
	err := svc.WriteImageToDevice(context.Background(), &opqueue.CancelCell{}, "img", "/dev/null", func(s progressparse.Sample, avg float64) {
		samples = append(samples, s)
	})
	if err != nil {
		t.Fatalf("WriteImageToDevice: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
	if samples[2].Pct != 100.0 {
		t.Fatalf("got %+v", samples[2])
	}
}

func TestRunScriptRejectsConcurrentImagingOps(t *testing.T) {
	script := writeScript(t, `sleep 0.3`)
	svc := New(Config{Root: t.TempDir(), ReadScriptPath: script, WriteScriptPath: script})

	done := make(chan error, 1)
	go func() {
		done <- svc.WriteImageToDevice(context.Background(), &opqueue.CancelCell{}, "a", "/dev/null", nil)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := svc.ReadDeviceToImage(context.Background(), &opqueue.CancelCell{}, "/dev/null", "b", nil); err != ErrImagingBusy {
		t.Fatalf("got %v, want ErrImagingBusy", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first op failed: %v", err)
	}
}

func TestRunScriptHonorsCancelCell(t *testing.T) {
	script := writeScript(t, `
echo "PROGRESS bytes=1 total=100 pct=1.0"
sleep 2
echo "PROGRESS bytes=100 total=100 pct=100.0"
`)
	svc := New(Config{Root: t.TempDir(), WriteScriptPath: script})
	cell := &opqueue.CancelCell{}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- svc.WriteImageToDevice(context.Background(), cell, "a", "/dev/null", func(s progressparse.Sample, avg float64) {
			cell.Cancel("test-cancel")
		})
	}()

	select {
	case err := <-doneCh:
		if err == nil {
			t.Fatalf("expected cancellation error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("script was not cancelled promptly")
	}
}

func TestProbeMediaSuppressesUnchangedState(t *testing.T) {
	calls := 0
	probe := func(ctx context.Context, devicePath string) (MediaState, uint64, error) {
		calls++
		return MediaPresent, 1024, nil
	}
	var emitted int
	sink := sinkFunc(func(ctx context.Context, ev events.Event) {
		if ev.Kind == events.KindMediaUpdated {
			emitted++
		}
	})
	svc := New(Config{Root: t.TempDir(), Probe: probe, Sink: sink})

	svc.ProbeMedia(context.Background(), "/dev/sdb")
	svc.ProbeMedia(context.Background(), "/dev/sdb")

	if calls != 2 {
		t.Fatalf("got %d probe calls, want 2", calls)
	}
	if emitted != 1 {
		t.Fatalf("got %d media:updated events, want 1 (second probe unchanged)", emitted)
	}
}

type sinkFunc func(ctx context.Context, ev events.Event)

func (f sinkFunc) Emit(ctx context.Context, ev events.Event) { f(ctx, ev) }
