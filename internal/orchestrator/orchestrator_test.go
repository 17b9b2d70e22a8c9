package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/astigmatism/benchd/internal/config"
	"github.com/astigmatism/benchd/internal/discovery"
	"github.com/astigmatism/benchd/internal/serialport"
	"github.com/astigmatism/benchd/internal/statefabric"
)

func testConfig() config.Config {
	return config.Config{
		Discovery: config.Discovery{
			RequiredDevices: []config.DeviceSpec{
				{Kind: kindKeyboard},
				{Kind: kindCFReader},
				{Kind: kindPowerSensor},
			},
			RescanMS:    10,
			DefaultBaud: 9600,
			WriteEOL:    "\n",
			TimeoutMS:   50,
		},
		Keyboard: config.Keyboard{Baud: 9600, QueueMaxDepth: 10},
		Imager:   config.Imager{Root: "/tmp", MaxEntries: 100, FSPollMS: 0},
	}
}

type noopEnumerator struct{}

func (noopEnumerator) Enumerate(ctx context.Context, specs []config.DeviceSpec) ([]discovery.Info, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	open := func(cfg serialport.Config) (serialport.Port, error) {
		return serialport.NewMemPort(), nil
	}
	o, err := New(Deps{
		Config:     testConfig(),
		AppBaseDir: t.TempDir(),
		Fabric:     statefabric.New(),
		SerialOpen: open,
		Enumerator: noopEnumerator{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestOnPresentUpdatesDevicesSliceAndConnects(t *testing.T) {
	o := newTestOrchestrator(t)

	info := discovery.Info{ID: "usb:1:1:keyboard:/dev/ttyUSB0", Kind: kindKeyboard, Path: "/dev/ttyUSB0", VID: "1", PID: "1"}
	o.onPresent(info)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		rec, ok := o.records[info.ID]
		o.mu.Unlock()
		if ok && rec.Status == "ready" {
			_, data, ok := o.fabric.SliceSnapshot(devicesSlice)
			if !ok || data == nil {
				t.Fatalf("expected %q slice to be published", devicesSlice)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("device never reached ready status")
}

func TestOnLostMarksRecordLost(t *testing.T) {
	o := newTestOrchestrator(t)
	info := discovery.Info{ID: "usb:1:1:keyboard:/dev/ttyUSB0", Kind: kindKeyboard, Path: "/dev/ttyUSB0"}
	o.recordDevice(context.Background(), info, "ready")

	o.onLost(info.ID)

	o.mu.Lock()
	rec := o.records[info.ID]
	o.mu.Unlock()
	if rec.Status != "lost" {
		t.Fatalf("status = %q, want lost", rec.Status)
	}
}

func TestCancelOpsResolvesFullDeviceIDToKind(t *testing.T) {
	o := newTestOrchestrator(t)
	info := discovery.Info{ID: "usb:1:1:keyboard:/dev/ttyUSB0", Kind: kindKeyboard, Path: "/dev/ttyUSB0"}
	o.recordDevice(context.Background(), info, "ready")

	if n := o.CancelOps(context.Background(), kindKeyboard, "direct-kind"); n != 0 {
		t.Fatalf("cancel by kind with empty queue = %d, want 0", n)
	}
	if n := o.CancelOps(context.Background(), info.ID, "by-full-id"); n != 0 {
		t.Fatalf("cancel by full id with empty queue = %d, want 0", n)
	}
	if n := o.CancelOps(context.Background(), "unknown-device", "noop"); n != 0 {
		t.Fatalf("cancel for unknown device = %d, want 0", n)
	}
}

func TestPowerSensorLineUpdatesFrontPanelSlice(t *testing.T) {
	o := newTestOrchestrator(t)
	o.onPowerSensorLine("power_sense on")

	_, val, ok := o.fabric.SliceSnapshot(frontPanelSlice)
	if !ok {
		t.Fatalf("expected %q slice to be set", frontPanelSlice)
	}
	m, ok := val.(map[string]any)
	if !ok {
		t.Fatalf("frontPanel value has unexpected type %T", val)
	}
	if m["power_sense"] != "on" {
		t.Fatalf("power_sense = %v, want on", m["power_sense"])
	}
}

func TestStartStopIsIdempotentAndClean(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Start(context.Background())
	o.Stop()
	o.Stop() // must not panic or double-close
}
