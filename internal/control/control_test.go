package control

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/astigmatism/benchd/internal/imager"
	"github.com/astigmatism/benchd/internal/keyboard"
	"github.com/astigmatism/benchd/internal/opqueue"
	"github.com/astigmatism/benchd/internal/statefabric"
)

type fakeBackend struct {
	devices     any
	powerCalls  []bool
	cancelCalls []string
	fabric      *statefabric.Fabric
}

func (f *fakeBackend) Devices(ctx context.Context) (any, error) { return f.devices, nil }

func (f *fakeBackend) PressKey(ctx context.Context, deviceID string, ev keyboard.KeyEvent) (*opqueue.Handle, error) {
	return &opqueue.Handle{ID: "op-1", Kind: "press_key"}, nil
}

func (f *fakeBackend) SetHostPower(ctx context.Context, on bool) error {
	f.powerCalls = append(f.powerCalls, on)
	return nil
}

func (f *fakeBackend) CancelOps(ctx context.Context, deviceID, reason string) int {
	f.cancelCalls = append(f.cancelCalls, deviceID+":"+reason)
	return 1
}

func (f *fakeBackend) ImageList(ctx context.Context, deviceID, rel string) (imager.Snapshot, error) {
	return imager.Snapshot{RootPath: "/root", CWD: rel}, nil
}
func (f *fakeBackend) ImageMkdir(ctx context.Context, deviceID, rel string) error    { return nil }
func (f *fakeBackend) ImageRename(ctx context.Context, deviceID, from, to string) error { return nil }
func (f *fakeBackend) ImageMove(ctx context.Context, deviceID, name, dest string) error { return nil }
func (f *fakeBackend) ImageDelete(ctx context.Context, deviceID, rel string) error   { return nil }

func (f *fakeBackend) ImageRead(ctx context.Context, deviceID, devicePath, destDir, destName string) (*opqueue.Handle, error) {
	return &opqueue.Handle{ID: "op-read"}, nil
}
func (f *fakeBackend) ImageWrite(ctx context.Context, deviceID, cwd, imageName, devicePath string) (*opqueue.Handle, error) {
	return &opqueue.Handle{ID: "op-write"}, nil
}

func (f *fakeBackend) StateSnapshot(ctx context.Context) (statefabric.Snapshot, error) {
	return f.fabric.Snapshot()
}
func (f *fakeBackend) SubscribeState(cb statefabric.Subscriber, emitInitial bool) {
	f.fabric.SubscribeAll(cb, emitInitial)
}

func startTestServer(t *testing.T, backend Backend) (*Server, *Client) {
	t.Helper()
	tmpDir := t.TempDir()
	srv := NewServer(tmpDir, backend)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve: %v", err)
		}
	}()

	for i := 0; i < 20; i++ {
		if _, err := os.Stat(srv.SocketPath); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	return srv, NewClient(tmpDir)
}

func TestPingAndVersion(t *testing.T) {
	_, client := startTestServer(t, &fakeBackend{fabric: statefabric.New()})
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := client.Version(ctx); err != nil {
		t.Fatalf("Version: %v", err)
	}
}

func TestDevicesRoundTrips(t *testing.T) {
	backend := &fakeBackend{devices: []string{"kb", "cf1"}, fabric: statefabric.New()}
	_, client := startTestServer(t, backend)

	devices, err := client.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	list, ok := devices.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("got %#v, want 2 devices", devices)
	}
}

func TestPowerAndCancelOps(t *testing.T) {
	backend := &fakeBackend{fabric: statefabric.New()}
	_, client := startTestServer(t, backend)
	ctx := context.Background()

	if err := client.SetPower(ctx, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if len(backend.powerCalls) != 1 || !backend.powerCalls[0] {
		t.Fatalf("got %v, want [true]", backend.powerCalls)
	}

	n, err := client.CancelOps(ctx, "cf1", "user_requested")
	if err != nil {
		t.Fatalf("CancelOps: %v", err)
	}
	if n != 1 || len(backend.cancelCalls) != 1 || backend.cancelCalls[0] != "cf1:user_requested" {
		t.Fatalf("got n=%d calls=%v", n, backend.cancelCalls)
	}
}

func TestStateSnapshotReflectsFabric(t *testing.T) {
	fabric := statefabric.New()
	fabric.Update(context.Background(), "frontPanel", func(old any) any {
		return map[string]any{"power_sense": "on"}
	})
	backend := &fakeBackend{fabric: fabric}
	_, client := startTestServer(t, backend)

	snap, err := client.StateSnapshot(context.Background())
	if err != nil {
		t.Fatalf("StateSnapshot: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("got version %d, want 1", snap.Version)
	}
}

func TestShutdownStopsDaemonAndRemovesSocket(t *testing.T) {
	srv, client := startTestServer(t, &fakeBackend{fabric: statefabric.New()})
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(srv.SocketPath); err == nil {
		t.Fatal("expected socket to be removed after shutdown")
	}
}

func TestPingFailsWhenDaemonNotRunning(t *testing.T) {
	tmpDir := t.TempDir()
	client := NewClient(tmpDir)
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail with no daemon listening")
	}
}
