package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/astigmatism/benchd/internal/config"
)

type fakeEnumerator struct {
	mu    sync.Mutex
	infos []Info
	err   error
}

func (f *fakeEnumerator) set(infos []Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = infos
}

func (f *fakeEnumerator) Enumerate(ctx context.Context, specs []config.DeviceSpec) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Info, len(f.infos))
	copy(out, f.infos)
	return out, nil
}

func TestPollerFiresPresentOnArrival(t *testing.T) {
	fe := &fakeEnumerator{infos: []Info{{Kind: "keyboard", Path: "/dev/ttyUSB0", VID: "0403", PID: "6001"}}}

	var mu sync.Mutex
	var present []Info
	p := New(fe, nil, 10*time.Millisecond, nil, Handlers{
		OnPresent: func(info Info) {
			mu.Lock()
			defer mu.Unlock()
			present = append(present, info)
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(present)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for OnPresent")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollerFiresLostThenPresentOnReattach(t *testing.T) {
	fe := &fakeEnumerator{infos: []Info{{Kind: "keyboard", Path: "/dev/ttyUSB0", VID: "0403", PID: "6001"}}}

	var mu sync.Mutex
	var lostIDs []string
	var presentCount int
	p := New(fe, nil, 10*time.Millisecond, nil, Handlers{
		OnPresent: func(info Info) {
			mu.Lock()
			defer mu.Unlock()
			presentCount++
		},
		OnLost: func(id string) {
			mu.Lock()
			defer mu.Unlock()
			lostIDs = append(lostIDs, id)
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	// New floors the poll interval to one second, so allow for a few polls.
	waitForCount := func(get func() int, want int) {
		deadline := time.After(3 * time.Second)
		for {
			if get() >= want {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for count >= %d", want)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	waitForCount(func() int { mu.Lock(); defer mu.Unlock(); return presentCount }, 1)

	fe.set([]Info{{Kind: "keyboard", Path: "/dev/ttyUSB1", VID: "0403", PID: "6001"}})
	waitForCount(func() int { mu.Lock(); defer mu.Unlock(); return presentCount }, 2)

	mu.Lock()
	defer mu.Unlock()
	if len(lostIDs) != 1 {
		t.Fatalf("expected exactly 1 lost event for reattach, got %v", lostIDs)
	}
}

func TestPollerFiresLostOnDisappearance(t *testing.T) {
	fe := &fakeEnumerator{infos: []Info{{Kind: "keyboard", Path: "/dev/ttyUSB0", VID: "0403", PID: "6001"}}}

	var mu sync.Mutex
	gotLost := false
	p := New(fe, nil, 10*time.Millisecond, nil, Handlers{
		OnLost: func(id string) {
			mu.Lock()
			defer mu.Unlock()
			gotLost = true
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	time.Sleep(20 * time.Millisecond)
	fe.set(nil)

	// New floors the poll interval to one second, so allow for a few polls.
	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		got := gotLost
		mu.Unlock()
		if got {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for OnLost")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
