package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/astigmatism/benchd/internal/serialport"
)

func openerFor(port *serialport.MemPort) func(cfg serialport.Config) (serialport.Port, error) {
	return func(cfg serialport.Config) (serialport.Port, error) {
		return port, nil
	}
}

func waitForPhase(t *testing.T, s *Supervisor, want Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if s.Phase() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for phase %q, last seen %q", want, s.Phase())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectNoIdentifyGoesReady(t *testing.T) {
	port := serialport.NewMemPort()
	s := New(Config{
		DeviceID: "dev1",
		Open:     openerFor(port),
	})
	if err := s.Connect(context.Background(), "/dev/ttyFAKE0"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.Phase() != PhaseReady {
		t.Fatalf("phase = %q, want ready", s.Phase())
	}
}

func TestConnectIdentifySuccess(t *testing.T) {
	port := serialport.NewMemPort()
	s := New(Config{
		DeviceID:         "dev1",
		IdentifyRequired: true,
		ExpectedIDToken:  "KB",
		IdentifyTimeout:  2 * time.Second,
		Open:             openerFor(port),
	})

	done := make(chan error, 1)
	go func() {
		done <- s.Connect(context.Background(), "/dev/ttyFAKE0")
	}()

	waitForWrite(t, port, "identify\n", time.Second)
	port.Feed([]byte("KB\n"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	if s.Phase() != PhaseReady {
		t.Fatalf("phase = %q, want ready", s.Phase())
	}

	writes := port.Writes()
	if len(writes) < 2 || string(writes[1]) != "identify_complete\n" {
		t.Fatalf("expected identify_complete write, got %v", writes)
	}
}

func TestConnectIdentifyTimeoutEntersErrorPhase(t *testing.T) {
	port := serialport.NewMemPort()
	s := New(Config{
		DeviceID:         "dev1",
		IdentifyRequired: true,
		ExpectedIDToken:  "KB",
		IdentifyTimeout:  300 * time.Millisecond,
		IdentifyRetries:  1,
		ReconnectEnabled: true,
		BaseDelay:        20 * time.Millisecond,
		MaxDelay:         50 * time.Millisecond,
		MaxAttempts:      1,
		Open:             openerFor(port),
	})

	err := s.Connect(context.Background(), "/dev/ttyFAKE0")
	if err == nil {
		t.Fatal("expected identify timeout/mismatch error")
	}
	waitForPhase(t, s, PhaseError, time.Second)
	s.Stop()
}

func TestStopPreventsReconnect(t *testing.T) {
	port := serialport.NewMemPort()
	s := New(Config{
		DeviceID:         "dev1",
		ReconnectEnabled: true,
		BaseDelay:        10 * time.Millisecond,
		Open:             openerFor(port),
	})
	if err := s.Connect(context.Background(), "/dev/ttyFAKE0"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Stop()
	if s.Phase() != PhaseDisconnected {
		t.Fatalf("phase = %q, want disconnected", s.Phase())
	}
}

func TestWriteLineAfterReadyWritesToPort(t *testing.T) {
	port := serialport.NewMemPort()
	s := New(Config{DeviceID: "dev1", Open: openerFor(port), WriteEOL: "\n"})
	if err := s.Connect(context.Background(), "/dev/ttyFAKE0"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.WriteLine("press 00:1c"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	writes := port.Writes()
	if len(writes) != 1 || string(writes[0]) != "press 00:1c\n" {
		t.Fatalf("got %v", writes)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second
	cases := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: 1 * time.Second, // capped
		6: 1 * time.Second,
	}
	for attempt, want := range cases {
		if got := backoffDelay(base, max, attempt); got != want {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}
}

func waitForWrite(t *testing.T, port *serialport.MemPort, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, w := range port.Writes() {
			if string(w) == want {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for write %q", want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
