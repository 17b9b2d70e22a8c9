// Package supervisor implements the per-device serial lifecycle supervisor
// (spec component C6): it owns a serial port, performs an identify
// handshake, maintains connected/identifying/ready/error phases, and runs
// automatic reconnect with bounded exponential backoff.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/astigmatism/benchd/internal/events"
	"github.com/astigmatism/benchd/internal/lineframer"
	"github.com/astigmatism/benchd/internal/serialport"
)

// Phase is the supervisor's current lifecycle state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseIdentifying  Phase = "identifying"
	PhaseReady        Phase = "ready"
	PhaseError        Phase = "error"
)

// pendingLineCap bounds the in-process FIFO of unclaimed inbound lines
// buffered while nothing is draining them (spec.md §4.2: "bounded to 256;
// oldest-drop on overflow").
const pendingLineCap = 256

// Config configures one supervisor instance.
type Config struct {
	DeviceID string
	Baud     int

	IdentifyRequired    bool
	IdentifyRequest     string // default "identify"
	IdentifyCompletion  string // default "identify_complete"
	ExpectedIDToken     string
	IdentifyTimeout     time.Duration // default 3s
	IdentifyRetries     int           // default 3
	WriteEOL            string        // default "\n"

	ReconnectEnabled bool
	BaseDelay        time.Duration // default 500ms
	MaxDelay         time.Duration // default 30s
	MaxAttempts      int           // 0 = unlimited

	Sink events.Sink

	// Open dials the real (or faked) serial port. Defaults to
	// serialport.Open.
	Open func(cfg serialport.Config) (serialport.Port, error)
}

// Supervisor owns a single device's serial port and its state machine.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	phase    Phase
	path     string // current known device path; "" if unknown
	port     serialport.Port
	framer   *lineframer.Framer
	pending  []string // unclaimed inbound lines, bounded by pendingLineCap
	stopping bool
	attempt  int

	openInFlight chan struct{} // non-nil while an open attempt is running

	onLine func(line string) // external line handler (keyboard/imager attach)

	cancelReconnect context.CancelFunc
}

// New constructs a Supervisor in the disconnected phase.
func New(cfg Config) *Supervisor {
	if cfg.IdentifyRequest == "" {
		cfg.IdentifyRequest = "identify"
	}
	if cfg.IdentifyCompletion == "" {
		cfg.IdentifyCompletion = "identify_complete"
	}
	if cfg.IdentifyTimeout <= 0 {
		cfg.IdentifyTimeout = 3 * time.Second
	}
	if cfg.IdentifyRetries <= 0 {
		cfg.IdentifyRetries = 3
	}
	if cfg.WriteEOL == "" {
		cfg.WriteEOL = "\n"
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	if cfg.Open == nil {
		cfg.Open = serialport.Open
	}
	return &Supervisor{
		cfg:    cfg,
		phase:  PhaseDisconnected,
		framer: lineframer.New(),
	}
}

// SetLineHandler registers a callback invoked for every inbound line once
// the port is ready and not claimed by the identify procedure's FIFO.
func (s *Supervisor) SetLineHandler(fn func(line string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLine = fn
}

// Phase reports the current lifecycle phase.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Supervisor) setPhase(ctx context.Context, p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.cfg.Sink.Emit(ctx, events.Event{Kind: events.KindDevicePhase, DeviceID: s.cfg.DeviceID, Data: p})
}

// Connect attempts to open (or re-open) the serial port at path. At most
// one open attempt is in flight: concurrent callers wait on the same
// in-flight marker and then report whether that attempt left the port ready.
func (s *Supervisor) Connect(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.openInFlight != nil {
		ch := s.openInFlight
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		if p := s.Phase(); p != PhaseReady {
			return fmt.Errorf("supervisor: concurrent open of %s ended in phase %s", path, p)
		}
		return nil
	}
	inFlight := make(chan struct{})
	s.openInFlight = inFlight
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.path = path
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		close(inFlight)
		s.openInFlight = nil
		s.mu.Unlock()
	}()

	s.setPhase(ctx, PhaseConnecting)
	port, err := s.cfg.Open(serialport.Config{Path: path, Baud: s.cfg.Baud})
	if err != nil {
		s.setPhase(ctx, PhaseError)
		s.scheduleReconnect(ctx)
		return err
	}

	s.mu.Lock()
	s.port = port
	s.framer.Reset()
	s.attempt = 0
	s.mu.Unlock()

	if !s.cfg.IdentifyRequired {
		s.setPhase(ctx, PhaseReady)
		go s.pumpLines(ctx)
		return nil
	}

	// Phase must flip to identifying before the reader goroutine starts, so
	// any line arriving immediately after open lands in the identify FIFO
	// rather than being handed to onLine.
	s.setPhase(ctx, PhaseIdentifying)
	go s.pumpLines(ctx)
	if err := s.identify(ctx); err != nil {
		s.closeAndScheduleReconnect(ctx, err)
		return err
	}
	s.setPhase(ctx, PhaseReady)
	return nil
}

// pumpLines is the single reader of the port: it is the only goroutine
// calling port.Read, feeding bytes through the line framer, and delivering
// complete lines either to the identify FIFO or to onLine.
func (s *Supervisor) pumpLines(ctx context.Context) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			lines := s.framer.Feed(buf[:n])
			for _, line := range lines {
				s.deliverLine(line)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) deliverLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseIdentifying {
		s.pending = append(s.pending, line)
		if len(s.pending) > pendingLineCap {
			s.pending = s.pending[len(s.pending)-pendingLineCap:]
		}
		return
	}
	if s.onLine != nil {
		handler := s.onLine
		s.mu.Unlock()
		handler(line)
		s.mu.Lock()
	}
}

// drainPendingLine pops the oldest buffered line, if any.
func (s *Supervisor) drainPendingLine() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, true
}

func (s *Supervisor) identify(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.IdentifyTimeout)

	for attempt := 1; attempt <= s.cfg.IdentifyRetries; attempt++ {
		if err := s.writeRaw(s.cfg.IdentifyRequest); err != nil {
			return err
		}
		attemptTimeout := time.Until(deadline)
		if attempt < s.cfg.IdentifyRetries {
			// First attempts may be short to absorb reset-on-open.
			short := 150 * time.Millisecond * time.Duration(attempt)
			if short < attemptTimeout {
				attemptTimeout = short
			}
		}
		if attemptTimeout <= 0 {
			break
		}

		got, err := s.waitForToken(ctx, attemptTimeout)
		if err != nil {
			continue
		}
		if got {
			if err := s.writeRaw(s.cfg.IdentifyCompletion); err != nil {
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("supervisor: identify timed out for device %s", s.cfg.DeviceID)
}

func (s *Supervisor) waitForToken(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.After(timeout)
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
	for {
		if line, ok := s.drainPendingLine(); ok {
			if strings.HasPrefix(line, "debug:") || strings.HasPrefix(line, "done:") {
				continue
			}
			if line == s.cfg.ExpectedIDToken {
				return true, nil
			}
			return false, nil
		}
		select {
		case <-deadline:
			return false, fmt.Errorf("supervisor: identify wait timed out")
		case <-ctx.Done():
			return false, ctx.Err()
		case <-poll.C:
		}
	}
}

func (s *Supervisor) writeRaw(msg string) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return fmt.Errorf("supervisor: write on closed port")
	}
	_, err := port.Write([]byte(msg + s.cfg.WriteEOL))
	return err
}

// WriteLine is the cooperative-checkpoint write path used by command
// execution (opqueue exec functions). Callers are responsible for checking
// their CancelCell before calling this, per spec.md's "writes while the
// active op is cancelled must fail fast" contract.
func (s *Supervisor) WriteLine(line string) error {
	return s.writeRaw(line)
}

func (s *Supervisor) closeAndScheduleReconnect(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.mu.Unlock()
	s.cfg.Sink.Emit(ctx, events.Event{Kind: events.KindIdentifyFailed, DeviceID: s.cfg.DeviceID, Data: cause.Error()})
	s.cfg.Sink.Emit(ctx, events.Event{Kind: events.KindDeviceDisconnected, DeviceID: s.cfg.DeviceID, Data: "unknown"})
	s.setPhase(ctx, PhaseError)
	s.scheduleReconnect(ctx)
}

func (s *Supervisor) scheduleReconnect(ctx context.Context) {
	s.mu.Lock()
	if s.stopping || !s.cfg.ReconnectEnabled || s.path == "" {
		s.mu.Unlock()
		return
	}
	s.attempt++
	attempt := s.attempt
	path := s.path
	if s.cfg.MaxAttempts > 0 && attempt > s.cfg.MaxAttempts {
		s.mu.Unlock()
		s.cfg.Sink.Emit(ctx, events.Event{Kind: events.Kind("reconnect:exhausted"), DeviceID: s.cfg.DeviceID})
		return
	}
	reconnectCtx, cancel := context.WithCancel(ctx)
	s.cancelReconnect = cancel
	s.mu.Unlock()

	delay := backoffDelay(s.cfg.BaseDelay, s.cfg.MaxDelay, attempt)
	s.cfg.Sink.Emit(ctx, events.Event{
		Kind:     events.KindReconnectScheduled,
		DeviceID: s.cfg.DeviceID,
		Data:     map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()},
	})

	go func() {
		select {
		case <-time.After(delay):
		case <-reconnectCtx.Done():
			return
		}
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}
		s.Connect(reconnectCtx, path)
	}()
}

// backoffDelay computes min(base * 2^(attempt-1), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Stop sets stopping=true, cancels any pending reconnect timer, and closes
// the port. Subsequent reconnect timers must not fire after Stop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	if s.cancelReconnect != nil {
		s.cancelReconnect()
	}
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.mu.Unlock()
	s.setPhase(context.Background(), PhaseDisconnected)
}
