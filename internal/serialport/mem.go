package serialport

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// MemPort is an in-memory Port used by tests and by the supervisor's own
// unit tests to simulate a device without real hardware. Writes are
// recorded; reads drain from a buffer the test fills via Feed.
type MemPort struct {
	mu     sync.Mutex
	inbuf  bytes.Buffer
	writes [][]byte
	closed bool
	readCh chan struct{}
}

// NewMemPort returns an empty MemPort.
func NewMemPort() *MemPort {
	return &MemPort{readCh: make(chan struct{}, 1)}
}

// Feed appends bytes that a subsequent Read will return.
func (m *MemPort) Feed(b []byte) {
	m.mu.Lock()
	m.inbuf.Write(b)
	m.mu.Unlock()
	select {
	case m.readCh <- struct{}{}:
	default:
	}
}

// Writes returns every byte slice passed to Write so far, in order.
func (m *MemPort) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *MemPort) Read(p []byte) (int, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, io.EOF
		}
		if m.inbuf.Len() > 0 {
			n, _ := m.inbuf.Read(p)
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()
		<-m.readCh
	}
}

func (m *MemPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("serialport: write on closed port")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	return len(p), nil
}

func (m *MemPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	select {
	case m.readCh <- struct{}{}:
	default:
	}
	return nil
}
