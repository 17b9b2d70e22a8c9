// Package serialport provides a minimal serial port abstraction: open at a
// given baud in 8N1 raw mode, read, write, close. Platform-specific raw
// mode configuration lives in linux.go / darwin.go, grounded on standard
// termios ioctl manipulation via golang.org/x/sys.
package serialport

import (
	"fmt"
	"io"
)

// Port is the contract the serial supervisor (C6) depends on. It
// deliberately exposes no buffering: the caller's line framer (C1) owns
// that.
type Port interface {
	io.ReadWriteCloser
}

// Config describes how to open a port.
type Config struct {
	Path string
	Baud int
}

// OpenFunc opens a real OS serial port. Swapped out in tests for a fake.
type OpenFunc func(cfg Config) (Port, error)

// Open is the platform's real opener, set by linux.go / darwin.go via
// their init functions.
var Open OpenFunc

func init() {
	if Open == nil {
		Open = func(cfg Config) (Port, error) {
			return nil, fmt.Errorf("serialport: no platform opener registered")
		}
	}
}
