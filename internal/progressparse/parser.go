// Package progressparse decodes "PROGRESS key=value ..." lines emitted by
// the imaging service's external child process.
package progressparse

import (
	"fmt"
	"strconv"
	"strings"
)

// Sample is a single decoded PROGRESS line. Rate and Elapsed are optional;
// RateOK/ElapsedOK report whether they were present.
type Sample struct {
	BytesDone  uint64
	BytesTotal uint64
	Pct        float64

	Rate      uint64
	RateOK    bool
	Elapsed   float64
	ElapsedOK bool
}

const prefix = "PROGRESS "

// IsProgressLine reports whether line carries the PROGRESS prefix.
func IsProgressLine(line string) bool {
	return strings.HasPrefix(line, prefix)
}

// Parse decodes a line of the form:
//
//	PROGRESS bytes=<u64> total=<u64> pct=<f64>[ rate=<u64>][ elapsed=<f64>]
//
// Unknown keys are ignored. Missing required keys or malformed values
// produce an error.
func Parse(line string) (Sample, error) {
	if !IsProgressLine(line) {
		return Sample{}, fmt.Errorf("progressparse: not a PROGRESS line: %q", line)
	}
	rest := strings.TrimPrefix(line, prefix)

	var (
		s         Sample
		haveBytes bool
		haveTotal bool
		havePct   bool
	)
	for _, field := range strings.Fields(rest) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return Sample{}, fmt.Errorf("progressparse: malformed field %q in %q", field, line)
		}
		switch key {
		case "bytes":
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Sample{}, fmt.Errorf("progressparse: bad bytes value %q: %w", val, err)
			}
			s.BytesDone = v
			haveBytes = true
		case "total":
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Sample{}, fmt.Errorf("progressparse: bad total value %q: %w", val, err)
			}
			s.BytesTotal = v
			haveTotal = true
		case "pct":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Sample{}, fmt.Errorf("progressparse: bad pct value %q: %w", val, err)
			}
			s.Pct = v
			havePct = true
		case "rate":
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Sample{}, fmt.Errorf("progressparse: bad rate value %q: %w", val, err)
			}
			s.Rate = v
			s.RateOK = true
		case "elapsed":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Sample{}, fmt.Errorf("progressparse: bad elapsed value %q: %w", val, err)
			}
			s.Elapsed = v
			s.ElapsedOK = true
		default:
			// extra keys are ignored per the wire format
		}
	}
	if !haveBytes || !haveTotal || !havePct {
		return Sample{}, fmt.Errorf("progressparse: missing required field(s) in %q", line)
	}
	return s, nil
}

// point is one (wall-clock, bytes) observation in the moving-average window.
type point struct {
	wallSeconds float64
	bytes       uint64
}

// Window computes bytes_per_sec as a moving average over the last N=5
// PROGRESS samples, keyed on caller-supplied wall-clock seconds (so it
// never calls time.Now itself, keeping it deterministic for tests).
type Window struct {
	size   int
	points []point
}

// NewWindow returns a Window holding at most n samples. n must be >= 2;
// callers pass 5 per the imager's specified window size.
func NewWindow(n int) *Window {
	if n < 2 {
		n = 2
	}
	return &Window{size: n}
}

// Add records a new (wallSeconds, bytesDone) observation and returns the
// moving-average bytes_per_sec across the retained window. With fewer than
// two points recorded, it returns 0.
func (w *Window) Add(wallSeconds float64, bytesDone uint64) float64 {
	w.points = append(w.points, point{wallSeconds, bytesDone})
	if len(w.points) > w.size {
		w.points = w.points[len(w.points)-w.size:]
	}
	if len(w.points) < 2 {
		return 0
	}
	first := w.points[0]
	last := w.points[len(w.points)-1]
	dt := last.wallSeconds - first.wallSeconds
	if dt <= 0 {
		return 0
	}
	db := float64(last.bytes) - float64(first.bytes)
	return db / dt
}
