package progressparse

import (
	"math"
	"testing"
)

func TestParseBasic(t *testing.T) {
	s, err := Parse("PROGRESS bytes=50 total=100 pct=50.0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.BytesDone != 50 || s.BytesTotal != 100 || s.Pct != 50.0 {
		t.Fatalf("got %+v", s)
	}
	if s.RateOK || s.ElapsedOK {
		t.Fatalf("expected optional fields unset, got %+v", s)
	}
}

func TestParseWithOptionalFields(t *testing.T) {
	s, err := Parse("PROGRESS bytes=1 total=2 pct=50 rate=10 elapsed=1.5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !s.RateOK || s.Rate != 10 {
		t.Fatalf("rate not decoded: %+v", s)
	}
	if !s.ElapsedOK || s.Elapsed != 1.5 {
		t.Fatalf("elapsed not decoded: %+v", s)
	}
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	s, err := Parse("PROGRESS bytes=1 total=2 pct=50 extra=ignored")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.BytesDone != 1 {
		t.Fatalf("got %+v", s)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"not a progress line",
		"PROGRESS bytes=1 total=2",
		"PROGRESS total=2 pct=50",
		"PROGRESS bytes=1 pct=50",
		"PROGRESS bytes=x total=2 pct=50",
		"PROGRESS bytes=1 total=2 pct=notafloat",
		"PROGRESS bytes total=2 pct=50",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error", c)
		}
	}
}

func TestIsProgressLine(t *testing.T) {
	if !IsProgressLine("PROGRESS bytes=1 total=2 pct=3") {
		t.Error("expected true")
	}
	if IsProgressLine("debug: hi") {
		t.Error("expected false")
	}
}

func TestWindowMovingAverage(t *testing.T) {
	w := NewWindow(5)
	if got := w.Add(0, 0); got != 0 {
		t.Fatalf("first sample should yield 0, got %v", got)
	}
	if got := w.Add(1, 1_000_000); got != 1_000_000 {
		t.Fatalf("got %v, want 1e6", got)
	}
	got := w.Add(2, 3_000_000)
	want := 1_500_000.0
	if math.Abs(got-want) > 1 {
		t.Fatalf("got %v, want ~%v", got, want)
	}
}

func TestWindowEvictsOldestBeyondSize(t *testing.T) {
	w := NewWindow(3)
	w.Add(0, 0)
	w.Add(1, 100)
	w.Add(2, 200)
	// window is now full at [0,1,2]; adding a 4th sample should evict the
	// first, so the average is computed over [1,2,3] not [0..3].
	got := w.Add(3, 400)
	want := (400.0 - 100.0) / (3.0 - 1.0)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWindowZeroElapsedGuard(t *testing.T) {
	w := NewWindow(5)
	w.Add(1, 0)
	got := w.Add(1, 100)
	if got != 0 {
		t.Fatalf("expected 0 for zero-duration window, got %v", got)
	}
}
