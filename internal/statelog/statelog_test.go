package statelog

import (
	"context"
	"testing"
	"time"
)

func openTestLog(t *testing.T, perDeviceCap int) *Log {
	t.Helper()
	log, err := Open(Config{Path: ":memory:", PerDeviceCap: perDeviceCap})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAppendAndRecent(t *testing.T) {
	log := openTestLog(t, 10)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, phase := range []string{"disconnected", "connecting", "identifying", "ready"} {
		if err := log.Append(ctx, Entry{DeviceID: "kb", Phase: phase, OccurredAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := log.Recent(ctx, "kb", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	if entries[0].Phase != "disconnected" || entries[3].Phase != "ready" {
		t.Fatalf("got %+v, want oldest-first ordering", entries)
	}
}

func TestAppendPrunesBeyondPerDeviceCap(t *testing.T) {
	log := openTestLog(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, Entry{DeviceID: "cf1", Phase: "ready", OccurredAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := log.Recent(ctx, "cf1", 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (capped)", len(entries))
	}
	// The two oldest should have been pruned, leaving indices 2,3,4 (+2s,+3s,+4s).
	if !entries[0].OccurredAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("got oldest retained %v, want base+2s", entries[0].OccurredAt)
	}
}

func TestRecentIsolatesPerDevice(t *testing.T) {
	log := openTestLog(t, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	log.Append(ctx, Entry{DeviceID: "kb", Phase: "ready", OccurredAt: now})
	log.Append(ctx, Entry{DeviceID: "cf1", Phase: "ready", OccurredAt: now})

	kbEntries, _ := log.Recent(ctx, "kb", 10)
	cfEntries, _ := log.Recent(ctx, "cf1", 10)
	if len(kbEntries) != 1 || len(cfEntries) != 1 {
		t.Fatalf("got kb=%d cf1=%d, want 1 each", len(kbEntries), len(cfEntries))
	}
}

func TestAppendRequiresOccurredAt(t *testing.T) {
	log := openTestLog(t, 10)
	if err := log.Append(context.Background(), Entry{DeviceID: "kb", Phase: "ready"}); err == nil {
		t.Fatal("expected error for zero OccurredAt")
	}
}
