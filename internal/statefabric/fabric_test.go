package statefabric

import (
	"context"
	"testing"
)

func TestUpdateBumpsVersionAndProducesPatch(t *testing.T) {
	f := New()
	ctx := context.Background()

	v1, patch1, err := f.Update(ctx, "frontPanel", func(old any) any {
		return map[string]any{"power_sense": "on"}
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("version = %d, want 1", v1)
	}
	if len(patch1) == 0 {
		t.Fatal("expected non-empty patch for first write")
	}

	v2, patch2, err := f.Update(ctx, "frontPanel", func(old any) any {
		m := old.(map[string]any)
		m["power_sense"] = "off"
		return m
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("version = %d, want 2", v2)
	}
	found := false
	for _, p := range patch2 {
		if p.Path == "/frontPanel/power_sense" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected patch touching /frontPanel/power_sense, got %+v", patch2)
	}
}

func TestUpdateNoopProducesEmptyPatchAndSameVersion(t *testing.T) {
	f := New()
	ctx := context.Background()
	v1, _, err := f.Update(ctx, "s", func(old any) any { return "x" })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	v2, patch, err := f.Update(ctx, "s", func(old any) any { return "x" })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v2 != v1 {
		t.Fatalf("version changed on no-op update: %d -> %d", v1, v2)
	}
	if len(patch) != 0 {
		t.Fatalf("expected empty patch, got %+v", patch)
	}
}

func TestSnapshotReflectsLatestVersion(t *testing.T) {
	f := New()
	ctx := context.Background()
	f.Update(ctx, "s1", func(old any) any { return 1 })
	f.Update(ctx, "s2", func(old any) any { return 2 })

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}
	data := snap.Data.(map[string]any)
	if data["s1"] != float64(1) || data["s2"] != float64(2) {
		t.Fatalf("got %+v", data)
	}
}

func TestSubscribeSliceReceivesOrderedPatches(t *testing.T) {
	f := New()
	ctx := context.Background()

	var seen []uint64
	f.SubscribeSlice("s", func(from, to uint64, patch []Patch) {
		seen = append(seen, to)
	}, false)

	f.Update(ctx, "s", func(old any) any { return 1 })
	f.Update(ctx, "s", func(old any) any { return 2 })
	f.Update(ctx, "other", func(old any) any { return "irrelevant" })
	f.Update(ctx, "s", func(old any) any { return 3 })

	want := []uint64{1, 2, 4}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestSubscribeSliceEmitInitial(t *testing.T) {
	f := New()
	ctx := context.Background()
	f.Update(ctx, "s", func(old any) any { return "hello" })

	var got []Patch
	f.SubscribeSlice("s", func(from, to uint64, patch []Patch) {
		got = patch
	}, true)

	if len(got) != 1 || got[0].Path != "/s" {
		t.Fatalf("got %+v", got)
	}
}

func TestSubscribeAllReceivesUpdatesAcrossSlices(t *testing.T) {
	f := New()
	ctx := context.Background()

	var seen []string
	f.SubscribeAll(func(from, to uint64, patch []Patch) {
		for _, p := range patch {
			seen = append(seen, p.Path)
		}
	}, false)

	f.Update(ctx, "s1", func(old any) any { return 1 })
	f.Update(ctx, "s2", func(old any) any { return "x" })

	if len(seen) != 2 || seen[0] != "/s1" || seen[1] != "/s2" {
		t.Fatalf("got %v", seen)
	}
}

func TestSubscribeAllEmitInitialSnapshotsWholeFabric(t *testing.T) {
	f := New()
	ctx := context.Background()
	f.Update(ctx, "s1", func(old any) any { return 1 })

	var got []Patch
	f.SubscribeAll(func(from, to uint64, patch []Patch) {
		got = patch
	}, true)

	if len(got) != 1 || got[0].Path != "/" {
		t.Fatalf("got %+v", got)
	}
}

func TestSliceSnapshotMissingSlice(t *testing.T) {
	f := New()
	_, data, ok := f.SliceSnapshot("nope")
	if ok || data != nil {
		t.Fatalf("expected miss, got data=%v ok=%v", data, ok)
	}
}
