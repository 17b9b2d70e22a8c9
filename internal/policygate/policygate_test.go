package policygate

import (
	"context"
	"sync"
	"testing"

	"github.com/astigmatism/benchd/internal/statefabric"
)

type fakeTarget struct {
	mu           sync.Mutex
	powerCalls   []string
	cancelCalls  []string
}

func (f *fakeTarget) ApplyHostPower(ctx context.Context, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerCalls = append(f.powerCalls, state)
}

func (f *fakeTarget) CancelAll(reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, reason)
	return 0
}

func (f *fakeTarget) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := append([]string(nil), f.powerCalls...)
	c := append([]string(nil), f.cancelCalls...)
	return p, c
}

func TestGateDispatchesOnSliceChange(t *testing.T) {
	fabric := statefabric.New()
	target := &fakeTarget{}
	gate := New(fabric, "frontPanel", FrontPanelPower, target)
	gate.Start()

	fabric.Update(context.Background(), "frontPanel", func(old any) any {
		return map[string]any{"power_sense": "off"}
	})

	power, _ := target.snapshot()
	if len(power) != 1 || power[0] != "off" {
		t.Fatalf("got %v, want one off dispatch", power)
	}
}

func TestGateSuppressesUnchangedValue(t *testing.T) {
	fabric := statefabric.New()
	target := &fakeTarget{}
	gate := New(fabric, "frontPanel", FrontPanelPower, target)
	gate.Start()

	mutation := func(old any) any { return map[string]any{"power_sense": "off"} }
	fabric.Update(context.Background(), "frontPanel", mutation)
	fabric.Update(context.Background(), "frontPanel", mutation) // identical value again

	power, _ := target.snapshot()
	if len(power) != 1 {
		t.Fatalf("got %d dispatches, want 1 (second update was a no-op value)", len(power))
	}
}

func TestGateStartEvaluatesExistingValue(t *testing.T) {
	fabric := statefabric.New()
	fabric.Update(context.Background(), "frontPanel", func(old any) any {
		return map[string]any{"power_sense": "on"}
	})

	target := &fakeTarget{}
	gate := New(fabric, "frontPanel", FrontPanelPower, target)
	gate.Start()

	power, _ := target.snapshot()
	if len(power) != 1 || power[0] != "on" {
		t.Fatalf("got %v, want late-subscriber resync dispatch", power)
	}
}

func TestFrontPanelPowerUnknownSenseIsPermit(t *testing.T) {
	cmd := FrontPanelPower(map[string]any{"power_sense": "unknown"})
	if cmd.Kind != CommandPermit {
		t.Fatalf("got %+v, want permit", cmd)
	}
}

func TestFrontPanelPowerMalformedValueIsPermit(t *testing.T) {
	cmd := FrontPanelPower("not-a-map")
	if cmd.Kind != CommandPermit {
		t.Fatalf("got %+v, want permit", cmd)
	}
}
