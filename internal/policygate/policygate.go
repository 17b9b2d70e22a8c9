// Package policygate implements the cross-device host-power policy gate
// (spec component C10): a pure decision function over one state-fabric
// slice, dispatched to target services, idempotent on unchanged values.
package policygate

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/astigmatism/benchd/internal/keyboard"
	"github.com/astigmatism/benchd/internal/statefabric"
)

// Command is the decision apply() returns for a given slice value.
type Command struct {
	Kind            CommandKind
	Reason          string // set for CancelAll
	PeripheralPower string // "on" | "off", set for CommandPeripheralPower
}

// CommandKind enumerates the command shapes per spec.md §4.7.
type CommandKind string

const (
	CommandPermit                 CommandKind = "permit"
	CommandCancelAll              CommandKind = "cancel_all"
	CommandPeripheralPowerControl CommandKind = "command_peripheral_power"
)

// ApplyFunc is the pure decision function: given the current value of the
// subscribed slice, decide what command to dispatch.
type ApplyFunc func(sliceValue any) Command

// Target receives dispatched commands. Implementations (e.g. the keyboard
// service) must be idempotent themselves where it matters; the gate also
// suppresses dispatch for unchanged slice values as an additional guard.
type Target interface {
	ApplyHostPower(ctx context.Context, state string)
	CancelAll(reason string) int
}

// KeyboardTarget adapts *keyboard.Service to Target.
type KeyboardTarget struct {
	Service *keyboard.Service
}

// ApplyHostPower implements Target.
func (k KeyboardTarget) ApplyHostPower(ctx context.Context, state string) {
	k.Service.ApplyHostPower(ctx, keyboard.PowerState(state))
}

// CancelAll implements Target.
func (k KeyboardTarget) CancelAll(reason string) int {
	return k.Service.CancelAll(reason)
}

// Gate subscribes to one state-fabric slice and dispatches apply()'s
// decision to target, suppressing repeat dispatch for an unchanged slice
// value.
type Gate struct {
	fabric    *statefabric.Fabric
	sliceName string
	apply     ApplyFunc
	target    Target

	mu       sync.Mutex
	lastSeen any
	haveSeen bool
}

// New constructs a Gate. Call Start to subscribe.
func New(fabric *statefabric.Fabric, sliceName string, apply ApplyFunc, target Target) *Gate {
	return &Gate{fabric: fabric, sliceName: sliceName, apply: apply, target: target}
}

// Start subscribes to the configured slice, immediately evaluating its
// current value (emitInitial=true), per spec.md §4.9's late-subscriber
// resync contract.
func (g *Gate) Start() {
	g.fabric.SubscribeSlice(g.sliceName, g.onUpdate, true)
}

func (g *Gate) onUpdate(from, to uint64, patch []statefabric.Patch) {
	_, value, ok := g.fabric.SliceSnapshot(g.sliceName)
	if !ok {
		return
	}

	g.mu.Lock()
	unchanged := g.haveSeen && reflect.DeepEqual(g.lastSeen, value)
	g.lastSeen = value
	g.haveSeen = true
	g.mu.Unlock()
	if unchanged {
		return
	}

	cmd := g.apply(value)
	g.dispatch(cmd)
}

func (g *Gate) dispatch(cmd Command) {
	ctx := context.Background()
	switch cmd.Kind {
	case CommandPermit:
		// No action: devices continue operating normally.
	case CommandCancelAll:
		g.target.CancelAll(cmd.Reason)
	case CommandPeripheralPowerControl:
		g.target.ApplyHostPower(ctx, cmd.PeripheralPower)
	default:
		slog.Warn("policygate: unknown command kind", "kind", cmd.Kind)
	}
}

// FrontPanelPower is the default apply() for the `frontPanel` slice
// (spec.md §4.7's initial target): it expects a map with a "power_sense"
// field of "on"/"off"/"unknown" and translates it directly into
// command_peripheral_power(on|off). The keyboard target's own
// ApplyHostPower implements the actual op-cancellation side effects.
func FrontPanelPower(sliceValue any) Command {
	m, ok := sliceValue.(map[string]any)
	if !ok {
		return Command{Kind: CommandPermit}
	}
	sense, _ := m["power_sense"].(string)
	switch sense {
	case "off":
		return Command{Kind: CommandPeripheralPowerControl, PeripheralPower: "off"}
	case "on":
		return Command{Kind: CommandPeripheralPowerControl, PeripheralPower: "on"}
	default:
		return Command{Kind: CommandPermit}
	}
}
