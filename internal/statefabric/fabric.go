// Package statefabric implements the append-only versioned state store
// (spec component C11): a monotonic version counter over named slices, with
// snapshot and JSON-patch dissemination to subscribers.
package statefabric

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "gomodules.xyz/jsonpatch/v2"
)

// Patch is one RFC 6902-style operation describing part of the diff from
// version-1 to version.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Snapshot is a full, versioned view of one slice (or the whole fabric).
type Snapshot struct {
	Version uint64
	Data    any
}

// Subscriber is invoked with each patch applied to a slice, in version
// order. Handlers must not block for long.
type Subscriber func(from, to uint64, patch []Patch)

// Fabric holds a set of named slices and disseminates JSON-patch diffs to
// slice subscribers as updates land. All reads and writes are serialized
// through a single mutex per the "write path is serialized through update"
// invariant; readers may snapshot between writes.
type Fabric struct {
	mu      sync.Mutex
	version uint64
	slices  map[string]any
	subs    map[string][]Subscriber
}

// New returns an empty Fabric at version 0.
func New() *Fabric {
	return &Fabric{
		slices: make(map[string]any),
		subs:   make(map[string][]Subscriber),
	}
}

// Snapshot returns the current version and a deep copy of the full slice
// map (via JSON round-trip, matching how it travels over the wire).
func (f *Fabric) Snapshot() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Fabric) snapshotLocked() (Snapshot, error) {
	data, err := cloneViaJSON(f.slices)
	if err != nil {
		return Snapshot{}, fmt.Errorf("statefabric: snapshot: %w", err)
	}
	return Snapshot{Version: f.version, Data: data}, nil
}

// SliceSnapshot returns the current version and a deep copy of one named
// slice. A missing slice yields data == nil, ok == false.
func (f *Fabric) SliceSnapshot(name string) (version uint64, data any, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, present := f.slices[name]
	if !present {
		return f.version, nil, false
	}
	cloned, err := cloneViaJSON(v)
	if err != nil {
		return f.version, nil, false
	}
	return f.version, cloned, true
}

// Mutation computes the new value for a slice given its current value (nil
// if the slice doesn't exist yet).
type Mutation func(old any) any

// Update applies mutation to the named slice, bumps the fabric version,
// computes the JSON-patch diff scoped to that slice's path
// ("/<name>/..."), notifies subscribers of that slice in order, and
// returns the new version and patch.
func (f *Fabric) Update(ctx context.Context, sliceName string, mutation Mutation) (uint64, []Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	before := f.slices[sliceName]
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return 0, nil, fmt.Errorf("statefabric: marshal old slice %q: %w", sliceName, err)
	}

	after := mutation(before)
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return 0, nil, fmt.Errorf("statefabric: marshal new slice %q: %w", sliceName, err)
	}

	ops, err := jsonpatch.CreatePatch(beforeJSON, afterJSON)
	if err != nil {
		return 0, nil, fmt.Errorf("statefabric: diff slice %q: %w", sliceName, err)
	}
	if len(ops) == 0 {
		// No-op update: still bump nothing, return current version with an
		// empty patch so callers can suppress downstream work.
		return f.version, nil, nil
	}

	from := f.version
	f.version++
	to := f.version
	f.slices[sliceName] = after

	patch := make([]Patch, 0, len(ops))
	for _, o := range ops {
		patch = append(patch, Patch{
			Op:    o.Operation,
			Path:  "/" + sliceName + o.Path,
			Value: o.Value,
		})
	}

	for _, sub := range f.subs[sliceName] {
		sub(from, to, patch)
	}
	for _, sub := range f.subs[allSlicesKey] {
		sub(from, to, patch)
	}
	return to, patch, nil
}

// allSlicesKey is a subscription key reserved for SubscribeAll; it cannot
// collide with a real slice name since Update path-prefixes every slice's
// patches with "/"+sliceName and slice names are validated non-empty by
// convention throughout this repo.
const allSlicesKey = "\x00all"

// SubscribeAll registers cb for every future update across all slices,
// regardless of which slice changed — the fan-out point for the control
// plane's patch-stream endpoint. If emitInitial is true, cb is invoked once
// immediately with a synthetic whole-fabric snapshot patch.
func (f *Fabric) SubscribeAll(cb Subscriber, emitInitial bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[allSlicesKey] = append(f.subs[allSlicesKey], cb)
	if !emitInitial {
		return
	}
	v := f.version
	snap, err := f.snapshotLocked()
	if err != nil {
		return
	}
	cb(v, v, []Patch{{Op: "replace", Path: "/", Value: snap.Data}})
}

// SubscribeSlice registers cb for future updates to sliceName. If
// emitInitial is true, cb is invoked immediately with a synthetic patch
// that adds the slice's current value wholesale (from==to==current
// version), matching a late subscriber's resync-via-snapshot path.
func (f *Fabric) SubscribeSlice(sliceName string, cb Subscriber, emitInitial bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sliceName] = append(f.subs[sliceName], cb)
	if !emitInitial {
		return
	}
	v := f.version
	cb(v, v, []Patch{{Op: "replace", Path: "/" + sliceName, Value: f.slices[sliceName]}})
}

func cloneViaJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
