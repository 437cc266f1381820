// Package resourceview holds the Resource View (R): the in-memory tree of
// capacity and usage that everything else (FAM when an agent reports
// usage, BM when it reserves a bundle, IC when it schedules an instance)
// reads and mutates. Like the scheduler's registry, it's a mutex-guarded
// map rather than a channel actor: its operations are simple enough that a
// lock held for the duration of one map mutation is not a contention risk,
// and callers need synchronous answers (GetUnit) far more often than they
// need to react to state transitions.
package resourceview

import (
	"sync"

	"github.com/soundcloud/fnproxy/internal/types"
)

// UpdateType distinguishes a caller reporting what actually happened
// (Actual: an agent's own resource report) from a caller reserving
// capacity ahead of confirmation (Virtual: BM's Reserve, before Bind).
type UpdateType int

const (
	Actual UpdateType = iota
	Virtual
)

// View is the Resource View's public surface.
type View struct {
	mu    sync.RWMutex
	units map[string]*types.ResourceUnit
	subs  map[chan<- Event]struct{}
}

// Event is broadcast to every channel registered with Subscribe on any
// mutation.
type Event struct {
	UnitID string
	Kind   UpdateType
	Unit   *types.ResourceUnit // nil on delete
}

func New() *View {
	return &View{
		units: make(map[string]*types.ResourceUnit),
		subs:  make(map[chan<- Event]struct{}),
	}
}

// AddUnit inserts a new unit, or replaces one with the same ID wholesale
// (used when an agent re-registers with a changed capacity).
func (v *View) AddUnit(u *types.ResourceUnit, kind UpdateType) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.units[u.ID] = u
	v.broadcast(Event{UnitID: u.ID, Kind: kind, Unit: u.Clone()})
}

// UpdateUnit applies fn to the unit's usage under the view's lock, so
// callers never race a concurrent reservation against a concurrent
// release. Returns false if the unit does not exist.
func (v *View) UpdateUnit(id string, kind UpdateType, fn func(u *types.ResourceUnit)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	u, ok := v.units[id]
	if !ok {
		return false
	}
	fn(u)
	v.broadcast(Event{UnitID: id, Kind: kind, Unit: u.Clone()})
	return true
}

// UpdateUnitStatus moves a unit between Normal/Recovering/Evicting/Failed.
func (v *View) UpdateUnitStatus(id string, status types.UnitStatus) bool {
	return v.UpdateUnit(id, Actual, func(u *types.ResourceUnit) { u.Status = status })
}

// DeleteUnit removes a unit entirely (agent eviction completed).
func (v *View) DeleteUnit(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.units[id]; !ok {
		return false
	}
	delete(v.units, id)
	v.broadcast(Event{UnitID: id, Kind: Actual, Unit: nil})
	return true
}

// GetUnit returns a deep-copied snapshot so the caller can't mutate live
// state by accident.
func (v *View) GetUnit(id string) (*types.ResourceUnit, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	u, ok := v.units[id]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// SerializeView snapshots every unit, for QueryResourcesInfo.
func (v *View) SerializeView() map[string]*types.ResourceUnit {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]*types.ResourceUnit, len(v.units))
	for k, u := range v.units {
		out[k] = u.Clone()
	}
	return out
}

// Subscribe registers c to receive every future Event. Callers must drain
// c promptly; broadcast does not drop or buffer.
func (v *View) Subscribe(c chan<- Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.subs[c] = struct{}{}
}

func (v *View) Unsubscribe(c chan<- Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.subs, c)
}

func (v *View) broadcast(e Event) {
	for c := range v.subs {
		c <- e
	}
}

// Available returns capacity minus usage for one resource name on one
// unit, the quantity both BM's Reserve feasibility check and IC's
// Filter/Scorer plugins consult.
func Available(u *types.ResourceUnit, name string) float64 {
	return u.Capacity[name] - u.Usage[name]
}
