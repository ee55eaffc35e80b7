// Package registry is the in-memory table of connected runners (spec §4.1),
// grounded on the teacher's reader-writer-locked map pattern and adapted
// from the original Rust RunnerRegistry (registry.rs).
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/runnergateway/gateway/internal/eventbus"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/metrics"
)

// Registry is the single writer-preferred reader-writer lock around the
// connected-runner map described in spec §4.1. Per-operation critical
// sections never perform I/O; active_requests is a per-runner atomic
// counter, untouched by this lock.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*gwtypes.Runner

	bus *eventbus.Bus
}

// New returns an empty registry publishing lifecycle events on bus.
func New(bus *eventbus.Bus) *Registry {
	return &Registry{
		runners: make(map[string]*gwtypes.Runner),
		bus:     bus,
	}
}

// Register inserts or replaces the connected record for id and publishes a
// Connected event. Per spec's invariant, a caller re-registering an
// already-connected id must have closed the old control channel first;
// Register itself does not enforce that — it is the control channel
// handler's responsibility (see internal/control).
func (r *Registry) Register(id, name, machineType string, status gwtypes.RunnerStatus, httpBaseURL, mac string, send chan<- gwtypes.OutboundMessage) {
	now := time.Now()
	status.Normalize()
	runner := &gwtypes.Runner{
		ID:            id,
		Name:          name,
		MachineType:   machineType,
		Status:        status,
		ConnectedAt:   now,
		LastHeartbeat: now,
		HTTPBaseURL:   httpBaseURL,
		MAC:           mac,
		Send:          send,
	}

	r.mu.Lock()
	r.runners[id] = runner
	count := len(r.runners)
	r.mu.Unlock()
	metrics.RunnersConnected.Set(float64(count))

	r.bus.Publish(gwtypes.RunnerEvent{
		Kind:         gwtypes.EventConnected,
		ID:           id,
		Name:         name,
		MachineType:  machineType,
		Health:       status.Health,
		LoadedModels: status.LoadedModels(),
	})
}

// Unregister removes id from the connected table and publishes Disconnected.
// Returns the removed record (or nil) so callers can close its send channel.
func (r *Registry) Unregister(id string) *gwtypes.Runner {
	r.mu.Lock()
	runner, ok := r.runners[id]
	if ok {
		delete(r.runners, id)
	}
	count := len(r.runners)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.RunnersConnected.Set(float64(count))
	r.bus.Publish(gwtypes.RunnerEvent{Kind: gwtypes.EventDisconnected, ID: id})
	return runner
}

// UpdateStatus refreshes a runner's status and last-heartbeat, publishing
// StatusChanged only when health or the loaded-model set actually changed.
func (r *Registry) UpdateStatus(id string, status gwtypes.RunnerStatus) {
	status.Normalize()

	r.mu.Lock()
	runner, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := runner.Status.Health != status.Health || !sameModelSet(runner.Status.LoadedModels(), status.LoadedModels())
	name, machineType := runner.Name, runner.MachineType
	runner.Status = status
	runner.LastHeartbeat = time.Now()
	r.mu.Unlock()

	if changed {
		r.bus.Publish(gwtypes.RunnerEvent{
			Kind:         gwtypes.EventStatusChanged,
			ID:           id,
			Name:         name,
			MachineType:  machineType,
			Health:       status.Health,
			LoadedModels: status.LoadedModels(),
		})
	}
}

func sameModelSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	ac := append([]string(nil), a...)
	bc := append([]string(nil), b...)
	sort.Strings(ac)
	sort.Strings(bc)
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

// Get returns a cloned snapshot of the runner with id, if connected.
func (r *Registry) Get(id string) (gwtypes.Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[id]
	if !ok {
		return gwtypes.Runner{}, false
	}
	return runner.Clone(), true
}

// All returns a snapshot of every connected runner.
func (r *Registry) All() []gwtypes.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gwtypes.Runner, 0, len(r.runners))
	for _, runner := range r.runners {
		out = append(out, runner.Clone())
	}
	return out
}

// Operational returns connected runners whose health is healthy or degraded.
func (r *Registry) Operational() []gwtypes.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gwtypes.Runner, 0, len(r.runners))
	for _, runner := range r.runners {
		if runner.IsOperational() {
			out = append(out, runner.Clone())
		}
	}
	return out
}

// WithModel returns operational runners that have modelID loaded.
func (r *Registry) WithModel(modelID string) []gwtypes.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gwtypes.Runner, 0)
	for _, runner := range r.runners {
		if runner.IsOperational() && runner.Status.HasModel(modelID) {
			out = append(out, runner.Clone())
		}
	}
	return out
}

// ModelSummary is a model id and the connected runner ids that have it
// loaded, mirroring the original's ModelInfo{id, runners}.
type ModelSummary struct {
	ID      string
	Runners []string
}

// AllModels returns every unique model loaded across operational runners,
// each paired with the runner ids that have it.
func (r *Registry) AllModels() []ModelSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := make(map[string]*ModelSummary)
	for _, runner := range r.runners {
		if !runner.IsOperational() {
			continue
		}
		for _, modelID := range runner.Status.LoadedModels() {
			m, ok := byID[modelID]
			if !ok {
				m = &ModelSummary{ID: modelID}
				byID[modelID] = m
			}
			m.Runners = append(m.Runners, runner.ID)
		}
	}
	out := make([]ModelSummary, 0, len(byID))
	for _, m := range byID {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of connected runners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// SweepStale evicts runners whose last heartbeat is older than timeout and
// returns the evicted ids, publishing a Disconnected event for each.
func (r *Registry) SweepStale(timeout time.Duration) []string {
	now := time.Now()

	r.mu.Lock()
	var stale []string
	for id, runner := range r.runners {
		if now.Sub(runner.LastHeartbeat) > timeout {
			stale = append(stale, id)
			delete(r.runners, id)
		}
	}
	count := len(r.runners)
	r.mu.Unlock()

	if len(stale) > 0 {
		metrics.RunnersConnected.Set(float64(count))
	}
	for _, id := range stale {
		r.bus.Publish(gwtypes.RunnerEvent{Kind: gwtypes.EventDisconnected, ID: id})
	}
	return stale
}

// SubscribeEvents returns a live subscription to the registry's event bus.
func (r *Registry) SubscribeEvents() *eventbus.Subscription {
	return r.bus.Subscribe()
}

// IncrementActive bumps the active_requests counter of the live runner
// record with id, if still connected. It takes only a read lock: the
// counter itself is atomic (spec §9, "Atomic counters vs. structured
// state" — load-balancer reads must not contend with heartbeat writers).
func (r *Registry) IncrementActive(id string) {
	r.mu.RLock()
	runner, ok := r.runners[id]
	r.mu.RUnlock()
	if ok {
		runner.IncrementRequests()
	}
}

// DecrementActive lowers the active_requests counter of the live runner
// record with id, if still connected.
func (r *Registry) DecrementActive(id string) {
	r.mu.RLock()
	runner, ok := r.runners[id]
	r.mu.RUnlock()
	if ok {
		runner.DecrementRequests()
	}
}
