// Package registry holds the single authoritative map of live uplinks
// (spec.md §3: "Uplinks are created on config load or Control-API add,
// destroyed only on Control-API remove"). It is the one shared mutable
// structure every other component reads or mutates; the Health State
// Machine is the only writer of health/admin-state transitions, the
// Control API is the only writer of add/remove/admin-state edits, and
// both go through Registry's lock rather than holding a stray pointer
// across goroutines (see the note on domain.Uplink).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"fathom/internal/clock"
	"fathom/internal/domain"
	"fathom/internal/errkind"
)

// Registry owns every live Uplink plus the table_id/mark_bits allocator.
type Registry struct {
	mu      sync.RWMutex
	uplinks map[string]*domain.Uplink
	alloc   *domain.Allocator
	clock   clock.Clock
}

// New returns an empty Registry.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Registry{
		uplinks: make(map[string]*domain.Uplink),
		alloc:   domain.NewAllocator(),
		clock:   clk,
	}
}

// Descriptor is the input to Add: everything an operator or the Interface
// Inventory's bootstrap proposal supplies about a new uplink.
type Descriptor struct {
	Name      string
	Interface string
	Nexthop   string
	Weight    int
	DNSHints  []string
}

// Add registers a new uplink, allocating a unique table_id and mark_bits
// (spec.md §3 invariants). It is an invariant violation to add a name that
// already exists.
func (r *Registry) Add(d Descriptor) (*domain.Uplink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.uplinks[d.Name]; exists {
		return nil, errkind.New(errkind.Invariant, fmt.Errorf("uplink %q already registered", d.Name))
	}
	if d.Weight < 1 {
		d.Weight = 1
	}

	markBits, err := r.alloc.AllocateMarkBits()
	if err != nil {
		return nil, err
	}

	u := &domain.Uplink{
		Name:             d.Name,
		Interface:        d.Interface,
		Nexthop:          d.Nexthop,
		Weight:           d.Weight,
		AdminState:       domain.AdminEnabled,
		Health:           domain.HealthUnknown,
		DNSHints:         d.DNSHints,
		TableID:          r.alloc.AllocateTableID(),
		MarkBits:         markBits,
		LastTransitionAt: r.clock.Now(),
	}
	r.uplinks[d.Name] = u
	return u, nil
}

// Remove destroys an uplink, releasing its mark_bits back to the pool. Its
// table_id is never reused for the life of the process (spec.md §3).
func (r *Registry) Remove(name string) (*domain.Uplink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.uplinks[name]
	if !ok {
		return nil, fmt.Errorf("not_found: uplink %q", name)
	}
	delete(r.uplinks, name)
	r.alloc.ReleaseMarkBits(u.MarkBits)
	return u, nil
}

// Get returns the live Uplink for name, or false if it does not exist.
// Callers that only need a point-in-time view should prefer Snapshot.
func (r *Registry) Get(name string) (*domain.Uplink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.uplinks[name]
	return u, ok
}

// Mutate runs fn against the live Uplink named name while holding the
// writer lock, the only sanctioned way to change health/admin-state
// fields in place. fn must not block or call back into the Registry.
func (r *Registry) Mutate(name string, fn func(*domain.Uplink)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uplinks[name]
	if !ok {
		return fmt.Errorf("not_found: uplink %q", name)
	}
	fn(u)
	return nil
}

// Snapshot returns a stable, lexicographically-sorted copy of every live
// uplink's observable fields, safe to hand to the Control API or an event
// payload from behind the reader lock.
func (r *Registry) Snapshot() []domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Snapshot, 0, len(r.uplinks))
	for _, u := range r.uplinks {
		out = append(out, u.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Active returns the snapshots, in lexicographic name order, of every uplink that
// currently participates in the default multipath route: enabled and
// healthy (spec.md §3 invariant).
func (r *Registry) Active() []domain.Snapshot {
	all := r.Snapshot()
	out := make([]domain.Snapshot, 0, len(all))
	for _, s := range all {
		if s.AdminState == domain.AdminEnabled && s.Health == domain.HealthHealthy {
			out = append(out, s)
		}
	}
	return out
}

// Primary returns the "primary" uplink per spec.md §4.6: among healthy
// enabled uplinks, the highest-weighted, ties broken by name. Reports
// false if no uplink is currently healthy and enabled.
func (r *Registry) Primary() (domain.Snapshot, bool) {
	active := r.Active()
	if len(active) == 0 {
		return domain.Snapshot{}, false
	}
	best := active[0]
	for _, s := range active[1:] {
		if s.Weight > best.Weight || (s.Weight == best.Weight && s.Name < best.Name) {
			best = s
		}
	}
	return best, true
}
