// Package routeprog owns the kernel's default route, per-uplink routing
// tables, and policy rules (spec.md §4.5). It is invoked only from the
// Health State Machine's single-threaded event loop, so no two
// reprogramming batches are ever in flight (spec.md §5).
package routeprog

import (
	"context"
	"fmt"
	"sort"

	"fathom/internal/domain"
	"fathom/internal/events"
	"fathom/internal/hostadapter"
	"fathom/internal/logging"
	"fathom/internal/metrics"
)

// selectorPriority is the base ip-rule priority for per-uplink policy
// rules; each uplink's rule sits at this plus its table_id so rules never
// collide and remain deterministic across restarts.
const selectorPriority = 10000

// Programmer reconciles the kernel's forwarding state with a desired set
// of uplinks. It tracks which tables/rules it has installed so repeated
// application of the same batch is a no-op (spec.md §8).
type Programmer struct {
	host   hostadapter.HostAdapter
	hub    *events.Hub
	logger *logging.Logger

	installed map[string]int // uplink name -> table_id, for uplinks with a live table+rule
	nexthops  []hostadapter.Nexthop
	active    map[string]bool // uplink name -> in the default route's nexthop set as of the last Reconcile; false for a live uplink that was in it before and has left it
}

// New returns a Programmer with no kernel state assumed installed.
func New(host hostadapter.HostAdapter, hub *events.Hub, logger *logging.Logger) *Programmer {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Programmer{
		host:      host,
		hub:       hub,
		logger:    logger.WithComponent("routeprog"),
		installed: make(map[string]int),
		active:    make(map[string]bool),
	}
}

// Reconcile brings the kernel to the state implied by snapshot: the set of
// uplinks currently registered, each carrying its health/admin-state. The
// ordering in spec.md §4.5 is followed exactly: add new tables/rules
// first, then replace the default multipath route, then tear down
// departed tables/rules, so a path always exists mid-batch if one healthy
// uplink exists.
func (p *Programmer) Reconcile(ctx context.Context, snapshot []domain.Snapshot) error {
	live := make(map[string]domain.Snapshot, len(snapshot))
	for _, s := range snapshot {
		live[s.Name] = s
	}
	// 1. Add tables/rules for any uplink not yet installed.
	for _, s := range snapshot {
		if _, ok := p.installed[s.Name]; ok {
			continue
		}
		if err := p.installUplink(ctx, s); err != nil {
			p.logger.Warn("install uplink table/rule failed", "uplink", s.Name, "error", err)
			continue
		}
		p.installed[s.Name] = s.TableID
	}

	// 2. Replace the default multipath route with exactly the
	// enabled+healthy set, deterministic tie-break by name (spec.md §4.5).
	active := make([]domain.Snapshot, 0, len(snapshot))
	for _, s := range snapshot {
		if s.AdminState == domain.AdminEnabled && s.Health == domain.HealthHealthy {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })

	nexthops := make([]hostadapter.Nexthop, 0, len(active))
	names := make([]string, 0, len(active))
	for _, s := range active {
		nexthops = append(nexthops, hostadapter.Nexthop{Gateway: s.Nexthop, Dev: s.Interface, Weight: s.Weight})
		names = append(names, s.Name)
	}

	if err := p.host.SetDefaultMultipath(ctx, nexthops); err != nil {
		metrics.Get().RouteRebuilds.WithLabelValues("error").Inc()
		p.logger.Warn("set_default_multipath failed", "error", err)
	} else {
		metrics.Get().RouteRebuilds.WithLabelValues("ok").Inc()
		metrics.Get().ActiveNexthops.Set(float64(len(nexthops)))
		if len(nexthops) == 0 {
			p.logger.Error("no healthy uplinks: default route absent", "critical", true)
		}
		for _, name := range names {
			if wasActive, known := p.active[name]; known && !wasActive {
				p.hub.EmitRouteEvent(events.EventRouteRecovery, name, nil)
			}
		}
		p.hub.EmitRouteEvent(events.EventRouteRebuild, "", names)
		for name := range p.active {
			if _, ok := live[name]; ok {
				p.active[name] = false
			} else {
				delete(p.active, name)
			}
		}
		for _, name := range names {
			p.active[name] = true
		}
	}
	p.nexthops = nexthops

	// 3. Tear down any uplink that departed (failed/disabled/removed):
	// flush its table, remove its policy rule, and flush conntrack on its
	// link so orphaned flows rehash to a surviving uplink (spec.md §4.5, §8).
	for name, tableID := range p.installed {
		s, stillLive := live[name]
		if stillLive && s.AdminState == domain.AdminEnabled && s.Health != domain.HealthFailed {
			continue
		}
		if err := p.teardownUplink(ctx, name, tableID, stillLive, s); err != nil {
			p.logger.Warn("teardown uplink failed", "uplink", name, "error", err)
			continue
		}
		delete(p.installed, name)
		if stillLive {
			p.hub.EmitRouteEvent(events.EventRouteFailover, name, nil)
		}
	}

	return nil
}

func (p *Programmer) installUplink(ctx context.Context, s domain.Snapshot) error {
	if err := p.host.InstallUplinkTable(ctx, s.Interface, s.TableID, s.Nexthop); err != nil {
		return fmt.Errorf("install table: %w", err)
	}
	if err := p.host.AddPolicyRule(ctx, hostadapter.PolicySelector{IIF: s.Interface, Priority: selectorPriority + s.TableID}, s.TableID); err != nil {
		return fmt.Errorf("add iif rule: %w", err)
	}
	markMask := uint32(0x0F)
	if err := p.host.AddPolicyRule(ctx, hostadapter.PolicySelector{
		Mark:     uint32(s.MarkBits),
		MarkMask: markMask,
		Priority: selectorPriority + s.TableID + 1,
	}, s.TableID); err != nil {
		return fmt.Errorf("add mark rule: %w", err)
	}
	return nil
}

func (p *Programmer) teardownUplink(ctx context.Context, name string, tableID int, stillLive bool, s domain.Snapshot) error {
	iface := name
	if stillLive {
		iface = s.Interface
	}
	if err := p.host.DelPolicyRule(ctx, hostadapter.PolicySelector{IIF: iface, Priority: selectorPriority + tableID}, tableID); err != nil {
		return fmt.Errorf("del iif rule: %w", err)
	}
	if err := p.host.DelPolicyRule(ctx, hostadapter.PolicySelector{MarkMask: 0x0F, Priority: selectorPriority + tableID + 1}, tableID); err != nil {
		return fmt.Errorf("del mark rule: %w", err)
	}
	if err := p.host.FlushUplinkTable(ctx, tableID); err != nil {
		return fmt.Errorf("flush table: %w", err)
	}
	if err := p.host.FlushConntrackByIface(ctx, iface); err != nil {
		return fmt.Errorf("flush conntrack: %w", err)
	}
	return nil
}

// ActiveNexthops returns the nexthops from the most recent reconcile, for
// the status snapshot's route_manager section.
func (p *Programmer) ActiveNexthops() []hostadapter.Nexthop {
	return p.nexthops
}
