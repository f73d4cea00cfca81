// Package inventory enumerates link-layer interfaces, classifies each as
// WAN/LAN/other, and produces bootstrap Uplink suggestions (spec.md §4.2).
package inventory

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"fathom/internal/hostadapter"
	"fathom/internal/logging"
)

// defaultProbeTimeout bounds the synchronous classification probe
// (rule (b)) so bootstrap enumeration never hangs on a dead link.
const defaultProbeTimeout = 2 * time.Second

// Class is the classification Inventory assigns to a link.
type Class string

const (
	ClassWAN     Class = "wan"
	ClassLAN     Class = "lan"
	ClassUnknown Class = "unknown"
)

// Candidate is one classified link, ready to back an Uplink if Class==WAN.
type Candidate struct {
	Link            hostadapter.LinkInfo
	Class           Class
	Gateway         string
	SuggestedWeight int
}

// virtualPrefixes are well-known virtual-interface name prefixes filtered
// out of every classification pass (spec.md §4.2).
var virtualPrefixes = []string{"lo", "docker", "veth", "br-", "bridge", "tun", "tap", "wg", "tailscale"}

// bootstrapEthernetPrefixes back classification rule (c): a name matching
// the bootstrap ethernet naming convention is WAN if no other link is yet
// marked WAN. Grounded on the original prototype's fallback `eth0`/`eth1`
// defaults (original_source/routing/route_manager.py).
var bootstrapEthernetPrefixes = []string{"eth", "enp", "ens", "eno"}

// Inventory enumerates and classifies links via a HostAdapter.
type Inventory struct {
	host   hostadapter.HostAdapter
	logger *logging.Logger
}

// New returns an Inventory backed by host.
func New(host hostadapter.HostAdapter, logger *logging.Logger) *Inventory {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Inventory{host: host, logger: logger.WithComponent("inventory")}
}

// Enumerate lists every link, filters loopback/virtual prefixes, and
// classifies the rest.
func (inv *Inventory) Enumerate(ctx context.Context, probeTarget string) ([]Candidate, error) {
	links, err := inv.host.ListLinks(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(links))
	wanAlreadyFound := false
	for _, l := range links {
		if isVirtual(l.Name) {
			continue
		}
		class, gw := inv.classify(ctx, l, wanAlreadyFound, probeTarget)
		if class == ClassWAN {
			wanAlreadyFound = true
		}
		candidates = append(candidates, Candidate{
			Link:            l,
			Class:           class,
			Gateway:         gw,
			SuggestedWeight: weightFromSpeed(l.SpeedMbps),
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Link.Name < candidates[j].Link.Name })
	return candidates, nil
}

// classify applies spec.md §4.2's three WAN rules in order, then falls
// back to LAN (private address, no WAN condition held) or unknown.
func (inv *Inventory) classify(ctx context.Context, l hostadapter.LinkInfo, wanAlreadyFound bool, probeTarget string) (Class, string) {
	// (a) a default route exists via it
	if gw, err := inv.host.GatewayOf(ctx, l.Name); err == nil && gw != "" {
		return ClassWAN, gw
	}

	// (b) a synchronous reachability probe to a well-known public address succeeds through it
	if probeTarget != "" {
		if res, err := inv.host.ReachabilityProbe(ctx, l.Name, probeTarget, 1, defaultProbeTimeout); err == nil && res.LossFraction < 1.0 {
			return ClassWAN, ""
		}
	}

	// (c) bootstrap ethernet naming convention, only if no other WAN yet found
	if !wanAlreadyFound && matchesBootstrapPrefix(l.Name) {
		return ClassWAN, ""
	}

	addrs, err := inv.host.ListAddrs(ctx, l.Name)
	if err == nil {
		for _, a := range addrs {
			if ip := net.ParseIP(a.Addr); ip != nil && ip.IsPrivate() {
				return ClassLAN, ""
			}
		}
	}

	return ClassUnknown, ""
}

func isVirtual(name string) bool {
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func matchesBootstrapPrefix(name string) bool {
	for _, p := range bootstrapEthernetPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// BootstrapUplink is a proposed Uplink descriptor for a WAN candidate,
// not yet committed to the registry (spec.md §4.2).
type BootstrapUplink struct {
	Name      string
	Interface string
	Nexthop   string
	Weight    int
	Resolvers []string
}

// defaultResolvers is used when none are discoverable via the link.
var defaultResolvers = []string{"1.1.1.1", "8.8.8.8"}

// Bootstrap turns every WAN candidate into a proposed Uplink descriptor.
// It never mutates a live registered Uplink; the caller decides whether
// to commit a proposal.
func Bootstrap(candidates []Candidate) []BootstrapUplink {
	out := make([]BootstrapUplink, 0, len(candidates))
	for _, c := range candidates {
		if c.Class != ClassWAN {
			continue
		}
		out = append(out, BootstrapUplink{
			Name:      c.Link.Name,
			Interface: c.Link.Name,
			Nexthop:   c.Gateway,
			Weight:    c.SuggestedWeight,
			Resolvers: defaultResolvers,
		})
	}
	return out
}

// WatchHotplug streams re-classified BootstrapUplink proposals whenever the
// Host Adapter reports a link change, until ctx is cancelled. It never
// looks at or mutates the live Uplink registry; callers decide whether a
// proposal warrants a Control API add-uplink call.
func (inv *Inventory) WatchHotplug(ctx context.Context, probeTarget string) (<-chan BootstrapUplink, error) {
	changes, err := inv.host.SubscribeLinkChanges(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan BootstrapUplink, 8)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case name, ok := <-changes:
				if !ok {
					return
				}
				links, err := inv.host.ListLinks(ctx)
				if err != nil {
					continue
				}
				for _, l := range links {
					if l.Name != name || isVirtual(l.Name) {
						continue
					}
					class, gw := inv.classify(ctx, l, false, probeTarget)
					if class != ClassWAN {
						continue
					}
					proposal := BootstrapUplink{
						Name:      l.Name,
						Interface: l.Name,
						Nexthop:   gw,
						Weight:    weightFromSpeed(l.SpeedMbps),
						Resolvers: defaultResolvers,
					}
					select {
					case out <- proposal:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// weightFromSpeed implements the ≥1Gb/s→3, ≥100Mb/s→2, else 1 heuristic
// (spec.md §4.2), reading speed from sysfs via the HostAdapter the same
// way the reference codebase's hardware-detection path does.
func weightFromSpeed(speedMbps int) int {
	switch {
	case speedMbps >= 1000:
		return 3
	case speedMbps >= 100:
		return 2
	default:
		return 1
	}
}
