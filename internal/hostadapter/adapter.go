// Package hostadapter is the only component that talks to routing, filter,
// connection-tracking, and probe primitives (spec.md §4.1). Every other
// package consumes the HostAdapter interface; nothing else shells out or
// opens a netlink/nftables/conntrack socket.
package hostadapter

import (
	"context"
	"time"
)

// LinkInfo describes one OS network interface (spec.md §4.1 list_links).
type LinkInfo struct {
	Name      string
	MAC       string
	OperState string // "up", "down", "unknown"
	Carrier   bool
	SpeedMbps int // 0 if unknown
}

// AddrInfo describes one address assigned to a link (list_addrs).
type AddrInfo struct {
	Family int // unix.AF_INET or unix.AF_INET6
	Addr   string
	Prefix int
}

// Nexthop is one weighted leg of a multipath route (set_default_multipath).
type Nexthop struct {
	Gateway string
	Dev     string
	Weight  int
}

// PolicySelector chooses which packets a policy rule redirects
// (add_policy_rule/del_policy_rule). Exactly one of IIF or Mark/MarkMask
// should normally be set, matching spec.md §4.5's (a) ingress-interface and
// (b) packet-mark selection modes.
type PolicySelector struct {
	IIF      string
	Mark     uint32
	MarkMask uint32
	Priority int
}

// MarkRule is one rule of the filter program installed by
// install_filter_program (spec.md §4.6): match new flows of Class by
// (Protocol, Ports) and write Mark into the packet mark. A Restore rule
// instead mirrors the existing connection mark into the packet mark for
// established/related traffic; a Save rule mirrors a newly-classified
// packet mark back into the connection mark so later packets of the same
// connection have something for the Restore rule to hand back.
type MarkRule struct {
	Comment  string
	Protocol string // "tcp", "udp", or "" for either
	Ports    []int
	Mark     uint8
	MarkMask uint8
	Restore  bool // mirror ct mark -> packet mark, established/related only
	Save     bool // mirror packet mark -> ct mark, nonzero packet mark only
}

// RuleSet is the full filter program to install, replacing whatever the
// daemon previously installed under its own table/chain.
type RuleSet struct {
	Rules []MarkRule
}

// ProbeResult is the outcome of a reachability_probe call.
type ProbeResult struct {
	AvgLatencyMs float64
	LossFraction float64
}

// HostAdapter is the single abstraction over the OS (spec.md §4.1). All
// operations are idempotent where possible: "already exists" on add and
// "not present" on delete are treated as success, never as error.
type HostAdapter interface {
	ListLinks(ctx context.Context) ([]LinkInfo, error)
	ListAddrs(ctx context.Context, name string) ([]AddrInfo, error)
	GatewayOf(ctx context.Context, name string) (string, error)
	ReachabilityProbe(ctx context.Context, name, target string, count int, timeout time.Duration) (ProbeResult, error)

	SetDefaultMultipath(ctx context.Context, nexthops []Nexthop) error

	InstallUplinkTable(ctx context.Context, iface string, tableID int, gateway string) error
	FlushUplinkTable(ctx context.Context, tableID int) error

	AddPolicyRule(ctx context.Context, selector PolicySelector, tableID int) error
	DelPolicyRule(ctx context.Context, selector PolicySelector, tableID int) error

	InstallFilterProgram(ctx context.Context, rules RuleSet) error

	FlushConntrackByIface(ctx context.Context, name string) error

	// SubscribeLinkChanges streams the name of any link that appears,
	// disappears, or changes carrier/oper state, until ctx is cancelled.
	// Interface Inventory uses this to re-classify hotplugged links
	// (spec.md §4.2) without a daemon restart.
	SubscribeLinkChanges(ctx context.Context) (<-chan string, error)
}
