//go:build linux

package hostadapter

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/ti-mo/conntrack"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	probing "github.com/prometheus-community/pro-bing"

	"fathom/internal/logging"
)

// LinuxAdapter implements HostAdapter against a real kernel, composing
// vishvananda/netlink (links, addresses, routes, rules), google/nftables
// (the filter program), ti-mo/conntrack (connection-tracking flush), and
// pro-bing (ICMP reachability). It is the only type in this module that
// opens a netlink, nftables, or conntrack socket.
type LinuxAdapter struct {
	handle    *netlink.Handle
	tableName string
	chainName string
	logger    *logging.Logger
}

// NewLinuxAdapter opens a netlink handle in the current namespace. tableName
// and chainName identify the nftables table/chain this adapter owns
// exclusively for install_filter_program.
func NewLinuxAdapter(logger *logging.Logger) (*LinuxAdapter, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &LinuxAdapter{
		handle:    h,
		tableName: "fathomd",
		chainName: "fathomd_mark",
		logger:    logger.WithComponent("hostadapter"),
	}, nil
}

// NewLinuxAdapterInNamespace opens a netlink handle bound to the named
// network namespace instead of the caller's current one, for deployments
// that keep WAN uplinks inside a dedicated VRF-style namespace separate
// from the namespace fathomd itself runs in. The namespace must already
// exist (ip netns add <nsName) or be left by a prior process; fathomd
// does not create it. Grounded on the teacher's netns-backed isolation
// in cmd/netns_linux.go, which resolves a named namespace with
// netns.GetFromName before operating inside it.
func NewLinuxAdapterInNamespace(logger *logging.Logger, nsName string) (*LinuxAdapter, error) {
	ns, err := netns.GetFromName(nsName)
	if err != nil {
		return nil, fmt.Errorf("open namespace %q: %w", nsName, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("netlink handle in namespace %q: %w", nsName, err)
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &LinuxAdapter{
		handle:    h,
		tableName: "fathomd",
		chainName: "fathomd_mark",
		logger:    logger.WithComponent("hostadapter").WithFields(map[string]any{"netns": nsName}),
	}, nil
}

func (a *LinuxAdapter) ListLinks(ctx context.Context) ([]LinkInfo, error) {
	links, err := a.handle.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		out = append(out, LinkInfo{
			Name:      attrs.Name,
			MAC:       attrs.HardwareAddr.String(),
			OperState: attrs.OperState.String(),
			Carrier:   attrs.RawFlags&unix.IFF_LOWER_UP != 0,
			SpeedMbps: readLinkSpeed(attrs.Name),
		})
	}
	return out, nil
}

// readLinkSpeed reads the negotiated link speed the way the bootstrap
// inventory does: from sysfs, never from an ethtool ioctl, since the two
// would report the same value for this heuristic.
func readLinkSpeed(name string) int {
	data, err := os.ReadFile(fmt.Sprintf("/sys/class/net/%s/speed", name))
	if err != nil {
		return 0
	}
	var mbps int
	if _, err := fmt.Sscanf(string(data), "%d", &mbps); err != nil || mbps < 0 {
		return 0
	}
	return mbps
}

func (a *LinuxAdapter) ListAddrs(ctx context.Context, name string) ([]AddrInfo, error) {
	link, err := a.handle.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, errNotFound(err))
	}
	addrs, err := a.handle.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list addrs for %s: %w", name, err)
	}
	out := make([]AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
		family := unix.AF_INET
		if addr.IP.To4() == nil {
			family = unix.AF_INET6
		}
		ones, _ := addr.IPNet.Mask.Size()
		out = append(out, AddrInfo{Family: family, Addr: addr.IP.String(), Prefix: ones})
	}
	return out, nil
}

func (a *LinuxAdapter) GatewayOf(ctx context.Context, name string) (string, error) {
	link, err := a.handle.LinkByName(name)
	if err != nil {
		return "", fmt.Errorf("link %s: %w", name, errNotFound(err))
	}
	routes, err := a.handle.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list routes for %s: %w", name, err)
	}
	for _, r := range routes {
		if r.Dst == nil && r.Gw != nil {
			return r.Gw.String(), nil
		}
	}
	return "", nil
}

func (a *LinuxAdapter) ReachabilityProbe(ctx context.Context, name, target string, count int, timeout time.Duration) (ProbeResult, error) {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("new pinger: %w", err)
	}
	pinger.SetPrivileged(false)
	pinger.Count = count
	pinger.Timeout = timeout
	if name != "" {
		pinger.InterfaceName = name
	}

	deadline, cancel := context.WithTimeout(ctx, 2*timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case err := <-done:
		if err != nil {
			return ProbeResult{}, fmt.Errorf("probe %s via %s: %w", target, name, err)
		}
	case <-deadline.Done():
		pinger.Stop()
		return ProbeResult{LossFraction: 1.0}, nil
	}

	stats := pinger.Statistics()
	return ProbeResult{
		AvgLatencyMs: float64(stats.AvgRtt) / float64(time.Millisecond),
		LossFraction: stats.PacketLoss / 100.0,
	}, nil
}

func (a *LinuxAdapter) SetDefaultMultipath(ctx context.Context, nexthops []Nexthop) error {
	route := &netlink.Route{
		Table: unix.RT_TABLE_MAIN,
	}
	if len(nexthops) == 0 {
		// No healthy uplinks: the default route is absent (spec.md §4.5).
		return a.handle.RouteDel(&netlink.Route{Table: unix.RT_TABLE_MAIN, Dst: nil})
	}
	if len(nexthops) == 1 {
		link, err := a.handle.LinkByName(nexthops[0].Dev)
		if err != nil {
			return fmt.Errorf("link %s: %w", nexthops[0].Dev, err)
		}
		gw := net.ParseIP(nexthops[0].Gateway)
		route.LinkIndex = link.Attrs().Index
		route.Gw = gw
		return a.handle.RouteReplace(route)
	}
	for _, nh := range nexthops {
		link, err := a.handle.LinkByName(nh.Dev)
		if err != nil {
			return fmt.Errorf("link %s: %w", nh.Dev, err)
		}
		route.MultiPath = append(route.MultiPath, &netlink.NexthopInfo{
			LinkIndex: link.Attrs().Index,
			Gw:        net.ParseIP(nh.Gateway),
			Hops:      nh.Weight - 1, // netlink weight is zero-based
		})
	}
	return a.handle.RouteReplace(route)
}

func (a *LinuxAdapter) InstallUplinkTable(ctx context.Context, iface string, tableID int, gateway string) error {
	link, err := a.handle.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link %s: %w", iface, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        net.ParseIP(gateway),
		Table:     tableID,
	}
	if err := a.handle.RouteReplace(route); err != nil {
		return fmt.Errorf("install table %d for %s: %w", tableID, iface, err)
	}
	return nil
}

func (a *LinuxAdapter) FlushUplinkTable(ctx context.Context, tableID int) error {
	routes, err := a.handle.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{Table: tableID}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return fmt.Errorf("list table %d: %w", tableID, err)
	}
	for _, r := range routes {
		route := r
		if err := a.handle.RouteDel(&route); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("flush table route delete failed", "table", tableID, "error", err)
		}
	}
	return nil
}

func (a *LinuxAdapter) AddPolicyRule(ctx context.Context, selector PolicySelector, tableID int) error {
	rule := netlink.NewRule()
	rule.Table = tableID
	rule.Priority = selector.Priority
	if selector.IIF != "" {
		rule.IifName = selector.IIF
	}
	if selector.Mark != 0 {
		rule.Mark = int(selector.Mark)
		rule.Mask = func() *int { m := int(selector.MarkMask); return &m }()
	}
	if err := a.handle.RuleAdd(rule); err != nil && !os.IsExist(err) {
		return fmt.Errorf("add policy rule table %d: %w", tableID, err)
	}
	return nil
}

func (a *LinuxAdapter) DelPolicyRule(ctx context.Context, selector PolicySelector, tableID int) error {
	rule := netlink.NewRule()
	rule.Table = tableID
	rule.Priority = selector.Priority
	if selector.IIF != "" {
		rule.IifName = selector.IIF
	}
	if selector.Mark != 0 {
		rule.Mark = int(selector.Mark)
		rule.Mask = func() *int { m := int(selector.MarkMask); return &m }()
	}
	if err := a.handle.RuleDel(rule); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("del policy rule table %d: %w", tableID, err)
	}
	return nil
}

// InstallFilterProgram replaces the daemon's private nftables table and
// chain wholesale with rules reflecting ruleSet: a restore rule mirrors the
// connection mark into the packet mark for established/related traffic,
// class rules match new connections by (protocol, port-set) and write the
// class/uplink nibble pair into the packet mark, and a trailing save rule
// mirrors that packet mark back into the connection mark so later packets
// of the same connection have something to restore. Grounded on the
// reference mark-rule builder's three-rule split
// (internal/firewall/marks.go's AddMarkRule / AddConnectionMarkRestore /
// AddConnectionMarkSave) and its Ct/Meta/Payload/Bitwise expression chains,
// generalized to this daemon's single-nibble-pair layout: port matching
// reuses its Payload-at-transport-header-offset approach, and the mark
// write reuses its masked bitwise OR. Gating the class write on ct state
// new is what keeps a rebuilt rule set from re-pinning an already-sticky,
// in-progress flow to a new primary uplink (spec.md §8, §9 Open Question (c)).
func (a *LinuxAdapter) InstallFilterProgram(ctx context.Context, rules RuleSet) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("nftables connect: %w", err)
	}

	table := conn.AddTable(&nftables.Table{Name: a.tableName, Family: nftables.TableFamilyINet})
	chain := conn.AddChain(&nftables.Chain{
		Name:     a.chainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityMangle,
	})
	conn.FlushChain(chain)

	for _, r := range rules.Rules {
		switch {
		case r.Restore:
			conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: buildRestoreMark(), UserData: []byte(r.Comment)})
		case r.Save:
			conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: buildSaveMark(), UserData: []byte(r.Comment)})
		default:
			for _, exprs := range buildClassMatches(r) {
				conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs, UserData: []byte(r.Comment)})
			}
		}
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush filter program: %w", err)
	}
	return nil
}

// buildClassMatches renders one class/mark rule into the nftables
// expressions needed to match it. A rule with no Ports matches on protocol
// alone; a rule with Ports produces one expression chain per port, each
// matching that port on either the source or destination side (mirroring
// Classifier.Classify's "srcPort or dstPort" rule), since a single nftables
// rule ANDs its statements together and cannot express that OR directly.
func buildClassMatches(r MarkRule) [][]expr.Any {
	proto := buildProtoMatch(r.Protocol)
	mark := buildSetMark(r.Mark, r.MarkMask)

	if len(r.Ports) == 0 {
		return [][]expr.Any{append(append([]expr.Any{}, proto...), mark...)}
	}

	chains := make([][]expr.Any, 0, len(r.Ports)*2)
	for _, port := range r.Ports {
		for _, offset := range []uint32{0, 2} { // transport-header offset: 0=src port, 2=dst port
			exprs := append([]expr.Any{}, proto...)
			exprs = append(exprs, buildPortMatch(offset, uint16(port))...)
			exprs = append(exprs, mark...)
			chains = append(chains, exprs)
		}
	}
	return chains
}

// buildProtoMatch matches the L4 protocol. An empty proto matches either.
func buildProtoMatch(proto string) []expr.Any {
	if proto == "" {
		return nil
	}
	num := unix.IPPROTO_TCP
	if proto == "udp" {
		num = unix.IPPROTO_UDP
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(num)}},
	}
}

// buildPortMatch matches a 16-bit big-endian port at the given transport
// header offset (0 = source port, 2 = destination port), grounded on
// internal/firewall/marks.go's AddMarkRule SrcPort/DstPort Payload blocks.
func buildPortMatch(offset uint32, port uint16) []expr.Any {
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
	}
}

// buildRestoreMark mirrors the connection mark into the packet mark for
// established/related traffic only, gated exactly like the teacher's
// AddConnectionMarkRestore, so a new connection's packet mark is left for
// the class rules below to set instead of being clobbered to zero here.
func buildRestoreMark() []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1, DestRegister: 1, Len: 4,
			Mask: binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:  binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		&expr.Ct{Register: 1, Key: expr.CtKeyMARK},
		&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
	}
}

// buildSaveMark persists a nonzero packet mark into the connection mark,
// gated exactly like the teacher's AddConnectionMarkSave, so a mark a class
// rule just assigned to a new connection's first packet is there for
// buildRestoreMark to hand back on every later packet of that connection.
func buildSaveMark() []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Ct{Register: 1, Key: expr.CtKeyMARK, SourceRegister: true},
	}
}

// buildSetMark gates the class/uplink mark write on ct state new (so only a
// connection's first packet is ever classified; every later packet instead
// rides whatever buildRestoreMark mirrors back from the connection mark),
// then writes it as (existing_mark & ~mask) | (mark & mask) rather than a
// flat overwrite, so only the bits mask covers change (spec.md §8, §9 Open
// Question (c)).
func buildSetMark(mark, mask uint8) []expr.Any {
	m32 := uint32(mark) & uint32(mask)
	mask32 := uint32(mask)
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1, DestRegister: 1, Len: 4,
			Mask: binaryutil.NativeEndian.PutUint32(expr.CtStateBitNEW),
			Xor:  binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},

		// (current packet mark & ~mask) | (mark & mask)
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Bitwise{
			SourceRegister: 1, DestRegister: 1, Len: 4,
			Mask: binaryutil.NativeEndian.PutUint32(^mask32),
			Xor:  binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Bitwise{
			SourceRegister: 1, DestRegister: 1, Len: 4,
			Mask: binaryutil.NativeEndian.PutUint32(0xFFFFFFFF),
			Xor:  binaryutil.NativeEndian.PutUint32(m32),
		},
		&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
	}
}

// FlushConntrackByIface deletes every conntrack entry whose original-tuple
// destination currently routes out through name, so orphaned flows rehash
// to a surviving uplink on the next packet instead of stalling (spec.md
// §4.5, §8).
func (a *LinuxAdapter) FlushConntrackByIface(ctx context.Context, name string) error {
	link, err := a.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}

	conn, err := conntrack.Dial(nil)
	if err != nil {
		return fmt.Errorf("conntrack dial: %w", err)
	}
	defer conn.Close()

	flows, err := conn.Dump(nil)
	if err != nil {
		return fmt.Errorf("conntrack dump: %w", err)
	}

	for _, f := range flows {
		if !f.TupleOrig.IP.DestinationAddress.IsValid() {
			continue
		}
		dst := net.ParseIP(f.TupleOrig.IP.DestinationAddress.String())
		routes, err := a.handle.RouteGet(dst)
		if err != nil || len(routes) == 0 {
			continue
		}
		if routes[0].LinkIndex != link.Attrs().Index {
			continue
		}
		if err := conn.Delete(f); err != nil {
			a.logger.Warn("conntrack delete failed", "iface", name, "error", err)
		}
	}
	return nil
}

// SubscribeLinkChanges wraps netlink.LinkSubscribe, collapsing each update
// to the changed link's name. The subscription is torn down when ctx is
// cancelled.
func (a *LinuxAdapter) SubscribeLinkChanges(ctx context.Context) (<-chan string, error) {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return nil, fmt.Errorf("link subscribe: %w", err)
	}

	names := make(chan string, 16)
	go func() {
		defer close(names)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				select {
				case names <- u.Link.Attrs().Name:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return names, nil
}

func errNotFound(err error) error {
	if _, ok := err.(netlink.LinkNotFoundError); ok {
		return fmt.Errorf("not_found: %w", err)
	}
	return err
}
