// Package flow implements the Flow Classifier and its in-daemon sticky
// table (spec.md §4.6). Classification itself runs in kernel space via a
// filter program this package builds and hands to the Host Adapter; the
// sticky table here is advisory for visibility/debugging, not the
// enforcement authority (spec.md §9).
package flow

import (
	"fathom/internal/domain"
	"fathom/internal/hostadapter"
)

// Classifier maps observed 5-tuples to a TrafficClass using the built-in
// port-set table, overridable by the connection-rules overlay (spec.md §6).
type Classifier struct {
	matchers []domain.PortMatcher
}

// New returns a Classifier seeded with matchers (typically
// domain.DefaultPortMatchers merged with any connection-rules overlay).
func New(matchers []domain.PortMatcher) *Classifier {
	if matchers == nil {
		matchers = domain.DefaultPortMatchers()
	}
	return &Classifier{matchers: matchers}
}

// Classify returns the TrafficClass for a (protocol, port) pair, checking
// both the source and destination port against each matcher since a
// well-known port may appear on either side of a canonicalized flow.
// Unmatched traffic is GENERAL.
func (c *Classifier) Classify(proto string, srcPort, dstPort int) domain.TrafficClass {
	for _, m := range c.matchers {
		if m.Protocol != "" && m.Protocol != proto {
			continue
		}
		for _, p := range m.Ports {
			if p == srcPort || p == dstPort {
				return m.Class
			}
		}
	}
	return domain.ClassGeneral
}

// Matchers returns the classifier's current table, for building the
// filter program.
func (c *Classifier) Matchers() []domain.PortMatcher {
	return c.matchers
}

// BuildRuleSet renders the classifier's matcher table plus the current
// sticky-flow steering decision into the nftables rule set the Host
// Adapter installs (spec.md §4.6). primaryMarkBits is the mark_bits of
// the currently preferred uplink (highest-weighted healthy, ties by
// name); ok is false when no uplink is healthy, in which case sticky
// classes get only the class nibble, same as non-sticky classes, since
// there is no preferred uplink to pin to yet.
func BuildRuleSet(matchers []domain.PortMatcher, stickyClasses map[domain.TrafficClass]bool, primaryMarkBits uint8, ok bool) hostadapter.RuleSet {
	var rules []hostadapter.MarkRule

	// Restore rule first: established/related connections inherit their
	// connection mark into the packet mark for the policy rule to match on
	// (spec.md §9 Open Question (a): conntrack-mark is authoritative,
	// packet-mark mirrors it).
	rules = append(rules, hostadapter.MarkRule{
		Comment: "restore-ct-mark",
		Restore: true,
	})

	for _, m := range matchers {
		mark := domain.Mark(m.Class, 0)
		if ok && stickyClasses[m.Class] {
			mark = domain.Mark(m.Class, primaryMarkBits)
		}
		rules = append(rules, hostadapter.MarkRule{
			Comment:  string(m.Class),
			Protocol: m.Protocol,
			Ports:    m.Ports,
			Mark:     mark,
			MarkMask: 0xFF,
		})
	}

	// Save rule last: persists whatever a class rule above just assigned a
	// new connection's packet mark to, so the restore rule recovers it on
	// every later packet of that connection (spec.md §9 Open Question (c)).
	rules = append(rules, hostadapter.MarkRule{
		Comment: "save-mark-to-ct",
		Save:    true,
	})

	return hostadapter.RuleSet{Rules: rules}
}
