package domain

import (
	"fmt"
	"time"
)

// TrafficClass is the closed enum of flow classifications (spec.md §3).
type TrafficClass string

const (
	ClassGeneral   TrafficClass = "GENERAL"
	ClassVOIP      TrafficClass = "VOIP"
	ClassGaming    TrafficClass = "GAMING"
	ClassStreaming TrafficClass = "STREAMING"
	ClassBanking   TrafficClass = "BANKING"
)

// classNibble is the high-nibble code the filter program writes for each
// class into the connection mark (spec.md §4.6).
var classNibble = map[TrafficClass]uint8{
	ClassGeneral:   0x0,
	ClassVOIP:      0x1,
	ClassGaming:    0x2,
	ClassBanking:   0x3,
	ClassStreaming: 0x4,
}

// Nibble returns the 4-bit class code written into the high nibble of the
// connection mark.
func (c TrafficClass) Nibble() uint8 {
	return classNibble[c]
}

// PortMatcher is one (port-set, protocol) rule backing a TrafficClass.
type PortMatcher struct {
	Class    TrafficClass
	Protocol string // "tcp", "udp", or "" for either
	Ports    []int
}

// DefaultPortMatchers is the built-in classification table, overridable by
// the connection-rules overlay (spec.md §6).
func DefaultPortMatchers() []PortMatcher {
	return []PortMatcher{
		{Class: ClassVOIP, Protocol: "udp", Ports: []int{5060, 5061}},
		{Class: ClassVOIP, Protocol: "udp", Ports: rangeInts(10000, 20000)},
		{Class: ClassGaming, Protocol: "udp", Ports: []int{3074, 3478, 3479, 3480}},
		{Class: ClassStreaming, Protocol: "tcp", Ports: []int{1935}},
		{Class: ClassBanking, Protocol: "tcp", Ports: []int{443}},
	}
}

func rangeInts(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, i)
	}
	return out
}

// DefaultStickyClasses is the default sticky-classes set (spec.md §3).
func DefaultStickyClasses() map[TrafficClass]bool {
	return map[TrafficClass]bool{
		ClassBanking: true,
		ClassVOIP:    true,
	}
}

// FlowKey canonically identifies a bidirectional 5-tuple: both directions
// of the same connection collapse to one key (spec.md §3, §8).
type FlowKey struct {
	AddrA string
	PortA int
	AddrB string
	PortB int
	Proto string
}

// Canonicalize builds a FlowKey from an observed packet's tuple, swapping
// (src,sport) and (dst,dport) when sport >= dport so both directions of a
// bidirectional flow produce the same key, as required by spec.md §4.6/§8.
func Canonicalize(srcAddr string, srcPort int, dstAddr string, dstPort int, proto string) FlowKey {
	if srcPort >= dstPort {
		return FlowKey{AddrA: dstAddr, PortA: dstPort, AddrB: srcAddr, PortB: srcPort, Proto: proto}
	}
	return FlowKey{AddrA: srcAddr, PortA: srcPort, AddrB: dstAddr, PortB: dstPort, Proto: proto}
}

// String renders a stable textual form suitable for map keys and logging.
func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d-%s:%d/%s", k.AddrA, k.PortA, k.AddrB, k.PortB, k.Proto)
}

// Flow is one entry of the in-daemon sticky table (spec.md §3). The table is
// advisory for visibility/debugging; the kernel's connection mark is the
// enforcement authority (spec.md §9).
type Flow struct {
	Key            FlowKey
	Class          TrafficClass
	AssignedUplink string
	Mark           uint8
	CreatedAt      time.Time
	LastSeenAt     time.Time
	Packets        uint64
	Bytes          uint64
	Sticky         bool
}

// Mark packs class nibble (high) and uplink mark_bits (low) into one byte,
// per the connection-mark layout in spec.md §4.6.
func Mark(class TrafficClass, uplinkMarkBits uint8) uint8 {
	return (class.Nibble() << 4) | (uplinkMarkBits & 0x0F)
}
