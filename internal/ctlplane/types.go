// Package ctlplane is the Control API (spec.md §4.7): read-only status,
// per-uplink enable/disable, add/remove uplink, and config-reload, all
// serialized through the Health State Machine's admin queue so the Route
// Programmer always sees a linearizable sequence of events (spec.md §5).
// The transport is net/rpc over a Unix domain socket, one Args/Reply
// struct pair per method, matching the teacher's ctlplane RPC convention
// (internal/ctlplane/uplink_rpc.go, internal/ctlplane/server.go).
package ctlplane

import "time"

// RequestID correlates a mutating Control API call with its audit log
// entry (spec.md §4.7). Every EditReply/ReloadReply carries the ID the
// server generated for that call so an operator can grep the audit log
// for the exact request that produced a given outcome.
type RequestID = string

// Empty is the Args type for RPC methods that take no parameters.
type Empty struct{}

// UplinkStatus is one uplink's entry in StatusReply.
type UplinkStatus struct {
	Name                string
	Interface           string
	Nexthop             string
	Weight              int
	AdminState          string
	Health              string
	TableID             int
	MarkBits            uint8
	ConsecutiveFailures int
	UptimeRatio         float64
	LastTransitionAt    time.Time
}

// StatusReply is the reply for Status: a full snapshot of every uplink
// plus the daemon-wide overall_health rollup (spec.md §6's status
// snapshot document).
type StatusReply struct {
	OverallHealth  string
	Uplinks        []UplinkStatus
	ActiveNexthops []string
	StickyFlows    int
}

// EnableArgs/DisableArgs name the uplink an admin enable/disable targets.
type EnableArgs struct {
	Uplink string
}

type DisableArgs struct {
	Uplink string
}

// EditReply is the reply shape shared by every mutating RPC method:
// reply.Error carries a logical failure (not-found, invariant violation)
// distinct from the transport-level Go error net/rpc returns on a
// connection or registration failure.
type EditReply struct {
	Success   bool
	Error     string
	RequestID RequestID
}

// AddUplinkArgs is a partial uplink descriptor; blank fields are filled
// from Interface Inventory suggestions before the uplink is registered
// (spec.md §4.7).
type AddUplinkArgs struct {
	Name      string
	Interface string
	Nexthop   string
	Weight    int
	DNS       []string
}

// RemoveUplinkArgs names the uplink an admin remove targets.
type RemoveUplinkArgs struct {
	Uplink string
}

// ReloadArgs carries an optional explicit config path; empty reuses the
// path the daemon was started with.
type ReloadArgs struct {
	Path string
}

// ReloadReply reports what a config-reload changed.
type ReloadReply struct {
	Success     bool
	Error       string
	WasMigrated bool
	Warnings    []string
	RequestID   RequestID
}

// HistoryArgs selects the uplink and lookback window for the historical
// latency queries (spec.md §6's "graph/summary/export").
type HistoryArgs struct {
	Uplink string
	Since  time.Duration
}

// GraphPoint mirrors store.GraphPoint so the ctlplane package does not
// leak the store package's type across the RPC boundary unnecessarily.
type GraphPoint struct {
	Timestamp    time.Time
	LatencyMs    float64
	LossFraction float64
	Verdict      string
}

// GraphReply is the reply for HistoryGraph.
type GraphReply struct {
	Points []GraphPoint
}

// SummaryReply is the reply for HistorySummary.
type SummaryReply struct {
	Uplink       string
	SampleCount  int
	AvgLatencyMs float64
	MaxLatencyMs float64
	AvgLoss      float64
	UptimeRatio  float64
}

// ExportReply is the reply for HistoryExport: the same points as Graph,
// named separately so a future CSV/format option can diverge.
type ExportReply struct {
	Points []GraphPoint
}
