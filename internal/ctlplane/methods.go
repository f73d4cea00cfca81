package ctlplane

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fathom/internal/domain"
	"fathom/internal/health"
	"fathom/internal/inventory"
	"fathom/internal/metrics"
	"fathom/internal/registry"
	"fathom/internal/store"
)

// recordOp increments the per-method Control API operation counter,
// labeled by outcome, for every RPC method (spec.md §4.7).
func recordOp(method string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	metrics.Get().CtlplaneOps.WithLabelValues(method, outcome).Inc()
}

// newRequestID mints a correlation ID for a mutating Control API call.
// It is returned to the caller in the reply and written into the audit
// log line for that call, so the two can be joined after the fact.
func newRequestID() string {
	return uuid.New().String()
}

// auditOp records a mutating Control API call's outcome under its
// request ID (spec.md §4.7's admin audit trail).
func (s *Server) auditOp(method, reqID string, args any, err error) {
	details := map[string]any{"request_id": reqID, "args": args}
	if err != nil {
		details["error"] = err.Error()
	}
	s.logger.Audit(method, "ctlplane", details)
}

// Status returns a full snapshot of every uplink plus the daemon-wide
// overall_health rollup. It reads straight from the registry's reader
// lock and never touches the admin queue (spec.md §4.7).
func (s *Server) Status(args *Empty, reply *StatusReply) error {
	snapshot := s.reg.Snapshot()
	reply.Uplinks = make([]UplinkStatus, len(snapshot))
	for i, u := range snapshot {
		reply.Uplinks[i] = UplinkStatus{
			Name:                u.Name,
			Interface:           u.Interface,
			Nexthop:             u.Nexthop,
			Weight:              u.Weight,
			AdminState:          string(u.AdminState),
			Health:              string(u.Health),
			TableID:             u.TableID,
			MarkBits:            u.MarkBits,
			ConsecutiveFailures: u.ConsecutiveFailures,
			UptimeRatio:         u.UptimeRatio,
			LastTransitionAt:    u.LastTransitionAt,
		}
	}
	reply.OverallHealth = overallHealth(snapshot)

	for _, n := range s.route.ActiveNexthops() {
		reply.ActiveNexthops = append(reply.ActiveNexthops, n.Dev)
	}
	if s.sticky != nil {
		reply.StickyFlows = s.sticky.Len()
	}
	recordOp("status", true)
	return nil
}

// overallHealth implements the status snapshot's overall_health rollup
// (spec.md §6): failed if no uplink is healthy+enabled, degraded if some
// but not all enabled uplinks are healthy, healthy otherwise.
func overallHealth(snapshot []domain.Snapshot) string {
	enabled, healthy := 0, 0
	for _, u := range snapshot {
		if u.AdminState != domain.AdminEnabled {
			continue
		}
		enabled++
		if u.Health == domain.HealthHealthy {
			healthy++
		}
	}
	switch {
	case enabled == 0 || healthy == 0:
		return "failed"
	case healthy < enabled:
		return "degraded"
	default:
		return "healthy"
	}
}

// Enable administratively enables an uplink (spec.md §4.7).
func (s *Server) Enable(args *EnableArgs, reply *EditReply) error {
	reqID := newRequestID()
	reply.RequestID = reqID
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := s.machine.SubmitAdmin(ctx, health.Command{Kind: health.AdminEnable, Uplink: args.Uplink}); err != nil {
		reply.Error = err.Error()
		recordOp("enable", false)
		s.auditOp("enable", reqID, args, err)
		return nil
	}
	reply.Success = true
	recordOp("enable", true)
	s.auditOp("enable", reqID, args, nil)
	return nil
}

// Disable administratively disables an uplink (spec.md §4.7). The
// uplink's health is forced to failed and it is withdrawn from the
// default route on the next reconcile.
func (s *Server) Disable(args *DisableArgs, reply *EditReply) error {
	reqID := newRequestID()
	reply.RequestID = reqID
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := s.machine.SubmitAdmin(ctx, health.Command{Kind: health.AdminDisable, Uplink: args.Uplink}); err != nil {
		reply.Error = err.Error()
		recordOp("disable", false)
		s.auditOp("disable", reqID, args, err)
		return nil
	}
	reply.Success = true
	recordOp("disable", true)
	s.auditOp("disable", reqID, args, nil)
	return nil
}

// AddUplink registers a new uplink from a partial descriptor, filling
// blank Interface/Nexthop/Weight fields from the Interface Inventory's
// bootstrap suggestions (spec.md §4.7).
func (s *Server) AddUplink(args *AddUplinkArgs, reply *EditReply) error {
	reqID := newRequestID()
	reply.RequestID = reqID
	desc := registry.Descriptor{
		Name:      args.Name,
		Interface: args.Interface,
		Nexthop:   args.Nexthop,
		Weight:    args.Weight,
		DNSHints:  args.DNS,
	}
	if desc.Name == "" {
		reply.Error = "uplink name is required"
		recordOp("add_uplink", false)
		s.auditOp("add_uplink", reqID, args, fmt.Errorf("%s", reply.Error))
		return nil
	}
	if desc.Interface == "" || desc.Nexthop == "" || desc.Weight == 0 {
		if err := s.fillFromInventory(&desc); err != nil {
			reply.Error = err.Error()
			recordOp("add_uplink", false)
			s.auditOp("add_uplink", reqID, args, err)
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := s.machine.SubmitAdmin(ctx, health.Command{Kind: health.AdminAdd, Descriptor: desc}); err != nil {
		reply.Error = err.Error()
		recordOp("add_uplink", false)
		s.auditOp("add_uplink", reqID, args, err)
		return nil
	}
	reply.Success = true
	recordOp("add_uplink", true)
	s.auditOp("add_uplink", reqID, args, nil)
	return nil
}

// fillFromInventory fills any blank field of desc from the Interface
// Inventory's current bootstrap candidates: the candidate matching
// desc.Interface if set, otherwise the first WAN candidate not already
// registered.
func (s *Server) fillFromInventory(desc *registry.Descriptor) error {
	if s.inv == nil {
		return fmt.Errorf("configuration: no interface inventory available to fill blank fields")
	}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	candidates, err := s.inv.Enumerate(ctx, s.probeTarget)
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}

	for _, c := range candidates {
		if c.Class != inventory.ClassWAN {
			continue
		}
		if desc.Interface != "" && c.Link.Name != desc.Interface {
			continue
		}
		if desc.Interface == "" {
			if _, exists := s.reg.Get(c.Link.Name); exists {
				continue
			}
		}
		if desc.Interface == "" {
			desc.Interface = c.Link.Name
		}
		if desc.Nexthop == "" {
			desc.Nexthop = c.Gateway
		}
		if desc.Weight == 0 {
			desc.Weight = c.SuggestedWeight
		}
		return nil
	}
	return fmt.Errorf("configuration: no matching WAN candidate found to fill blank uplink fields")
}

// RemoveUplink destroys an uplink (spec.md §4.7).
func (s *Server) RemoveUplink(args *RemoveUplinkArgs, reply *EditReply) error {
	reqID := newRequestID()
	reply.RequestID = reqID
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := s.machine.SubmitAdmin(ctx, health.Command{Kind: health.AdminRemove, Uplink: args.Uplink}); err != nil {
		reply.Error = err.Error()
		recordOp("remove_uplink", false)
		s.auditOp("remove_uplink", reqID, args, err)
		return nil
	}
	reply.Success = true
	recordOp("remove_uplink", true)
	s.auditOp("remove_uplink", reqID, args, nil)
	return nil
}

// Reload triggers a configuration reload via the Reloader the daemon was
// wired with (spec.md §4.7). A failed reload leaves the running
// configuration untouched (spec.md §7).
func (s *Server) Reload(args *ReloadArgs, reply *ReloadReply) error {
	reqID := newRequestID()
	reply.RequestID = reqID
	if s.reloader == nil {
		reply.Error = "configuration: reload not wired"
		recordOp("reload", false)
		s.auditOp("reload", reqID, args, fmt.Errorf("%s", reply.Error))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	result, err := s.reloader.Reload(ctx, args.Path)
	if err != nil {
		reply.Error = err.Error()
		recordOp("reload", false)
		s.auditOp("reload", reqID, args, err)
		return nil
	}
	reply.Success = true
	reply.WasMigrated = result.WasMigrated
	reply.Warnings = result.Warnings
	recordOp("reload", true)
	s.auditOp("reload", reqID, args, nil)
	return nil
}

// HistoryGraph returns the raw latency/loss samples for an uplink over a
// lookback window, for the historical-latency graph surface (spec.md §6).
func (s *Server) HistoryGraph(args *HistoryArgs, reply *GraphReply) error {
	if s.hist == nil {
		recordOp("history_graph", false)
		return fmt.Errorf("historical latency store not wired")
	}
	points, err := s.hist.Graph(context.Background(), args.Uplink, args.Since)
	if err != nil {
		recordOp("history_graph", false)
		return err
	}
	reply.Points = toCtlplanePoints(points)
	recordOp("history_graph", true)
	return nil
}

// HistorySummary returns aggregate statistics for an uplink over a
// lookback window.
func (s *Server) HistorySummary(args *HistoryArgs, reply *SummaryReply) error {
	if s.hist == nil {
		recordOp("history_summary", false)
		return fmt.Errorf("historical latency store not wired")
	}
	sum, err := s.hist.Summarize(context.Background(), args.Uplink, args.Since)
	if err != nil {
		recordOp("history_summary", false)
		return err
	}
	*reply = SummaryReply{
		Uplink:       sum.Uplink,
		SampleCount:  sum.SampleCount,
		AvgLatencyMs: sum.AvgLatencyMs,
		MaxLatencyMs: sum.MaxLatencyMs,
		AvgLoss:      sum.AvgLoss,
		UptimeRatio:  sum.UptimeRatio,
	}
	recordOp("history_summary", true)
	return nil
}

// HistoryExport returns every sample for an uplink over a lookback
// window, for the Control API's raw-export surface.
func (s *Server) HistoryExport(args *HistoryArgs, reply *ExportReply) error {
	if s.hist == nil {
		recordOp("history_export", false)
		return fmt.Errorf("historical latency store not wired")
	}
	points, err := s.hist.Export(context.Background(), args.Uplink, args.Since)
	if err != nil {
		recordOp("history_export", false)
		return err
	}
	reply.Points = toCtlplanePoints(points)
	recordOp("history_export", true)
	return nil
}

func toCtlplanePoints(points []store.GraphPoint) []GraphPoint {
	out := make([]GraphPoint, len(points))
	for i, p := range points {
		out[i] = GraphPoint{Timestamp: p.Timestamp, LatencyMs: p.LatencyMs, LossFraction: p.LossFraction, Verdict: p.Verdict}
	}
	return out
}
