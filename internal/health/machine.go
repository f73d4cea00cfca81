// Package health implements the Health State Machine (spec.md §4.4): it
// consumes ProbeSamples, maintains per-uplink health with hysteresis,
// and is the single-threaded serializer for every admin edit and health
// transition the Route Programmer and Flow Classifier observe (spec.md
// §5). No other component mutates Uplink health/admin-state fields.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fathom/internal/clock"
	"fathom/internal/domain"
	"fathom/internal/events"
	"fathom/internal/hostadapter"
	"fathom/internal/logging"
	"fathom/internal/metrics"
	"fathom/internal/probe"
	"fathom/internal/registry"
	"fathom/internal/routeprog"
)

// AdminKind identifies the Control API edit a Command carries.
type AdminKind int

const (
	AdminEnable AdminKind = iota
	AdminDisable
	AdminAdd
	AdminRemove
)

// Command is an admin edit submitted through SubmitAdmin. Done receives
// exactly one error (nil on success) once the Route Programmer has
// acknowledged applying the derived transition (spec.md §4.7).
type Command struct {
	Kind       AdminKind
	Uplink     string
	Descriptor registry.Descriptor // only for AdminAdd
	Done       chan error
}

// backpressureThreshold is the buffered-channel depth past which the
// Health SM starts coalescing duplicate consecutive samples from the same
// uplink, per spec.md §7's event-queue-backup policy. Transition-causing
// samples are never dropped, only samples whose verdict would leave the
// uplink in the health state it is already in.
const backpressureThreshold = 32

// Machine is the Health State Machine. Run must be called exactly once;
// it owns the probe engine's worker lifecycle and is the only caller of
// Programmer.Reconcile (spec.md §5).
type Machine struct {
	reg    *registry.Registry
	engine *probe.Engine
	host   hostadapter.HostAdapter
	route  *routeprog.Programmer
	hub    *events.Hub
	clk    clock.Clock
	logger *logging.Logger

	params           domain.ProbeParams
	recoveryInterval time.Duration

	admin chan Command

	mu              sync.Mutex
	recoveryCancels map[string]context.CancelFunc
	lastVerdict     map[string]domain.Verdict

	recorder SampleRecorder
}

// SampleRecorder persists every ProbeSample to the historical latency
// store (spec.md §6). It is a side channel off the decision loop: a
// recorder failure is logged and never affects a health transition.
type SampleRecorder interface {
	RecordSample(ctx context.Context, sample domain.ProbeSample) error
}

// SetRecorder wires a historical-latency recorder. Optional: a nil
// recorder simply skips persistence.
func (m *Machine) SetRecorder(r SampleRecorder) {
	m.recorder = r
}

// New wires a Machine over an already-constructed probe Engine and Route
// Programmer. params/recoveryInterval come from the daemon configuration
// (spec.md §3) and apply to every uplink unless overridden per-uplink in
// a future revision.
func New(reg *registry.Registry, engine *probe.Engine, host hostadapter.HostAdapter, route *routeprog.Programmer, hub *events.Hub, clk clock.Clock, params domain.ProbeParams, recoveryInterval time.Duration, logger *logging.Logger) *Machine {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Machine{
		reg:              reg,
		engine:           engine,
		host:             host,
		route:            route,
		hub:              hub,
		clk:              clk,
		logger:           logger.WithComponent("health"),
		params:           params,
		recoveryInterval: recoveryInterval,
		admin:            make(chan Command),
		recoveryCancels:  make(map[string]context.CancelFunc),
		lastVerdict:      make(map[string]domain.Verdict),
	}
}

// SubmitAdmin enqueues cmd onto the serial queue and blocks until the
// Health SM has processed it and the Route Programmer has acknowledged
// the resulting reconcile, or ctx is cancelled (spec.md §4.7, §5).
func (m *Machine) SubmitAdmin(ctx context.Context, cmd Command) error {
	cmd.Done = make(chan error, 1)
	select {
	case m.admin <- cmd:
	case <-ctx.Done():
		return fmt.Errorf("transient: submit admin command: %w", ctx.Err())
	}
	select {
	case err := <-cmd.Done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("transient: await admin command: %w", ctx.Err())
	}
}

// Run is the Health SM's single-threaded event loop: it is the only
// consumer of probe samples and admin edits, which eliminates the need
// for per-uplink locks on transition logic (spec.md §5). It returns when
// ctx is cancelled.
func (m *Machine) Run(ctx context.Context) {
	samples := m.engine.Samples()
	for {
		select {
		case <-ctx.Done():
			m.stopAllRecovery()
			return
		case s := <-samples:
			m.handleSample(ctx, s, len(samples))
		case cmd := <-m.admin:
			err := m.handleAdmin(ctx, cmd)
			if cmd.Done != nil {
				cmd.Done <- err
			}
		}
	}
}

func (m *Machine) handleSample(ctx context.Context, s domain.ProbeSample, queueDepth int) {
	if queueDepth > backpressureThreshold && s.Verdict == m.lastVerdict[s.Uplink] {
		if u, ok := m.reg.Get(s.Uplink); ok && isSteadyState(u.Health, s.Verdict) {
			m.logger.Debug("dropping duplicate consecutive sample under backpressure", "uplink", s.Uplink, "verdict", s.Verdict)
			return
		}
	}
	m.lastVerdict[s.Uplink] = s.Verdict

	metrics.Get().RecordProbe(s.Uplink, string(s.Verdict), s.LatencyMs, s.LossFraction)
	if m.recorder != nil {
		go func() {
			if err := m.recorder.RecordSample(ctx, s); err != nil {
				m.logger.Warn("record historical sample failed", "uplink", s.Uplink, "error", err)
			}
		}()
	}

	var from, to domain.HealthState
	var eventType events.EventType
	err := m.reg.Mutate(s.Uplink, func(u *domain.Uplink) {
		from = u.Health
		u.TotalProbes++
		to, eventType = applyVerdict(u, s.Verdict, m.params.RetryCount)
		u.Health = to
		if to != from {
			u.LastTransitionAt = m.clk.Now()
		}
		if s.Verdict == domain.VerdictReachable {
			u.SuccessfulProbes++
		}
	})
	if err != nil {
		return // uplink removed mid-flight; nothing to reconcile for it
	}

	if from == domain.HealthFailed && to == domain.HealthHealthy {
		m.stopRecovery(s.Uplink)
		// The fast probe worker was suspended on entry to failed; re-arm
		// it now that the recovery supervisor's one-shot probe came back
		// reachable (spec.md §4.4).
		if u, ok := m.reg.Get(s.Uplink); ok {
			m.startWorker(ctx, u)
		}
	}
	if to == domain.HealthFailed && from != domain.HealthFailed {
		// spec.md §4.4: "In state failed, the uplink's worker is
		// suspended." The recovery supervisor becomes the sole prober
		// until a reachable verdict; without this the fast probe worker
		// keeps racing the recovery_interval supervisor and the intended
		// hysteresis damping never takes effect.
		m.engine.Stop(s.Uplink)
		m.maybeStartRecovery(ctx, s.Uplink)
	}

	if eventType != "" && to != from {
		u, _ := m.reg.Get(s.Uplink)
		cf := 0
		if u != nil {
			cf = u.ConsecutiveFailures
		}
		metrics.Get().RecordTransition(s.Uplink, string(to), to.Code(), cf)
		m.hub.EmitTransition(eventType, s.Uplink, string(from), string(to), cf)
	}

	m.reconcile(ctx)
}

// applyVerdict implements the transition table of spec.md §4.4 and
// returns the new health state plus the event type it implies, if any.
func applyVerdict(u *domain.Uplink, v domain.Verdict, retryCount int) (domain.HealthState, events.EventType) {
	wasHealthy := u.Health == domain.HealthHealthy
	switch v {
	case domain.VerdictReachable:
		u.ConsecutiveFailures = 0
		if u.Health == domain.HealthFailed {
			return domain.HealthHealthy, events.EventUplinkRecovered
		}
		if u.Health != domain.HealthHealthy {
			return domain.HealthHealthy, events.EventUplinkPromoted
		}
		return domain.HealthHealthy, ""
	case domain.VerdictDegraded:
		u.ConsecutiveFailures++
		if u.Health == domain.HealthFailed {
			return domain.HealthFailed, ""
		}
		if u.Health == domain.HealthHealthy {
			return domain.HealthDegraded, events.EventUplinkDemoted
		}
		return domain.HealthDegraded, ""
	default: // lost
		u.ConsecutiveFailures++
		if u.Health == domain.HealthFailed {
			return domain.HealthFailed, ""
		}
		if u.ConsecutiveFailures >= retryCount || wasHealthy {
			return domain.HealthFailed, events.EventUplinkFailed
		}
		return domain.HealthDegraded, events.EventUplinkDemoted
	}
}

// isSteadyState reports whether verdict v is already fully reflected by
// health state h, so a repeat of it can be safely coalesced away under
// backpressure without losing a transition (spec.md §7).
func isSteadyState(h domain.HealthState, v domain.Verdict) bool {
	switch v {
	case domain.VerdictReachable:
		return h == domain.HealthHealthy
	case domain.VerdictDegraded:
		return h == domain.HealthDegraded
	default:
		return h == domain.HealthFailed
	}
}

func (m *Machine) handleAdmin(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case AdminEnable:
		if err := m.reg.Mutate(cmd.Uplink, func(u *domain.Uplink) {
			u.AdminState = domain.AdminEnabled
			u.Health = domain.HealthTesting
			u.ConsecutiveFailures = 0
			u.LastTransitionAt = m.clk.Now()
		}); err != nil {
			return err
		}
		m.stopRecovery(cmd.Uplink)
		u, _ := m.reg.Get(cmd.Uplink)
		m.startWorker(ctx, u)
		m.hub.Publish(events.Event{Type: events.EventAdminEnable, Source: "ctlplane", Data: events.AdminEditData{Uplink: cmd.Uplink}})
		m.logger.Audit("enable", cmd.Uplink, nil)

	case AdminDisable:
		if err := m.reg.Mutate(cmd.Uplink, func(u *domain.Uplink) {
			u.AdminState = domain.AdminDisabled
			u.Health = domain.HealthFailed // invariant: disabled never has health other than failed
			u.LastTransitionAt = m.clk.Now()
		}); err != nil {
			return err
		}
		m.engine.Stop(cmd.Uplink)
		m.stopRecovery(cmd.Uplink)
		m.hub.Publish(events.Event{Type: events.EventAdminDisable, Source: "ctlplane", Data: events.AdminEditData{Uplink: cmd.Uplink}})
		m.logger.Audit("disable", cmd.Uplink, nil)

	case AdminAdd:
		u, err := m.reg.Add(cmd.Descriptor)
		if err != nil {
			return err
		}
		m.startWorker(ctx, u)
		m.hub.Publish(events.Event{Type: events.EventAdminAdd, Source: "ctlplane", Data: events.AdminEditData{Uplink: u.Name}})
		m.logger.Audit("add_uplink", u.Name, map[string]any{"interface": u.Interface, "weight": u.Weight})

	case AdminRemove:
		m.engine.Stop(cmd.Uplink)
		m.stopRecovery(cmd.Uplink)
		if _, err := m.reg.Remove(cmd.Uplink); err != nil {
			return err
		}
		m.hub.Publish(events.Event{Type: events.EventAdminRemove, Source: "ctlplane", Data: events.AdminEditData{Uplink: cmd.Uplink}})
		m.logger.Audit("remove_uplink", cmd.Uplink, nil)
	}

	m.reconcile(ctx)
	return nil
}

func (m *Machine) startWorker(ctx context.Context, u *domain.Uplink) {
	if u == nil {
		return
	}
	m.engine.Start(ctx, probe.Target{Uplink: u.Name, Link: u.Interface, Params: m.params})
}

// reconcile hands the current registry snapshot to the Route Programmer.
// It is invoked only from this single-threaded loop, so no two
// reprogramming batches are ever in flight (spec.md §5).
func (m *Machine) reconcile(ctx context.Context) {
	if err := m.route.Reconcile(ctx, m.reg.Snapshot()); err != nil {
		m.logger.Warn("route reconcile failed", "error", err)
	}
}

// maybeStartRecovery arms the one-shot recovery supervisor for an uplink
// that just became failed due to observed probe verdicts (not an admin
// disable: an admin-disabled uplink stays failed by invariant regardless
// of reachability, spec.md §9 Open Question (b)).
func (m *Machine) maybeStartRecovery(ctx context.Context, name string) {
	u, ok := m.reg.Get(name)
	if !ok || u.AdminState != domain.AdminEnabled {
		return
	}
	m.mu.Lock()
	if _, exists := m.recoveryCancels[name]; exists {
		m.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	m.recoveryCancels[name] = cancel
	m.mu.Unlock()

	link, target, timeout, count := u.Interface, primaryTarget(m.params.Targets), m.params.Timeout, m.params.RetryCount
	go m.runRecovery(rctx, name, link, target, timeout, count)
}

func (m *Machine) stopRecovery(name string) {
	m.mu.Lock()
	cancel, ok := m.recoveryCancels[name]
	if ok {
		delete(m.recoveryCancels, name)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Machine) stopAllRecovery() {
	m.mu.Lock()
	cancels := m.recoveryCancels
	m.recoveryCancels = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// runRecovery re-arms a failed uplink every recovery_interval with one
// direct probe that never touches the Route Programmer or traffic path
// (spec.md §4.4, §9). Every result is delivered back through the normal
// sample path so any transition is serialized with everything else; a
// reachable verdict ends this loop, any other verdict leaves the uplink
// failed until the next tick.
func (m *Machine) runRecovery(ctx context.Context, name, link, target string, timeout time.Duration, count int) {
	ticker := time.NewTicker(m.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 2*timeout)
			res, err := m.host.ReachabilityProbe(probeCtx, link, target, count, timeout)
			cancel()
			if err != nil {
				res = hostadapter.ProbeResult{LossFraction: 1.0}
			}
			sample := domain.ProbeSample{
				Timestamp:    m.clk.Now(),
				Uplink:       name,
				Target:       target,
				LatencyMs:    res.AvgLatencyMs,
				LossFraction: res.LossFraction,
				Verdict:      m.params.Classify(res.AvgLatencyMs, res.LossFraction),
			}
			select {
			case m.recoveryQueue() <- sample:
			case <-ctx.Done():
				return
			}
			if sample.Verdict == domain.VerdictReachable {
				return // handleSample will call stopRecovery on the transition
			}
		}
	}
}

// recoveryQueue lets the recovery goroutine post its one-shot result back
// onto the same channel the Probe Engine uses, so Run's single select
// loop remains the only place health/admin state ever changes.
func (m *Machine) recoveryQueue() chan<- domain.ProbeSample {
	return m.engine.Inject()
}

func primaryTarget(targets []string) string {
	if len(targets) == 0 {
		return ""
	}
	return targets[0]
}
