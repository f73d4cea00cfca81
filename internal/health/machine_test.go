package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathom/internal/clock"
	"fathom/internal/domain"
	"fathom/internal/events"
	"fathom/internal/hostadapter"
	"fathom/internal/probe"
	"fathom/internal/registry"
	"fathom/internal/routeprog"
)

func TestApplyVerdict_ReachableFromFailedEmitsRecovered(t *testing.T) {
	u := &domain.Uplink{Health: domain.HealthFailed}
	to, ev := applyVerdict(u, domain.VerdictReachable, 3)
	assert.Equal(t, domain.HealthHealthy, to)
	assert.Equal(t, events.EventUplinkRecovered, ev)
	assert.Equal(t, 0, u.ConsecutiveFailures)
}

func TestApplyVerdict_LostFromHealthyFailsImmediately(t *testing.T) {
	u := &domain.Uplink{Health: domain.HealthHealthy}
	to, ev := applyVerdict(u, domain.VerdictLost, 3)
	assert.Equal(t, domain.HealthFailed, to)
	assert.Equal(t, events.EventUplinkFailed, ev)
}

func TestApplyVerdict_LostFromDegradedRequiresRetryCount(t *testing.T) {
	u := &domain.Uplink{Health: domain.HealthDegraded, ConsecutiveFailures: 1}
	to, ev := applyVerdict(u, domain.VerdictLost, 3)
	assert.Equal(t, domain.HealthDegraded, to, "expected to stay degraded below retry_count")
	assert.Equal(t, events.EventUplinkDemoted, ev, "expected demoted event (no-op transition still reported)")

	to, ev = applyVerdict(u, domain.VerdictLost, 3)
	assert.Equal(t, domain.HealthFailed, to, "expected failed once retry_count reached")
	assert.Equal(t, events.EventUplinkFailed, ev)
}

func TestApplyVerdict_DegradedFromHealthyEmitsDemoted(t *testing.T) {
	u := &domain.Uplink{Health: domain.HealthHealthy}
	to, ev := applyVerdict(u, domain.VerdictDegraded, 3)
	assert.Equal(t, domain.HealthDegraded, to)
	assert.Equal(t, events.EventUplinkDemoted, ev)
}

func TestIsSteadyState(t *testing.T) {
	cases := []struct {
		h    domain.HealthState
		v    domain.Verdict
		want bool
	}{
		{domain.HealthHealthy, domain.VerdictReachable, true},
		{domain.HealthDegraded, domain.VerdictReachable, false},
		{domain.HealthFailed, domain.VerdictLost, true},
		{domain.HealthDegraded, domain.VerdictDegraded, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isSteadyState(c.h, c.v))
	}
}

func newTestMachine(t *testing.T) (*Machine, *registry.Registry, *hostadapter.MockHostAdapter) {
	t.Helper()
	clk := clock.NewMockClock(time.Unix(0, 0))
	host := hostadapter.NewMockHostAdapter()
	hub := events.NewHub()
	reg := registry.New(clk)
	eng := probe.New(host, clk, nil)
	route := routeprog.New(host, hub, nil)
	params := domain.DefaultProbeParams()
	m := New(reg, eng, host, route, hub, clk, params, time.Minute, nil)
	return m, reg, host
}

func TestMachine_SampleDrivesPromotionAndFailover(t *testing.T) {
	m, reg, host := newTestMachine(t)
	_, err := reg.Add(registry.Descriptor{Name: "isp-a", Interface: "eth0", Nexthop: "10.0.0.1", Weight: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	inject := func(s domain.ProbeSample) {
		select {
		case m.engine.Inject() <- s:
		case <-time.After(time.Second):
			t.Fatal("timed out injecting sample")
		}
	}

	inject(domain.ProbeSample{Uplink: "isp-a", Verdict: domain.VerdictReachable, LatencyMs: 10})
	waitFor(t, func() bool {
		u, _ := reg.Get("isp-a")
		return u != nil && u.Health == domain.HealthHealthy
	})
	waitFor(t, func() bool { return len(host.CurrentNexthops) == 1 })

	inject(domain.ProbeSample{Uplink: "isp-a", Verdict: domain.VerdictLost})
	waitFor(t, func() bool {
		u, _ := reg.Get("isp-a")
		return u != nil && u.Health == domain.HealthFailed
	})
	waitFor(t, func() bool { return len(host.CurrentNexthops) == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
