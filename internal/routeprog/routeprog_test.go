package routeprog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathom/internal/domain"
	"fathom/internal/events"
	"fathom/internal/hostadapter"
)

func healthySnapshot(name, iface, nexthop string, tableID int, mark uint8, weight int) domain.Snapshot {
	return domain.Snapshot{
		Name:       name,
		Interface:  iface,
		Nexthop:    nexthop,
		Weight:     weight,
		AdminState: domain.AdminEnabled,
		Health:     domain.HealthHealthy,
		TableID:    tableID,
		MarkBits:   mark,
	}
}

func TestReconcile_InstallsBeforeRebuild(t *testing.T) {
	host := hostadapter.NewMockHostAdapter()
	hub := events.NewHub()
	p := New(host, hub, nil)

	snap := []domain.Snapshot{healthySnapshot("isp-a", "eth0", "10.0.0.1", 100, 1, 1)}
	require.NoError(t, p.Reconcile(context.Background(), snap))

	assert.Equal(t, 1, host.TableCount())
	require.Len(t, host.CurrentNexthops, 1)
	assert.Equal(t, "eth0", host.CurrentNexthops[0].Dev)
	assert.Len(t, p.ActiveNexthops(), 1)
}

func TestReconcile_TeardownFlushesConntrack(t *testing.T) {
	host := hostadapter.NewMockHostAdapter()
	hub := events.NewHub()
	p := New(host, hub, nil)

	up := healthySnapshot("isp-a", "eth0", "10.0.0.1", 100, 1, 1)
	require.NoError(t, p.Reconcile(context.Background(), []domain.Snapshot{up}))

	down := up
	down.Health = domain.HealthFailed
	require.NoError(t, p.Reconcile(context.Background(), []domain.Snapshot{down}))

	assert.Equal(t, 0, host.TableCount(), "expected table torn down")
	require.Len(t, host.FlushedIfaces, 1)
	assert.Equal(t, "eth0", host.FlushedIfaces[0])
	assert.Empty(t, host.CurrentNexthops, "expected empty default route")
}

func TestReconcile_BrandNewUplinkDoesNotEmitRecovery(t *testing.T) {
	host := hostadapter.NewMockHostAdapter()
	hub := events.NewHub()
	ch := hub.Subscribe(10, events.EventRouteRecovery)
	p := New(host, hub, nil)

	up := healthySnapshot("isp-a", "eth0", "10.0.0.1", 100, 1, 1)
	require.NoError(t, p.Reconcile(context.Background(), []domain.Snapshot{up}))

	select {
	case e := <-ch:
		t.Fatalf("expected no recovery event for a brand-new uplink, got %+v", e)
	default:
	}
}

func TestReconcile_FlappingUplinkEmitsRecovery(t *testing.T) {
	host := hostadapter.NewMockHostAdapter()
	hub := events.NewHub()
	p := New(host, hub, nil)

	up := healthySnapshot("isp-a", "eth0", "10.0.0.1", 100, 1, 1)
	require.NoError(t, p.Reconcile(context.Background(), []domain.Snapshot{up}))

	down := up
	down.Health = domain.HealthFailed
	require.NoError(t, p.Reconcile(context.Background(), []domain.Snapshot{down}))

	ch := hub.Subscribe(10, events.EventRouteRecovery)
	require.NoError(t, p.Reconcile(context.Background(), []domain.Snapshot{up}))

	select {
	case e := <-ch:
		data, ok := e.Data.(events.RouteEventData)
		require.True(t, ok)
		assert.Equal(t, "isp-a", data.Interface)
	default:
		t.Fatal("expected a recovery event for the re-healthy uplink")
	}
}

func TestReconcile_IdempotentOnRepeatedBatch(t *testing.T) {
	host := hostadapter.NewMockHostAdapter()
	hub := events.NewHub()
	p := New(host, hub, nil)

	snap := []domain.Snapshot{healthySnapshot("isp-a", "eth0", "10.0.0.1", 100, 1, 1)}
	require.NoError(t, p.Reconcile(context.Background(), snap))
	require.NoError(t, p.Reconcile(context.Background(), snap))

	assert.Equal(t, 1, host.TableCount(), "expected repeat reconcile to stay at 1 table")
	assert.Equal(t, 2, host.MultipathCalls, "expected multipath to be re-applied each reconcile")
}
