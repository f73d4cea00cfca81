package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathom/internal/clock"
	"fathom/internal/domain"
	"fathom/internal/events"
)

func TestStickyTable_ObserveKeepsOriginalAssignmentForStickyFlows(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	hub := events.NewHub()
	table := NewStickyTable(clk, hub, nil)

	key := domain.Canonicalize("10.0.0.5", 51000, "1.2.3.4", 443, "tcp")
	f := table.Observe(key, domain.ClassBanking, true, "isp-a", 1)
	require.Equal(t, "isp-a", f.AssignedUplink)

	clk.Advance(time.Second)
	f2 := table.Observe(key, domain.ClassBanking, true, "isp-b", 2)
	assert.Equal(t, "isp-a", f2.AssignedUplink, "expected sticky flow to keep isp-a")
}

func TestStickyTable_ObserveReassignsNonStickyFlows(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	table := NewStickyTable(clk, events.NewHub(), nil)

	key := domain.Canonicalize("10.0.0.5", 51000, "1.2.3.4", 80, "tcp")
	table.Observe(key, domain.ClassGeneral, false, "isp-a", 1)
	f2 := table.Observe(key, domain.ClassGeneral, false, "isp-b", 2)
	assert.Equal(t, "isp-b", f2.AssignedUplink, "expected non-sticky flow to follow reassignment")
}

func TestStickyTable_CleanupPrunesExpiredEntries(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	hub := events.NewHub()
	ch := hub.Subscribe(10, events.EventFlowExpired)
	table := NewStickyTable(clk, hub, nil)

	key := domain.Canonicalize("10.0.0.5", 51000, "1.2.3.4", 443, "tcp")
	table.Observe(key, domain.ClassBanking, true, "isp-a", 1)

	clk.Advance(DefaultMaxAge + time.Second)
	removed := table.Cleanup()
	require.Equal(t, 1, removed)
	require.Equal(t, 0, table.Len())

	select {
	case e := <-ch:
		assert.Equal(t, events.EventFlowExpired, e.Type)
	default:
		t.Fatal("expected a flow.expired event")
	}
}

func TestStickyTable_CleanupKeepsFreshEntries(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	table := NewStickyTable(clk, events.NewHub(), nil)

	key := domain.Canonicalize("10.0.0.5", 51000, "1.2.3.4", 443, "tcp")
	table.Observe(key, domain.ClassBanking, true, "isp-a", 1)

	clk.Advance(time.Second)
	removed := table.Cleanup()
	require.Equal(t, 0, removed)
	require.Equal(t, 1, table.Len())
}
