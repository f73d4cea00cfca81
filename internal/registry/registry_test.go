package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathom/internal/clock"
	"fathom/internal/domain"
)

func newTestRegistry() *Registry {
	return New(clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestAdd_AssignsUniqueTableIDAndMarkBits(t *testing.T) {
	r := newTestRegistry()

	a, err := r.Add(Descriptor{Name: "isp-a", Interface: "eth0", Nexthop: "203.0.113.1", Weight: 3})
	require.NoError(t, err)
	b, err := r.Add(Descriptor{Name: "isp-b", Interface: "eth1", Nexthop: "198.51.100.1", Weight: 1})
	require.NoError(t, err)

	assert.NotEqual(t, a.TableID, b.TableID)
	assert.NotEqual(t, a.MarkBits, b.MarkBits)
}

func TestAdd_DuplicateNameRejected(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Add(Descriptor{Name: "isp-a", Interface: "eth0"})
	require.NoError(t, err)
	_, err = r.Add(Descriptor{Name: "isp-a", Interface: "eth1"})
	assert.Error(t, err, "expected error re-adding an existing uplink name")
}

func TestAdd_ZeroWeightDefaultsToOne(t *testing.T) {
	r := newTestRegistry()
	u, err := r.Add(Descriptor{Name: "isp-a", Interface: "eth0"})
	require.NoError(t, err)
	assert.Equal(t, 1, u.Weight)
}

func TestRemove_ReleasesMarkBitsForReuse(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.Add(Descriptor{Name: "isp-a", Interface: "eth0"})

	_, err := r.Remove("isp-a")
	require.NoError(t, err)
	_, ok := r.Get("isp-a")
	assert.False(t, ok, "expected uplink to be gone after Remove")

	b, err := r.Add(Descriptor{Name: "isp-b", Interface: "eth1"})
	require.NoError(t, err)
	assert.Equal(t, a.MarkBits, b.MarkBits, "expected released mark bits to be reused")
}

func TestRemove_UnknownNameErrors(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Remove("ghost")
	assert.Error(t, err, "expected error removing an unregistered uplink")
}

func TestMutate_AppliesUnderLock(t *testing.T) {
	r := newTestRegistry()
	r.Add(Descriptor{Name: "isp-a", Interface: "eth0"})

	err := r.Mutate("isp-a", func(u *domain.Uplink) {
		u.Health = domain.HealthHealthy
	})
	require.NoError(t, err)

	u, _ := r.Get("isp-a")
	assert.Equal(t, domain.HealthHealthy, u.Health)
}

func TestSnapshot_SortedByName(t *testing.T) {
	r := newTestRegistry()
	r.Add(Descriptor{Name: "isp-c", Interface: "eth2"})
	r.Add(Descriptor{Name: "isp-a", Interface: "eth0"})
	r.Add(Descriptor{Name: "isp-b", Interface: "eth1"})

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for i := 1; i < len(snap); i++ {
		assert.LessOrEqual(t, snap[i-1].Name, snap[i].Name, "snapshot not sorted")
	}
}

func TestActive_OnlyHealthyAndEnabled(t *testing.T) {
	r := newTestRegistry()
	r.Add(Descriptor{Name: "isp-a", Interface: "eth0"})
	r.Add(Descriptor{Name: "isp-b", Interface: "eth1"})
	r.Mutate("isp-a", func(u *domain.Uplink) { u.Health = domain.HealthHealthy })
	r.Mutate("isp-b", func(u *domain.Uplink) { u.Health = domain.HealthFailed })

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "isp-a", active[0].Name)
}

func TestPrimary_HighestWeightTieBrokenByName(t *testing.T) {
	r := newTestRegistry()
	r.Add(Descriptor{Name: "isp-a", Interface: "eth0", Weight: 2})
	r.Add(Descriptor{Name: "isp-b", Interface: "eth1", Weight: 2})
	r.Add(Descriptor{Name: "isp-c", Interface: "eth2", Weight: 1})
	for _, name := range []string{"isp-a", "isp-b", "isp-c"} {
		r.Mutate(name, func(u *domain.Uplink) { u.Health = domain.HealthHealthy })
	}

	p, ok := r.Primary()
	require.True(t, ok, "expected a primary uplink")
	assert.Equal(t, "isp-a", p.Name, "expected tie broken toward isp-a")
}

func TestPrimary_NoneHealthyReportsFalse(t *testing.T) {
	r := newTestRegistry()
	r.Add(Descriptor{Name: "isp-a", Interface: "eth0"})

	_, ok := r.Primary()
	assert.False(t, ok, "expected no primary when nothing is healthy")
}
