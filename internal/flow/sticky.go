package flow

import (
	"context"
	"sync"
	"time"

	"fathom/internal/clock"
	"fathom/internal/domain"
	"fathom/internal/events"
	"fathom/internal/logging"
	"fathom/internal/metrics"
)

// DefaultMaxAge is the sticky-table entry lifetime before the cleanup
// sweep prunes it (spec.md §4.6).
const DefaultMaxAge = 3600 * time.Second

// StickyTable is the authoritative in-daemon mapping from canonical flow
// key to assigned uplink (spec.md §4.6). It is guarded by a single writer
// lock; reads via the Control API take a reader lock (spec.md §5).
type StickyTable struct {
	mu      sync.RWMutex
	entries map[domain.FlowKey]*domain.Flow
	clock   clock.Clock
	hub     *events.Hub
	logger  *logging.Logger
	maxAge  time.Duration
}

// NewStickyTable returns an empty StickyTable.
func NewStickyTable(clk clock.Clock, hub *events.Hub, logger *logging.Logger) *StickyTable {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &StickyTable{
		entries: make(map[domain.FlowKey]*domain.Flow),
		clock:   clk,
		hub:     hub,
		logger:  logger.WithComponent("flow"),
		maxAge:  DefaultMaxAge,
	}
}

// Observe records (or refreshes) a flow's classification and uplink
// assignment on first-seen classification. For a class in stickyClasses,
// the assigned uplink is pinned for the flow's lifetime; for all other
// classes the assignment is advisory only (the kernel's multipath hash
// picks the actual egress path per flow).
func (t *StickyTable) Observe(key domain.FlowKey, class domain.TrafficClass, sticky bool, uplink string, markBits uint8) *domain.Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if f, ok := t.entries[key]; ok {
		f.LastSeenAt = now
		// Sticky flows keep their original uplink assignment even if the
		// multipath weighting later prefers someone else (spec.md §4.6).
		if !f.Sticky {
			f.AssignedUplink = uplink
			f.Mark = domain.Mark(class, markBits)
		}
		return f
	}

	f := &domain.Flow{
		Key:            key,
		Class:          class,
		AssignedUplink: uplink,
		Mark:           domain.Mark(class, markBits),
		CreatedAt:      now,
		LastSeenAt:     now,
		Sticky:         sticky,
	}
	t.entries[key] = f
	metrics.Get().StickyFlows.Set(float64(len(t.entries)))
	if sticky {
		metrics.Get().FlowsPinned.WithLabelValues(string(class), uplink).Inc()
		t.hub.EmitFlowPinned(events.EventFlowPinned, key.String(), string(class), uplink, true)
	}
	return f
}

// Lookup returns the flow for key, if any, behind the reader lock.
func (t *StickyTable) Lookup(key domain.FlowKey) (domain.Flow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.entries[key]
	if !ok {
		return domain.Flow{}, false
	}
	return *f, true
}

// Snapshot returns a copy of every entry, for the Control API's read-only
// status surface.
func (t *StickyTable) Snapshot() []domain.Flow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Flow, 0, len(t.entries))
	for _, f := range t.entries {
		out = append(out, *f)
	}
	return out
}

// Cleanup prunes entries older than maxAge (LastSeenAt), per spec.md
// §4.6's periodic sweep. Returns the number of entries removed.
func (t *StickyTable) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	removed := 0
	for key, f := range t.entries {
		if now.Sub(f.LastSeenAt) > t.maxAge {
			delete(t.entries, key)
			removed++
			t.hub.EmitFlowPinned(events.EventFlowExpired, key.String(), string(f.Class), f.AssignedUplink, f.Sticky)
		}
	}
	if removed > 0 {
		metrics.Get().FlowsExpired.Add(float64(removed))
		metrics.Get().StickyFlows.Set(float64(len(t.entries)))
	}
	return removed
}

// RunCleanupSweep runs Cleanup every sweepInterval until ctx is cancelled,
// the periodic sweep spec.md §4.6 calls for.
func (t *StickyTable) RunCleanupSweep(ctx context.Context, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Cleanup(); n > 0 {
				t.logger.Debug("sticky table cleanup swept entries", "removed", n)
			}
		}
	}
}

// Len reports the current entry count.
func (t *StickyTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
