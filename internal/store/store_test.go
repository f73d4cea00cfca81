package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathom/internal/clock"
	"fathom/internal/domain"
)

func openTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.sqlite")
	s, err := Open(path, clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndGraph(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	s := openTestStore(t, clk)
	ctx := context.Background()

	sample := domain.ProbeSample{
		Uplink:       "isp-a",
		Timestamp:    clk.Now(),
		LatencyMs:    12.5,
		LossFraction: 0,
		Verdict:      domain.VerdictReachable,
	}
	require.NoError(t, s.RecordSample(ctx, sample))

	points, err := s.Graph(ctx, "isp-a", time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 12.5, points[0].LatencyMs)
	assert.Equal(t, "reachable", points[0].Verdict)
}

func TestStore_GraphExcludesOutsideWindow(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	s := openTestStore(t, clk)
	ctx := context.Background()

	old := domain.ProbeSample{Uplink: "isp-a", Timestamp: clk.Now(), Verdict: domain.VerdictReachable}
	require.NoError(t, s.RecordSample(ctx, old))

	clk.Advance(2 * time.Hour)
	recent := domain.ProbeSample{Uplink: "isp-a", Timestamp: clk.Now(), Verdict: domain.VerdictReachable}
	require.NoError(t, s.RecordSample(ctx, recent))

	points, err := s.Graph(ctx, "isp-a", time.Hour)
	require.NoError(t, err)
	assert.Len(t, points, 1, "expected 1 point inside the 1h window")
}

func TestStore_Summarize(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	s := openTestStore(t, clk)
	ctx := context.Background()

	samples := []domain.ProbeSample{
		{Uplink: "isp-a", Timestamp: clk.Now(), LatencyMs: 10, Verdict: domain.VerdictReachable},
		{Uplink: "isp-a", Timestamp: clk.Now(), LatencyMs: 20, LossFraction: 1, Verdict: domain.VerdictLost},
	}
	for _, s2 := range samples {
		require.NoError(t, s.RecordSample(ctx, s2))
	}

	sum, err := s.Summarize(ctx, "isp-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SampleCount)
	assert.Equal(t, 0.5, sum.UptimeRatio)
}

func TestStore_PruneRemovesOldSamples(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	s := openTestStore(t, clk)
	ctx := context.Background()

	require.NoError(t, s.RecordSample(ctx, domain.ProbeSample{Uplink: "isp-a", Timestamp: clk.Now(), Verdict: domain.VerdictReachable}))

	clk.Advance(31 * 24 * time.Hour)
	removed, err := s.Prune(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	points, err := s.Graph(ctx, "isp-a", 365*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, points)
}
