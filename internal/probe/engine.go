// Package probe runs one worker goroutine per enabled uplink, producing a
// domain.ProbeSample stream consumed by the Health State Machine
// (spec.md §4.3).
package probe

import (
	"context"
	"sync"
	"time"

	"fathom/internal/clock"
	"fathom/internal/domain"
	"fathom/internal/errkind"
	"fathom/internal/hostadapter"
	"fathom/internal/logging"
)

// Target is the minimal description of an uplink the engine needs: its
// link name and the probe tunables to run against it.
type Target struct {
	Uplink string
	Link   string
	Params domain.ProbeParams
}

// Engine schedules one worker per registered Target and fans samples into
// a single channel, matching spec.md §4.3's "single multi-producer channel
// to the Health SM" model.
type Engine struct {
	host   hostadapter.HostAdapter
	clock  clock.Clock
	logger *logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	out     chan domain.ProbeSample
}

// New returns an Engine that will deliver samples on the returned channel.
// The channel is buffered so a slow Health SM consumer does not stall
// other uplinks' workers; callers should still drain it promptly.
func New(host hostadapter.HostAdapter, clk clock.Clock, logger *logging.Logger) *Engine {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Engine{
		host:    host,
		clock:   clk,
		logger:  logger.WithComponent("probe"),
		cancels: make(map[string]context.CancelFunc),
		out:     make(chan domain.ProbeSample, 64),
	}
}

// Samples returns the channel every worker publishes ProbeSamples to.
func (e *Engine) Samples() <-chan domain.ProbeSample {
	return e.out
}

// Inject returns the same channel workers publish on, for callers outside
// the engine (the Health SM's recovery supervisor) that need to post a
// one-shot probe result back through the single serialized sample path
// instead of mutating state directly from their own goroutine.
func (e *Engine) Inject() chan<- domain.ProbeSample {
	return e.out
}

// Start launches a worker for t.Uplink if one is not already running.
// Starting an uplink that already has a running worker is a no-op.
func (e *Engine) Start(parent context.Context, t Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.cancels[t.Uplink]; exists {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	e.cancels[t.Uplink] = cancel
	go e.run(ctx, t)
}

// Stop cancels t's worker, implementing the cooperative cancellation on
// removal/disable that spec.md §4.3 requires. A missing worker is a no-op.
func (e *Engine) Stop(uplink string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[uplink]; ok {
		cancel()
		delete(e.cancels, uplink)
	}
}

// StopAll cancels every running worker.
func (e *Engine) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cancel := range e.cancels {
		cancel()
		delete(e.cancels, name)
	}
}

func (e *Engine) run(ctx context.Context, t Target) {
	ticker := time.NewTicker(t.Params.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := e.probeOnce(ctx, t)
			select {
			case e.out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}
}

// probeOnce performs one reachability probe with a hard deadline of
// 2×timeout (spec.md §4.3) and classifies the result. It always returns a
// sample, even on error (loss_fraction=1.0, latency=0).
func (e *Engine) probeOnce(ctx context.Context, t Target) domain.ProbeSample {
	probeCtx, cancel := context.WithTimeout(ctx, 2*t.Params.Timeout)
	defer cancel()

	target := primaryTarget(t.Params.Targets)
	res, err := e.host.ReachabilityProbe(probeCtx, t.Link, target, t.Params.RetryCount, t.Params.Timeout)
	if err != nil {
		// Transient: a probe timeout or unreachability never halts anything
		// on its own, it just feeds the Health SM a lossy sample (spec.md §7).
		err = errkind.New(errkind.Transient, err)
		e.logger.Warn("probe failed", "uplink", t.Uplink, "target", target, "error", err)
		res = hostadapter.ProbeResult{AvgLatencyMs: 0, LossFraction: 1.0}
	}

	return domain.ProbeSample{
		Timestamp:    e.clock.Now(),
		Uplink:       t.Uplink,
		Target:       target,
		LatencyMs:    res.AvgLatencyMs,
		LossFraction: res.LossFraction,
		Verdict:      t.Params.Classify(res.AvgLatencyMs, res.LossFraction),
	}
}

func primaryTarget(targets []string) string {
	if len(targets) == 0 {
		return ""
	}
	return targets[0]
}
