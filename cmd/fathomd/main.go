// Command fathomd is the multi-WAN control-plane daemon: it bonds
// uplinks via weighted ECMP, probes their health, fails over and
// recovers automatically, and steers sticky traffic classes onto a
// consistent uplink via kernel marks and policy routing.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fathom/internal/clock"
	"fathom/internal/config"
	"fathom/internal/ctlplane"
	"fathom/internal/domain"
	"fathom/internal/errkind"
	"fathom/internal/events"
	"fathom/internal/flow"
	"fathom/internal/health"
	"fathom/internal/hostadapter"
	"fathom/internal/inventory"
	"fathom/internal/logging"
	"fathom/internal/metrics"
	"fathom/internal/probe"
	"fathom/internal/registry"
	"fathom/internal/routeprog"
	"fathom/internal/store"
)

// shutdownGrace bounds how long main waits for in-flight goroutines to
// exit cleanly on SIGINT/SIGTERM before returning anyway (spec.md §6).
const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run())
}

// run contains the actual startup/shutdown logic so main can just
// os.Exit with its integer result (spec.md §6 exit codes: 0 normal, 1
// fatal init failure, 130 interrupt).
func run() int {
	configFile := flag.String("config", "/etc/fathomd/fathomd.hcl", "path to the HCL configuration document")
	probeTarget := flag.String("probe-target", "", "override the first probe target for interface classification")
	flag.Parse()

	logger := logging.New(logging.DefaultConfig())
	logging.SetDefault(logger)

	d, err := newDaemon(*configFile, *probeTarget, logger)
	if err != nil {
		kind, _ := errkind.KindOf(err)
		logger.Error("fatal initialization failure", "error", err, "kind", kind.String())
		return 1
	}
	defer d.closeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	d.start(ctx, &wg)

	if err := config.WritePIDFile(d.pidPath); err != nil {
		logger.Warn("write pid file failed", "error", err)
	}
	defer config.RemovePIDFile(d.pidPath)

	logger.Audit("start", "fathomd", nil)
	d.eventLog.Append(config.EventLogEntry{Timestamp: clock.Now(), Type: "START", Message: "fathomd started"})
	code := waitForSignal(ctx, cancel, &wg, logger)
	d.eventLog.Append(config.EventLogEntry{Timestamp: clock.Now(), Type: "STOP", Message: "fathomd stopped"})
	logger.Audit("stop", "fathomd", nil)
	return code
}

// waitForSignal blocks until SIGINT/SIGTERM arrives or ctx is done. SIGHUP
// does not reload anything: it only logs that reloads go through the
// Control API; SIGINT/SIGTERM cancel ctx and wait up to shutdownGrace for
// wg to drain.
func waitForSignal(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, logger *logging.Logger) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return 0
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP; reload via the control API socket instead")
			default:
				logger.Info("received signal, shutting down", "signal", sig.String())
				cancel()

				done := make(chan struct{})
				go func() {
					wg.Wait()
					close(done)
				}()
				select {
				case <-done:
				case <-time.After(shutdownGrace):
					logger.Warn("shutdown grace period elapsed; exiting anyway")
				}

				if sig == os.Interrupt {
					return 130
				}
				return 0
			}
		}
	}
}

// daemon holds every long-lived component main wires together.
type daemon struct {
	logger *logging.Logger

	host    hostadapter.HostAdapter
	reg     *registry.Registry
	eng     *probe.Engine
	route   *routeprog.Programmer
	sticky  *flow.StickyTable
	hub     *events.Hub
	machine *health.Machine
	inv     *inventory.Inventory
	hist    *store.Store
	ctl     *ctlplane.Server

	cfg         *config.Config
	configPath  string
	probeTarget string
	pidPath     string
	eventLog    *config.EventLog
	startedAt   time.Time
}

// newDaemon loads configuration and constructs every component without
// starting any goroutines, so construction failures are reported before
// anything is running.
func newDaemon(configPath, probeTargetOverride string, logger *logging.Logger) (*daemon, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var host hostadapter.HostAdapter
	if cfg.Netns != "" {
		host, err = hostadapter.NewLinuxAdapterInNamespace(logger, cfg.Netns)
	} else {
		host, err = hostadapter.NewLinuxAdapter(logger)
	}
	if err != nil {
		return nil, errkind.New(errkind.Host, fmt.Errorf("init host adapter: %w", err))
	}

	probeTarget := probeTargetOverride
	if probeTarget == "" && len(cfg.Probe.Targets) > 0 {
		probeTarget = cfg.Probe.Targets[0]
	}

	clk := &clock.RealClock{}
	hub := events.NewHub()
	reg := registry.New(clk)
	eng := probe.New(host, clk, logger)
	route := routeprog.New(host, hub, logger)
	sticky := flow.NewStickyTable(clk, hub, logger)
	inv := inventory.New(host, logger)

	hist, err := store.Open(filepath.Join(cfg.StateDir, "history.sqlite"), clk)
	if err != nil {
		return nil, fmt.Errorf("open historical latency store: %w", err)
	}

	machine := health.New(reg, eng, host, route, hub, clk, cfg.ProbeParams(), cfg.RecoveryInterval(), logger)
	machine.SetRecorder(hist)

	eventLog, err := config.OpenEventLog(filepath.Join(cfg.StateDir, "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	d := &daemon{
		logger:      logger,
		host:        host,
		reg:         reg,
		eng:         eng,
		route:       route,
		sticky:      sticky,
		hub:         hub,
		machine:     machine,
		inv:         inv,
		hist:        hist,
		cfg:         cfg,
		configPath:  configPath,
		probeTarget: probeTarget,
		pidPath:     filepath.Join(cfg.StateDir, "fathomd.pid"),
		eventLog:    eventLog,
		startedAt:   clk.Now(),
	}

	d.ctl = ctlplane.New(reg, machine, route, sticky, inv, hist, d, cfg.ControlAPI.SocketPath, probeTarget, logger)

	for _, desc := range cfg.Descriptors() {
		if _, err := reg.Add(desc); err != nil {
			return nil, fmt.Errorf("register uplink %q: %w", desc.Name, err)
		}
	}

	return d, nil
}

// start launches every background goroutine: per-uplink probe workers,
// the Health SM's serialized event loop, the sticky-table cleanup sweep,
// the Control API listener, and the periodic status-snapshot writer.
func (d *daemon) start(ctx context.Context, wg *sync.WaitGroup) {
	for _, s := range d.reg.Snapshot() {
		d.eng.Start(ctx, probe.Target{Uplink: s.Name, Link: s.Interface, Params: d.cfg.ProbeParams()})
	}

	if err := d.installFilterProgram(ctx); err != nil {
		d.logger.Warn("install filter program failed", "error", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.machine.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sticky.RunCleanupSweep(ctx, 5*time.Minute)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runHistoryPruneLoop(ctx)
	}()

	wg.Add(1)
	go d.runEventLogBridge(ctx, wg)

	if err := d.ctl.Start(); err != nil {
		d.logger.Error("control api failed to start", "error", err)
	}

	if d.cfg.MetricsAddr != "" {
		d.startMetricsServer(ctx, wg)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runStatusSnapshotLoop(ctx)
	}()
}

// startMetricsServer exposes the Prometheus registry over plain HTTP.
// This is not the out-of-scope administrator dashboard of spec.md §6 —
// it is a single /metrics endpoint for scraping, the same ambient
// observability surface every component's metrics already feed.
func (d *daemon) startMetricsServer(ctx context.Context, wg *sync.WaitGroup) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Warn("metrics server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// installFilterProgram builds and installs the classifier's rule set
// against the currently-known primary uplink. Called once at startup and
// again on every config reload (spec.md §4.6).
func (d *daemon) installFilterProgram(ctx context.Context) error {
	classifier := flow.New(d.cfg.PortMatchers())
	primary, ok := d.reg.Primary()
	var markBits uint8
	if ok {
		markBits = primary.MarkBits
	}
	ruleSet := flow.BuildRuleSet(classifier.Matchers(), d.cfg.StickyClassSet(), markBits, ok)
	return d.host.InstallFilterProgram(ctx, ruleSet)
}

// runStatusSnapshotLoop periodically overwrites the status-snapshot JSON
// file consumers poll (spec.md §6).
func (d *daemon) runStatusSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeStatusSnapshot()
		}
	}
}

func (d *daemon) writeStatusSnapshot() {
	metrics.Get().Uptime.Set(clock.Now().Sub(d.startedAt).Seconds())

	snapshot := d.reg.Snapshot()
	interfaces := make(map[string]config.InterfaceHealthStatus, len(snapshot))
	healthy := 0
	for _, u := range snapshot {
		if u.Health == domain.HealthHealthy {
			healthy++
		}
		interfaces[u.Name] = config.InterfaceHealthStatus{
			CurrentStatus:       string(u.Health),
			UptimePercentage:    u.UptimeRatio * 100,
			ConsecutiveFailures: u.ConsecutiveFailures,
			LastCheck:           u.LastTransitionAt,
		}
	}

	overall := "healthy"
	switch {
	case len(snapshot) == 0 || healthy == 0:
		overall = "failed"
	case healthy < len(snapshot):
		overall = "degraded"
	}

	nexthopNames := make([]string, 0, len(d.route.ActiveNexthops()))
	for _, n := range d.route.ActiveNexthops() {
		nexthopNames = append(nexthopNames, n.Dev)
	}

	status := &config.StatusSnapshot{
		Timestamp:      clock.Now(),
		OverallHealth:  overall,
		ServiceRunning: true,
		Components: config.StatusComponents{
			HealthMonitor: config.HealthMonitorStatus{
				HealthyInterfaces: healthy,
				TotalInterfaces:   len(snapshot),
				Interfaces:        interfaces,
			},
			RouteManager:      config.RouteManagerStatus{ActiveNexthops: nexthopNames},
			ConnectionTracker: config.ConnectionTrackerStatus{StickyFlows: d.sticky.Len()},
		},
	}
	if err := status.Save(filepath.Join(d.cfg.StateDir, "status.json")); err != nil {
		d.logger.Warn("write status snapshot failed", "error", err)
	}
}

// historyRetention bounds how long the historical latency store keeps raw
// samples before the periodic prune drops them; the Control API's
// graph/summary/export surface never looks back further than this anyway.
const historyRetention = 30 * 24 * time.Hour

// runEventLogBridge subscribes to the Hub for the uplink lifecycle events
// spec.md §6's on-disk event log records — FAILOVER/RECOVERY on Route
// Programmer outcomes, MANUAL_ENABLE/MANUAL_DISABLE on Control API admin
// edits — and appends one JSON line per event until ctx is cancelled. This
// is the bridge between the in-process event bus and the durable log; every
// other event type on the Hub (route.rebuild, flow.*, admin.add/remove/
// reload) has no entry in the log's closed type enum and is left to the
// status snapshot and metrics instead.
func (d *daemon) runEventLogBridge(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ch := d.hub.Subscribe(64, events.EventRouteFailover, events.EventRouteRecovery, events.EventAdminEnable, events.EventAdminDisable)
	defer d.hub.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			entry, ok := d.eventLogEntryFor(e)
			if !ok {
				continue
			}
			if err := d.eventLog.Append(entry); err != nil {
				d.logger.Warn("append event log entry failed", "error", err)
			}
		}
	}
}

func (d *daemon) eventLogEntryFor(e events.Event) (config.EventLogEntry, bool) {
	entry := config.EventLogEntry{Timestamp: e.Timestamp}
	switch e.Type {
	case events.EventRouteFailover:
		data, _ := e.Data.(events.RouteEventData)
		entry.Type = "FAILOVER"
		entry.Message = fmt.Sprintf("uplink %s failed over", data.Interface)
		entry.Data = data
	case events.EventRouteRecovery:
		data, _ := e.Data.(events.RouteEventData)
		entry.Type = "RECOVERY"
		entry.Message = fmt.Sprintf("uplink %s recovered", data.Interface)
		entry.Data = data
	case events.EventAdminEnable:
		data, _ := e.Data.(events.AdminEditData)
		entry.Type = "MANUAL_ENABLE"
		entry.Message = fmt.Sprintf("uplink %s manually enabled", data.Uplink)
		entry.Data = data
	case events.EventAdminDisable:
		data, _ := e.Data.(events.AdminEditData)
		entry.Type = "MANUAL_DISABLE"
		entry.Message = fmt.Sprintf("uplink %s manually disabled", data.Uplink)
		entry.Data = data
	default:
		return config.EventLogEntry{}, false
	}
	return entry, true
}

// runHistoryPruneLoop periodically deletes historical samples older than
// historyRetention so the store stays bounded (spec.md §6).
func (d *daemon) runHistoryPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.hist.Prune(ctx, historyRetention)
			if err != nil {
				d.logger.Warn("prune historical latency store failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Debug("pruned historical latency samples", "removed", n)
			}
		}
	}
}

// Reload implements ctlplane.Reloader: it loads a fresh document, applies
// the uplink-set diff through the Health SM's admin queue (so Route
// Programmer still observes a linearizable sequence), and re-installs the
// filter program. A failed reload leaves the running configuration in
// place (spec.md §7).
func (d *daemon) Reload(ctx context.Context, path string) (*config.LoadResult, error) {
	if path == "" {
		path = d.configPath
	}
	result, err := config.LoadFileWithOptions(path, config.DefaultLoadOptions())
	if err != nil {
		metrics.Get().ConfigReloads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("configuration: %w", err)
	}
	metrics.Get().ConfigReloads.WithLabelValues("ok").Inc()

	newByName := make(map[string]bool, len(result.Config.Uplinks))
	for _, desc := range result.Config.Descriptors() {
		newByName[desc.Name] = true
		if _, exists := d.reg.Get(desc.Name); exists {
			continue
		}
		if err := d.machine.SubmitAdmin(ctx, health.Command{Kind: health.AdminAdd, Descriptor: desc}); err != nil {
			d.logger.Warn("reload: add uplink failed", "uplink", desc.Name, "error", err)
		}
	}
	for _, s := range d.reg.Snapshot() {
		if newByName[s.Name] {
			continue
		}
		if err := d.machine.SubmitAdmin(ctx, health.Command{Kind: health.AdminRemove, Uplink: s.Name}); err != nil {
			d.logger.Warn("reload: remove uplink failed", "uplink", s.Name, "error", err)
		}
	}

	d.cfg = result.Config
	if err := d.installFilterProgram(ctx); err != nil {
		d.logger.Warn("reload: re-install filter program failed", "error", err)
	}

	// A config reload has no entry in spec.md §6's closed event-log type
	// enum (START/STOP/FAILOVER/RECOVERY/MANUAL_DISABLE/MANUAL_ENABLE); it
	// is tracked via the metrics counter above and the hub event below
	// instead of a fabricated event-log type.
	d.hub.Publish(events.Event{Type: events.EventAdminReload, Source: "ctlplane", Data: events.AdminEditData{Detail: path}})
	return result, nil
}

func (d *daemon) closeStore() {
	if d.hist != nil {
		d.hist.Close()
	}
	if d.eventLog != nil {
		d.eventLog.Close()
	}
}
