// Package config loads the primary HCL daemon document (probe parameters,
// uplink declarations, sticky-class set, recovery interval, Control API
// bind address) and the JSON on-disk state files of spec.md §6.
package config

import (
	"time"

	"fathom/internal/domain"
	"fathom/internal/registry"
)

// Config is the schema-versioned HCL document a fathomd instance loads at
// startup and on a Control API config-reload.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Uplinks    []UplinkBlock     `hcl:"uplink,block" json:"uplinks"`
	Probe      *ProbeBlock       `hcl:"probe,block" json:"probe,omitempty"`
	Recovery   *RecoveryBlock    `hcl:"recovery,block" json:"recovery,omitempty"`
	ControlAPI *ControlAPIBlock  `hcl:"control_api,block" json:"control_api,omitempty"`

	StickyClasses   []string              `hcl:"sticky_classes,optional" json:"sticky_classes,omitempty"`
	ConnectionRules []ConnectionRuleBlock `hcl:"connection_rule,block" json:"connection_rules,omitempty"`

	StateDir    string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
	MetricsAddr string `hcl:"metrics_addr,optional" json:"metrics_addr,omitempty"`

	// Netns, if set, names a pre-existing network namespace fathomd
	// operates its uplinks inside of instead of its own. Left empty,
	// fathomd opens netlink/nftables/conntrack in its caller's namespace.
	Netns string `hcl:"netns,optional" json:"netns,omitempty"`
}

// UplinkBlock declares one WAN uplink in the HCL document:
//
//	uplink "isp-a" {
//	  interface = "eth0"
//	  nexthop   = "203.0.113.1"
//	  weight    = 3
//	}
type UplinkBlock struct {
	Name      string   `hcl:"name,label" json:"name"`
	Interface string   `hcl:"interface" json:"interface"`
	Nexthop   string   `hcl:"nexthop,optional" json:"nexthop,omitempty"`
	Weight    int      `hcl:"weight,optional" json:"weight,omitempty"`
	DNS       []string `hcl:"dns,optional" json:"dns,omitempty"`
}

// ProbeBlock mirrors the health-monitor JSON fields of spec.md §6
// (ping_target, timeout_seconds, retry_count, ...) in HCL form.
type ProbeBlock struct {
	Targets         []string `hcl:"targets,optional" json:"targets,omitempty"`
	IntervalSeconds int      `hcl:"interval_seconds,optional" json:"interval_seconds,omitempty"`
	TimeoutSeconds  int      `hcl:"timeout_seconds,optional" json:"timeout_seconds,omitempty"`
	RetryCount      int      `hcl:"retry_count,optional" json:"retry_count,omitempty"`
	MaxLatencyMs    float64  `hcl:"max_latency_ms,optional" json:"max_latency_ms,omitempty"`
	MaxPacketLoss   float64  `hcl:"max_packet_loss,optional" json:"max_packet_loss,omitempty"`
}

// RecoveryBlock configures the one-shot recovery probe cadence for a
// failed uplink (spec.md §4.4).
type RecoveryBlock struct {
	IntervalSeconds int `hcl:"interval_seconds,optional" json:"interval_seconds,omitempty"`
}

// ControlAPIBlock configures the net/rpc-over-Unix-socket transport of
// spec.md §4.7.
type ControlAPIBlock struct {
	SocketPath string `hcl:"socket_path,optional" json:"socket_path,omitempty"`
}

// ConnectionRuleBlock overrides or extends the built-in port-class table
// (spec.md §6's "connection-rules overlay"):
//
//	connection_rule "banking" {
//	  protocol = "tcp"
//	  ports    = [443, 8443]
//	}
type ConnectionRuleBlock struct {
	Class    string `hcl:"class,label" json:"class"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Ports    []int  `hcl:"ports,optional" json:"ports,omitempty"`
}

// ApplyDefaults fills zero-valued fields with the daemon's built-in
// defaults, matching DefaultProbeParams/DefaultPortMatchers/
// DefaultStickyClasses so an empty document still boots sensibly.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Probe == nil {
		c.Probe = &ProbeBlock{}
	}
	defaults := domain.DefaultProbeParams()
	if len(c.Probe.Targets) == 0 {
		c.Probe.Targets = defaults.Targets
	}
	if c.Probe.IntervalSeconds == 0 {
		c.Probe.IntervalSeconds = int(defaults.Interval / time.Second)
	}
	if c.Probe.TimeoutSeconds == 0 {
		c.Probe.TimeoutSeconds = int(defaults.Timeout / time.Second)
	}
	if c.Probe.RetryCount == 0 {
		c.Probe.RetryCount = defaults.RetryCount
	}
	if c.Probe.MaxLatencyMs == 0 {
		c.Probe.MaxLatencyMs = defaults.MaxLatencyMs
	}
	if c.Probe.MaxPacketLoss == 0 {
		c.Probe.MaxPacketLoss = defaults.MaxLoss
	}
	if c.Recovery == nil {
		c.Recovery = &RecoveryBlock{IntervalSeconds: 60}
	}
	if c.Recovery.IntervalSeconds == 0 {
		c.Recovery.IntervalSeconds = 60
	}
	if c.ControlAPI == nil {
		c.ControlAPI = &ControlAPIBlock{}
	}
	if c.ControlAPI.SocketPath == "" {
		c.ControlAPI.SocketPath = "/run/fathomd/ctl.sock"
	}
	if len(c.StickyClasses) == 0 {
		for class := range domain.DefaultStickyClasses() {
			c.StickyClasses = append(c.StickyClasses, string(class))
		}
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/fathomd"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9116"
	}
}

// ProbeParams converts the HCL probe block into domain.ProbeParams.
func (c *Config) ProbeParams() domain.ProbeParams {
	return domain.ProbeParams{
		Targets:      c.Probe.Targets,
		Interval:     time.Duration(c.Probe.IntervalSeconds) * time.Second,
		Timeout:      time.Duration(c.Probe.TimeoutSeconds) * time.Second,
		RetryCount:   c.Probe.RetryCount,
		MaxLatencyMs: c.Probe.MaxLatencyMs,
		MaxLoss:      c.Probe.MaxPacketLoss,
	}
}

// RecoveryInterval converts the HCL recovery block into a time.Duration.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Recovery.IntervalSeconds) * time.Second
}

// StickyClassSet parses StickyClasses into the map shape
// flow.BuildRuleSet/domain expect, ignoring unrecognized class names.
func (c *Config) StickyClassSet() map[domain.TrafficClass]bool {
	out := make(map[domain.TrafficClass]bool, len(c.StickyClasses))
	for _, name := range c.StickyClasses {
		out[domain.TrafficClass(name)] = true
	}
	return out
}

// PortMatchers merges the built-in table with the connection-rules
// overlay: an overlay entry whose class matches a built-in entry replaces
// it, anything new is appended (spec.md §6).
func (c *Config) PortMatchers() []domain.PortMatcher {
	base := domain.DefaultPortMatchers()
	if len(c.ConnectionRules) == 0 {
		return base
	}
	overrides := make(map[domain.TrafficClass]domain.PortMatcher, len(c.ConnectionRules))
	for _, r := range c.ConnectionRules {
		overrides[domain.TrafficClass(r.Class)] = domain.PortMatcher{
			Class:    domain.TrafficClass(r.Class),
			Protocol: r.Protocol,
			Ports:    r.Ports,
		}
	}
	out := make([]domain.PortMatcher, 0, len(base)+len(overrides))
	seen := make(map[domain.TrafficClass]bool)
	for _, m := range base {
		if o, ok := overrides[m.Class]; ok {
			out = append(out, o)
		} else {
			out = append(out, m)
		}
		seen[m.Class] = true
	}
	for class, m := range overrides {
		if !seen[class] {
			out = append(out, m)
		}
	}
	return out
}

// Descriptors converts the HCL uplink blocks into registry.Descriptors,
// ready for Registry.Add at startup.
func (c *Config) Descriptors() []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(c.Uplinks))
	for _, u := range c.Uplinks {
		weight := u.Weight
		if weight < 1 {
			weight = 1
		}
		out = append(out, registry.Descriptor{
			Name:      u.Name,
			Interface: u.Interface,
			Nexthop:   u.Nexthop,
			Weight:    weight,
			DNSHints:  u.DNS,
		})
	}
	return out
}
