package relay

import "sync/atomic"

// Metrics is a passive counter registry incremented by the server and
// scraped externally (the scrape endpoint lives outside this daemon).
// Names are "relay_"-prefixed Prometheus conventions.
type Metrics struct {
	AllocationsCreated atomic.Int64 // relay_allocations_total
	AllocationsActive  atomic.Int64 // relay_allocations_active
	PortExhausted      atomic.Int64 // relay_port_exhausted_total
	PermissionsDenied  atomic.Int64 // relay_permissions_denied_total
	RelayInputDropped  atomic.Int64 // relay_relay_input_dropped_total
	AuthFailures       atomic.Int64 // relay_auth_failures_total
	CommandQueueDepth  atomic.Int64 // relay_cmd_queue_depth (sampled on drain)
}

// NewMetrics returns a zeroed Metrics registry.
func NewMetrics() *Metrics { return &Metrics{} }

// Snapshot returns a point-in-time copy of every counter, keyed by its
// Prometheus-shaped name, for tests and for whatever out-of-scope scrape
// endpoint a caller wires up.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"relay_allocations_total":          m.AllocationsCreated.Load(),
		"relay_allocations_active":         m.AllocationsActive.Load(),
		"relay_port_exhausted_total":       m.PortExhausted.Load(),
		"relay_permissions_denied_total":   m.PermissionsDenied.Load(),
		"relay_relay_input_dropped_total":  m.RelayInputDropped.Load(),
		"relay_auth_failures_total":        m.AuthFailures.Load(),
		"relay_cmd_queue_depth":            m.CommandQueueDepth.Load(),
	}
}
