// Package metrics wires the module's counters and gauges into a Prometheus
// registry (SPEC_FULL.md §6.2). Every component that observes state writes
// to these collectors directly; none of them read values back through this
// package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the fixed set of collectors used across the p2p and kademlia
// packages. Construct one with New and pass it (or a struct field of it)
// wherever a *Registry, kademlia.Metrics, or p2p metrics sink is expected.
type Registry struct {
	PeersConnected prometheus.Gauge
	PingsSent      prometheus.Counter
	PingsTimedOut  prometheus.Counter
	BucketsSplit   prometheus.Counter
	LookupsStarted prometheus.Counter
	LookupsActive  prometheus.Gauge
	PacketsSent    *prometheus.CounterVec
	PacketsRecv    *prometheus.CounterVec
}

// New creates a Registry and registers its collectors with reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the global
// default registry.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2p", Name: "peers_connected", Help: "Number of live peer sessions.",
		}),
		PingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2p", Subsystem: "kademlia", Name: "pings_sent_total", Help: "Kademlia pings sent.",
		}),
		PingsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2p", Subsystem: "kademlia", Name: "pings_timed_out_total", Help: "Kademlia pings that expired unanswered.",
		}),
		BucketsSplit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2p", Subsystem: "kademlia", Name: "buckets_split_total", Help: "Routing table bucket splits.",
		}),
		LookupsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2p", Subsystem: "kademlia", Name: "lookups_started_total", Help: "Iterative lookups started.",
		}),
		LookupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2p", Subsystem: "kademlia", Name: "lookups_active", Help: "Iterative lookups currently in flight.",
		}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2p", Name: "packets_sent_total", Help: "Packets sent, by protocol name.",
		}, []string{"protocol"}),
		PacketsRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2p", Name: "packets_received_total", Help: "Packets received, by protocol name.",
		}, []string{"protocol"}),
	}
	reg.MustRegister(
		r.PeersConnected, r.PingsSent, r.PingsTimedOut, r.BucketsSplit,
		r.LookupsStarted, r.LookupsActive, r.PacketsSent, r.PacketsRecv,
	)
	return r
}

// IncPingsSent implements kademlia.Metrics.
func (r *Registry) IncPingsSent() { r.PingsSent.Inc() }

// IncPingsTimedOut implements kademlia.Metrics.
func (r *Registry) IncPingsTimedOut() { r.PingsTimedOut.Inc() }

// IncBucketsSplit implements kademlia.Metrics.
func (r *Registry) IncBucketsSplit() { r.BucketsSplit.Inc() }

// IncLookupsStarted implements kademlia.Metrics.
func (r *Registry) IncLookupsStarted() { r.LookupsStarted.Inc() }

// SetLookupsActive implements kademlia.Metrics.
func (r *Registry) SetLookupsActive(n int) { r.LookupsActive.Set(float64(n)) }

// SetPeersConnected implements p2p.SessionMetrics.
func (r *Registry) SetPeersConnected(n int) { r.PeersConnected.Set(float64(n)) }

// IncPacketsSent implements p2p.SessionMetrics.
func (r *Registry) IncPacketsSent(protocol string) { r.PacketsSent.WithLabelValues(protocol).Inc() }

// IncPacketsRecv implements p2p.SessionMetrics.
func (r *Registry) IncPacketsRecv(protocol string) { r.PacketsRecv.WithLabelValues(protocol).Inc() }
