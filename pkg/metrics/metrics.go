// Package metrics exposes the comms substrate's operational counters and
// gauges via prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every metric this substrate exports under one struct so
// callers construct it once at node start-up and thread it through the
// components that report into it, rather than relying on package-level
// globals.
type Registry struct {
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	SubstreamsActive   prometheus.Gauge
	DialFailuresTotal  *prometheus.CounterVec
	BansTotal          *prometheus.CounterVec
	DedupHitsTotal     prometheus.Counter
	DedupCacheSize     prometheus.Gauge
	SAFStoredTotal     prometheus.Counter
	SAFOccupancy       prometheus.Gauge
	SAFRetrievedTotal  prometheus.Counter
	MessagesSentTotal  *prometheus.CounterVec
	MessagesRecvTotal  *prometheus.CounterVec
	DiscoveryRounds    prometheus.Counter
	PeerStoreSize      prometheus.Gauge
}

// New registers every metric against reg and returns the populated
// Registry. Pass prometheus.DefaultRegisterer to export via promhttp,
// prometheus.NewRegistry() for an isolated registry, or nil to create the
// metrics unregistered (tests, multiple in-process nodes).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "connections_total",
			Help:      "Connections established, labelled by direction and outcome.",
		}, []string{"direction", "outcome"}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "comms",
			Name:      "connections_active",
			Help:      "Connections currently in the Ready state.",
		}),
		SubstreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "comms",
			Name:      "substreams_active",
			Help:      "Open substreams across all connections.",
		}),
		DialFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "dial_failures_total",
			Help:      "Dial attempts that failed, labelled by cerr.Kind.",
		}, []string{"kind"}),
		BansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "bans_total",
			Help:      "Peer bans issued, labelled by reason.",
		}, []string{"reason"}),
		DedupHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "dedup_hits_total",
			Help:      "Inbound messages suppressed as duplicates.",
		}),
		DedupCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "comms",
			Name:      "dedup_cache_size",
			Help:      "Entries currently tracked by the dedup cache.",
		}),
		SAFStoredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "saf_stored_total",
			Help:      "Envelopes accepted into the store-and-forward buffer.",
		}),
		SAFOccupancy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "comms",
			Name:      "saf_occupancy",
			Help:      "Envelopes currently held in the store-and-forward buffer.",
		}),
		SAFRetrievedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "saf_retrieved_total",
			Help:      "Envelopes handed back by a SAF retrieval request.",
		}),
		MessagesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "messages_sent_total",
			Help:      "Outbound envelopes routed, labelled by message_type.",
		}, []string{"message_type"}),
		MessagesRecvTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "messages_received_total",
			Help:      "Inbound envelopes accepted past dedup, labelled by message_type.",
		}, []string{"message_type"}),
		DiscoveryRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "comms",
			Name:      "discovery_rounds_total",
			Help:      "Network discovery rounds completed.",
		}),
		PeerStoreSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "comms",
			Name:      "peer_store_size",
			Help:      "Peers currently known to the Peer Store.",
		}),
	}
}
