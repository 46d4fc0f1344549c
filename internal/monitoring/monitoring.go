// Package monitoring adapts the teacher's Metrics struct (prometheus
// counters/gauges/histograms registered via promauto) from the
// knowledge-base domain to the synchronizer domain: sync message
// traffic, handle lifecycle transitions, peer counts, and storage
// coordinator timings. Unlike the teacher, each
// Metrics carries its own prometheus.Registry rather than registering
// into the global DefaultRegisterer, since a process may construct more
// than one Repo (and tests construct many) and promauto panics on
// duplicate registration against a shared registry.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram a Repo and its
// synchronizer components update. Registry is the registry they were
// registered into; wire it into a promhttp.HandlerFor for a /metrics
// endpoint.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesSent      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	HandleTransitions *prometheus.CounterVec
	PeerStateChanges  *prometheus.CounterVec

	ActivePeers          prometheus.Gauge
	DocumentsUnavailable prometheus.Counter

	StorageSaveDuration prometheus.Histogram
	StorageLoadDuration prometheus.Histogram
	StorageErrors       prometheus.Counter

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
}

// NewMetrics builds a Metrics with a fresh private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syncrepo_messages_sent_total",
			Help: "Outbound protocol messages sent, by message type.",
		}, []string{"type"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syncrepo_messages_received_total",
			Help: "Inbound protocol messages received, by message type.",
		}, []string{"type"}),
		HandleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syncrepo_handle_transitions_total",
			Help: "DocHandle lifecycle transitions, by destination state.",
		}, []string{"state"}),
		PeerStateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "syncrepo_peer_state_changes_total",
			Help: "Per-peer sync state changes on a DocSynchronizer, by destination state.",
		}, []string{"state"}),
		ActivePeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "syncrepo_active_peers",
			Help: "Peers currently connected across every tracked document.",
		}),
		DocumentsUnavailable: f.NewCounter(prometheus.CounterOpts{
			Name: "syncrepo_documents_unavailable_total",
			Help: "Documents that transitioned requesting -> unavailable.",
		}),
		StorageSaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncrepo_storage_save_duration_seconds",
			Help:    "Time taken by storagecoord.SaveDoc.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		StorageLoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncrepo_storage_load_duration_seconds",
			Help:    "Time taken by storagecoord.LoadDoc.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "syncrepo_storage_errors_total",
			Help: "Storage adapter errors encountered during background save or explicit load.",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "syncrepo_bytes_sent_total",
			Help: "Bytes of sync message payload sent to peers.",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "syncrepo_bytes_received_total",
			Help: "Bytes of sync message payload received from peers.",
		}),
	}
}
