package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the cache node
type Metrics struct {
	// Write routing metrics
	WritesTotal         *prometheus.CounterVec
	WriteDuration       *prometheus.HistogramVec
	BatchPartitionsSent *prometheus.CounterVec

	// Ack collection metrics
	AckWaitDuration   prometheus.Histogram
	AckTimeoutsTotal  prometheus.Counter
	AcksReceivedTotal prometheus.Counter
	AckCollectorsOpen prometheus.Gauge
	AcksSentTotal     *prometheus.CounterVec

	// Read metrics
	ReadsTotal       *prometheus.CounterVec
	RemoteGetsTotal  prometheus.Counter
	LockTimeoutTotal prometheus.Counter

	// Data container metrics
	EntriesTotal   *prometheus.GaugeVec
	SizeBytes      *prometheus.GaugeVec
	EvictionsTotal *prometheus.CounterVec

	// View metrics
	ViewInstallsTotal *prometheus.CounterVec
	ViewID            *prometheus.GaugeVec
	ViewMembers       *prometheus.GaugeVec
	PendingJoiners    *prometheus.GaugeVec
	PendingLeavers    *prometheus.GaugeVec

	// Gossip metrics
	GossipMembersTotal  prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec

	// Dispatch metrics
	DispatchInlineTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		WritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "writes_total",
			Help:        "Total number of routed writes by local role and outcome",
			ConstLabels: labels,
		}, []string{"cache", "role", "outcome"}),
		WriteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "write_duration_seconds",
			Help:        "Histogram of routed write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"cache", "role"}),
		BatchPartitionsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "batch_partitions_sent_total",
			Help:        "Batch partitions sent by fan-out phase",
			ConstLabels: labels,
		}, []string{"cache", "phase"}),

		AckWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "ack_wait_duration_seconds",
			Help:        "Time the originator waited for backup acks",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		AckTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "ack_timeouts_total",
			Help:        "Writes whose backup acks did not arrive in time",
			ConstLabels: labels,
		}),
		AcksReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "acks_received_total",
			Help:        "Backup acks received",
			ConstLabels: labels,
		}),
		AckCollectorsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "ack_collectors_open",
			Help:        "Writes currently waiting for backup acks",
			ConstLabels: labels,
		}),
		AcksSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "acks_sent_total",
			Help:        "Backup acks sent by delivery path",
			ConstLabels: labels,
		}, []string{"path"}),

		ReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "reads_total",
			Help:        "Reads by where they were answered",
			ConstLabels: labels,
		}, []string{"cache", "source"}),
		RemoteGetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "remote_gets_total",
			Help:        "Reads fetched from a remote owner",
			ConstLabels: labels,
		}),
		LockTimeoutTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "lock_timeouts_total",
			Help:        "Key lock acquisitions that timed out",
			ConstLabels: labels,
		}),

		EntriesTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Entries held in the local data container",
			ConstLabels: labels,
		}, []string{"cache"}),
		SizeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Approximate size of the local data container",
			ConstLabels: labels,
		}, []string{"cache"}),
		EvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Entries evicted from the local data container",
			ConstLabels: labels,
		}, []string{"cache"}),

		ViewInstallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view",
			Name:        "installs_total",
			Help:        "View installation attempts by outcome",
			ConstLabels: labels,
		}, []string{"cache", "outcome"}),
		ViewID: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "view",
			Name:        "committed_id",
			Help:        "Id of the committed view",
			ConstLabels: labels,
		}, []string{"cache"}),
		ViewMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "view",
			Name:        "members",
			Help:        "Members of the committed view",
			ConstLabels: labels,
		}, []string{"cache"}),
		PendingJoiners: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "view",
			Name:        "pending_joiners",
			Help:        "Nodes waiting to join, tracked by the coordinator",
			ConstLabels: labels,
		}, []string{"cache"}),
		PendingLeavers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "view",
			Name:        "pending_leavers",
			Help:        "Nodes waiting to be removed, tracked by the coordinator",
			ConstLabels: labels,
		}, []string{"cache"}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Live members known to gossip",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "events_total",
			Help:        "Membership events by type",
			ConstLabels: labels,
		}, []string{"type"}),

		DispatchInlineTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "dispatch",
			Name:        "inline_total",
			Help:        "Background tasks run outside the worker pool because its queue was full",
			ConstLabels: labels,
		}),
	}
}

// Helper methods for recording metrics

func (m *Metrics) RecordWrite(cache, role, outcome string, duration float64) {
	m.WritesTotal.WithLabelValues(cache, role, outcome).Inc()
	m.WriteDuration.WithLabelValues(cache, role).Observe(duration)
}

func (m *Metrics) RecordBatchPartition(cache, phase string) {
	m.BatchPartitionsSent.WithLabelValues(cache, phase).Inc()
}

func (m *Metrics) RecordAckWait(duration float64, timedOut bool) {
	m.AckWaitDuration.Observe(duration)
	if timedOut {
		m.AckTimeoutsTotal.Inc()
	}
}

func (m *Metrics) RecordAckReceived() {
	m.AcksReceivedTotal.Inc()
}

func (m *Metrics) RecordAckSent(path string) {
	m.AcksSentTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) UpdateOpenCollectors(delta float64) {
	m.AckCollectorsOpen.Add(delta)
}

func (m *Metrics) RecordRead(cache, source string) {
	m.ReadsTotal.WithLabelValues(cache, source).Inc()
	if source == "remote" {
		m.RemoteGetsTotal.Inc()
	}
}

func (m *Metrics) RecordLockTimeout() {
	m.LockTimeoutTotal.Inc()
}

func (m *Metrics) UpdateContainerSize(cache string, entries int, bytes int64) {
	m.EntriesTotal.WithLabelValues(cache).Set(float64(entries))
	m.SizeBytes.WithLabelValues(cache).Set(float64(bytes))
}

func (m *Metrics) RecordEviction(cache string) {
	m.EvictionsTotal.WithLabelValues(cache).Inc()
}

func (m *Metrics) RecordViewInstall(cache, outcome string) {
	m.ViewInstallsTotal.WithLabelValues(cache, outcome).Inc()
}

func (m *Metrics) UpdateCommittedView(cache string, viewID, members int) {
	m.ViewID.WithLabelValues(cache).Set(float64(viewID))
	m.ViewMembers.WithLabelValues(cache).Set(float64(members))
}

func (m *Metrics) UpdatePendingChanges(cache string, joiners, leavers int) {
	m.PendingJoiners.WithLabelValues(cache).Set(float64(joiners))
	m.PendingLeavers.WithLabelValues(cache).Set(float64(leavers))
}

func (m *Metrics) UpdateGossipMembers(total int) {
	m.GossipMembersTotal.Set(float64(total))
}

func (m *Metrics) RecordGossipEvent(eventType string) {
	m.GossipMessagesTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordDispatchInline() {
	m.DispatchInlineTotal.Inc()
}
