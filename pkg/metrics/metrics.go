package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robustmq_nodes_total",
			Help: "Total number of registered nodes by role",
		},
		[]string{"role"},
	)

	// Journal metrics
	ShardsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustmq_shards_total",
			Help: "Total number of journal shards",
		},
	)

	SegmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robustmq_segments_total",
			Help: "Total number of journal segments by status",
		},
		[]string{"status"},
	)

	SegmentRollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robustmq_segment_rolls_total",
			Help: "Total number of segment roll (scroll) events",
		},
	)

	SegmentAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "robustmq_segment_append_duration_seconds",
			Help:    "Time taken to append a batch to a segment",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustmq_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustmq_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustmq_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustmq_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "robustmq_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftSnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robustmq_raft_snapshot_duration_seconds",
			Help:    "Time taken to build or restore a state-machine snapshot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"machine", "op"},
	)

	// Inner-call fanout metrics
	InnerCallQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robustmq_inner_call_queue_depth",
			Help: "Current queue depth of the inner-call fanout channel per node",
		},
		[]string{"node_id"},
	)

	InnerCallFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robustmq_inner_call_failures_total",
			Help: "Total number of failed UpdateCache inner-call deliveries",
		},
		[]string{"node_id"},
	)

	// MQTT broker metrics
	ConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustmq_mqtt_connections_total",
			Help: "Total number of live MQTT connections",
		},
	)

	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustmq_mqtt_sessions_total",
			Help: "Total number of durable MQTT sessions",
		},
	)

	SubscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robustmq_mqtt_subscriptions_total",
			Help: "Total number of active subscriptions by kind",
		},
		[]string{"kind"}, // "exclusive" or "shared"
	)

	MessagesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robustmq_mqtt_messages_dispatched_total",
			Help: "Total number of messages dispatched to subscribers by kind",
		},
		[]string{"kind"},
	)

	ACLDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robustmq_mqtt_acl_denied_total",
			Help: "Total number of ACL-denied publish/subscribe attempts",
		},
		[]string{"action"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robustmq_mqtt_auth_failures_total",
			Help: "Total number of failed login attempts by driver",
		},
		[]string{"driver"},
	)

	// OffsetCache metrics
	OffsetFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "robustmq_offset_flush_duration_seconds",
			Help:    "Time taken for one OffsetCache flush loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	OffsetDirtyGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robustmq_offset_dirty_groups",
			Help: "Number of groups currently marked dirty in the offset cache",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		ShardsTotal,
		SegmentsTotal,
		SegmentRollsTotal,
		SegmentAppendDuration,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		RaftSnapshotDuration,
		InnerCallQueueDepth,
		InnerCallFailuresTotal,
		ConnectionsTotal,
		SessionsTotal,
		SubscriptionsTotal,
		MessagesDispatchedTotal,
		ACLDeniedTotal,
		AuthFailuresTotal,
		OffsetFlushDuration,
		OffsetDirtyGroups,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
