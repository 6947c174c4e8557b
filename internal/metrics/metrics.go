// Package metrics provides Prometheus metrics integration for txqueue.
//
// A Collector owns its metric vectors and implements prometheus.Collector,
// so nothing is registered until the caller decides to:
//
//	collector := metrics.NewCollector("orders")
//	prometheus.MustRegister(collector)
//
// Managers without a collector use NoopCollector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the set of events a queue manager reports.
type Recorder interface {
	RecordOffer(queue string, payloadSize int)
	RecordPoll(queue string, payloadSize int)
	RecordCommit(ops int, duration time.Duration)
	RecordCommitFailure()
	RecordRollback()
	RecordRecovery(replayed, discarded int)
	RecordRotation(queue string)
	UpdateQueueDepth(queue string, depth int)
}

// Collector records queue metrics as Prometheus series.
type Collector struct {
	offers         *prometheus.CounterVec
	polls          *prometheus.CounterVec
	payloadBytes   *prometheus.CounterVec
	commits        prometheus.Counter
	commitFailures prometheus.Counter
	rollbacks      prometheus.Counter
	recovered      *prometheus.CounterVec
	rotations      *prometheus.CounterVec
	depth          *prometheus.GaugeVec
	commitLatency  prometheus.Histogram
	commitOps      prometheus.Histogram
}

// NewCollector creates a collector. namespace prefixes every metric name
// and may be empty.
func NewCollector(namespace string) *Collector {
	return &Collector{
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txqueue_offers_total",
			Help:      "Items made visible in a queue, directly or by commit",
		}, []string{"queue"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txqueue_polls_total",
			Help:      "Items removed from a queue, directly or by commit",
		}, []string{"queue"}),
		payloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txqueue_payload_bytes_total",
			Help:      "Serialized item bytes moved through a queue",
		}, []string{"queue", "direction"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txqueue_commits_total",
			Help:      "Committed transactions",
		}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txqueue_commit_failures_total",
			Help:      "Commits that failed to journal or apply",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txqueue_rollbacks_total",
			Help:      "Rolled back transactions",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txqueue_recovered_transactions_total",
			Help:      "Transactions handled by journal recovery",
		}, []string{"outcome"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txqueue_file_rotations_total",
			Help:      "Write file rotations of persistent queues",
		}, []string{"queue"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "txqueue_depth",
			Help:      "Committed items visible in a queue",
		}, []string{"queue"}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "txqueue_commit_latency_seconds",
			Help:      "Time to journal and apply a transaction",
			Buckets:   prometheus.DefBuckets,
		}),
		commitOps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "txqueue_commit_ops",
			Help:      "Mutations per committed transaction",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.offers, c.polls, c.payloadBytes,
		c.commits, c.commitFailures, c.rollbacks,
		c.recovered, c.rotations, c.depth,
		c.commitLatency, c.commitOps,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// RecordOffer records an item becoming visible in a queue.
func (c *Collector) RecordOffer(queue string, payloadSize int) {
	c.offers.WithLabelValues(queue).Inc()
	c.payloadBytes.WithLabelValues(queue, "in").Add(float64(payloadSize))
}

// RecordPoll records an item leaving a queue.
func (c *Collector) RecordPoll(queue string, payloadSize int) {
	c.polls.WithLabelValues(queue).Inc()
	c.payloadBytes.WithLabelValues(queue, "out").Add(float64(payloadSize))
}

// RecordCommit records a successful commit.
func (c *Collector) RecordCommit(ops int, duration time.Duration) {
	c.commits.Inc()
	c.commitOps.Observe(float64(ops))
	c.commitLatency.Observe(duration.Seconds())
}

// RecordCommitFailure records a failed commit.
func (c *Collector) RecordCommitFailure() { c.commitFailures.Inc() }

// RecordRollback records a rollback.
func (c *Collector) RecordRollback() { c.rollbacks.Inc() }

// RecordRecovery records the outcome of a journal recovery.
func (c *Collector) RecordRecovery(replayed, discarded int) {
	c.recovered.WithLabelValues("replayed").Add(float64(replayed))
	c.recovered.WithLabelValues("discarded").Add(float64(discarded))
}

// RecordRotation records a data file rotation.
func (c *Collector) RecordRotation(queue string) {
	c.rotations.WithLabelValues(queue).Inc()
}

// UpdateQueueDepth sets the visible depth of a queue.
func (c *Collector) UpdateQueueDepth(queue string, depth int) {
	c.depth.WithLabelValues(queue).Set(float64(depth))
}

// NoopCollector is a metrics collector that does nothing.
type NoopCollector struct{}

func (NoopCollector) RecordOffer(string, int) {}
func (NoopCollector) RecordPoll(string, int) {}
func (NoopCollector) RecordCommit(int, time.Duration) {}
func (NoopCollector) RecordCommitFailure() {}
func (NoopCollector) RecordRollback() {}
func (NoopCollector) RecordRecovery(int, int) {}
func (NoopCollector) RecordRotation(string) {}
func (NoopCollector) UpdateQueueDepth(string, int) {}
