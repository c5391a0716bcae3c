// ============================================================================
// mqueue-journal Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
//
// Metric families:
//
//   1. Counters:
//      - mqjournal_writes_total: data records appended
//      - mqjournal_write_bytes_total: payload bytes appended
//      - mqjournal_split_writes_total: records whose payload crossed a block
//      - mqjournal_checkpoints_total: checkpoint records appended
//      - mqjournal_checkpoints_dropped_total: checkpoint requests dropped on a full ring
//      - mqjournal_recovered_records_total: data records replayed at open
//      - mqjournal_faults_total: consumer faults
//
//   2. Histogram:
//      - mqjournal_write_latency_seconds: time to append one record
//
//   3. Gauges:
//      - mqjournal_recovery_time_seconds: duration of the last open
//      - mqjournal_ring_in_flight: claimed but unprocessed ring entries
//      - mqjournal_messages_indexed: complete messages in the index
//
// Useful queries:
//
//   rate(mqjournal_write_bytes_total[1m])
//   histogram_quantile(0.99, rate(mqjournal_write_latency_seconds_bucket[5m]))
//   rate(mqjournal_checkpoints_dropped_total[5m]) > 0
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mqjournal"

// Collector is the Prometheus implementation of journal.Recorder.
type Collector struct {
	writes             prometheus.Counter
	writeBytes         prometheus.Counter
	splitWrites        prometheus.Counter
	checkpoints        prometheus.Counter
	checkpointsDropped prometheus.Counter
	recovered          prometheus.Counter
	faults             prometheus.Counter

	writeLatency prometheus.Histogram

	recoveryTime prometheus.Gauge
	inFlight     prometheus.Gauge
	indexed      prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg, or with
// prometheus.DefaultRegisterer when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Total number of data records appended",
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_bytes_total",
			Help:      "Total payload bytes appended",
		}),
		splitWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "split_writes_total",
			Help:      "Total number of records whose payload crossed a block boundary",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoint records appended",
		}),
		checkpointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_dropped_total",
			Help:      "Total number of checkpoint requests dropped because the ring was full",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_records_total",
			Help:      "Total number of data records replayed during recovery",
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Total number of journal consumer faults",
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_seconds",
			Help:      "Time to append one record in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12),
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last journal open in seconds",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_in_flight",
			Help:      "Ring entries claimed but not yet processed",
		}),
		indexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_indexed",
			Help:      "Complete messages currently held by the index",
		}),
	}

	reg.MustRegister(
		c.writes, c.writeBytes, c.splitWrites,
		c.checkpoints, c.checkpointsDropped,
		c.recovered, c.faults,
		c.writeLatency,
		c.recoveryTime, c.inFlight, c.indexed,
	)
	return c
}

// ObserveWrite records one appended data record.
func (c *Collector) ObserveWrite(bytes int, split bool, elapsed time.Duration) {
	c.writes.Inc()
	c.writeBytes.Add(float64(bytes))
	if split {
		c.splitWrites.Inc()
	}
	c.writeLatency.Observe(elapsed.Seconds())
}

func (c *Collector) ObserveCheckpoint() { c.checkpoints.Inc() }

func (c *Collector) ObserveCheckpointDropped() { c.checkpointsDropped.Inc() }

// ObserveRecovery records the outcome of a journal open.
func (c *Collector) ObserveRecovery(replayed int, elapsed time.Duration) {
	c.recovered.Add(float64(replayed))
	c.recoveryTime.Set(elapsed.Seconds())
}

func (c *Collector) ObserveFault() { c.faults.Inc() }

func (c *Collector) SetInFlight(n int) { c.inFlight.Set(float64(n)) }

// SetIndexed updates the indexed message gauge.
func (c *Collector) SetIndexed(n int) { c.indexed.Set(float64(n)) }

// StartServer serves /metrics for the default gatherer on port. It blocks
// until the listener fails.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
