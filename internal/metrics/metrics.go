// Package metrics exposes queue state and replay outcomes to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/syncq/internal/model"
)

const namespace = "syncq"

// Collector holds the queue metrics. Observe is an engine listener;
// RecordOutcome and RecordDrain satisfy driver.Observer.
type Collector struct {
	operations    *prometheus.GaugeVec
	unsynced      prometheus.Gauge
	snapshots     prometheus.Counter
	outcomes      *prometheus.CounterVec
	drainDuration prometheus.Histogram
	drainErrors   prometheus.Counter
}

// NewCollector creates unregistered collectors.
func NewCollector() *Collector {
	return &Collector{
		operations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations",
			Help:      "Buffered operations by status",
		}, []string{"status"}),
		unsynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unsynced_operations",
			Help:      "Pending plus failed operations, the count shown to users",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_updates_total",
			Help:      "Queue snapshots delivered to subscribers",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_outcomes_total",
			Help:      "Replayed operations by outcome and data type",
		}, []string{"outcome", "data_type"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of sync drains",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		drainErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_errors_total",
			Help:      "Drains that ended with an error",
		}),
	}
}

// Register adds the collectors to reg (or the default registerer if nil).
// Collectors that are already registered are left in place.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, col := range []prometheus.Collector{
		c.operations,
		c.unsynced,
		c.snapshots,
		c.outcomes,
		c.drainDuration,
		c.drainErrors,
	} {
		if err := reg.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Observe updates the status gauges from a queue snapshot.
func (c *Collector) Observe(ops []model.SyncOperation) {
	counts := make(map[model.SyncStatus]int, len(model.AllStatuses))
	unsynced := 0
	for _, op := range ops {
		counts[op.Status]++
		if op.Unsynced() {
			unsynced++
		}
	}
	for _, s := range model.AllStatuses {
		c.operations.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	c.unsynced.Set(float64(unsynced))
	c.snapshots.Inc()
}

const otherDataType = "other"

// RecordOutcome counts one replayed operation. Data types outside
// model.KnownDataTypes share the "other" label.
func (c *Collector) RecordOutcome(outcome string, dataType model.DataType) {
	label := string(dataType)
	if !dataType.Known() {
		label = otherDataType
	}
	c.outcomes.WithLabelValues(outcome, label).Inc()
}

// RecordDrain records a finished drain.
func (c *Collector) RecordDrain(d time.Duration, err error) {
	c.drainDuration.Observe(d.Seconds())
	if err != nil {
		c.drainErrors.Inc()
	}
}

// Handler serves the metrics gathered by g (or the default gatherer if nil).
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
