package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entropool/entropool/module"
)

// StoreCollector tracks round trips to the shared state store and the
// change event traffic flowing through it.
type StoreCollector struct {
	operationDuration *prometheus.HistogramVec
	operationFailures *prometheus.CounterVec
	available         prometheus.Gauge
	eventsPublished   prometheus.Counter
	eventsReceived    prometheus.Counter
}

var _ module.StoreMetrics = (*StoreCollector)(nil)

func NewStoreCollector() *StoreCollector {
	return &StoreCollector{
		operationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "operation_duration_seconds",
			Namespace: namespaceStore,
			Subsystem: subsystemRedis,
			Help:      "round trip time of store operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{LabelOperation}),
		operationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "operation_failures_total",
			Namespace: namespaceStore,
			Subsystem: subsystemRedis,
			Help:      "number of store operations that returned an error",
		}, []string{LabelOperation}),
		available: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "available",
			Namespace: namespaceStore,
			Subsystem: subsystemRedis,
			Help:      "most recent health probe verdict, 1 when the store is reachable",
		}),
		eventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "events_published_total",
			Namespace: namespaceStore,
			Subsystem: subsystemPubsub,
			Help:      "number of change events published by this instance",
		}),
		eventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "events_received_total",
			Namespace: namespaceStore,
			Subsystem: subsystemPubsub,
			Help:      "number of change events received from the store",
		}),
	}
}

func (sc *StoreCollector) StoreOperation(operation string, duration time.Duration) {
	sc.operationDuration.With(prometheus.Labels{LabelOperation: operation}).Observe(duration.Seconds())
}

func (sc *StoreCollector) StoreOperationFailed(operation string) {
	sc.operationFailures.With(prometheus.Labels{LabelOperation: operation}).Inc()
}

func (sc *StoreCollector) StoreAvailable(available bool) {
	if available {
		sc.available.Set(1)
	} else {
		sc.available.Set(0)
	}
}

func (sc *StoreCollector) ChangeEventPublished() {
	sc.eventsPublished.Inc()
}

func (sc *StoreCollector) ChangeEventReceived() {
	sc.eventsReceived.Inc()
}
