package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entropool/entropool/module"
)

// RegistryCollector tracks the live websocket population and slow consumer
// handling.
type RegistryCollector struct {
	connectionsOpened    prometheus.Counter
	connectionsClosed    *prometheus.CounterVec
	activeConnections    prometheus.Gauge
	slowConsumersSuspect prometheus.Counter
	slowConsumersEvicted prometheus.Counter
	statesEnqueued       prometheus.Counter
	statesSuperseded     prometheus.Counter
	eventsBroadcast      prometheus.Counter
	sweeps               prometheus.Counter
	sweepEnqueues        prometheus.Counter
}

var _ module.RegistryMetrics = (*RegistryCollector)(nil)

func NewRegistryCollector() *RegistryCollector {
	return &RegistryCollector{
		connectionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "opened_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of websocket connections accepted into the registry",
		}),
		connectionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "closed_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of websocket connections removed from the registry, by close reason",
		}, []string{LabelReason}),
		activeConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "active",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of websocket connections currently registered",
		}),
		slowConsumersSuspect: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "slow_consumer_suspected_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of first missed-delivery strikes recorded against connections",
		}),
		slowConsumersEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "slow_consumer_evicted_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of connections force-closed for failing to drain their queues",
		}),
		statesEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "states_enqueued_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of pool states handed to connection queues",
		}),
		statesSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "states_superseded_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of queued pool states replaced by a newer state before delivery",
		}),
		eventsBroadcast: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "events_broadcast_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of change events fanned out to the registered connections",
		}),
		sweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "reconciliation_sweeps_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of reconciliation sweep passes",
		}),
		sweepEnqueues: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "reconciliation_enqueues_total",
			Namespace: namespaceGateway,
			Subsystem: subsystemConnections,
			Help:      "number of states re-enqueued by reconciliation sweeps to connections that fell behind",
		}),
	}
}

func (rc *RegistryCollector) ConnectionOpened() {
	rc.connectionsOpened.Inc()
	rc.activeConnections.Inc()
}

func (rc *RegistryCollector) ConnectionClosed(reason string) {
	rc.connectionsClosed.With(prometheus.Labels{LabelReason: reason}).Inc()
	rc.activeConnections.Dec()
}

func (rc *RegistryCollector) SlowConsumerSuspected() {
	rc.slowConsumersSuspect.Inc()
}

func (rc *RegistryCollector) SlowConsumerEvicted() {
	rc.slowConsumersEvicted.Inc()
}

func (rc *RegistryCollector) StateEnqueued() {
	rc.statesEnqueued.Inc()
}

func (rc *RegistryCollector) StateSuperseded() {
	rc.statesSuperseded.Inc()
}

func (rc *RegistryCollector) ChangeEventBroadcast() {
	rc.eventsBroadcast.Inc()
}

func (rc *RegistryCollector) ReconciliationSweep(enqueued int) {
	rc.sweeps.Inc()
	rc.sweepEnqueues.Add(float64(enqueued))
}
