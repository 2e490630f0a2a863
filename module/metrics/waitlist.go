package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entropool/entropool/module"
)

// WaitlistCollector tracks the lifecycle of randomness waiters.
type WaitlistCollector struct {
	waitersJoined    prometheus.Counter
	waitersFulfilled prometheus.Counter
	waitersAbandoned prometheus.Counter
	waitersPending   prometheus.Gauge
	pendingEvents    prometheus.Gauge
}

var _ module.WaitlistMetrics = (*WaitlistCollector)(nil)

func NewWaitlistCollector() *WaitlistCollector {
	return &WaitlistCollector{
		waitersJoined: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "joined_total",
			Namespace: namespaceWaitlist,
			Help:      "number of waiters appended to the waitlist",
		}),
		waitersFulfilled: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "fulfilled_total",
			Namespace: namespaceWaitlist,
			Help:      "number of waiters handed a fresh pool state",
		}),
		waitersAbandoned: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "abandoned_total",
			Namespace: namespaceWaitlist,
			Help:      "number of waiters that left before fulfillment",
		}),
		waitersPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "pending",
			Namespace: namespaceWaitlist,
			Help:      "number of waiters currently parked on this instance",
		}),
		pendingEvents: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "pending_events",
			Namespace: namespaceWaitlist,
			Help:      "depth of the buffered change event queue feeding the fulfiller",
		}),
	}
}

func (wc *WaitlistCollector) WaiterJoined() {
	wc.waitersJoined.Inc()
	wc.waitersPending.Inc()
}

func (wc *WaitlistCollector) WaiterFulfilled() {
	wc.waitersFulfilled.Inc()
	wc.waitersPending.Dec()
}

func (wc *WaitlistCollector) WaiterAbandoned() {
	wc.waitersAbandoned.Inc()
	wc.waitersPending.Dec()
}

func (wc *WaitlistCollector) PendingEvents(length int) {
	wc.pendingEvents.Set(float64(length))
}
