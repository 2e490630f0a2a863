package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entropool/entropool/module"
)

// PoolCollector tracks contribution outcomes and the pool version observed
// by this instance.
type PoolCollector struct {
	contributionsAccepted prometheus.Counter
	contributionsRejected *prometheus.CounterVec
	writeConflicts        prometheus.Counter
	poolVersion           prometheus.Gauge
}

var _ module.PoolMetrics = (*PoolCollector)(nil)

func NewPoolCollector() *PoolCollector {
	return &PoolCollector{
		contributionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "contributions_accepted_total",
			Namespace: namespacePool,
			Help:      "number of contributions folded into the pool by this instance",
		}),
		contributionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "contributions_rejected_total",
			Namespace: namespacePool,
			Help:      "number of contributions rejected by this instance, by reason",
		}, []string{LabelReason}),
		writeConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "write_conflicts_total",
			Namespace: namespacePool,
			Help:      "number of compare-and-swap attempts lost to concurrent writers",
		}),
		poolVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "version",
			Namespace: namespacePool,
			Help:      "latest pool version observed by this instance",
		}),
	}
}

func (pc *PoolCollector) ContributionAccepted() {
	pc.contributionsAccepted.Inc()
}

func (pc *PoolCollector) ContributionRejected(reason string) {
	pc.contributionsRejected.With(prometheus.Labels{LabelReason: reason}).Inc()
}

func (pc *PoolCollector) WriteConflict() {
	pc.writeConflicts.Inc()
}

func (pc *PoolCollector) PoolVersion(version uint64) {
	pc.poolVersion.Set(float64(version))
}
