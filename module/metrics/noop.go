package metrics

import (
	"time"

	"github.com/entropool/entropool/module"
)

// NoopCollector implements all metrics interfaces with no-ops. It is used in
// tests and wherever metrics reporting is disabled.
type NoopCollector struct{}

var _ module.RegistryMetrics = (*NoopCollector)(nil)
var _ module.PoolMetrics = (*NoopCollector)(nil)
var _ module.StoreMetrics = (*NoopCollector)(nil)
var _ module.WaitlistMetrics = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	nc := &NoopCollector{}
	return nc
}

func (nc *NoopCollector) ConnectionOpened()                                 {}
func (nc *NoopCollector) ConnectionClosed(reason string)                    {}
func (nc *NoopCollector) SlowConsumerSuspected()                            {}
func (nc *NoopCollector) SlowConsumerEvicted()                              {}
func (nc *NoopCollector) StateEnqueued()                                    {}
func (nc *NoopCollector) StateSuperseded()                                  {}
func (nc *NoopCollector) ChangeEventBroadcast()                             {}
func (nc *NoopCollector) ReconciliationSweep(enqueued int)                  {}
func (nc *NoopCollector) ContributionAccepted()                             {}
func (nc *NoopCollector) ContributionRejected(reason string)                {}
func (nc *NoopCollector) WriteConflict()                                    {}
func (nc *NoopCollector) PoolVersion(version uint64)                        {}
func (nc *NoopCollector) StoreOperation(operation string, d time.Duration)  {}
func (nc *NoopCollector) StoreOperationFailed(operation string)             {}
func (nc *NoopCollector) StoreAvailable(available bool)                     {}
func (nc *NoopCollector) ChangeEventPublished()                             {}
func (nc *NoopCollector) ChangeEventReceived()                              {}
func (nc *NoopCollector) WaiterJoined()                                     {}
func (nc *NoopCollector) WaiterFulfilled()                                  {}
func (nc *NoopCollector) WaiterAbandoned()                                  {}
func (nc *NoopCollector) PendingEvents(length int)                          {}
