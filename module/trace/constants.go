package trace

// SpanName identifies a traced operation.
type SpanName string

const (
	// Pool operations
	PoolApplyContribution SpanName = "pool.applyContribution"
	PoolCurrentState      SpanName = "pool.currentState"
	PoolBootstrap         SpanName = "pool.bootstrap"

	// Store operations
	StoreRetrieveState  SpanName = "store.retrieveState"
	StoreCompareAndSwap SpanName = "store.compareAndSwap"
	StorePublishEvent   SpanName = "store.publishEvent"

	// Gateway operations
	GatewayState        SpanName = "gateway.state"
	GatewayContribution SpanName = "gateway.contribution"
	GatewayRandom       SpanName = "gateway.random"
)
