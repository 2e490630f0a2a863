package metrics

// Prometheus metric namespaces
const (
	namespaceGateway  = "gateway"
	namespacePool     = "pool"
	namespaceStore    = "store"
	namespaceWaitlist = "waitlist"
)

// Gateway subsystems
const (
	subsystemConnections = "connections"
)

// Store subsystems
const (
	subsystemRedis  = "redis"
	subsystemPubsub = "pubsub"
)
