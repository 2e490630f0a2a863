package metrics

const (
	LabelOperation = "operation"
	LabelReason    = "reason"
)

// Contribution rejection reasons
const (
	ReasonInvalid     = "invalid"
	ReasonContention  = "contention"
	ReasonUnavailable = "unavailable"
)
