package entropy

import (
	"errors"
	"fmt"
)

// ErrContention is returned when an optimistic write lost the version race
// more times than the configured retry budget allows. The contribution was
// not applied; the caller may resubmit.
var ErrContention = errors.New("contribution rejected: too much write contention")

// InvalidContributionError rejects a single contribution without affecting
// the session that sent it.
type InvalidContributionError struct {
	Reason string
}

func NewInvalidContributionError(format string, args ...interface{}) InvalidContributionError {
	return InvalidContributionError{Reason: fmt.Sprintf(format, args...)}
}

func (e InvalidContributionError) Error() string {
	return fmt.Sprintf("invalid contribution: %s", e.Reason)
}

// IsInvalidContributionError returns whether err is an InvalidContributionError.
func IsInvalidContributionError(err error) bool {
	var target InvalidContributionError
	return errors.As(err, &target)
}
