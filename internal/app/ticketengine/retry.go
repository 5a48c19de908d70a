package ticketengine

import (
	"strings"
	"time"
)

// backoffInitial and backoffCap bound the exponential delay applied
// before a changes_requested ticket is promoted back to ready.
const (
	backoffInitial = 30 * time.Second
	backoffCap     = 10 * time.Minute
)

// backoffDuration returns the delay before retry attempt n (1-indexed)
// is eligible to run again.
func backoffDuration(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := backoffInitial
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// classifyWorkerFailure maps a worker's free-text error onto one of the
// four failure kinds named in the design notes. Both completion paths
// reach it with a string only: the HTTP CompletionReport carries no kind,
// and the dispatch loop folds a worker's FailureKind into the error text.
func classifyWorkerFailure(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return "timeout"
	case strings.Contains(lower, "model"):
		return "model_error"
	case strings.Contains(lower, "infra") || strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
		return "infrastructure"
	default:
		return "tool_error"
	}
}
