// Package retry decides whether a failed invocation may be attempted
// again and how long to wait before doing so.
package retry

import (
	"github.com/najoast/orb/core"
)

// Action is the decision taken for a failed attempt.
type Action uint8

const (
	// Surface returns the failure to the caller
	Surface Action = iota

	// Retry attempts the invocation again
	Retry
)

// String returns the string representation of Action.
func (a Action) String() string {
	switch a {
	case Surface:
		return "surface"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Outcome describes a failed attempt.
type Outcome struct {
	Kind core.Kind

	// Sent is true when the request may have reached the server
	Sent bool

	// Idempotent is true for twoway calls to idempotent operations
	Idempotent bool

	// Indirect is true when the target was resolved through the locator
	Indirect bool

	// RequestFailedRetries counts earlier retries caused by request-failed errors
	RequestFailedRetries int
}

// Verdict is the result of Classify.
type Verdict struct {
	Action Action

	// Refresh asks the caller to invalidate cached resolution before retrying
	Refresh bool

	Reason string
}

// Classify decides what to do with a failed attempt. It has no state
// and does not apply any attempt limit; see Policy for that.
func Classify(o Outcome) Verdict {
	switch o.Kind.Family() {
	case core.FamilyRequestFailed:
		if !o.Indirect {
			return Verdict{Action: Surface, Reason: "request failed on a direct reference"}
		}
		if o.RequestFailedRetries > 0 {
			return Verdict{Action: Surface, Reason: "request failed after re-resolution"}
		}
		return Verdict{Action: Retry, Refresh: true, Reason: "object may have moved"}

	case core.FamilyTransport:
		switch {
		case o.Kind == core.KindCloseConnection:
			return Verdict{Action: Retry, Refresh: true, Reason: "connection closed gracefully by peer"}
		case !o.Sent:
			return Verdict{Action: Retry, Refresh: true, Reason: "failed before the request was sent"}
		case o.Idempotent:
			return Verdict{Action: Retry, Refresh: true, Reason: "idempotent request"}
		default:
			return Verdict{Action: Surface, Reason: "request may have been executed"}
		}

	case core.FamilyTimeout:
		return Verdict{Action: Surface, Reason: "timeout"}
	case core.FamilyCanceled:
		return Verdict{Action: Surface, Reason: "canceled"}
	case core.FamilyLocal:
		return Verdict{Action: Surface, Reason: "local error"}
	default:
		return Verdict{Action: Surface, Reason: "application error"}
	}
}
