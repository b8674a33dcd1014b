package resilience

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Sentinel kinds. Terminal errors returned by [Scheduler.Run] are [*Error]
// values whose Kind is one of the last three; errors.Is matches the kind.
// Attempt errors recorded in an [AttemptRecord] wrap ErrTimeout or
// ErrBackend together with the vendor cause.
var (
	// ErrNotConfigured means no backend is registered for the capability.
	ErrNotConfigured = errors.New("resilience: no backend configured")

	// ErrTimeout means a single attempt did not settle before its deadline.
	ErrTimeout = errors.New("resilience: attempt timed out")

	// ErrBackend means the vendor call returned a definitive failure.
	ErrBackend = errors.New("resilience: backend error")

	// ErrDeadlineExceeded means the overall call budget (or the caller's
	// context) ran out before every candidate was tried.
	ErrDeadlineExceeded = errors.New("resilience: deadline exceeded")

	// ErrAllBackendsFailed means every candidate was tried and failed.
	ErrAllBackendsFailed = errors.New("resilience: all backends failed")
)

// Skip records a candidate the scheduler passed over without attempting it.
type Skip struct {
	Backend string
	Variant string
	Reason  string
}

// Error is the terminal error of an orchestration call. It carries the full
// attempt trace so callers can render per-backend diagnostics.
type Error struct {
	// Kind is one of ErrNotConfigured, ErrDeadlineExceeded or
	// ErrAllBackendsFailed.
	Kind error

	Capability types.Capability

	// Attempts lists every attempt made, in order.
	Attempts []AttemptRecord

	// Skipped lists candidates that were not attempted.
	Skipped []Skip

	// Cause is the caller's context error, if that ended the call.
	Cause error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v (%s", e.Kind, e.Capability)
	if n := len(e.Attempts); n > 0 {
		fmt.Fprintf(&b, ", %d attempts", n)
	}
	if n := len(e.Skipped); n > 0 {
		fmt.Fprintf(&b, ", %d skipped", n)
	}
	b.WriteString(")")
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s/%s: %s", a.Backend, a.Variant, a.Outcome)
		if a.Err != nil {
			fmt.Fprintf(&b, ": %v", a.Err)
		}
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "; cause: %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
