package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Result is the outcome of a successful scheduler run.
type Result struct {
	Payload  types.Payload
	Backend  string
	Variant  string
	CallID   string
	Attempts []AttemptRecord
	Skipped  []Skip
}

type callIDKey struct{}

// WithCallID attaches a call id to ctx. [Scheduler.Run] uses it for the
// attempt trace and generates one when absent.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the call id attached to ctx, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// Scheduler walks the registry's candidates sequentially until one succeeds.
// It never runs candidates in parallel.
type Scheduler struct {
	reg  *Registry
	exec *Executor
	now  func() time.Time
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithSchedulerClock replaces time.Now for budget arithmetic.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a Scheduler over reg and binds reg's region
// failover to it.
func NewScheduler(reg *Registry, exec *Executor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{reg: reg, exec: exec, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	reg.regions.attach(s)
	return s
}

// Run serves req with the first candidate for capability that succeeds.
//
// overallDeadline bounds the whole call; zero means no overall budget, in
// which case only per-backend timeouts and ctx apply. Each attempt is bounded
// by min(MaxTimeout, remaining budget). Every heavy-model backend of
// capability has its warmup started; until it is Ready it is skipped.
//
// Errors are always *Error: ErrNotConfigured when no backend serves
// capability, ErrDeadlineExceeded when the budget or ctx ran out with
// candidates left, ErrAllBackendsFailed otherwise.
func (s *Scheduler) Run(ctx context.Context, capability types.Capability, req types.Request, overallDeadline time.Time) (Result, error) {
	req.Capability = capability
	if !s.reg.HasCapability(capability) {
		return Result{}, &Error{Kind: ErrNotConfigured, Capability: capability}
	}
	s.reg.startWarmup(capability, "")
	cands, skipped := s.reg.candidates(capability, "")
	return s.run(ctx, req, overallDeadline, cands, skipped)
}

func (s *Scheduler) run(ctx context.Context, req types.Request, deadline time.Time, cands []Candidate, skipped []Skip) (Result, error) {
	callID := CallID(ctx)
	if callID == "" {
		callID = uuid.NewString()
	}
	tr := NewTrace(callID)
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	fail := func(kind, cause error) (Result, error) {
		return Result{CallID: callID}, &Error{
			Kind:       kind,
			Capability: req.Capability,
			Attempts:   tr.Records(),
			Skipped:    skipped,
			Cause:      cause,
		}
	}

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return fail(ErrDeadlineExceeded, err)
		}
		now := s.now()
		var attemptDeadline time.Time
		if c.Backend.MaxTimeout > 0 {
			attemptDeadline = now.Add(c.Backend.MaxTimeout)
		}
		if !deadline.IsZero() {
			if !now.Before(deadline) {
				return fail(ErrDeadlineExceeded, nil)
			}
			if attemptDeadline.IsZero() || deadline.Before(attemptDeadline) {
				attemptDeadline = deadline
			}
		}

		payload, rec := s.exec.Attempt(ctx, c, req, attemptDeadline, tr)
		if rec.Outcome == OutcomeSuccess {
			if c.Backend.Regional {
				s.reg.regions.Promote(c.Backend.Name, c.Variant.ID)
			}
			return Result{
				Payload:  payload,
				Backend:  rec.Backend,
				Variant:  rec.Variant,
				CallID:   callID,
				Attempts: tr.Records(),
				Skipped:  skipped,
			}, nil
		}
	}

	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		// The last attempt was cut short by the caller.
		return fail(ErrDeadlineExceeded, err)
	}
	return fail(ErrAllBackendsFailed, nil)
}
