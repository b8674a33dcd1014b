package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/avatarvoice/internal/observe"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Outcome is the result class of a single attempt.
type Outcome int

const (
	// OutcomeSuccess means the invoker returned a payload in time.
	OutcomeSuccess Outcome = iota

	// OutcomeTimeout means the attempt deadline passed first. The call may
	// still be running; its result is discarded.
	OutcomeTimeout

	// OutcomeError means the invoker returned an error or panicked.
	OutcomeError
)

// String returns the lower-case name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	default:
		return "invalid"
	}
}

// AttemptRecord describes one attempt against one (backend, variant).
type AttemptRecord struct {
	CallID   string
	Backend  string
	Variant  string
	Start    time.Time
	Duration time.Duration
	Outcome  Outcome

	// Err wraps ErrTimeout or ErrBackend together with the vendor cause.
	// Nil on success.
	Err error
}

// Trace collects the attempt records of one orchestration call.
type Trace struct {
	CallID string

	mu      sync.Mutex
	records []AttemptRecord
}

// NewTrace returns an empty trace for callID.
func NewTrace(callID string) *Trace {
	return &Trace{CallID: callID}
}

// Append adds r to the trace.
func (t *Trace) Append(r AttemptRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
}

// Records returns a copy of the records in attempt order.
func (t *Trace) Records() []AttemptRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AttemptRecord, len(t.records))
	copy(out, t.records)
	return out
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithExecutorMetrics records attempts on m.
func WithExecutorMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// Executor runs single attempts and feeds their outcomes into a
// [HealthTable].
type Executor struct {
	health  *HealthTable
	metrics *observe.Metrics
}

// NewExecutor creates an Executor that updates health.
func NewExecutor(health *HealthTable, opts ...ExecutorOption) *Executor {
	e := &Executor{health: health}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

type invokeResult struct {
	payload types.Payload
	err     error
}

// Attempt invokes the candidate once. A zero deadline means the attempt is
// bounded by ctx only.
//
// The invoker runs in its own goroutine. If it has not returned when the
// deadline passes, the attempt is abandoned and its late result discarded.
// Panics become OutcomeError. Cancellation of ctx itself (as opposed to a
// deadline) yields OutcomeError without touching health.
//
// Attempt never returns an error; failures are described by the record,
// which is also appended to tr when tr is non-nil.
func (e *Executor) Attempt(ctx context.Context, c Candidate, req types.Request, deadline time.Time, tr *Trace) (types.Payload, AttemptRecord) {
	rec := AttemptRecord{
		Backend: c.Backend.Name,
		Variant: c.Variant.ID,
		Start:   time.Now(),
	}
	if tr != nil {
		rec.CallID = tr.CallID
	}

	ctx, span := observe.StartSpan(ctx, "resilience.attempt",
		trace.WithAttributes(
			attribute.String("backend", rec.Backend),
			attribute.String("variant", rec.Variant),
			attribute.String("call_id", rec.CallID),
		),
	)

	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if deadline.IsZero() {
		actx, cancel = context.WithCancel(ctx)
	} else {
		actx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("invoker panic: %v", r)}
			}
		}()
		p, err := c.Variant.Invoke(actx, req)
		done <- invokeResult{payload: p, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-actx.Done():
		res.err = context.Cause(actx)
	}
	rec.Duration = time.Since(rec.Start)

	callerCancelled := errors.Is(ctx.Err(), context.Canceled)
	switch {
	case res.err == nil:
		rec.Outcome = OutcomeSuccess
		e.health.RecordSuccess(rec.Backend, rec.Variant)
	case callerCancelled:
		rec.Outcome = OutcomeError
		rec.Err = fmt.Errorf("%w: %s: %w", ErrBackend, c, res.err)
	case actx.Err() != nil:
		rec.Outcome = OutcomeTimeout
		rec.Err = fmt.Errorf("%w: %s after %v: %w", ErrTimeout, c, rec.Duration.Round(time.Millisecond), res.err)
		e.health.RecordFailure(rec.Backend, rec.Variant)
	default:
		rec.Outcome = OutcomeError
		rec.Err = fmt.Errorf("%w: %s: %w", ErrBackend, c, res.err)
		e.health.RecordFailure(rec.Backend, rec.Variant)
	}

	e.metrics.RecordAttempt(ctx, rec.Backend, rec.Variant, rec.Outcome.String(), rec.Duration)
	span.SetAttributes(attribute.String("outcome", rec.Outcome.String()))
	observe.EndSpan(span, rec.Err)

	if rec.Err != nil {
		observe.Logger(ctx).Warn("backend attempt failed",
			"backend", rec.Backend,
			"variant", rec.Variant,
			"outcome", rec.Outcome.String(),
			"duration", rec.Duration,
			"error", res.err)
	} else {
		observe.Logger(ctx).Debug("backend attempt succeeded",
			"backend", rec.Backend,
			"variant", rec.Variant,
			"duration", rec.Duration)
	}

	if tr != nil {
		tr.Append(rec)
	}
	if rec.Outcome != OutcomeSuccess {
		return types.Payload{}, rec
	}
	return res.payload, rec
}
