package resilience

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/avatarvoice/internal/observe"
)

// HealthState is the observed health of one (backend, variant) pair.
type HealthState int

const (
	// HealthUnknown is the initial state and the state after a cooldown.
	HealthUnknown HealthState = iota

	// HealthAvailable means the last attempt succeeded.
	HealthAvailable

	// HealthDegraded means recent attempts failed but fewer than the
	// failure threshold.
	HealthDegraded

	// HealthFailed means the pair is cooling down and is skipped by the
	// registry unless nothing else is left.
	HealthFailed
)

// String returns the lower-case name of the state.
func (s HealthState) String() string {
	switch s {
	case HealthUnknown:
		return "unknown"
	case HealthAvailable:
		return "available"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// HealthConfig tunes failure detection. Zero fields take defaults.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures that moves a
	// pair to HealthFailed. Default: 2.
	FailureThreshold int

	// Cooldown is the first cooldown window. Default: 60s.
	Cooldown time.Duration

	// MaxCooldown caps the doubling cooldown. Default: 10m.
	MaxCooldown time.Duration
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(10*time.Minute, c.Cooldown)
	}
	return c
}

// HealthStatus is a point-in-time view of one pair.
type HealthStatus struct {
	Backend             string
	Variant             string
	State               HealthState
	ConsecutiveFailures int

	// CooldownUntil is set while State is HealthFailed.
	CooldownUntil time.Time
}

type pairKey struct {
	backend, variant string
}

type healthEntry struct {
	state    HealthState
	fails    int
	until    time.Time
	probing  bool
	cooldown *backoff.ExponentialBackOff
}

// HealthOption configures a [HealthTable].
type HealthOption func(*HealthTable)

// WithClock replaces time.Now. Used by tests to step through cooldowns.
func WithClock(now func() time.Time) HealthOption {
	return func(h *HealthTable) {
		h.now = now
	}
}

// WithHealthMetrics records state transitions on m.
func WithHealthMetrics(m *observe.Metrics) HealthOption {
	return func(h *HealthTable) {
		h.metrics = m
	}
}

// HealthTable tracks [HealthState] per (backend, variant). Only attempt
// outcomes mutate it.
//
// A pair moves to HealthFailed after FailureThreshold consecutive failures
// and stays there for a cooldown drawn from a per-pair exponential backoff.
// When the cooldown elapses the pair reads as HealthUnknown and is probed
// again: a failing probe re-enters HealthFailed with the next, longer
// cooldown, a successful one resets the backoff.
type HealthTable struct {
	cfg     HealthConfig
	now     func() time.Time
	metrics *observe.Metrics

	mu      sync.Mutex
	entries map[pairKey]*healthEntry
}

// NewHealthTable creates an empty table.
func NewHealthTable(cfg HealthConfig, opts ...HealthOption) *HealthTable {
	h := &HealthTable{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		entries: make(map[pairKey]*healthEntry),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// State returns the current state of the pair.
func (h *HealthTable) State(backend, variant string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[pairKey{backend, variant}]
	if !ok {
		return HealthUnknown
	}
	h.expire(backend, variant, e)
	return e.state
}

// RecordSuccess marks the pair available and resets its failure history.
func (h *HealthTable) RecordSuccess(backend, variant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(backend, variant)
	e.fails = 0
	e.probing = false
	e.until = time.Time{}
	e.cooldown.Reset()
	h.set(backend, variant, e, HealthAvailable)
}

// RecordFailure counts a failed attempt and returns the resulting state.
func (h *HealthTable) RecordFailure(backend, variant string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(backend, variant)
	h.expire(backend, variant, e)
	if e.state == HealthFailed {
		// Late result from an attempt abandoned before the trip.
		return e.state
	}
	e.fails++
	if e.fails < h.cfg.FailureThreshold && !e.probing {
		h.set(backend, variant, e, HealthDegraded)
		return e.state
	}
	wait := e.cooldown.NextBackOff()
	e.until = h.now().Add(wait)
	e.probing = false
	h.set(backend, variant, e, HealthFailed)
	slog.Warn("backend marked failed",
		"backend", backend,
		"variant", variant,
		"consecutive_failures", e.fails,
		"cooldown", wait)
	return e.state
}

// Snapshot returns the state of every pair seen so far, sorted by backend
// then variant.
func (h *HealthTable) Snapshot() []HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HealthStatus, 0, len(h.entries))
	for k, e := range h.entries {
		h.expire(k.backend, k.variant, e)
		st := HealthStatus{
			Backend:             k.backend,
			Variant:             k.variant,
			State:               e.state,
			ConsecutiveFailures: e.fails,
		}
		if e.state == HealthFailed {
			st.CooldownUntil = e.until
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b HealthStatus) int {
		return cmp.Or(cmp.Compare(a.Backend, b.Backend), cmp.Compare(a.Variant, b.Variant))
	})
	return out
}

// entry returns the entry for the pair, creating it. Must be called with
// h.mu held.
func (h *HealthTable) entry(backend, variant string) *healthEntry {
	k := pairKey{backend, variant}
	e, ok := h.entries[k]
	if !ok {
		e = &healthEntry{cooldown: &backoff.ExponentialBackOff{
			InitialInterval: h.cfg.Cooldown,
			Multiplier:      2,
			MaxInterval:     h.cfg.MaxCooldown,
		}}
		e.cooldown.Reset()
		h.entries[k] = e
	}
	return e
}

// expire ends an elapsed cooldown. The backoff is kept so that a failing
// probe waits longer. Must be called with h.mu held.
func (h *HealthTable) expire(backend, variant string, e *healthEntry) {
	if e.state != HealthFailed || h.now().Before(e.until) {
		return
	}
	e.fails = 0
	e.probing = true
	e.until = time.Time{}
	h.set(backend, variant, e, HealthUnknown)
}

// set applies a state change and records it. Must be called with h.mu held.
func (h *HealthTable) set(backend, variant string, e *healthEntry, s HealthState) {
	if e.state == s {
		return
	}
	e.state = s
	h.metrics.RecordHealthTransition(context.Background(), backend, variant, s.String())
}
