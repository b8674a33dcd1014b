// Package orchestrator is the entry point for speech requests. It normalises
// input, applies the default deadline policy, and serves each request from
// the result cache or, on a miss, from the failover scheduler.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/avatarvoice/internal/observe"
	"github.com/MrWong99/avatarvoice/internal/resilience"
	"github.com/MrWong99/avatarvoice/internal/speechcache"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// ErrEmptyInput is returned for blank text or empty audio.
var ErrEmptyInput = errors.New("orchestrator: empty input")

// defaultSTTBudget bounds a transcription when the caller gives no deadline.
const defaultSTTBudget = 10 * time.Second

// Config holds the deadline policy and the request defaults.
type Config struct {
	// STTBudget is the total budget of a Transcribe call without an explicit
	// deadline. Zero means 10s; negative disables the budget.
	STTBudget time.Duration

	// TTSBudget is the total budget of a Synthesize call without an explicit
	// deadline. Zero or negative means none: only per-backend timeouts apply.
	TTSBudget time.Duration

	// Defaults fill empty request options. Synthesis takes every field,
	// transcription only Language and Model.
	Defaults types.Options
}

func (c Config) withDefaults() Config {
	if c.STTBudget == 0 {
		c.STTBudget = defaultSTTBudget
	}
	return c
}

// Result is a served speech request.
type Result struct {
	CallID  string
	Payload types.Payload
	Backend string
	Variant string
	Source  speechcache.Source

	// Attempts and Skipped are set only for the caller that ran the
	// scheduler (Source miss).
	Attempts []resilience.AttemptRecord
	Skipped  []resilience.Skip
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMetrics records call latency and cache lookups on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock replaces time.Now for deadline arithmetic.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator serves Synthesize and Transcribe. It is safe for concurrent
// use.
type Orchestrator struct {
	reg     *resilience.Registry
	sched   *resilience.Scheduler
	cache   *speechcache.Cache
	metrics *observe.Metrics
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config

	closeOnce sync.Once
}

// New creates an Orchestrator over the given components. sched must have
// been created for reg.
func New(reg *resilience.Registry, sched *resilience.Scheduler, cache *speechcache.Cache, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:   reg,
		sched: sched,
		cache: cache,
		now:   time.Now,
		cfg:   cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Synthesize turns text into audio. A zero deadline applies the TTS budget.
func (o *Orchestrator) Synthesize(ctx context.Context, text string, opts types.Options, deadline time.Time) (Result, error) {
	text = speechcache.NormalizeText(text)
	if text == "" {
		return Result{}, ErrEmptyInput
	}
	return o.serve(ctx, types.Request{
		Capability: types.CapabilityTTS,
		Text:       text,
		Options:    o.withDefaults(types.CapabilityTTS, opts),
	}, deadline)
}

// Transcribe turns audio into text. A zero deadline applies the STT budget.
func (o *Orchestrator) Transcribe(ctx context.Context, audio []byte, opts types.Options, deadline time.Time) (Result, error) {
	if len(audio) == 0 {
		return Result{}, ErrEmptyInput
	}
	return o.serve(ctx, types.Request{
		Capability: types.CapabilitySTT,
		Audio:      audio,
		Options:    o.withDefaults(types.CapabilitySTT, opts),
	}, deadline)
}

func (o *Orchestrator) serve(ctx context.Context, req types.Request, deadline time.Time) (res Result, err error) {
	start := o.now()
	res.CallID = uuid.NewString()
	ctx = resilience.WithCallID(ctx, res.CallID)
	ctx, span := observe.StartSpan(ctx, "orchestrator."+string(req.Capability),
		trace.WithAttributes(attribute.String("call_id", res.CallID)))
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordCall(ctx, string(req.Capability), status, o.now().Sub(start))
		span.SetAttributes(attribute.String("cache", res.Source.String()), attribute.String("backend", res.Backend))
		observe.EndSpan(span, err)
	}()

	deadline = o.deadline(req.Capability, deadline, start)
	var run resilience.Result
	entry, src, err := o.cache.GetOrCompute(ctx, speechcache.NewKey(req), func(fctx context.Context) (speechcache.Entry, error) {
		r, err := o.sched.Run(fctx, req.Capability, req, deadline)
		if err != nil {
			return speechcache.Entry{}, err
		}
		run = r
		return speechcache.Entry{Payload: r.Payload, Backend: r.Backend, Variant: r.Variant}, nil
	})
	res.Source = src
	o.metrics.RecordCacheLookup(ctx, string(req.Capability), src.String())

	if err != nil {
		var rerr *resilience.Error
		if !errors.As(err, &rerr) && ctx.Err() != nil {
			err = &resilience.Error{Kind: resilience.ErrDeadlineExceeded, Capability: req.Capability, Cause: err}
		}
		observe.Logger(ctx).Warn("speech request failed",
			"call_id", res.CallID,
			"capability", req.Capability,
			"cache", src,
			"err", err)
		return res, err
	}

	res.Payload = entry.Payload
	res.Backend = entry.Backend
	res.Variant = entry.Variant
	if src == speechcache.SourceMiss {
		res.Attempts = run.Attempts
		res.Skipped = run.Skipped
	}
	observe.Logger(ctx).Debug("speech request served",
		"call_id", res.CallID,
		"capability", req.Capability,
		"backend", res.Backend,
		"variant", res.Variant,
		"cache", src,
		"elapsed", o.now().Sub(start))
	return res, nil
}

// deadline returns d, or start plus the capability's budget when d is zero.
func (o *Orchestrator) deadline(c types.Capability, d, start time.Time) time.Time {
	if !d.IsZero() {
		return d
	}
	o.mu.RLock()
	budget := o.cfg.TTSBudget
	if c == types.CapabilitySTT {
		budget = o.cfg.STTBudget
	}
	o.mu.RUnlock()
	if budget <= 0 {
		return time.Time{}
	}
	return start.Add(budget)
}

func (o *Orchestrator) withDefaults(c types.Capability, opts types.Options) types.Options {
	o.mu.RLock()
	def := o.cfg.Defaults
	o.mu.RUnlock()

	if opts.Language == "" {
		opts.Language = def.Language
	}
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if c == types.CapabilitySTT {
		return opts
	}
	if opts.Voice == "" {
		opts.Voice = def.Voice
	}
	if opts.Speed == 0 {
		opts.Speed = def.Speed
	}
	if opts.Pitch == 0 {
		opts.Pitch = def.Pitch
	}
	if opts.Format == "" {
		opts.Format = def.Format
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = def.SampleRate
	}
	return opts
}

// SetDefaults replaces the request defaults. Cached results keyed on the old
// defaults stay valid; callers changing the voice usually also call
// [Orchestrator.InvalidateCache].
func (o *Orchestrator) SetDefaults(def types.Options) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Defaults = def
}

// Defaults returns the current request defaults.
func (o *Orchestrator) Defaults() types.Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg.Defaults
}

// InvalidateCache drops every cached result.
func (o *Orchestrator) InvalidateCache() {
	o.cache.Clear()
}

// CacheStats reports cache occupancy.
func (o *Orchestrator) CacheStats() speechcache.Stats {
	return o.cache.Stats()
}

// WarmupAll starts the warmup of every heavy-model backend without waiting.
func (o *Orchestrator) WarmupAll() {
	if l := o.reg.Loader(); l != nil {
		l.StartAll()
	}
}

// Close stops background warmups. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		if l := o.reg.Loader(); l != nil {
			l.Close()
		}
	})
	return nil
}
