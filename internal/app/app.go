// Package app wires the avatarvoice subsystems into a running service.
//
// New builds the health table, warmup loader, backend registry, failover
// scheduler, result cache and orchestrator from a validated config and the
// providers built for it. [App.Handler] exposes the HTTP API, [App.Apply]
// takes hot config changes, and [App.Shutdown] releases everything in order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/avatarvoice/internal/config"
	"github.com/MrWong99/avatarvoice/internal/observe"
	"github.com/MrWong99/avatarvoice/internal/orchestrator"
	"github.com/MrWong99/avatarvoice/internal/resilience"
	"github.com/MrWong99/avatarvoice/internal/speechcache"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// App owns the lifetime of every subsystem.
type App struct {
	metrics *observe.Metrics
	level   *slog.LevelVar

	registry *resilience.Registry
	orch     *orchestrator.Orchestrator
	voices   []config.VoiceSource

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records every subsystem's metrics on m instead of the
// package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.Apply] change the log level of a handler built on
// v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New registers the built backends and assembles the orchestrator. built is
// owned by the returned App and closed on Shutdown. When cfg.Warmup.Eager is
// set, heavy-model backends start loading immediately.
func New(cfg *config.Config, built *config.Built, opts ...Option) (*App, error) {
	a := &App{voices: built.Voices}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	health := resilience.NewHealthTable(resilience.HealthConfig{
		FailureThreshold: cfg.Failover.FailureThreshold,
		Cooldown:         cfg.Failover.Cooldown,
		MaxCooldown:      cfg.Failover.MaxCooldown,
	}, resilience.WithHealthMetrics(a.metrics))
	loader := resilience.NewLoader(resilience.WarmupConfig{
		Attempts:      cfg.Warmup.StrategyAttempts,
		RetryInterval: cfg.Warmup.RetryInterval,
	}, resilience.WithLoaderMetrics(a.metrics))

	a.registry = resilience.NewRegistry(health, resilience.WithLoader(loader))
	for _, d := range built.Descriptors {
		if err := a.registry.Register(d); err != nil {
			loader.Close()
			return nil, fmt.Errorf("app: register backend %q: %w", d.Name, err)
		}
	}
	sched := resilience.NewScheduler(a.registry,
		resilience.NewExecutor(health, resilience.WithExecutorMetrics(a.metrics)))

	cache := speechcache.New(speechcache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		TTL:        cfg.Cache.TTL,
	}, speechcache.WithMetrics(a.metrics))

	a.orch = orchestrator.New(a.registry, sched, cache, orchestrator.Config{
		STTBudget: cfg.Failover.STTBudget,
		TTSBudget: cfg.Failover.TTSBudget,
		Defaults:  voiceDefaults(cfg.Voice),
	}, orchestrator.WithMetrics(a.metrics))

	// Stop warmups before releasing the models they load.
	a.closers = append(a.closers, a.orch.Close, built.Close)

	if cfg.Warmup.Eager {
		a.orch.WarmupAll()
	}
	for _, c := range []types.Capability{types.CapabilityTTS, types.CapabilitySTT} {
		if !a.registry.HasCapability(c) {
			slog.Warn("no backend configured", "capability", c)
		}
	}
	return a, nil
}

// Orchestrator returns the request entry point.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Apply takes the hot-reloadable parts of a changed config. Its signature
// matches the [config.Watcher] callback.
func (a *App) Apply(_, cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		a.orch.SetDefaults(voiceDefaults(cfg.Voice))
		a.orch.InvalidateCache()
		slog.Info("voice changed, result cache cleared",
			"persona", cfg.Voice.Persona,
			"voice_id", cfg.Voice.VoiceID,
			"language", cfg.Voice.Language)
	}
}

// Shutdown runs the closers in order. If ctx ends first the remaining
// closers are skipped and ctx's error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel maps a config log level to its slog level. Unknown values map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func voiceDefaults(v config.VoiceConfig) types.Options {
	return types.Options{
		Voice:    v.VoiceID,
		Language: v.Language,
		Speed:    v.Speed,
		Pitch:    v.Pitch,
	}
}
