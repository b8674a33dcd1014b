package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/avatarvoice/internal/resilience"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TTSFactory constructs the provider serving one region of a TTS backend.
type TTSFactory func(BackendEntry, RegionEntry) (tts.Provider, error)

// STTFactory constructs the provider serving one region of an STT backend.
type STTFactory func(BackendEntry, RegionEntry) (stt.Provider, error)

// Warmable is implemented by providers that must load a model before they
// can serve. [Registry.Build] turns the strategies into the backend's warmup
// chain.
type Warmable interface {
	LoadStrategies() []resilience.LoadStrategy
}

// Registry maps provider names to their constructor functions for each
// capability. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	tts map[string]TTSFactory
	stt map[string]STTFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts: make(map[string]TTSFactory),
		stt: make(map[string]STTFactory),
	}
}

// RegisterTTS registers a TTS provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// CreateTTS instantiates the provider for one region of entry using the
// factory registered under entry.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry BackendEntry, region RegionEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry, region)
}

// CreateSTT instantiates the provider for one region of entry.
func (r *Registry) CreateSTT(entry BackendEntry, region RegionEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry, region)
}

// VoiceSource is a TTS backend that can list its voices.
type VoiceSource struct {
	Backend  string
	Provider tts.Provider
}

// Built is the result of [Registry.Build].
type Built struct {
	// Descriptors are ready for [resilience.Registry.Register].
	Descriptors []resilience.Descriptor

	// Voices holds the first region's provider of every TTS backend.
	Voices []VoiceSource

	// Closers release providers that hold resources (loaded models).
	Closers []func() error
}

// Build instantiates every backend in cfg. Each region becomes one variant;
// strategies of [Warmable] providers become the backend's warmup chain.
// On error the providers created so far are closed.
func (r *Registry) Build(cfg *Config) (_ *Built, err error) {
	b := &Built{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	for _, entry := range cfg.Backends.TTS {
		d, err := r.describe(types.CapabilityTTS, entry, b, func(region RegionEntry) (resilience.Invoker, any, error) {
			p, err := r.CreateTTS(entry, region)
			if err != nil {
				return nil, nil, err
			}
			if len(b.Voices) == 0 || b.Voices[len(b.Voices)-1].Backend != entry.Name {
				b.Voices = append(b.Voices, VoiceSource{Backend: entry.Name, Provider: p})
			}
			return resilience.TTSInvoker(p), p, nil
		})
		if err != nil {
			return nil, err
		}
		b.Descriptors = append(b.Descriptors, d)
	}
	for _, entry := range cfg.Backends.STT {
		d, err := r.describe(types.CapabilitySTT, entry, b, func(region RegionEntry) (resilience.Invoker, any, error) {
			p, err := r.CreateSTT(entry, region)
			if err != nil {
				return nil, nil, err
			}
			return resilience.STTInvoker(p), p, nil
		})
		if err != nil {
			return nil, err
		}
		b.Descriptors = append(b.Descriptors, d)
	}
	return b, nil
}

func (r *Registry) describe(c types.Capability, entry BackendEntry, b *Built, create func(RegionEntry) (resilience.Invoker, any, error)) (resilience.Descriptor, error) {
	cost, err := resilience.ParseCost(entry.Cost)
	if err != nil {
		return resilience.Descriptor{}, fmt.Errorf("config: backend %q: %w", entry.Name, err)
	}
	d := resilience.Descriptor{
		Name:       entry.Name,
		Capability: c,
		Priority:   entry.Priority,
		MaxTimeout: entry.Timeout,
		Cost:       cost,
		Regional:   entry.Regional,
	}
	for _, region := range entry.EffectiveRegions() {
		inv, p, err := create(region)
		if err != nil {
			return resilience.Descriptor{}, fmt.Errorf("config: backend %q region %q: %w", entry.Name, region.ID, err)
		}
		d.Variants = append(d.Variants, resilience.Variant{ID: region.ID, Invoke: inv})
		if w, ok := p.(Warmable); ok {
			d.Warmup = append(d.Warmup, w.LoadStrategies()...)
		}
		if cl, ok := p.(io.Closer); ok {
			b.Closers = append(b.Closers, cl.Close)
		}
	}
	if len(d.Warmup) > 0 && cost != resilience.CostHeavyModel {
		slog.Warn("backend has load strategies but is not heavy-model; warmup is skipped",
			"backend", entry.Name,
			"cost", cost,
		)
	}
	slog.Info("backend built",
		"backend", entry.Name,
		"provider", entry.Provider,
		"capability", c,
		"variants", len(d.Variants),
		"cost", cost,
	)
	return d, nil
}

// Close runs every closer and joins their errors.
func (b *Built) Close() error {
	var errs []error
	for _, c := range b.Closers {
		errs = append(errs, c())
	}
	b.Closers = nil
	return errors.Join(errs...)
}
