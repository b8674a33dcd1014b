package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/MrWong99/avatarvoice/internal/config"
	"github.com/MrWong99/avatarvoice/internal/resilience"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/avatarvoice/pkg/provider/stt/openai"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt/whisper"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts/coqui"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/avatarvoice/pkg/provider/tts/openai"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts/silence"
)

// coquiBackend exposes the server's model-loaded probe as its warmup.
type coquiBackend struct {
	*coqui.Provider
}

func (c coquiBackend) LoadStrategies() []resilience.LoadStrategy {
	return []resilience.LoadStrategy{{Name: "model-loaded", Load: c.WaitModelLoaded}}
}

// nativeWhisper loads the first model of paths that succeeds.
type nativeWhisper struct {
	*whisper.NativeProvider
	paths []string
}

func (n nativeWhisper) LoadStrategies() []resilience.LoadStrategy {
	out := make([]resilience.LoadStrategy, 0, len(n.paths))
	for _, path := range n.paths {
		out = append(out, resilience.LoadStrategy{
			Name: filepath.Base(path),
			Load: func(ctx context.Context) error { return n.LoadModel(ctx, path) },
		})
	}
	return out
}

var (
	_ config.Warmable = coquiBackend{}
	_ config.Warmable = nativeWhisper{}
)

// registerBuiltinProviders wires every provider that ships with avatarvoice
// into reg. Each factory builds one region's provider.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(e config.BackendEntry, r config.RegionEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := optInt(e.Options, "sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if kw := optStrings(e.Options, "keywords"); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw...))
		}
		if r.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(r.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(e config.BackendEntry, r config.RegionEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if e.Timeout > 0 {
			opts = append(opts, whisper.WithTimeout(e.Timeout))
		}
		return whisper.New(r.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(e config.BackendEntry, _ config.RegionEntry) (stt.Provider, error) {
		var paths []string
		if e.Model != "" {
			paths = append(paths, e.Model)
		}
		paths = append(paths, optStrings(e.Options, "model_paths")...)
		if len(paths) == 0 {
			return nil, fmt.Errorf("whisper-native: model or options.model_paths is required")
		}
		var opts []whisper.NativeOption
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if rate := optInt(e.Options, "sample_rate"); rate > 0 {
			opts = append(opts, whisper.WithNativeSampleRate(rate))
		}
		return nativeWhisper{NativeProvider: whisper.NewNative(opts...), paths: paths}, nil
	})

	reg.RegisterSTT("openai", func(e config.BackendEntry, r config.RegionEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if r.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(r.BaseURL))
		}
		if e.Timeout > 0 {
			opts = append(opts, oaistt.WithTimeout(e.Timeout))
		}
		return oaistt.New(e.APIKey, e.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(e config.BackendEntry, r config.RegionEntry) (tts.Provider, error) {
		mode, err := coqui.ParseAPIMode(optString(e.Options, "api_mode"))
		if err != nil {
			return nil, err
		}
		opts := []coqui.Option{coqui.WithAPIMode(mode)}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if e.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(e.Timeout))
		}
		p, err := coqui.New(r.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return coquiBackend{p}, nil
	})

	reg.RegisterTTS("elevenlabs", func(e config.BackendEntry, r config.RegionEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := optString(e.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if v := optString(e.Options, "voice"); v != "" {
			opts = append(opts, elevenlabs.WithVoice(v))
		}
		if r.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(r.BaseURL))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(e config.BackendEntry, r config.RegionEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if r.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(r.BaseURL))
		}
		if v := optString(e.Options, "voice"); v != "" {
			opts = append(opts, oaitts.WithVoice(v))
		}
		if e.Timeout > 0 {
			opts = append(opts, oaitts.WithTimeout(e.Timeout))
		}
		return oaitts.New(e.APIKey, e.Model, opts...)
	})

	reg.RegisterTTS("silence", func(e config.BackendEntry, _ config.RegionEntry) (tts.Provider, error) {
		var opts []silence.Option
		if d := optDuration(e.Options, "duration"); d > 0 {
			opts = append(opts, silence.WithDuration(d))
		}
		if rate := optInt(e.Options, "sample_rate"); rate > 0 {
			opts = append(opts, silence.WithSampleRate(rate))
		}
		return silence.New(opts...), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Option helpers ────────────────────────────────────────────────────────────

// optString returns opts[key] if it is a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings returns opts[key] as a string list. A single string is a list
// of one; non-string elements are skipped.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

// optInt returns opts[key] as an int, or 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// optDuration parses opts[key] as a Go duration string, or returns 0.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
