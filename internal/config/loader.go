package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/avatarvoice/internal/resilience"
)

// ValidProviderNames lists known provider names per capability.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper", "whisper-native", "openai"},
	"tts": {"coqui", "elevenlabs", "openai", "silence"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero [Config]. ${VAR} references in api_key
// values are expanded from the environment.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets replaces ${VAR} references in API keys with the
// environment's values.
func expandSecrets(cfg *Config) {
	for _, list := range [][]BackendEntry{cfg.Backends.TTS, cfg.Backends.STT} {
		for i := range list {
			list[i].APIKey = os.ExpandEnv(list[i].APIKey)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries %d must not be negative", cfg.Cache.MaxEntries))
	}
	if cfg.Cache.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.max_bytes %d must not be negative", cfg.Cache.MaxBytes))
	}
	if cfg.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl %v must not be negative", cfg.Cache.TTL))
	}

	f := cfg.Failover
	if f.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("failover.failure_threshold %d must not be negative", f.FailureThreshold))
	}
	for name, d := range map[string]time.Duration{
		"cooldown":     f.Cooldown,
		"max_cooldown": f.MaxCooldown,
		"tts_budget":   f.TTSBudget,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("failover.%s %v must not be negative", name, d))
		}
	}
	if f.Cooldown > 0 && f.MaxCooldown > 0 && f.MaxCooldown < f.Cooldown {
		errs = append(errs, fmt.Errorf("failover.max_cooldown %v is shorter than failover.cooldown %v", f.MaxCooldown, f.Cooldown))
	}
	if cfg.Warmup.RetryInterval < 0 {
		errs = append(errs, fmt.Errorf("warmup.retry_interval %v must not be negative", cfg.Warmup.RetryInterval))
	}

	if v := cfg.Voice; v.Speed != 0 && (v.Speed < 0.5 || v.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed %.2f is out of range [0.5, 2.0]", v.Speed))
	}
	if v := cfg.Voice; v.Pitch < -10 || v.Pitch > 10 {
		errs = append(errs, fmt.Errorf("voice.pitch %.2f is out of range [-10, 10]", v.Pitch))
	}

	names := make(map[string]string)
	errs = append(errs, validateBackends("tts", cfg.Backends.TTS, names)...)
	errs = append(errs, validateBackends("stt", cfg.Backends.STT, names)...)

	if len(cfg.Backends.TTS) == 0 {
		slog.Warn("no TTS backends configured; /api/tts will answer 503")
	}
	if len(cfg.Backends.STT) == 0 {
		slog.Warn("no STT backends configured; /api/stt will answer 503")
	}

	return errors.Join(errs...)
}

// validateBackends checks the entries of one capability. seen maps backend
// names to the path of their first declaration across capabilities.
func validateBackends(kind string, entries []BackendEntry, seen map[string]string) []error {
	var errs []error
	for i, b := range entries {
		prefix := fmt.Sprintf("backends.%s[%d]", kind, i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[b.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, b.Name, prev))
			}
			seen[b.Name] = prefix
		}
		if b.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		}
		validateProviderName(kind, b.Provider)
		cost, err := resilience.ParseCost(b.Cost)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.cost: %w", prefix, err))
		}
		if b.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout %v must not be negative", prefix, b.Timeout))
		}

		ids := make(map[string]bool, len(b.Regions))
		for j, r := range b.Regions {
			switch {
			case r.ID == "":
				errs = append(errs, fmt.Errorf("%s.regions[%d].id is required", prefix, j))
			case ids[r.ID]:
				errs = append(errs, fmt.Errorf("%s.regions[%d].id %q is a duplicate", prefix, j, r.ID))
			}
			ids[r.ID] = true
		}
		if cost == resilience.CostHeavyModel && len(b.Regions) > 1 {
			errs = append(errs, fmt.Errorf("%s: heavy-model backends load one in-process model and take at most one region, got %d", prefix, len(b.Regions)))
		}
		if b.Regional && len(b.Regions) < 2 {
			slog.Warn("regional backend has fewer than two regions; failover between regions is a no-op",
				"backend", b.Name,
				"regions", len(b.Regions),
			)
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
