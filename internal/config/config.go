// Package config provides the configuration schema, loader, hot-reload watcher
// and provider factory registry for the avatarvoice server.
package config

import "time"

// LogLevel controls log verbosity for the avatarvoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for avatarvoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Failover FailoverConfig `yaml:"failover"`
	Warmup   WarmupConfig   `yaml:"warmup"`
	Voice    VoiceConfig    `yaml:"voice"`
	Backends BackendsConfig `yaml:"backends"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Applied live on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CacheConfig bounds the in-memory result cache. Zero values take the cache
// defaults (512 entries, 64 MiB, no TTL).
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	TTL        time.Duration `yaml:"ttl"`
}

// FailoverConfig tunes health tracking and the default call budgets.
type FailoverConfig struct {
	// FailureThreshold is the number of consecutive failures before a
	// backend variant cools down. Default: 2.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is the first cooldown window. Default: 60s.
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxCooldown caps the doubling cooldown. Default: 10m.
	MaxCooldown time.Duration `yaml:"max_cooldown"`

	// STTBudget bounds a transcription end to end. Default: 10s; negative
	// disables it.
	STTBudget time.Duration `yaml:"stt_budget"`

	// TTSBudget bounds a synthesis end to end. 0 means per-backend timeouts only.
	TTSBudget time.Duration `yaml:"tts_budget"`
}

// WarmupConfig controls background loading of heavy-model backends.
type WarmupConfig struct {
	// Eager starts every warmup at startup instead of on first use.
	Eager bool `yaml:"eager"`

	// StrategyAttempts is how often each load strategy is tried. Default: 1.
	StrategyAttempts uint `yaml:"strategy_attempts"`

	// RetryInterval is the pause between attempts of one strategy. Default: 500ms.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// VoiceConfig holds the avatar's default voice. Changing it on reload clears
// the result cache.
type VoiceConfig struct {
	// Persona is a label for logs and the startup summary.
	Persona string `yaml:"persona"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Language is the BCP-47 tag used when a request names none.
	Language string `yaml:"language"`

	// Speed is the speaking-rate multiplier in [0.5, 2.0]. 0 means default.
	Speed float64 `yaml:"speed"`

	// Pitch adjusts pitch in the range [-10, +10]. 0 means default.
	Pitch float64 `yaml:"pitch"`
}

// BackendsConfig lists the speech backends per capability.
type BackendsConfig struct {
	TTS []BackendEntry `yaml:"tts"`
	STT []BackendEntry `yaml:"stt"`
}

// BackendEntry declares one backend. Provider selects the factory registered
// in the [Registry]; every region becomes one variant of the backend.
type BackendEntry struct {
	// Name is unique across all backends (e.g., "coqui-local").
	Name string `yaml:"name"`

	// Provider selects the registered implementation (e.g., "coqui", "deepgram").
	Provider string `yaml:"provider"`

	// Priority orders backends; lower is tried first.
	Priority int `yaml:"priority"`

	// Timeout bounds a single attempt. 0 means only the call budget applies.
	Timeout time.Duration `yaml:"timeout"`

	// Cost is "network" (default), "cheap-local" or "heavy-model".
	Cost string `yaml:"cost"`

	// Regional marks the regions as interchangeable endpoints of one vendor.
	// The last region that answered is tried first on later calls.
	Regional bool `yaml:"regional"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Regions lists the endpoints. Empty means one region "default" using the
	// provider's built-in endpoint.
	Regions []RegionEntry `yaml:"regions"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// RegionEntry is one endpoint of a backend.
type RegionEntry struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`
}

// EffectiveRegions returns e.Regions, or a single default region when none
// are configured.
func (e BackendEntry) EffectiveRegions() []RegionEntry {
	if len(e.Regions) == 0 {
		return []RegionEntry{{ID: "default"}}
	}
	return e.Regions
}
