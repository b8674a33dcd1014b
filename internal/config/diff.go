package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged means cached audio no longer matches the avatar's voice.
	VoiceChanged bool

	// RestartRequired lists top-level sections that changed but are only
	// read at startup (backends, cache, failover, warmup, listen address).
	RestartRequired []string
}

// Changed reports whether d holds any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice != new.Voice {
		d.VoiceChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if old.Failover != new.Failover {
		d.RestartRequired = append(d.RestartRequired, "failover")
	}
	if old.Warmup != new.Warmup {
		d.RestartRequired = append(d.RestartRequired, "warmup")
	}
	if !reflect.DeepEqual(old.Backends, new.Backends) {
		d.RestartRequired = append(d.RestartRequired, "backends")
	}
	return d
}
