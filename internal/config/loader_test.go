package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/avatarvoice/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: bananas\n",
			want: "server.log_level",
		},
		{
			name: "half tls",
			yaml: "server:\n  tls:\n    cert_file: a.pem\n",
			want: "server.tls",
		},
		{
			name: "negative cache",
			yaml: "cache:\n  max_entries: -1\n",
			want: "cache.max_entries",
		},
		{
			name: "max cooldown below cooldown",
			yaml: "failover:\n  cooldown: 2m\n  max_cooldown: 1m\n",
			want: "failover.max_cooldown",
		},
		{
			name: "negative tts budget",
			yaml: "failover:\n  tts_budget: -1s\n",
			want: "failover.tts_budget",
		},
		{
			name: "speed out of range",
			yaml: "voice:\n  speed: 3\n",
			want: "voice.speed",
		},
		{
			name: "pitch out of range",
			yaml: "voice:\n  pitch: -11\n",
			want: "voice.pitch",
		},
		{
			name: "missing backend name",
			yaml: "backends:\n  tts:\n    - provider: coqui\n",
			want: "backends.tts[0].name is required",
		},
		{
			name: "missing provider",
			yaml: "backends:\n  tts:\n    - name: a\n",
			want: "backends.tts[0].provider is required",
		},
		{
			name: "bad cost",
			yaml: "backends:\n  tts:\n    - name: a\n      provider: coqui\n      cost: gpu\n",
			want: "backends.tts[0].cost",
		},
		{
			name: "duplicate region",
			yaml: "backends:\n  stt:\n    - name: dg\n      provider: deepgram\n      regions:\n        - id: us\n        - id: us\n",
			want: `regions[1].id "us" is a duplicate`,
		},
		{
			name: "heavy model with several regions",
			yaml: "backends:\n  stt:\n    - name: w\n      provider: whisper-native\n      cost: heavy-model\n      regional: true\n      regions:\n        - id: a\n        - id: b\n",
			want: "backends.stt[0]: heavy-model backends load one in-process model",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should mention %q, got: %v", tc.want, err)
			}
		})
	}
}

func TestValidate_NegativeSTTBudgetDisablesBudget(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("failover:\n  stt_budget: -1s\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Failover.STTBudget >= 0 {
		t.Errorf("stt_budget = %v, want negative", cfg.Failover.STTBudget)
	}
}

func TestValidate_HeavyModelSingleRegionIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
backends:
  stt:
    - name: w
      provider: whisper-native
      cost: heavy-model
      regions:
        - id: local
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("LoadFromReader: %v", err)
	}
}

func TestValidate_DuplicateBackendAcrossCapabilities(t *testing.T) {
	t.Parallel()
	yaml := `
backends:
  tts:
    - name: openai
      provider: openai
  stt:
    - name: openai
      provider: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate backend names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate of backends.tts[0]") {
		t.Errorf("error should point at the first declaration, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
voice:
  speed: 9
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"server.log_level", "voice.speed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"tts", "stt"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known provider names for %s", kind)
		}
	}
}
