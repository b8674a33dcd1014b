package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/avatarvoice/internal/app"
	"github.com/MrWong99/avatarvoice/internal/config"
	"github.com/MrWong99/avatarvoice/internal/observe"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/avatarvoice/pkg/provider/stt/mock"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/avatarvoice/pkg/provider/tts/mock"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	app    *app.App
	server *httptest.Server
	tts    map[string]*ttsmock.Provider
	stt    map[string]*sttmock.Provider
	closed int
}

// closingTTS reports Close calls back to the fixture.
type closingTTS struct {
	*ttsmock.Provider
	onClose func()
}

func (c closingTTS) Close() error {
	c.onClose()
	return nil
}

// newFixture builds an App over mock backends. Backends are registered in
// the order of the config entries; every entry must use provider "mock".
func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		tts: make(map[string]*ttsmock.Provider),
		stt: make(map[string]*sttmock.Provider),
	}
	for _, e := range cfg.Backends.TTS {
		f.tts[e.Name] = &ttsmock.Provider{}
	}
	for _, e := range cfg.Backends.STT {
		f.stt[e.Name] = &sttmock.Provider{}
	}

	reg := config.NewRegistry()
	reg.RegisterTTS("mock", func(e config.BackendEntry, _ config.RegionEntry) (tts.Provider, error) {
		return closingTTS{Provider: f.tts[e.Name], onClose: func() { f.closed++ }}, nil
	})
	reg.RegisterSTT("mock", func(e config.BackendEntry, _ config.RegionEntry) (stt.Provider, error) {
		return f.stt[e.Name], nil
	})
	built, err := reg.Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f.app, err = app.New(cfg, built, append([]app.Option{app.WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	mux := http.NewServeMux()
	f.app.Register(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.server.Close()
		_ = f.app.Shutdown(context.Background())
	})
	return f
}

func backends(names ...string) []config.BackendEntry {
	out := make([]config.BackendEntry, 0, len(names))
	for i, n := range names {
		out = append(out, config.BackendEntry{Name: n, Provider: "mock", Priority: i})
	}
	return out
}

func (f *fixture) post(t *testing.T, path, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, contentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
}

func wavPayload(s string) types.Payload {
	return types.Payload{Audio: []byte("RIFF" + s), MIMEType: "audio/wav", SampleRate: 22050}
}

// ── /api/tts ─────────────────────────────────────────────────────────────────

func TestTTS_MissThenHit(t *testing.T) {
	f := newFixture(t, &config.Config{
		Voice:    config.VoiceConfig{VoiceID: "p225", Language: "en"},
		Backends: config.BackendsConfig{TTS: backends("coqui")},
	})
	f.tts["coqui"].SynthesizeResult = wavPayload("hello")

	body := []byte(`{"text":"hello there","speed":1.2}`)
	first := f.post(t, "/api/tts", "application/json", body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", first.StatusCode)
	}
	if got := first.Header.Get("X-Cache"); got != "miss" {
		t.Errorf("X-Cache = %q, want miss", got)
	}
	if got := first.Header.Get("X-Backend"); got != "coqui" {
		t.Errorf("X-Backend = %q, want coqui", got)
	}
	if got := first.Header.Get("Content-Type"); got != "audio/wav" {
		t.Errorf("Content-Type = %q", got)
	}
	var audio bytes.Buffer
	_, _ = audio.ReadFrom(first.Body)
	if audio.String() != "RIFFhello" {
		t.Errorf("body = %q", audio.String())
	}

	second := f.post(t, "/api/tts", "application/json", []byte(`{"text":"  hello   there ","speed":1.2}`))
	if got := second.Header.Get("X-Cache"); got != "hit" {
		t.Errorf("second X-Cache = %q, want hit", got)
	}
	if n := f.tts["coqui"].CallCount(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}

	call := f.tts["coqui"].SynthesizeCalls[0]
	if call.Options.Voice != "p225" || call.Options.Language != "en" || call.Options.Speed != 1.2 {
		t.Errorf("options = %+v, want voice defaults with request speed", call.Options)
	}
}

func TestTTS_FailsOverToSilence(t *testing.T) {
	f := newFixture(t, &config.Config{Backends: config.BackendsConfig{TTS: backends("coqui", "silence")}})
	f.tts["coqui"].SynthesizeErr = errors.New("model not loaded")
	f.tts["silence"].SynthesizeResult = wavPayload("quiet")

	resp := f.post(t, "/api/tts", "application/json", []byte(`{"text":"hi"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Backend"); got != "silence" {
		t.Errorf("X-Backend = %q, want silence", got)
	}
}

func TestTTS_Errors(t *testing.T) {
	f := newFixture(t, &config.Config{Backends: config.BackendsConfig{TTS: backends("a", "b")}})
	f.tts["a"].SynthesizeErr = errors.New("boom")
	f.tts["b"].SynthesizeErr = errors.New("bang")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"malformed", `{"text":`, http.StatusBadRequest, "invalid request body"},
		{"blank text", `{"text":"   "}`, http.StatusBadRequest, "empty input"},
		{"all failed", `{"text":"hi"}`, http.StatusBadGateway, "all backends failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.post(t, "/api/tts", "application/json", []byte(tc.body))
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			var body struct {
				Error    string `json:"error"`
				Attempts []struct {
					Backend string `json:"backend"`
					Outcome string `json:"outcome"`
				} `json:"attempts"`
			}
			decodeJSON(t, resp, &body)
			if !strings.Contains(body.Error, tc.wantError) {
				t.Errorf("error = %q, want it to contain %q", body.Error, tc.wantError)
			}
			if tc.wantStatus == http.StatusBadGateway && len(body.Attempts) != 2 {
				t.Errorf("attempts = %+v, want 2", body.Attempts)
			}
		})
	}
}

func TestTTS_TimeoutMapsToGatewayTimeout(t *testing.T) {
	f := newFixture(t, &config.Config{Backends: config.BackendsConfig{TTS: backends("slow", "fallback")}})
	f.tts["slow"].SynthesizeFunc = func(ctx context.Context, _ string, _ types.Options) (types.Payload, error) {
		<-ctx.Done()
		return types.Payload{}, ctx.Err()
	}

	resp := f.post(t, "/api/tts", "application/json", []byte(`{"text":"hi","timeout_ms":50}`))
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusGatewayTimeout)
	}
}

// ── /api/stt ─────────────────────────────────────────────────────────────────

func TestSTT_Transcribes(t *testing.T) {
	f := newFixture(t, &config.Config{
		Voice:    config.VoiceConfig{Language: "de", VoiceID: "ignored-for-stt"},
		Backends: config.BackendsConfig{STT: backends("whisper")},
	})
	f.stt["whisper"].TranscribeResult = types.Transcript{Text: "hallo", Language: "de", Duration: 1500 * time.Millisecond}

	resp := f.post(t, "/api/stt?sample_rate=16000", "audio/wav", []byte("RIFFaudio"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Text       string `json:"text"`
		DurationMS int64  `json:"duration_ms"`
		Backend    string `json:"backend"`
		Cache      string `json:"cache"`
	}
	decodeJSON(t, resp, &body)
	if body.Text != "hallo" || body.DurationMS != 1500 || body.Backend != "whisper" || body.Cache != "miss" {
		t.Errorf("body = %+v", body)
	}

	if n := f.stt["whisper"].CallCount(); n != 1 {
		t.Fatalf("backend calls = %d, want 1", n)
	}
	call := f.stt["whisper"].TranscribeCalls[0]
	if call.Options.SampleRate != 16000 || call.Options.Language != "de" || call.Options.Voice != "" {
		t.Errorf("options = %+v", call.Options)
	}
}

func TestSTT_Errors(t *testing.T) {
	f := newFixture(t, &config.Config{Backends: config.BackendsConfig{TTS: backends("coqui")}})

	if resp := f.post(t, "/api/stt", "audio/wav", []byte("RIFF")); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("not configured: status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if resp := f.post(t, "/api/stt?sample_rate=fast", "audio/wav", []byte("RIFF")); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad sample rate: status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if resp := f.post(t, "/api/stt", "audio/wav", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty audio: status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

// ── status endpoints ─────────────────────────────────────────────────────────

func TestVoices_PartialFailure(t *testing.T) {
	f := newFixture(t, &config.Config{Backends: config.BackendsConfig{TTS: backends("coqui", "elevenlabs")}})
	f.tts["coqui"].ListVoicesResult = []types.VoiceProfile{{ID: "p225", Name: "Alice"}, {ID: "p226"}}
	f.tts["elevenlabs"].ListVoicesErr = errors.New("unauthorized")

	resp := f.get(t, "/api/voices")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Voices []struct {
			ID      string `json:"id"`
			Backend string `json:"backend"`
		} `json:"voices"`
		Errors map[string]string `json:"errors"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Voices) != 2 || body.Voices[0].ID != "p225" || body.Voices[0].Backend != "coqui" {
		t.Errorf("voices = %+v", body.Voices)
	}
	if body.Errors["elevenlabs"] != "unauthorized" {
		t.Errorf("errors = %v", body.Errors)
	}
}

func TestBackendsAndCacheClear(t *testing.T) {
	f := newFixture(t, &config.Config{Backends: config.BackendsConfig{
		TTS: backends("coqui"),
		STT: []config.BackendEntry{{Name: "whisper", Provider: "mock"}},
	}})
	f.tts["coqui"].SynthesizeResult = wavPayload("x")
	f.post(t, "/api/tts", "application/json", []byte(`{"text":"hi"}`))

	var status struct {
		Backends []struct {
			Name       string `json:"name"`
			Capability string `json:"capability"`
			Variants   []struct {
				ID     string `json:"id"`
				Health string `json:"health"`
			} `json:"variants"`
		} `json:"backends"`
		Cache struct {
			Entries int `json:"entries"`
		} `json:"cache"`
	}
	decodeJSON(t, f.get(t, "/api/backends"), &status)
	if len(status.Backends) != 2 || status.Backends[0].Name != "coqui" || status.Backends[1].Capability != "stt" {
		t.Errorf("backends = %+v", status.Backends)
	}
	if status.Cache.Entries != 1 {
		t.Errorf("cache entries = %d, want 1", status.Cache.Entries)
	}

	var cleared map[string]int
	decodeJSON(t, f.post(t, "/api/cache/clear", "", nil), &cleared)
	if cleared["cleared"] != 1 {
		t.Errorf("cleared = %v", cleared)
	}
	resp := f.post(t, "/api/tts", "application/json", []byte(`{"text":"hi"}`))
	if got := resp.Header.Get("X-Cache"); got != "miss" {
		t.Errorf("X-Cache after clear = %q, want miss", got)
	}
}

func TestReadyz(t *testing.T) {
	ready := newFixture(t, &config.Config{Backends: config.BackendsConfig{TTS: backends("silence")}})
	if resp := ready.get(t, "/readyz"); resp.StatusCode != http.StatusOK {
		t.Errorf("with tts backend: status = %d, want 200", resp.StatusCode)
	}

	empty := newFixture(t, &config.Config{})
	if resp := empty.get(t, "/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("without tts backend: status = %d, want 503", resp.StatusCode)
	}
	if resp := empty.get(t, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", resp.StatusCode)
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestApply_VoiceChangeClearsCache(t *testing.T) {
	var level slog.LevelVar
	old := &config.Config{
		Voice:    config.VoiceConfig{VoiceID: "p225"},
		Backends: config.BackendsConfig{TTS: backends("coqui")},
	}
	f := newFixture(t, old, app.WithLevelVar(&level))
	f.tts["coqui"].SynthesizeResult = wavPayload("x")
	f.post(t, "/api/tts", "application/json", []byte(`{"text":"hi"}`))

	updated := *old
	updated.Voice.VoiceID = "p226"
	updated.Server.LogLevel = config.LogDebug
	f.app.Apply(old, &updated, config.Diff(old, &updated))

	if got := f.app.Orchestrator().Defaults().Voice; got != "p226" {
		t.Errorf("default voice = %q, want p226", got)
	}
	if n := f.app.Orchestrator().CacheStats().Entries; n != 0 {
		t.Errorf("cache entries = %d, want 0", n)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, &config.Config{Backends: config.BackendsConfig{TTS: backends("a", "b")}})

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if f.closed != 2 {
		t.Errorf("closed providers = %d, want 2", f.closed)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	f := newFixture(t, &config.Config{Backends: config.BackendsConfig{TTS: backends("a")}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown error = %v, want context.Canceled", err)
	}
	if f.closed != 0 {
		t.Errorf("closed providers = %d, want 0", f.closed)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
