// Package coqui provides a TTS provider backed by a locally-running Coqui TTS
// server. It implements the tts.Provider interface.
//
// Three server flavours are supported:
//
//   - APIModeAvatar (default): the avatar speech server. Synthesis is
//     performed via POST /api/tts with a JSON body {text, language, speed};
//     readiness via GET /health; the catalogue via GET /api/voices.
//
//   - APIModeStandard: the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters; voice catalogue is retrieved from GET /details.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is performed via
//     POST /tts_to_audio/ with a JSON body; voice catalogue is retrieved from
//     GET /studio_speakers.
//
// Every mode returns a complete WAV payload per utterance.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	payload, err := p.Synthesize(ctx, "Hello there.", types.Options{Speed: 1.0})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	apiTTSEndpoint         = "/api/tts"
	apiVoicesEndpoint      = "/api/voices"
	healthEndpoint         = "/health"
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	detailsEndpoint        = "/details"

	// maxErrorBody bounds how much of an error response is echoed into errors.
	maxErrorBody = 512
)

// ErrModelNotLoaded is returned by [Provider.WaitModelLoaded] when the server
// answers its health probe but reports that no model is loaded.
var ErrModelNotLoaded = errors.New("coqui: server reports model not loaded")

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeAvatar targets the avatar speech server (POST /api/tts with JSON).
	APIModeAvatar APIMode = "avatar"

	// APIModeStandard targets the standard Coqui TTS server (GET /api/tts).
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"
)

// ParseAPIMode maps a configuration string onto an APIMode. The empty string
// selects APIModeAvatar.
func ParseAPIMode(s string) (APIMode, error) {
	switch APIMode(strings.ToLower(s)) {
	case "", APIModeAvatar:
		return APIModeAvatar, nil
	case APIModeStandard:
		return APIModeStandard, nil
	case APIModeXTTS:
		return APIModeXTTS, nil
	default:
		return "", fmt.Errorf("coqui: unknown api mode %q", s)
	}
}

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the default language code sent to the server when a
// request carries none. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by a Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a new Coqui Provider that targets the server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeAvatar,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// avatarRequest is the JSON body sent to POST /api/tts (avatar mode).
type avatarRequest struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// xttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Health is the JSON body returned by GET /health on the avatar server.
type Health struct {
	Status        string `json:"status"`
	ModelLoaded   bool   `json:"model_loaded"`
	CUDAAvailable bool   `json:"cuda_available"`
	Version       string `json:"version"`
}

// voicesResponse is the JSON body returned by GET /api/voices (avatar mode).
type voicesResponse struct {
	Model              string   `json:"model"`
	Loaded             bool     `json:"loaded"`
	SupportedLanguages []string `json:"supported_languages"`
}

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is nil for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Synthesize renders text through the configured server and returns a WAV
// payload. When opts.SampleRate is set and differs from the model's native
// mono rate the PCM is resampled before it is re-wrapped.
func (p *Provider) Synthesize(ctx context.Context, text string, opts types.Options) (types.Payload, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Payload{}, errors.New("coqui: text must not be empty")
	}
	if opts.Voice == "" && p.apiMode == APIModeXTTS {
		return types.Payload{}, errors.New("coqui: voice must not be empty (required for XTTS mode)")
	}

	var req *http.Request
	var err error
	switch p.apiMode {
	case APIModeStandard:
		req, err = p.standardRequest(ctx, text, opts)
	case APIModeXTTS:
		req, err = p.xttsRequest(ctx, text, opts)
	default:
		req, err = p.avatarRequest(ctx, text, opts)
	}
	if err != nil {
		return types.Payload{}, err
	}
	req.Header.Set("Accept", wav.MIMEType)

	data, err := p.do(req)
	if err != nil {
		return types.Payload{}, err
	}

	info, err := wav.Parse(data)
	if err != nil {
		return types.Payload{}, fmt.Errorf("coqui: parse WAV response: %w", err)
	}

	if opts.SampleRate > 0 && info.SampleRate != opts.SampleRate && info.Channels == 1 {
		pcm := data[info.DataOffset : info.DataOffset+info.DataSize]
		pcm = wav.ResampleMono16(pcm, info.SampleRate, opts.SampleRate)
		data = wav.Encode(pcm, opts.SampleRate, 1)
		info.SampleRate = opts.SampleRate
	}

	return types.Payload{
		Audio:      data,
		MIMEType:   wav.MIMEType,
		SampleRate: info.SampleRate,
	}, nil
}

func (p *Provider) lang(opts types.Options) string {
	if opts.Language != "" {
		return opts.Language
	}
	return p.language
}

func (p *Provider) avatarRequest(ctx context.Context, text string, opts types.Options) (*http.Request, error) {
	body, err := json.Marshal(avatarRequest{Text: text, Language: p.lang(opts), Speed: opts.Speed})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+apiTTSEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *Provider) standardRequest(ctx context.Context, text string, opts types.Options) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", text)
	if opts.Voice != "" {
		params.Set("speaker_id", opts.Voice)
	}
	if lang := p.lang(opts); lang != "" {
		params.Set("language_id", lang)
	}
	if opts.Speed > 0 {
		params.Set("speed", strconv.FormatFloat(opts.Speed, 'f', -1, 64))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}

func (p *Provider) xttsRequest(ctx context.Context, text string, opts types.Options) (*http.Request, error) {
	body, err := json.Marshal(xttsRequest{Text: text, SpeakerWav: opts.Voice, Language: p.lang(opts)})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes req and returns the response body of a 200 response.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("coqui: %s %s returned status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read response: %w", err)
	}
	return data, nil
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	data, err := p.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", endpoint, err)
	}
	return nil
}

// Health queries GET /health. Only the avatar server exposes it.
func (p *Provider) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := p.getJSON(ctx, healthEndpoint, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// WaitModelLoaded probes the server once and succeeds only if it is reachable
// and, in avatar mode, reports a loaded model. Standard and XTTS servers only
// serve requests once their model is loaded, so reachability of their voice
// catalogue suffices. It is used as a warmup strategy.
func (p *Provider) WaitModelLoaded(ctx context.Context) error {
	if p.apiMode != APIModeAvatar {
		_, err := p.ListVoices(ctx)
		return err
	}
	h, err := p.Health(ctx)
	if err != nil {
		return err
	}
	if !h.ModelLoaded {
		return fmt.Errorf("%w (version %s)", ErrModelNotLoaded, h.Version)
	}
	return nil
}

// ListVoices retrieves the voice catalogue from the server.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	switch p.apiMode {
	case APIModeStandard:
		return p.listVoicesStandard(ctx)
	case APIModeXTTS:
		return p.listVoicesXTTS(ctx)
	default:
		return p.listVoicesAvatar(ctx)
	}
}

// listVoicesAvatar maps the single model of the avatar server to one profile
// per supported language.
func (p *Provider) listVoicesAvatar(ctx context.Context) ([]types.VoiceProfile, error) {
	var resp voicesResponse
	if err := p.getJSON(ctx, apiVoicesEndpoint, &resp); err != nil {
		return nil, err
	}
	langs := resp.SupportedLanguages
	if len(langs) == 0 {
		langs = []string{p.language}
	}
	profiles := make([]types.VoiceProfile, 0, len(langs))
	for _, lang := range langs {
		profiles = append(profiles, types.VoiceProfile{
			ID:       resp.Model,
			Name:     resp.Model + " (" + lang + ")",
			Provider: "coqui",
			Metadata: map[string]string{
				"language": lang,
				"loaded":   strconv.FormatBool(resp.Loaded),
			},
		})
	}
	return profiles, nil
}

func (p *Provider) listVoicesXTTS(ctx context.Context) ([]types.VoiceProfile, error) {
	var raw map[string]json.RawMessage
	if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]types.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, types.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{"type": "studio"},
		})
	}
	return profiles, nil
}

func (p *Provider) listVoicesStandard(ctx context.Context) ([]types.VoiceProfile, error) {
	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}

	if len(details.Speakers) > 0 {
		speakers := make([]string, len(details.Speakers))
		copy(speakers, details.Speakers)
		sort.Strings(speakers)

		profiles := make([]types.VoiceProfile, 0, len(speakers))
		for _, spk := range speakers {
			profiles = append(profiles, types.VoiceProfile{
				ID:       spk,
				Name:     spk,
				Provider: "coqui",
				Metadata: map[string]string{
					"type":       "speaker",
					"model_name": details.ModelName,
				},
			})
		}
		return profiles, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []types.VoiceProfile{{
		ID:       name,
		Name:     name,
		Provider: "coqui",
		Metadata: map[string]string{
			"type":       "single-speaker",
			"model_name": name,
		},
	}}, nil
}
