// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface by sending one utterance, flushing, and collecting every audio
// frame until the server marks the generation final.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultBaseURL is the global ElevenLabs API host. Data-residency
	// deployments use a regional host instead.
	DefaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// readLimit bounds a single WebSocket frame (base64 audio chunk).
	readLimit = 4 << 20
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format (e.g., "pcm_16000", "pcm_24000").
// Only pcm_* formats are supported because the result is wrapped as WAV.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoice sets the voice used when a request does not name one.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// WithBaseURL points the provider at a different API host, e.g. a regional
// endpoint or a test server. Both http(s) and ws(s) schemes are accepted.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient replaces the HTTP client used for the voices endpoint and the
// WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	baseURL      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      DefaultBaseURL,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := sampleRateOf(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// textMessage is the JSON payload sent to ElevenLabs for a text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is a message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize opens a WebSocket, sends text followed by a flush, and collects
// the streamed PCM into one WAV payload.
func (p *Provider) Synthesize(ctx context.Context, text string, opts types.Options) (types.Payload, error) {
	voice := opts.Voice
	if voice == "" {
		voice = p.defaultVoice
	}
	if voice == "" {
		return types.Payload{}, errors.New("elevenlabs: voice must not be empty")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Payload{}, errors.New("elevenlabs: text must not be empty")
	}
	model := opts.Model
	if model == "" {
		model = p.model
	}
	rate, _ := sampleRateOf(p.outputFormat)

	wsURL, err := p.streamURL(voice, model)
	if err != nil {
		return types.Payload{}, fmt.Errorf("elevenlabs: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: p.httpClient})
	if err != nil {
		return types.Payload{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: opts.Speed}
	messages := []any{
		// ElevenLabs requires a non-empty first text value.
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey},
		textMessage{Text: text + " ", TryTriggerGeneration: true},
		textMessage{Text: ""}, // flush
	}
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return types.Payload{}, fmt.Errorf("elevenlabs: marshal message: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return types.Payload{}, fmt.Errorf("elevenlabs: write: %w", err)
		}
	}

	pcm, err := collect(ctx, conn)
	if err != nil {
		return types.Payload{}, err
	}
	if len(pcm) == 0 {
		return types.Payload{}, errors.New("elevenlabs: no audio received")
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	return types.Payload{
		Audio:      wav.Encode(pcm, rate, 1),
		MIMEType:   wav.MIMEType,
		SampleRate: rate,
	}, nil
}

// collect reads audio frames until the server sends isFinal or closes the
// socket normally.
func collect(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return pcm, nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			return pcm, nil
		}
	}
}

// streamURL builds the stream-input WebSocket URL for voice and model.
func (p *Provider) streamURL(voiceID, model string) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	q := url.Values{}
	q.Set("model_id", model)
	q.Set("output_format", p.outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sampleRateOf extracts the rate from a "pcm_<rate>" output format.
func sampleRateOf(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (want pcm_<rate>)", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid sample rate in output format %q", format)
	}
	return n, nil
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return toProfiles(vr), nil
}

func toProfiles(vr voicesResponse) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		maps.Copy(meta, v.Labels)
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}
