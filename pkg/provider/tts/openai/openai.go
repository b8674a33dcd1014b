// Package openai provides a TTS provider backed by the OpenAI audio speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

const (
	// DefaultModel is the default OpenAI speech model.
	DefaultModel = oai.SpeechModelTTS1

	// DefaultVoice is used when neither the request nor the provider names one.
	DefaultVoice = "alloy"
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// builtinVoices is the fixed catalogue of OpenAI speech voices.
var builtinVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer", "verse"}

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	voice   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithVoice sets the voice used when a request does not name one.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI TTS Provider. If model is empty, DefaultModel
// is used. Client-side retries are disabled; failover is handled by the
// caller.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{voice: DefaultVoice}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  cfg.voice,
	}, nil
}

// Synthesize implements tts.Provider. Audio is requested as WAV.
func (p *Provider) Synthesize(ctx context.Context, text string, opts types.Options) (types.Payload, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Payload{}, fmt.Errorf("openai tts: text must not be empty")
	}
	voice := opts.Voice
	if voice == "" {
		voice = p.voice
	}
	model := opts.Model
	if model == "" {
		model = p.model
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if opts.Speed > 0 {
		params.Speed = param.NewOpt(clampSpeed(opts.Speed))
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return types.Payload{}, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Payload{}, fmt.Errorf("openai tts: read audio: %w", err)
	}

	// The speech endpoint streams WAV with placeholder sizes; rewrap the PCM so
	// downstream consumers see exact chunk lengths.
	info, err := wav.Parse(data)
	if err != nil {
		return types.Payload{}, fmt.Errorf("openai tts: parse audio: %w", err)
	}
	pcm := data[info.DataOffset : info.DataOffset+info.DataSize]
	return types.Payload{
		Audio:      wav.Encode(pcm, info.SampleRate, info.Channels),
		MIMEType:   wav.MIMEType,
		SampleRate: info.SampleRate,
	}, nil
}

// ListVoices returns the built-in OpenAI voice catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	profiles := make([]types.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		profiles = append(profiles, types.VoiceProfile{
			ID:       v,
			Name:     v,
			Provider: "openai",
			Metadata: map[string]string{"model": p.model},
		})
	}
	return profiles, nil
}

// clampSpeed limits speed to the range accepted by the API.
func clampSpeed(s float64) float64 {
	return min(max(s, 0.25), 4.0)
}
