// Package openai provides an STT provider backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// defaultSampleRate is assumed for raw PCM that carries no rate.
const defaultSampleRate = 16000

// Ensure Provider implements the stt.Provider interface.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
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

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI STT Provider. If model is empty, DefaultModel
// (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
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

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Transcribe implements stt.Provider. Raw PCM is wrapped as WAV before
// upload; WAV input is sent unchanged.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts types.Options) (types.Transcript, error) {
	if len(audio) == 0 {
		return types.Transcript{}, fmt.Errorf("openai stt: audio must not be empty")
	}

	file := audio
	pcm, info := wav.PCM(audio)
	rate, channels := info.SampleRate, info.Channels
	if rate == 0 {
		rate = opts.SampleRate
		if rate <= 0 {
			rate = defaultSampleRate
		}
		channels = 1
		file = wav.Encode(audio, rate, 1)
	}

	model := opts.Model
	if model == "" {
		model = p.model
	}
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(file), "audio.wav", wav.MIMEType),
		Model: oai.AudioModel(model),
	}
	if opts.Language != "" {
		params.Language = param.NewOpt(baseLanguage(opts.Language))
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	return types.Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: opts.Language,
		Duration: time.Duration(wav.DurationMs(pcm, rate, channels)) * time.Millisecond,
	}, nil
}

// baseLanguage reduces a BCP-47 tag to the ISO-639-1 code the API accepts.
func baseLanguage(tag string) string {
	base, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(base)
}
