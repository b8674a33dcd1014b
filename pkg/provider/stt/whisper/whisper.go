// Package whisper provides whisper.cpp-backed STT providers.
//
// Provider talks to a running whisper-server binary over its REST API
// (POST /inference). NativeProvider links whisper.cpp through its Go bindings
// and loads a model file in-process; see native.go.
//
// Both providers transcribe one complete utterance per call. whisper.cpp
// expects 16 kHz mono audio, so other rates are resampled and stereo is
// downmixed before inference.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	tr, err := p.Transcribe(ctx, wavBytes, types.Options{})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

const (
	// whisperRate is the sample rate whisper.cpp models are trained on.
	whisperRate = 16000

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which an utterance is considered silent and not sent for
	// inference. whisper tends to hallucinate text on pure silence.
	defaultRMSThreshold = 300.0

	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// ErrEmptyAudio is returned when Transcribe is called without samples.
var ErrEmptyAudio = errors.New("whisper: audio must not be empty")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en"). When empty the server uses whichever model it was started
// with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language code sent to the server. Defaults
// to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the sample rate assumed for raw PCM input that carries
// no rate of its own. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithTimeout sets the HTTP client timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithSilenceThreshold sets the RMS level below which audio is treated as
// silence and answered with an empty transcript. 0 disables the check.
func WithSilenceThreshold(rms float64) Option {
	return func(p *Provider) {
		p.silenceRMS = rms
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	sampleRate int
	silenceRMS float64
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		silenceRMS: defaultRMSThreshold,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads audio to /inference and returns the recognised text.
// Silent input short-circuits to an empty transcript.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts types.Options) (types.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	pcm, err := normalize(audio, opts.SampleRate, p.sampleRate)
	if err != nil {
		return types.Transcript{}, err
	}

	lang := opts.Language
	if lang == "" {
		lang = p.language
	}
	tr := types.Transcript{
		Language: lang,
		Duration: time.Duration(wav.DurationMs(pcm, whisperRate, 1)) * time.Millisecond,
	}
	if p.silenceRMS > 0 && wav.RMS(pcm) < p.silenceRMS {
		return tr, nil
	}

	model := opts.Model
	if model == "" {
		model = p.model
	}
	text, err := p.infer(ctx, wav.Encode(pcm, whisperRate, 1), lang, model)
	if err != nil {
		return types.Transcript{}, err
	}
	tr.Text = strings.TrimSpace(text)
	return tr, nil
}

// infer POSTs the WAV file to the /inference endpoint as multipart/form-data.
func (p *Provider) infer(ctx context.Context, file []byte, lang, model string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(file); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", result.Error)
	}
	return result.Text, nil
}

// normalize turns a WAV container or raw PCM into 16 kHz mono PCM. rate is
// the declared rate of raw input; fallback is used when rate is 0.
func normalize(audio []byte, rate, fallback int) ([]byte, error) {
	if len(audio) < 2 {
		return nil, ErrEmptyAudio
	}
	pcm, info := wav.PCM(audio)
	channels := 1
	if info.SampleRate > 0 {
		rate = info.SampleRate
		channels = max(info.Channels, 1)
	}
	if rate <= 0 {
		rate = fallback
	}
	if channels > 1 {
		pcm = downmix(pcm, channels)
	}
	pcm = wav.ResampleMono16(pcm, rate, whisperRate)
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	return pcm, nil
}

// downmix averages interleaved 16-bit frames into mono.
func downmix(pcm []byte, channels int) []byte {
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[idx:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}
