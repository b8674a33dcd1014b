// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// live WebSocket API. It implements the stt.Provider interface by streaming a
// complete utterance, closing the stream, and joining every final result.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

const (
	// DefaultEndpoint is the global Deepgram live endpoint. Regional
	// deployments (e.g. wss://api.eu.deepgram.com/v1/listen) override it.
	DefaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// chunkSize is the number of PCM bytes per binary frame (~250 ms at 16 kHz).
	chunkSize = 8000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the sample rate assumed for raw PCM input.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the WebSocket endpoint, e.g. for a regional host.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithKeywords sets keyword boosts in Deepgram's "word:boost" form.
func WithKeywords(keywords ...string) Option {
	return func(p *Provider) {
		p.keywords = keywords
	}
}

// Provider implements stt.Provider backed by the Deepgram live API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
	keywords   []string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   DefaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams audio to Deepgram and returns the joined final results.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts types.Options) (types.Transcript, error) {
	pcm, info := wav.PCM(audio)
	rate, channels := opts.SampleRate, 1
	if info.SampleRate > 0 {
		rate, channels = info.SampleRate, max(info.Channels, 1)
	}
	if rate <= 0 {
		rate = p.sampleRate
	}
	if len(pcm) == 0 {
		return types.Transcript{}, errors.New("deepgram: audio must not be empty")
	}

	lang := opts.Language
	if lang == "" {
		lang = p.language
	}
	model := opts.Model
	if model == "" {
		model = p.model
	}

	wsURL, err := p.buildURL(model, lang, rate, channels)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeAudio(ctx, conn, pcm)
	}()

	var results []types.Transcript
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return types.Transcript{}, fmt.Errorf("deepgram: read: %w", err)
		}
		if isMetadata(msg) {
			break
		}
		if t, ok := parseDeepgramResponse(msg); ok && t.final && t.Text != "" {
			results = append(results, t.Transcript)
		}
	}
	if err := <-writeErr; err != nil {
		return types.Transcript{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	tr := join(results)
	tr.Language = lang
	tr.Duration = time.Duration(wav.DurationMs(pcm, rate, channels)) * time.Millisecond
	return tr, nil
}

// writeAudio sends pcm in binary frames followed by a CloseStream message.
func writeAudio(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	for len(pcm) > 0 {
		n := min(chunkSize, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[:n]); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
		pcm = pcm[n:]
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// buildURL constructs the Deepgram live endpoint URL.
func (p *Provider) buildURL(model, lang string, sampleRate, channels int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	for _, kw := range p.keywords {
		q.Add("keywords", kw)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed Results event.
type result struct {
	types.Transcript
	final bool
}

// isMetadata reports whether msg is the Metadata event Deepgram sends after
// the last result of a closed stream.
func isMetadata(msg []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(msg, &probe) == nil && probe.Type == "Metadata"
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (result, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return result{
		Transcript: types.Transcript{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			Words:      words,
		},
		final: resp.IsFinal,
	}, true
}

// join concatenates final segments. Confidence is the mean of the segments.
func join(parts []types.Transcript) types.Transcript {
	if len(parts) == 0 {
		return types.Transcript{}
	}
	var (
		texts []string
		conf  float64
		words []types.WordDetail
	)
	for _, p := range parts {
		texts = append(texts, strings.TrimSpace(p.Text))
		conf += p.Confidence
		words = append(words, p.Words...)
	}
	return types.Transcript{
		Text:       strings.Join(texts, " "),
		Confidence: conf / float64(len(parts)),
		Words:      words,
	}
}
