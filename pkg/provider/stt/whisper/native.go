// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// ErrModelNotLoaded is returned by NativeProvider.Transcribe before a model
// has been loaded with LoadModel.
var ErrModelNotLoaded = errors.New("whisper: native model not loaded")

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO). The model is loaded once, typically by a background warmup, and
// shared across all calls; each call creates its own whisper context.
type NativeProvider struct {
	mu        sync.RWMutex
	model     whisperlib.Model
	modelPath string

	language   string
	sampleRate int
	silenceRMS float64
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code for transcription.
// Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the sample rate assumed for raw PCM input.
// Defaults to 16000.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativeSilenceThreshold sets the RMS level below which input is treated
// as silence. 0 disables the check.
func WithNativeSilenceThreshold(rms float64) NativeOption {
	return func(p *NativeProvider) { p.silenceRMS = rms }
}

// NewNative creates a NativeProvider without a model. Call LoadModel before
// the first Transcribe.
func NewNative(opts ...NativeOption) *NativeProvider {
	p := &NativeProvider{
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		silenceRMS: defaultRMSThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// LoadModel loads the whisper.cpp model at path. It is a no-op once a model
// is loaded. Loading is not interruptible; ctx is only checked up front.
func (p *NativeProvider) LoadModel(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("whisper: modelPath must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return nil
	}

	start := time.Now()
	model, err := whisperlib.New(path)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	p.model = model
	p.modelPath = path
	slog.Info("whisper model loaded", "path", path, "elapsed", time.Since(start))
	return nil
}

// ModelPath returns the path of the loaded model, or "" if none is loaded.
func (p *NativeProvider) ModelPath() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modelPath
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	p.modelPath = ""
	return err
}

// Transcribe runs in-process inference on audio. The call holds a read lock
// on the model for its whole duration so Close waits for running inferences.
func (p *NativeProvider) Transcribe(ctx context.Context, audio []byte, opts types.Options) (types.Transcript, error) {
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

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return types.Transcript{}, ErrModelNotLoaded
	}
	if p.silenceRMS > 0 && wav.RMS(pcm) < p.silenceRMS {
		return tr, nil
	}

	text, err := infer(p.model, wav.Float32Mono(pcm, 1), lang)
	if err != nil {
		return types.Transcript{}, err
	}
	tr.Text = text
	return tr, nil
}

// infer runs whisper.cpp inference using a fresh context and returns the
// concatenated segment text. Contexts are not thread-safe; the model is.
func infer(model whisperlib.Model, samples []float32, lang string) (string, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
