// Package silence provides a cheap local TTS provider that always succeeds by
// returning a short WAV clip of silence. It is the last rung of a TTS failover
// ladder: the avatar keeps its timing even when every real voice is down.
package silence

import (
	"context"
	"time"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

const (
	// DefaultDuration is the length of each generated clip.
	DefaultDuration = time.Second

	// DefaultSampleRate matches the native rate of the Coqui LJSpeech models.
	DefaultSampleRate = 22050
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a silence Provider.
type Option func(*Provider)

// WithDuration sets the clip length.
func WithDuration(d time.Duration) Option {
	return func(p *Provider) {
		p.duration = d
	}
}

// WithSampleRate sets the clip sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider synthesises silence. The zero value is not usable; call New.
type Provider struct {
	duration   time.Duration
	sampleRate int
}

// New returns a silence Provider producing 1 s of 16-bit mono silence at
// 22050 Hz unless overridden.
func New(opts ...Option) *Provider {
	p := &Provider{duration: DefaultDuration, sampleRate: DefaultSampleRate}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize ignores text and returns a silent WAV clip. A requested
// opts.SampleRate overrides the configured rate.
func (p *Provider) Synthesize(ctx context.Context, _ string, opts types.Options) (types.Payload, error) {
	if err := ctx.Err(); err != nil {
		return types.Payload{}, err
	}
	rate := p.sampleRate
	if opts.SampleRate > 0 {
		rate = opts.SampleRate
	}
	return types.Payload{
		Audio:      wav.Silence(int(p.duration.Milliseconds()), rate),
		MIMEType:   wav.MIMEType,
		SampleRate: rate,
	}, nil
}

// ListVoices returns a single placeholder voice.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	return []types.VoiceProfile{{ID: "silence", Name: "Silence", Provider: "silence"}}, nil
}
