// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeResult: types.Payload{Audio: []byte("RIFF..."), MIMEType: "audio/wav"},
//	    ListVoicesResult: []types.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	payload, _ := p.Synthesize(ctx, "hello", types.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx     context.Context
	Text    string
	Options types.Options
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeResult is returned by Synthesize when SynthesizeErr is nil.
	SynthesizeResult types.Payload

	// SynthesizeErr, if non-nil, is returned from Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if set, overrides SynthesizeResult and SynthesizeErr.
	SynthesizeFunc func(ctx context.Context, text string, opts types.Options) (types.Payload, error)

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, opts types.Options) (types.Payload, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Options: opts})
	fn := p.SynthesizeFunc
	result, err := p.SynthesizeResult, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, opts)
	}
	if err != nil {
		return types.Payload{}, err
	}
	return result, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// CallCount returns the number of Synthesize calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
