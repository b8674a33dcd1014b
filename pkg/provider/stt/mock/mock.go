// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{TranscribeResult: types.Transcript{Text: "hello"}}
//	tr, _ := p.Transcribe(ctx, audio, types.Options{SampleRate: 16000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Ctx context.Context
	// Audio is a copy of the bytes passed to Transcribe.
	Audio   []byte
	Options types.Options
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// TranscribeResult is returned by Transcribe when TranscribeErr is nil.
	TranscribeResult types.Transcript

	// TranscribeErr, if non-nil, is returned from Transcribe.
	TranscribeErr error

	// TranscribeFunc, if set, overrides TranscribeResult and TranscribeErr.
	TranscribeFunc func(ctx context.Context, audio []byte, opts types.Options) (types.Transcript, error)

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts types.Options) (types.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: cp, Options: opts})
	fn := p.TranscribeFunc
	result, err := p.TranscribeResult, p.TranscribeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio, opts)
	}
	if err != nil {
		return types.Transcript{}, err
	}
	return result, nil
}

// CallCount returns the number of Transcribe calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
