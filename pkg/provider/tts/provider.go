// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., a Coqui avatar
// server, ElevenLabs or OpenAI) and presents a uniform request/response
// interface: one utterance in, one complete audio payload out. Streaming
// vendors collect their output before returning so that results can be
// cached and replayed.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel.
type Provider interface {
	// Synthesize renders text to audio using the voice, language and speed in
	// opts. The returned payload carries the audio bytes, their MIME type and
	// sample rate.
	//
	// Implementations must return promptly once ctx is done; the resilience
	// layer abandons calls that do not.
	Synthesize(ctx context.Context, text string, opts types.Options) (types.Payload, error)

	// ListVoices returns all voice profiles available from this provider.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
