// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, OpenAI
// Whisper, a local whisper.cpp server or in-process model) and exposes a
// uniform batch interface: one complete utterance in, one final transcript
// out.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises the speech contained in audio. audio is either a
	// WAV container or raw 16-bit little-endian mono PCM at opts.SampleRate.
	// opts.Language is a recognition hint; empty lets the provider detect it.
	//
	// Implementations must return promptly once ctx is done.
	Transcribe(ctx context.Context, audio []byte, opts types.Options) (types.Transcript, error)
}
