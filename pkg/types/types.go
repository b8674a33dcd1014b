// Package types defines the shared types used across all avatarvoice packages.
//
// These types form the lingua franca between vendor providers, the resilience
// layer, the result cache and the orchestrator. They are intentionally minimal:
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// Capability names one of the speech capabilities a backend can provide.
type Capability string

const (
	// CapabilitySTT is speech-to-text: audio in, transcript out.
	CapabilitySTT Capability = "stt"

	// CapabilityTTS is text-to-speech: text in, audio out.
	CapabilityTTS Capability = "tts"
)

// IsValid reports whether c is a recognised capability.
func (c Capability) IsValid() bool {
	return c == CapabilitySTT || c == CapabilityTTS
}

// Options carries the voice/model selection and synthesis parameters that
// accompany a request. Every field participates in the cache key.
type Options struct {
	// Voice is the provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string

	// Model selects a specific model within the provider.
	Model string

	// Language is the BCP-47 language tag (e.g., "en", "de-DE").
	Language string

	// Speed is the speaking-rate multiplier for synthesis (0 = provider default).
	Speed float64

	// Pitch adjusts synthesis pitch (-10 to +10, 0 = default).
	Pitch float64

	// Format is the requested audio container for synthesis ("wav", "pcm").
	Format string

	// SampleRate is the audio sample rate in Hz. For transcription it describes
	// the input audio; for synthesis it is the desired output rate.
	SampleRate int
}

// Request is a single backend-agnostic speech request. Exactly one of Text or
// Audio is meaningful depending on Capability.
type Request struct {
	Capability Capability

	// Text is the input for synthesis.
	Text string

	// Audio is the input for transcription: a WAV container or raw 16-bit
	// little-endian PCM described by Options.SampleRate.
	Audio []byte

	Options Options
}

// Payload is the product of a successful backend invocation.
type Payload struct {
	// Audio holds synthesised audio (TTS only).
	Audio []byte

	// MIMEType describes Audio (e.g., "audio/wav").
	MIMEType string

	// SampleRate of Audio in Hz, when known.
	SampleRate int

	// Transcript holds recognised text (STT only).
	Transcript Transcript
}

// Size returns the approximate number of bytes held by p. Used for cache
// accounting.
func (p Payload) Size() int {
	n := len(p.Audio) + len(p.MIMEType) + len(p.Transcript.Text)
	for _, w := range p.Transcript.Words {
		n += len(w.Word) + 32
	}
	return n + 64
}

// Transcript represents a speech-to-text result.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the detected or requested language.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// VoiceProfile describes a TTS voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}
