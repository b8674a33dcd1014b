package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/avatarvoice/pkg/provider/stt"
	"github.com/MrWong99/avatarvoice/pkg/provider/tts"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// ErrWrongCapability is returned by provider invokers handed a request for
// the other capability.
var ErrWrongCapability = errors.New("resilience: request capability does not match backend")

// TTSInvoker adapts a [tts.Provider] to an [Invoker].
func TTSInvoker(p tts.Provider) Invoker {
	return func(ctx context.Context, req types.Request) (types.Payload, error) {
		if req.Capability != types.CapabilityTTS {
			return types.Payload{}, fmt.Errorf("%w: got %q", ErrWrongCapability, req.Capability)
		}
		return p.Synthesize(ctx, req.Text, req.Options)
	}
}

// STTInvoker adapts an [stt.Provider] to an [Invoker].
func STTInvoker(p stt.Provider) Invoker {
	return func(ctx context.Context, req types.Request) (types.Payload, error) {
		if req.Capability != types.CapabilitySTT {
			return types.Payload{}, fmt.Errorf("%w: got %q", ErrWrongCapability, req.Capability)
		}
		tr, err := p.Transcribe(ctx, req.Audio, req.Options)
		if err != nil {
			return types.Payload{}, err
		}
		return types.Payload{Transcript: tr}, nil
	}
}
