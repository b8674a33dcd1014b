package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarvoice/internal/resilience"
	"github.com/MrWong99/avatarvoice/internal/speechcache"
	sttmock "github.com/MrWong99/avatarvoice/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/avatarvoice/pkg/provider/tts/mock"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

var errVendor = errors.New("vendor unavailable")

type fixture struct {
	reg    *resilience.Registry
	loader *resilience.Loader
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	health := resilience.NewHealthTable(resilience.HealthConfig{})
	loader := resilience.NewLoader(resilience.WarmupConfig{RetryInterval: time.Millisecond})
	reg := resilience.NewRegistry(health, resilience.WithLoader(loader))
	sched := resilience.NewScheduler(reg, resilience.NewExecutor(health))
	o := New(reg, sched, speechcache.New(speechcache.Config{}), cfg)
	t.Cleanup(func() { o.Close() })
	return &fixture{reg: reg, loader: loader, orch: o}
}

func (f *fixture) tts(t *testing.T, name string, priority int, p *ttsmock.Provider) {
	t.Helper()
	err := f.reg.Register(resilience.Descriptor{
		Name:       name,
		Capability: types.CapabilityTTS,
		Priority:   priority,
		MaxTimeout: time.Second,
		Variants:   []resilience.Variant{{ID: "default", Invoke: resilience.TTSInvoker(p)}},
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func (f *fixture) stt(t *testing.T, name string, priority int, p *sttmock.Provider) {
	t.Helper()
	err := f.reg.Register(resilience.Descriptor{
		Name:       name,
		Capability: types.CapabilitySTT,
		Priority:   priority,
		Variants:   []resilience.Variant{{ID: "default", Invoke: resilience.STTInvoker(p)}},
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func wav(s string) types.Payload {
	return types.Payload{Audio: []byte(s), MIMEType: "audio/wav", SampleRate: 22050}
}

func TestSynthesize_MissThenHit(t *testing.T) {
	f := newFixture(t, Config{})
	p := &ttsmock.Provider{SynthesizeResult: wav("hello")}
	f.tts(t, "coqui", 0, p)

	res, err := f.orch.Synthesize(context.Background(), "Hello there", types.Options{Voice: "v1"}, time.Time{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Source != speechcache.SourceMiss || res.Backend != "coqui" || string(res.Payload.Audio) != "hello" {
		t.Errorf("first result = %+v", res)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].CallID != res.CallID {
		t.Errorf("attempts = %+v, want one carrying call id %s", res.Attempts, res.CallID)
	}

	res, err = f.orch.Synthesize(context.Background(), "  Hello   there ", types.Options{Voice: "v1"}, time.Time{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Source != speechcache.SourceHit || res.Backend != "coqui" {
		t.Errorf("second result = %+v, want cache hit", res)
	}
	if n := p.CallCount(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	if p.SynthesizeCalls[0].Text != "Hello there" {
		t.Errorf("provider text = %q", p.SynthesizeCalls[0].Text)
	}
}

func TestSynthesize_FailsOver(t *testing.T) {
	f := newFixture(t, Config{})
	primary := &ttsmock.Provider{SynthesizeErr: errVendor}
	fallback := &ttsmock.Provider{SynthesizeResult: wav("silence")}
	f.tts(t, "elevenlabs", 0, primary)
	f.tts(t, "silence", 100, fallback)

	res, err := f.orch.Synthesize(context.Background(), "hi", types.Options{}, time.Time{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Backend != "silence" || len(res.Attempts) != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Attempts[0].Outcome != resilience.OutcomeError {
		t.Errorf("first attempt = %+v", res.Attempts[0])
	}
}

func TestSynthesize_AllFailedNotCached(t *testing.T) {
	f := newFixture(t, Config{})
	p := &ttsmock.Provider{SynthesizeErr: errVendor}
	f.tts(t, "coqui", 0, p)

	_, err := f.orch.Synthesize(context.Background(), "hi", types.Options{}, time.Time{})
	if !errors.Is(err, resilience.ErrAllBackendsFailed) {
		t.Fatalf("err = %v, want all backends failed", err)
	}
	var rerr *resilience.Error
	if !errors.As(err, &rerr) || len(rerr.Attempts) != 1 {
		t.Fatalf("err = %#v", err)
	}

	p.SynthesizeErr = nil
	p.SynthesizeResult = wav("ok")
	res, err := f.orch.Synthesize(context.Background(), "hi", types.Options{}, time.Time{})
	if err != nil || res.Source != speechcache.SourceMiss {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	if n := p.CallCount(); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestSynthesize_EmptyInput(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.orch.Synthesize(context.Background(), " \n\t", types.Options{}, time.Time{}); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Synthesize err = %v", err)
	}
	if _, err := f.orch.Transcribe(context.Background(), nil, types.Options{}, time.Time{}); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Transcribe err = %v", err)
	}
}

func TestTranscribe_NotConfigured(t *testing.T) {
	f := newFixture(t, Config{})
	f.tts(t, "coqui", 0, &ttsmock.Provider{})
	_, err := f.orch.Transcribe(context.Background(), []byte{1, 2}, types.Options{}, time.Time{})
	if !errors.Is(err, resilience.ErrNotConfigured) {
		t.Errorf("err = %v, want not configured", err)
	}
}

func TestTranscribe_DefaultBudget(t *testing.T) {
	f := newFixture(t, Config{STTBudget: 50 * time.Millisecond})
	slow := &sttmock.Provider{TranscribeFunc: func(ctx context.Context, _ []byte, _ types.Options) (types.Transcript, error) {
		<-ctx.Done()
		return types.Transcript{}, ctx.Err()
	}}
	f.stt(t, "deepgram", 0, slow)
	f.stt(t, "whisper", 1, &sttmock.Provider{TranscribeResult: types.Transcript{Text: "late"}})

	start := time.Now()
	_, err := f.orch.Transcribe(context.Background(), []byte{1, 2, 3}, types.Options{}, time.Time{})
	if !errors.Is(err, resilience.ErrDeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Transcribe took %v with a 50ms budget", elapsed)
	}
}

func TestTranscribe_Success(t *testing.T) {
	f := newFixture(t, Config{Defaults: types.Options{Language: "de", Voice: "narrator"}})
	p := &sttmock.Provider{TranscribeResult: types.Transcript{Text: "hallo"}}
	f.stt(t, "whisper", 0, p)

	res, err := f.orch.Transcribe(context.Background(), []byte{1, 2, 3}, types.Options{}, time.Time{})
	if err != nil || res.Payload.Transcript.Text != "hallo" {
		t.Fatalf("Transcribe = %+v, %v", res, err)
	}
	if got := p.TranscribeCalls[0].Options; got.Language != "de" || got.Voice != "" {
		t.Errorf("options = %+v, want language default only", got)
	}
}

func TestSynthesize_CallerCancel(t *testing.T) {
	f := newFixture(t, Config{})
	f.tts(t, "coqui", 0, &ttsmock.Provider{SynthesizeFunc: func(ctx context.Context, _ string, _ types.Options) (types.Payload, error) {
		<-ctx.Done()
		return types.Payload{}, ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := f.orch.Synthesize(ctx, "hi", types.Options{}, time.Time{})
	if !errors.Is(err, resilience.ErrDeadlineExceeded) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want deadline exceeded caused by cancel", err)
	}
}

func TestSynthesize_ConcurrentCallersShareOneInvocation(t *testing.T) {
	f := newFixture(t, Config{})
	release := make(chan struct{})
	p := &ttsmock.Provider{SynthesizeFunc: func(ctx context.Context, _ string, _ types.Options) (types.Payload, error) {
		<-release
		return wav("once"), nil
	}}
	f.tts(t, "coqui", 0, p)

	const callers = 8
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.Synthesize(context.Background(), "same line", types.Options{}, time.Time{})
			if err != nil || string(res.Payload.Audio) != "once" {
				t.Errorf("Synthesize = %+v, %v", res, err)
			}
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.orch.CacheStats().Waiters < callers {
		if time.Now().After(deadline) {
			t.Fatal("callers did not join")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()
	if n := p.CallCount(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}

func TestDefaultsAndInvalidate(t *testing.T) {
	f := newFixture(t, Config{Defaults: types.Options{Voice: "narrator", Speed: 1}})
	p := &ttsmock.Provider{SynthesizeResult: wav("a")}
	f.tts(t, "coqui", 0, p)

	f.orch.Synthesize(context.Background(), "hi", types.Options{}, time.Time{})
	if got := p.SynthesizeCalls[0].Options; got.Voice != "narrator" || got.Speed != 1 {
		t.Errorf("options = %+v", got)
	}
	f.orch.Synthesize(context.Background(), "hi", types.Options{Voice: "narrator", Speed: 1}, time.Time{})
	if n := p.CallCount(); n != 1 {
		t.Errorf("explicit options equal to defaults missed the cache: %d calls", n)
	}

	f.orch.SetDefaults(types.Options{Voice: "villain"})
	f.orch.InvalidateCache()
	if f.orch.CacheStats().Entries != 0 {
		t.Error("cache not cleared")
	}
	f.orch.Synthesize(context.Background(), "hi", types.Options{}, time.Time{})
	if got := p.SynthesizeCalls[1].Options.Voice; got != "villain" {
		t.Errorf("voice after SetDefaults = %q", got)
	}
	if f.orch.Defaults().Voice != "villain" {
		t.Error("Defaults not updated")
	}
}
