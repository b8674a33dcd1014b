package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

var errVendor = errors.New("vendor exploded")

// fakeClock is a manually advanced clock for cooldown tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stub is a scripted invoker that counts its calls.
type stub struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	audio string

	// ignoreCtx makes the stub sleep through cancellation, like an
	// uncancellable vendor SDK.
	ignoreCtx bool
}

func (s *stub) invoke(ctx context.Context, req types.Request) (types.Payload, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return types.Payload{}, ctx.Err()
			}
		}
	}
	if s.err != nil {
		return types.Payload{}, s.err
	}
	return types.Payload{Audio: []byte(s.audio), Transcript: types.Transcript{Text: s.audio}}, nil
}

func (s *stub) count() int { return int(s.calls.Load()) }

// rig wires a registry, loader, executor and scheduler on a fake clock.
type rig struct {
	clock  *fakeClock
	health *HealthTable
	loader *Loader
	reg    *Registry
	exec   *Executor
	sched  *Scheduler
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{clock: newFakeClock()}
	r.health = NewHealthTable(HealthConfig{}, WithClock(r.clock.Now))
	r.loader = NewLoader(WarmupConfig{RetryInterval: time.Millisecond})
	t.Cleanup(r.loader.Close)
	r.reg = NewRegistry(r.health, WithLoader(r.loader))
	r.exec = NewExecutor(r.health)
	r.sched = NewScheduler(r.reg, r.exec)
	return r
}

// add registers a single-variant backend served by s.
func (r *rig) add(t *testing.T, name string, c types.Capability, priority int, timeout time.Duration, s *stub) {
	t.Helper()
	err := r.reg.Register(Descriptor{
		Name:       name,
		Capability: c,
		Priority:   priority,
		MaxTimeout: timeout,
		Variants:   []Variant{{ID: "default", Invoke: s.invoke}},
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func ttsRequest(text string) types.Request {
	return types.Request{Capability: types.CapabilityTTS, Text: text}
}

func candidateNames(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.String()
	}
	return out
}
