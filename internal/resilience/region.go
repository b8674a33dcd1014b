package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

// RegionFailover keeps the last winning region of each regional backend at
// the front of its variant order. Stickiness only reorders: every call still
// attempts the sticky region first and falls through on failure.
type RegionFailover struct {
	mu     sync.Mutex
	sticky map[string]string
	sched  *Scheduler
}

func newRegionFailover() *RegionFailover {
	return &RegionFailover{sticky: make(map[string]string)}
}

// Order returns d's variants with the sticky region first.
func (rf *RegionFailover) Order(d *Descriptor) []Variant {
	rf.mu.Lock()
	id, ok := rf.sticky[d.Name]
	rf.mu.Unlock()
	if !ok {
		return d.Variants
	}
	i := slices.IndexFunc(d.Variants, func(v Variant) bool { return v.ID == id })
	if i <= 0 {
		return d.Variants
	}
	out := make([]Variant, 0, len(d.Variants))
	out = append(out, d.Variants[i])
	out = append(out, d.Variants[:i]...)
	return append(out, d.Variants[i+1:]...)
}

// Promote makes variant the first region tried for backend.
func (rf *RegionFailover) Promote(backend, variant string) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if prev := rf.sticky[backend]; prev != variant {
		rf.sticky[backend] = variant
		slog.Info("region promoted", "backend", backend, "region", variant, "previous", prev)
	}
}

// Preferred returns the sticky region of backend, if any.
func (rf *RegionFailover) Preferred(backend string) (string, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	v, ok := rf.sticky[backend]
	return v, ok
}

// Run tries the regions of a single backend in sticky order through the
// scheduler, with the same deadline and health rules as [Scheduler.Run].
func (rf *RegionFailover) Run(ctx context.Context, backend string, req types.Request, deadline time.Time) (Result, error) {
	rf.mu.Lock()
	s := rf.sched
	rf.mu.Unlock()
	if s == nil {
		return Result{}, fmt.Errorf("resilience: region failover for %q has no scheduler", backend)
	}
	d, ok := s.reg.Backend(backend)
	if !ok {
		return Result{}, &Error{Kind: ErrNotConfigured, Capability: req.Capability,
			Cause: fmt.Errorf("%w: %q", ErrUnknownBackend, backend)}
	}
	req.Capability = d.Capability
	s.reg.startWarmup(d.Capability, backend)
	cands, skipped := s.reg.candidates(d.Capability, backend)
	return s.run(ctx, req, deadline, cands, skipped)
}

func (rf *RegionFailover) attach(s *Scheduler) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.sched = s
}
