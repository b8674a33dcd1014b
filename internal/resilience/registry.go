package resilience

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithLoader gates heavy-model backends on l. Without a loader, heavy
// backends are treated as ready.
func WithLoader(l *Loader) RegistryOption {
	return func(r *Registry) {
		r.loader = l
	}
}

// Registry holds the registered backends. Registration is additive; there
// is no removal.
type Registry struct {
	health  *HealthTable
	loader  *Loader
	regions *RegionFailover

	mu       sync.RWMutex
	backends []*Descriptor
	byName   map[string]*Descriptor
}

// NewRegistry creates an empty registry that filters candidates by health.
func NewRegistry(health *HealthTable, opts ...RegistryOption) *Registry {
	r := &Registry{
		health:  health,
		regions: newRegionFailover(),
		byName:  make(map[string]*Descriptor),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds d. Names must be unique across capabilities. Heavy-model
// backends are registered with the loader.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.Variants = slices.Clone(d.Variants)
	d.Warmup = slices.Clone(d.Warmup)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[d.Name]; dup {
		return fmt.Errorf("resilience: backend %q already registered", d.Name)
	}
	r.backends = append(r.backends, &d)
	r.byName[d.Name] = &d
	if d.Cost == CostHeavyModel && r.loader != nil {
		r.loader.Register(d.Name, d.Warmup)
	}
	slog.Info("backend registered",
		"backend", d.Name,
		"capability", d.Capability,
		"priority", d.Priority,
		"variants", len(d.Variants),
		"cost", d.Cost.String())
	return nil
}

// Backend returns the descriptor registered under name.
func (r *Registry) Backend(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Backends returns every descriptor in registration order.
func (r *Registry) Backends() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.backends)
}

// HasCapability reports whether any backend serves c.
func (r *Registry) HasCapability(c types.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.backends {
		if d.Capability == c {
			return true
		}
	}
	return false
}

// Regions returns the region stickiness shared by all regional backends.
func (r *Registry) Regions() *RegionFailover {
	return r.regions
}

// Health returns the table the registry filters candidates with.
func (r *Registry) Health() *HealthTable {
	return r.health
}

// Loader returns the warmup loader, or nil.
func (r *Registry) Loader() *Loader {
	return r.loader
}

// startWarmup starts the loader for every heavy-model backend serving c,
// or only for backend only when it is set.
func (r *Registry) startWarmup(c types.Capability, only string) {
	if r.loader == nil {
		return
	}
	r.mu.RLock()
	var names []string
	for _, d := range r.backends {
		if d.Capability == c && d.Cost == CostHeavyModel && (only == "" || d.Name == only) {
			names = append(names, d.Name)
		}
	}
	r.mu.RUnlock()
	for _, name := range names {
		r.loader.Start(name)
	}
}

// ListCandidates returns the (backend, variant) pairs for c in attempt
// order: ascending priority, registration order on ties, then variant
// order (sticky region first for regional backends).
//
// Heavy-model backends are listed only once their warmup is Ready. Of the
// rest, pairs in HealthFailed are dropped unless that would leave nothing,
// in which case the first failed pair is returned alone.
func (r *Registry) ListCandidates(c types.Capability) []Candidate {
	cands, _ := r.candidates(c, "")
	return cands
}

// candidates implements ListCandidates, optionally restricted to one
// backend. The second result lists pairs excluded outright.
func (r *Registry) candidates(c types.Capability, only string) ([]Candidate, []Skip) {
	r.mu.RLock()
	ds := make([]*Descriptor, 0, len(r.backends))
	for _, d := range r.backends {
		if d.Capability == c && (only == "" || d.Name == only) {
			ds = append(ds, d)
		}
	}
	r.mu.RUnlock()
	slices.SortStableFunc(ds, func(a, b *Descriptor) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	var (
		all     []Candidate
		skipped []Skip
	)
	for _, d := range ds {
		if d.Cost == CostHeavyModel && r.loader != nil {
			if st := r.loader.Status(d.Name); st != WarmupReady {
				skipped = append(skipped, Skip{Backend: d.Name, Reason: "warmup " + st.String()})
				continue
			}
		}
		variants := d.Variants
		if d.Regional {
			variants = r.regions.Order(d)
		}
		for _, v := range variants {
			all = append(all, Candidate{Backend: d, Variant: v})
		}
	}

	healthy := make([]Candidate, 0, len(all))
	for _, cand := range all {
		if r.health.State(cand.Backend.Name, cand.Variant.ID) == HealthFailed {
			skipped = append(skipped, Skip{Backend: cand.Backend.Name, Variant: cand.Variant.ID, Reason: "cooling down"})
			continue
		}
		healthy = append(healthy, cand)
	}
	if len(healthy) == 0 && len(all) > 0 {
		// Every pair is cooling down; probe the best one anyway.
		p := len(skipped) - len(all)
		return all[:1], append(skipped[:p:p], skipped[p+1:]...)
	}
	return healthy, skipped
}
