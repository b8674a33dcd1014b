// Package resilience selects speech backends per request and fails over
// between them under time pressure.
//
// A [Registry] holds immutable [Descriptor] values, one per backend, each
// with an ordered list of variants (typically regions). The [Scheduler] walks
// the registry's candidate list strictly in order, running one attempt at a
// time through an [Executor] that enforces a per-attempt deadline and feeds
// outcomes into the shared [HealthTable]. Heavy-model backends are gated by a
// [Loader] which warms them up in the background.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Invoker performs one backend call. It must honour ctx cancellation where
// the vendor allows; calls that ignore it are abandoned at the deadline.
type Invoker func(ctx context.Context, req types.Request) (types.Payload, error)

// Cost classifies how expensive a backend is to bring up and call.
type Cost int

const (
	// CostNetwork is a remote API call. It is the zero value.
	CostNetwork Cost = iota

	// CostCheapLocal is an in-process fallback with negligible latency.
	CostCheapLocal

	// CostHeavyModel is a local model that must be warmed up before use.
	CostHeavyModel
)

// String returns the configuration spelling of the cost class.
func (c Cost) String() string {
	switch c {
	case CostNetwork:
		return "network"
	case CostCheapLocal:
		return "cheap-local"
	case CostHeavyModel:
		return "heavy-model"
	default:
		return fmt.Sprintf("cost(%d)", int(c))
	}
}

// ParseCost parses a configuration cost class. The empty string is
// [CostNetwork].
func ParseCost(s string) (Cost, error) {
	switch s {
	case "", "network":
		return CostNetwork, nil
	case "cheap-local":
		return CostCheapLocal, nil
	case "heavy-model":
		return CostHeavyModel, nil
	default:
		return 0, fmt.Errorf("resilience: unknown cost class %q", s)
	}
}

// Variant is one sub-selection of a backend, such as a region. All variants
// of a backend share its capability semantics.
type Variant struct {
	ID     string
	Invoke Invoker
}

// LoadStrategy is one way to bring a heavy backend to readiness, for example
// loading a particular model file.
type LoadStrategy struct {
	Name string
	Load func(ctx context.Context) error
}

// Descriptor describes a registered backend. It is immutable after
// registration.
type Descriptor struct {
	Name       string
	Capability types.Capability

	// Priority orders backends; lower values are tried first.
	Priority int

	// Variants are tried in order within the backend.
	Variants []Variant

	// MaxTimeout bounds a single attempt. Zero means only the overall call
	// budget applies.
	MaxTimeout time.Duration

	Cost Cost

	// Regional marks variants as regions of one vendor. The winning region
	// is promoted to the front for later calls.
	Regional bool

	// Warmup lists load strategies for heavy-model backends, tried in order.
	Warmup []LoadStrategy
}

// Validate reports every problem with d.
func (d Descriptor) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if !d.Capability.IsValid() {
		errs = append(errs, fmt.Errorf("invalid capability %q", d.Capability))
	}
	if len(d.Variants) == 0 {
		errs = append(errs, errors.New("at least one variant is required"))
	}
	seen := make(map[string]bool, len(d.Variants))
	for i, v := range d.Variants {
		if v.Invoke == nil {
			errs = append(errs, fmt.Errorf("variant[%d] %q: invoker is nil", i, v.ID))
		}
		if seen[v.ID] {
			errs = append(errs, fmt.Errorf("variant[%d]: duplicate id %q", i, v.ID))
		}
		seen[v.ID] = true
	}
	if d.MaxTimeout < 0 {
		errs = append(errs, errors.New("max timeout must not be negative"))
	}
	for i, s := range d.Warmup {
		if s.Load == nil {
			errs = append(errs, fmt.Errorf("warmup[%d] %q: load func is nil", i, s.Name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("resilience: backend %q: %w", d.Name, err)
	}
	return nil
}

// Candidate is one (backend, variant) pair eligible for an attempt.
type Candidate struct {
	Backend *Descriptor
	Variant Variant
}

// String returns "backend/variant".
func (c Candidate) String() string {
	return c.Backend.Name + "/" + c.Variant.ID
}
