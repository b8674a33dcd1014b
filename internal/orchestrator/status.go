package orchestrator

import (
	"time"

	"github.com/MrWong99/avatarvoice/internal/resilience"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// VariantStatus is the health of one variant of a backend.
type VariantStatus struct {
	ID                  string     `json:"id"`
	Health              string     `json:"health"`
	ConsecutiveFailures int        `json:"consecutive_failures,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	Preferred           bool       `json:"preferred,omitempty"`
}

// BackendStatus is a point-in-time view of one registered backend.
type BackendStatus struct {
	Name       string           `json:"name"`
	Capability types.Capability `json:"capability"`
	Priority   int              `json:"priority"`
	Cost       string           `json:"cost"`
	Regional   bool             `json:"regional,omitempty"`

	// Warmup fields are set for heavy-model backends only.
	Warmup         string `json:"warmup,omitempty"`
	WarmupStrategy string `json:"warmup_strategy,omitempty"`
	WarmupError    string `json:"warmup_error,omitempty"`

	Variants []VariantStatus `json:"variants"`
}

// Backends returns the status of every backend in registration order.
func (o *Orchestrator) Backends() []BackendStatus {
	type pair struct{ backend, variant string }
	health := make(map[pair]resilience.HealthStatus)
	for _, st := range o.reg.Health().Snapshot() {
		health[pair{st.Backend, st.Variant}] = st
	}
	warm := make(map[string]resilience.WarmupStatus)
	if l := o.reg.Loader(); l != nil {
		for _, st := range l.Snapshot() {
			warm[st.Backend] = st
		}
	}

	descs := o.reg.Backends()
	out := make([]BackendStatus, 0, len(descs))
	for _, d := range descs {
		bs := BackendStatus{
			Name:       d.Name,
			Capability: d.Capability,
			Priority:   d.Priority,
			Cost:       d.Cost.String(),
			Regional:   d.Regional,
		}
		if w, ok := warm[d.Name]; ok {
			bs.Warmup = w.State.String()
			bs.WarmupStrategy = w.Strategy
			if w.Err != nil {
				bs.WarmupError = w.Err.Error()
			}
		}
		preferred, _ := o.reg.Regions().Preferred(d.Name)
		for _, v := range d.Variants {
			vs := VariantStatus{ID: v.ID, Health: resilience.HealthUnknown.String(), Preferred: d.Regional && v.ID == preferred}
			if h, ok := health[pair{d.Name, v.ID}]; ok {
				vs.Health = h.State.String()
				vs.ConsecutiveFailures = h.ConsecutiveFailures
				if !h.CooldownUntil.IsZero() {
					until := h.CooldownUntil
					vs.CooldownUntil = &until
				}
			}
			bs.Variants = append(bs.Variants, vs)
		}
		out = append(out, bs)
	}
	return out
}

// Ready reports whether some candidate for c could be attempted right now
// without waiting for a cooldown. Heavy models count once warmed up.
func (o *Orchestrator) Ready(c types.Capability) bool {
	h := o.reg.Health()
	for _, cand := range o.reg.ListCandidates(c) {
		if h.State(cand.Backend.Name, cand.Variant.ID) == resilience.HealthFailed {
			continue
		}
		return true
	}
	return false
}
