package feature

import (
	"context"
	"fmt"

	"cloudguard/pkg/event"
	"cloudguard/pkg/state"
)

// RecencySentinelMinutes stands in for the recency gap on an entity's first
// event, where no prior timestamp exists. Models need a numeric value, and a
// fixed large constant keeps first events distinguishable from rapid
// repeats.
const RecencySentinelMinutes = 1e6

const (
	businessHoursStart = 9
	businessHoursEnd   = 17 // exclusive
)

// Observation carries per-event data-quality signals out of feature
// computation. None of them is an error: out-of-order timestamps and unknown
// actions are accepted and surfaced as counters.
type Observation struct {
	FirstSeen     bool
	OutOfOrder    bool
	UnknownAction bool
}

// Engine computes feature vectors and threads entity state. Compute is
// deterministic given identical inputs; Process adds store access around it.
type Engine struct {
	schema *Schema
	store  state.Store
}

// NewEngine builds a feature engine over an injectable state store.
func NewEngine(schema *Schema, store state.Store) *Engine {
	return &Engine{schema: schema, store: store}
}

// Schema returns the engine's frozen feature schema.
func (e *Engine) Schema() *Schema { return e.schema }

// Compute derives the feature vector for ev given the entity's state and
// then folds ev into that state. The recency gap is read from the state
// BEFORE the update (the prior event's timestamp, never ev's own); the
// remaining behavioral aggregates include ev itself, matching the corpus
// semantics the models are trained on. st must be non-nil; a fresh state
// means no history.
//
// Events older than the entity's last-seen timestamp are accepted: the gap
// simply goes negative. Reordering or rejecting them here would make results
// depend on arrival timing instead of input content.
func (e *Engine) Compute(ev event.NormalizedEvent, st *state.EntityState) (Vector, Observation) {
	obs := Observation{FirstSeen: st.ActivityCount == 0}

	// Recency gap from prior history only.
	recency := RecencySentinelMinutes
	if !obs.FirstSeen {
		recency = ev.Timestamp.Sub(st.LastSeen).Minutes()
		if recency < 0 {
			obs.OutOfOrder = true
		}
	}

	st.Observe(ev.Timestamp, ev.Source, ev.Origin, ev.Failed())

	ts := ev.Timestamp.UTC()
	hour := ts.Hour()
	// Monday = 0 .. Sunday = 6.
	day := (int(ts.Weekday()) + 6) % 7
	weekend := day >= 5
	business := hour >= businessHoursStart && hour < businessHoursEnd

	category := event.Categorize(ev.Action)
	obs.UnknownAction = !event.KnownAction(ev.Action)

	v := make(Vector, 0, e.schema.Len())
	v = append(v,
		float64(hour),
		float64(day),
		boolFeat(weekend),
		boolFeat(business),
		recency,
		float64(st.ActivityCount),
		float64(len(st.Services)),
		float64(st.FailureCount),
		float64(len(st.Origins)),
		boolFeat(ev.Failed()),
		boolFeat(!ev.ReadOnly),
		boolFeat(ev.MFAUsed),
		boolFeat(event.IsIAMSource(ev.Source)),
		boolFeat(category == event.CategoryPrivileged),
		boolFeat(category == event.CategoryDataAccess),
		boolFeat(category == event.CategoryReconnaissance),
		boolFeat(event.IsInternalOrigin(ev.Origin)),
	)
	return v, obs
}

// Process runs Compute against the injected store, creating entity state
// lazily on first contact. Calls for the same entity must not run
// concurrently; calls for different entities may.
func (e *Engine) Process(ctx context.Context, ev event.NormalizedEvent) (Vector, Observation, error) {
	st, err := e.store.Get(ctx, ev.EntityID)
	if err != nil {
		return nil, Observation{}, fmt.Errorf("load state for %s: %w", ev.EntityID, err)
	}
	if st == nil {
		st = state.NewEntityState(ev.EntityID)
	}

	v, obs := e.Compute(ev, st)

	if err := e.store.Put(ctx, st); err != nil {
		return nil, Observation{}, fmt.Errorf("store state for %s: %w", ev.EntityID, err)
	}
	return v, obs, nil
}

func boolFeat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
