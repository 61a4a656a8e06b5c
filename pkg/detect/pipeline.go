// Package detect runs the per-event pipeline: feature computation, anomaly
// scoring and classification, verdict emission. It owns batch-level concerns
// like deduplication, entity sharding and data-quality counters.
package detect

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloudguard/pkg/decision"
	"cloudguard/pkg/event"
	"cloudguard/pkg/feature"
	"cloudguard/pkg/structlog"
)

// RunStats aggregates counters for one batch. Recoverable data-quality
// signals (duplicates, out-of-order timestamps, unknown actions) are counted
// here and surfaced in reports; they never abort the run.
type RunStats struct {
	RunID          string         `json:"run_id"`
	Events         int            `json:"events"`
	Duplicates     int            `json:"duplicates"`
	OutOfOrder     int            `json:"out_of_order"`
	UnknownActions int            `json:"unknown_actions"`
	NewEntities    int            `json:"new_entities"`
	Anomalies      int            `json:"anomalies"`
	BySeverity     map[string]int `json:"by_severity"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
}

func newRunStats() *RunStats {
	return &RunStats{
		RunID:      uuid.NewString(),
		BySeverity: make(map[string]int),
		StartedAt:  time.Now().UTC(),
	}
}

func (s *RunStats) observe(obs feature.Observation, v decision.Verdict) {
	s.Events++
	if obs.OutOfOrder {
		s.OutOfOrder++
		outOfOrderEvents.Inc()
	}
	if obs.UnknownAction {
		s.UnknownActions++
		unknownActions.Inc()
	}
	if obs.FirstSeen {
		s.NewEntities++
	}
	if v.AnomalyFlag {
		s.Anomalies++
		anomaliesFlagged.Inc()
	}
	s.BySeverity[v.Severity.String()]++
	verdictsBySeverity.WithLabelValues(v.Severity.String()).Inc()
	eventsProcessed.Inc()
}

func (s *RunStats) merge(other *RunStats) {
	s.Events += other.Events
	s.OutOfOrder += other.OutOfOrder
	s.UnknownActions += other.UnknownActions
	s.NewEntities += other.NewEntities
	s.Anomalies += other.Anomalies
	for k, v := range other.BySeverity {
		s.BySeverity[k] += v
	}
}

// Pipeline wires the feature engine and decision engine together.
type Pipeline struct {
	engine *feature.Engine
	dec    *decision.Engine
	log    *structlog.Logger
}

func NewPipeline(engine *feature.Engine, dec *decision.Engine, log *structlog.Logger) *Pipeline {
	return &Pipeline{engine: engine, dec: dec, log: log}
}

// scoreOne is the atomic per-event unit: compute features, update entity
// state, score, classify. It either fully completes or returns an error.
func (p *Pipeline) scoreOne(ctx context.Context, ev event.NormalizedEvent) (decision.Verdict, feature.Observation, error) {
	start := time.Now()
	vec, obs, err := p.engine.Process(ctx, ev)
	if err != nil {
		return decision.Verdict{}, obs, fmt.Errorf("compute features for event %s (entity %s): %w", ev.EventID, ev.EntityID, err)
	}
	v, err := p.dec.Score(ev, vec)
	if err != nil {
		return decision.Verdict{}, obs, err
	}
	scoreLatency.Observe(time.Since(start).Seconds())
	return v, obs, nil
}

// dedupe drops events whose ID was already seen, keeping first occurrence
// and input order. Events without an ID are kept as-is.
func dedupe(events []event.NormalizedEvent, stats *RunStats) []event.NormalizedEvent {
	seen := make(map[string]bool, len(events))
	out := events[:0:0]
	for _, ev := range events {
		if ev.EventID != "" && seen[ev.EventID] {
			stats.Duplicates++
			duplicateEvents.Inc()
			continue
		}
		seen[ev.EventID] = true
		out = append(out, ev)
	}
	return out
}

// Process scores a batch sequentially, emitting one verdict per surviving
// event in input order. A model-not-loaded condition fails the whole batch;
// no partial verdicts are returned.
func (p *Pipeline) Process(ctx context.Context, events []event.NormalizedEvent) ([]decision.Verdict, *RunStats, error) {
	stats := newRunStats()
	events = dedupe(events, stats)

	verdicts := make([]decision.Verdict, 0, len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		v, obs, err := p.scoreOne(ctx, ev)
		if err != nil {
			p.log.Error("batch aborted", structlog.Fields{"run_id": stats.RunID, "event_id": ev.EventID, "entity_id": ev.EntityID, "error": err.Error()})
			return nil, nil, err
		}
		stats.observe(obs, v)
		verdicts = append(verdicts, v)
	}

	stats.Duration = time.Since(stats.StartedAt)
	p.log.Info("batch scored", structlog.Fields{"run_id": stats.RunID, "events": stats.Events, "anomalies": stats.Anomalies, "duplicates": stats.Duplicates})
	return verdicts, stats, nil
}

func shardFor(entityID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(shards))
}

// ProcessParallel shards the batch by entity so no two goroutines ever touch
// the same entity's state, preserves intra-entity input order inside each
// shard, and reassembles verdicts in the original input order.
func (p *Pipeline) ProcessParallel(ctx context.Context, events []event.NormalizedEvent, shards int) ([]decision.Verdict, *RunStats, error) {
	if shards <= 1 {
		return p.Process(ctx, events)
	}

	stats := newRunStats()
	events = dedupe(events, stats)

	type indexed struct {
		idx int
		ev  event.NormalizedEvent
	}
	buckets := make([][]indexed, shards)
	for i, ev := range events {
		s := shardFor(ev.EntityID, shards)
		buckets[s] = append(buckets[s], indexed{idx: i, ev: ev})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	verdicts := make([]decision.Verdict, len(events))
	shardStats := make([]*RunStats, shards)
	errs := make([]error, shards)

	var wg sync.WaitGroup
	for s := 0; s < shards; s++ {
		if len(buckets[s]) == 0 {
			continue
		}
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			local := &RunStats{BySeverity: make(map[string]int)}
			shardStats[s] = local
			for _, item := range buckets[s] {
				if err := ctx.Err(); err != nil {
					errs[s] = err
					return
				}
				v, obs, err := p.scoreOne(ctx, item.ev)
				if err != nil {
					errs[s] = err
					cancel()
					return
				}
				local.observe(obs, v)
				verdicts[item.idx] = v
			}
		}(s)
	}
	wg.Wait()

	for s, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("batch aborted", structlog.Fields{"run_id": stats.RunID, "shard": s, "error": err.Error()})
			return nil, nil, err
		}
	}
	// A shard may have seen only the cancellation.
	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}

	for _, local := range shardStats {
		if local != nil {
			stats.merge(local)
		}
	}
	stats.Duration = time.Since(stats.StartedAt)
	p.log.Info("batch scored", structlog.Fields{"run_id": stats.RunID, "events": stats.Events, "anomalies": stats.Anomalies, "shards": shards})
	return verdicts, stats, nil
}
