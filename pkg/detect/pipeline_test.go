package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"cloudguard/pkg/anomaly"
	"cloudguard/pkg/classifier"
	"cloudguard/pkg/decision"
	"cloudguard/pkg/event"
	"cloudguard/pkg/feature"
	"cloudguard/pkg/state"
	"cloudguard/pkg/structlog"
)

func testLogger() *structlog.Logger {
	return structlog.NewLogger("detect-test", structlog.LevelError, io.Discard)
}

// mfaGatedModels builds a deterministic model snapshot over the full schema:
// events without MFA score degree 1 (flagged), events with MFA score 0. The
// classifier always votes normal, so flagged events come out as
// unclassified anomalies.
func mfaGatedModels(t *testing.T, schema *feature.Schema) (*anomaly.Model, *classifier.Model, *feature.StandardScaler) {
	t.Helper()
	mfaIdx := schema.Index(feature.FeatMFAUsed)

	anomBlob := fmt.Sprintf(`{
		"trees": [{"root": {
			"leaf": false, "dim": %d, "split_val": 0.5,
			"left": {"leaf": true, "size": 1},
			"right": {
				"leaf": false, "dim": %d, "split_val": 2,
				"left": {"leaf": true, "size": 1},
				"right": {"leaf": true, "size": 1}
			}
		}}],
		"sample_size": 4, "height_limit": 2,
		"score_min": 1, "score_max": 2,
		"schema_hash": %q,
		"meta": {"corpus_size": 4, "num_trees": 1, "sample_size": 4, "seed": 1, "seeded": true, "trained_at": "2024-01-01T00:00:00Z"}
	}`, mfaIdx, mfaIdx, schema.Hash())
	anom, err := anomaly.Import([]byte(anomBlob), schema)
	if err != nil {
		t.Fatalf("import anomaly model: %v", err)
	}

	clfBlob := fmt.Sprintf(`{
		"trees": [{"root": {"leaf": true, "class": 0}}],
		"split_counts": %s,
		"schema_hash": %q,
		"meta": {"corpus_size": 100, "num_trees": 1, "seed": 1, "seeded": true, "trained_at": "2024-01-01T00:00:00Z"}
	}`, zeros(schema.Len()), schema.Hash())
	clf, err := classifier.Import([]byte(clfBlob), schema)
	if err != nil {
		t.Fatalf("import classifier model: %v", err)
	}

	sc := feature.NewStandardScaler(schema)
	lo := make(feature.Vector, schema.Len())
	hi := make(feature.Vector, schema.Len())
	for i := range lo {
		lo[i], hi[i] = -1, 1
	}
	if err := sc.Fit([]feature.Vector{lo, hi}); err != nil {
		t.Fatalf("fit scaler: %v", err)
	}
	return anom, clf, sc
}

func zeros(n int) string {
	s := "[0"
	for i := 1; i < n; i++ {
		s += ",0"
	}
	return s + "]"
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	schema := feature.DefaultSchema()
	eng := feature.NewEngine(schema, state.NewMemoryStore())
	dec := decision.NewEngine(decision.Config{})
	dec.SetModels(mfaGatedModels(t, schema))
	return NewPipeline(eng, dec, testLogger())
}

func mkEvent(id, entity string, ts time.Time, mfa bool) event.NormalizedEvent {
	return event.NormalizedEvent{
		EventID:   id,
		EntityID:  entity,
		Timestamp: ts,
		Action:    "GetObject",
		Source:    "s3.amazonaws.com",
		Origin:    "203.0.113.10",
		ReadOnly:  true,
		MFAUsed:   mfa,
	}
}

func TestProcess_VerdictPerEventInOrder(t *testing.T) {
	p := testPipeline(t)
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	events := []event.NormalizedEvent{
		mkEvent("e1", "alice", base, true),
		mkEvent("e2", "bob", base.Add(time.Minute), false),
		mkEvent("e3", "alice", base.Add(2*time.Minute), true),
	}
	verdicts, stats, err := p.Process(context.Background(), events)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}

	if len(verdicts) != 3 {
		t.Fatalf("got %d verdicts, want 3", len(verdicts))
	}
	for i, ev := range events {
		if verdicts[i].EventID != ev.EventID {
			t.Errorf("verdict %d is for %s, want %s", i, verdicts[i].EventID, ev.EventID)
		}
	}
	if stats.Events != 3 || stats.Anomalies != 1 {
		t.Errorf("stats = %d events / %d anomalies, want 3/1", stats.Events, stats.Anomalies)
	}
	if stats.NewEntities != 2 {
		t.Errorf("new entities = %d, want 2", stats.NewEntities)
	}
	if verdicts[1].Class != decision.UnclassifiedAnomaly {
		t.Errorf("no-MFA event class = %s, want unclassified anomaly", verdicts[1].Class)
	}
	if verdicts[0].Severity != decision.SeverityNone {
		t.Errorf("MFA event severity = %s, want none", verdicts[0].Severity)
	}
}

func TestProcess_DeduplicatesByEventID(t *testing.T) {
	p := testPipeline(t)
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	events := []event.NormalizedEvent{
		mkEvent("e1", "alice", base, true),
		mkEvent("e1", "alice", base, true),
		mkEvent("e2", "alice", base.Add(time.Minute), true),
	}
	verdicts, stats, err := p.Process(context.Background(), events)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(verdicts) != 2 {
		t.Fatalf("got %d verdicts, want 2 after dedupe", len(verdicts))
	}
	if stats.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", stats.Duplicates)
	}
}

func TestProcess_CountsOutOfOrder(t *testing.T) {
	p := testPipeline(t)
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	events := []event.NormalizedEvent{
		mkEvent("e1", "alice", base, true),
		mkEvent("e2", "alice", base.Add(-5*time.Minute), true),
	}
	_, stats, err := p.Process(context.Background(), events)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if stats.OutOfOrder != 1 {
		t.Errorf("out of order = %d, want 1", stats.OutOfOrder)
	}
}

func TestProcess_AbortsWhenModelsMissing(t *testing.T) {
	schema := feature.DefaultSchema()
	eng := feature.NewEngine(schema, state.NewMemoryStore())
	p := NewPipeline(eng, decision.NewEngine(decision.Config{}), testLogger())

	events := []event.NormalizedEvent{
		mkEvent("e1", "alice", time.Now().UTC(), true),
	}
	verdicts, _, err := p.Process(context.Background(), events)
	if !errors.Is(err, decision.ErrModelNotLoaded) {
		t.Fatalf("error = %v, want ErrModelNotLoaded", err)
	}
	if verdicts != nil {
		t.Error("no partial verdicts may be returned on abort")
	}
}

func TestProcessParallel_MatchesSequential(t *testing.T) {
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	var events []event.NormalizedEvent
	entities := []string{"alice", "bob", "carol", "dave", "erin"}
	for i := 0; i < 50; i++ {
		mfa := i%3 != 0
		events = append(events, mkEvent(
			fmt.Sprintf("e%03d", i),
			entities[i%len(entities)],
			base.Add(time.Duration(i)*time.Minute),
			mfa,
		))
	}

	seq := testPipeline(t)
	seqVerdicts, seqStats, err := seq.Process(context.Background(), events)
	if err != nil {
		t.Fatalf("sequential Process() failed: %v", err)
	}

	par := testPipeline(t)
	parVerdicts, parStats, err := par.ProcessParallel(context.Background(), events, 4)
	if err != nil {
		t.Fatalf("ProcessParallel() failed: %v", err)
	}

	if len(parVerdicts) != len(seqVerdicts) {
		t.Fatalf("parallel emitted %d verdicts, sequential %d", len(parVerdicts), len(seqVerdicts))
	}
	for i := range seqVerdicts {
		if parVerdicts[i].EventID != seqVerdicts[i].EventID {
			t.Fatalf("verdict %d out of input order: %s vs %s", i, parVerdicts[i].EventID, seqVerdicts[i].EventID)
		}
		if parVerdicts[i].AnomalyDegree != seqVerdicts[i].AnomalyDegree {
			t.Errorf("verdict %d degree differs: %v vs %v", i, parVerdicts[i].AnomalyDegree, seqVerdicts[i].AnomalyDegree)
		}
		if parVerdicts[i].Class != seqVerdicts[i].Class {
			t.Errorf("verdict %d class differs: %s vs %s", i, parVerdicts[i].Class, seqVerdicts[i].Class)
		}
	}
	if parStats.Events != seqStats.Events || parStats.Anomalies != seqStats.Anomalies {
		t.Errorf("stats diverge: parallel %d/%d, sequential %d/%d",
			parStats.Events, parStats.Anomalies, seqStats.Events, seqStats.Anomalies)
	}
}

func TestProcessParallel_AbortsWhenModelsMissing(t *testing.T) {
	schema := feature.DefaultSchema()
	eng := feature.NewEngine(schema, state.NewMemoryStore())
	p := NewPipeline(eng, decision.NewEngine(decision.Config{}), testLogger())

	events := []event.NormalizedEvent{
		mkEvent("e1", "alice", time.Now().UTC(), true),
		mkEvent("e2", "bob", time.Now().UTC(), true),
	}
	_, _, err := p.ProcessParallel(context.Background(), events, 4)
	if !errors.Is(err, decision.ErrModelNotLoaded) {
		t.Fatalf("error = %v, want ErrModelNotLoaded", err)
	}
}

func TestRunStats_HaveRunID(t *testing.T) {
	p := testPipeline(t)
	_, stats, err := p.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if stats.RunID == "" {
		t.Error("run stats must carry a run ID")
	}
}
