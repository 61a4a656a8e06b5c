package decision

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"cloudguard/pkg/anomaly"
	"cloudguard/pkg/classifier"
	"cloudguard/pkg/event"
	"cloudguard/pkg/feature"
)

func testSchema() *feature.Schema {
	return feature.NewSchema([]string{"x", "y"})
}

// identityScaler fits on a symmetric pair so transform is a no-op.
func identityScaler(t *testing.T, schema *feature.Schema) *feature.StandardScaler {
	t.Helper()
	sc := feature.NewStandardScaler(schema)
	if err := sc.Fit([]feature.Vector{{-1, -1}, {1, 1}}); err != nil {
		t.Fatalf("fit scaler: %v", err)
	}
	return sc
}

// fixedAnomalyModel scores by x alone: x<0.5 gives degree 1.0, x in [0.5,1.5)
// gives 0.5, anything larger gives 0.
func fixedAnomalyModel(t *testing.T, schema *feature.Schema) *anomaly.Model {
	t.Helper()
	blob := fmt.Sprintf(`{
		"trees": [{"root": {
			"leaf": false, "dim": 0, "split_val": 0.5,
			"left": {"leaf": true, "size": 1},
			"right": {
				"leaf": false, "dim": 0, "split_val": 1.5,
				"left": {"leaf": true, "size": 1},
				"right": {
					"leaf": false, "dim": 0, "split_val": 2.5,
					"left": {"leaf": true, "size": 1},
					"right": {"leaf": true, "size": 1}
				}
			}
		}}],
		"sample_size": 4, "height_limit": 3,
		"score_min": 1, "score_max": 3,
		"schema_hash": %q,
		"meta": {"corpus_size": 4, "num_trees": 1, "sample_size": 4, "seed": 1, "seeded": true, "trained_at": "2024-01-01T00:00:00Z"}
	}`, schema.Hash())
	m, err := anomaly.Import([]byte(blob), schema)
	if err != nil {
		t.Fatalf("import anomaly model: %v", err)
	}
	return m
}

// fixedClassifier votes Normal below y=5 and splits its vote among the given
// classes above it, one tree per entry.
func fixedClassifier(t *testing.T, schema *feature.Schema, highVotes []classifier.Class) *classifier.Model {
	t.Helper()
	trees := make([]string, len(highVotes))
	for i, c := range highVotes {
		trees[i] = fmt.Sprintf(`{"root": {
			"leaf": false, "dim": 1, "split_val": 5,
			"left": {"leaf": true, "class": 0},
			"right": {"leaf": true, "class": %d}
		}}`, int(c))
	}
	blob := fmt.Sprintf(`{
		"trees": [%s],
		"split_counts": [0, %d],
		"schema_hash": %q,
		"meta": {"corpus_size": 100, "num_trees": %d, "seed": 1, "seeded": true, "trained_at": "2024-01-01T00:00:00Z"}
	}`, strings.Join(trees, ","), len(highVotes), schema.Hash(), len(highVotes))
	m, err := classifier.Import([]byte(blob), schema)
	if err != nil {
		t.Fatalf("import classifier model: %v", err)
	}
	return m
}

func unanimous(c classifier.Class) []classifier.Class {
	votes := make([]classifier.Class, 10)
	for i := range votes {
		votes[i] = c
	}
	return votes
}

func testEngine(t *testing.T, highVotes []classifier.Class) *Engine {
	t.Helper()
	schema := testSchema()
	e := NewEngine(Config{})
	e.SetModels(fixedAnomalyModel(t, schema), fixedClassifier(t, schema, highVotes), identityScaler(t, schema))
	return e
}

func testEvent() event.NormalizedEvent {
	return event.NormalizedEvent{EventID: "ev-1", EntityID: "alice"}
}

func TestScore_ModelNotLoadedFailsFast(t *testing.T) {
	e := NewEngine(Config{})
	if e.Ready() {
		t.Fatal("empty engine should not be ready")
	}
	_, err := e.Score(testEvent(), feature.Vector{0, 0})
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("error = %v, want ErrModelNotLoaded", err)
	}
	if !strings.Contains(err.Error(), "alice") || !strings.Contains(err.Error(), "ev-1") {
		t.Errorf("diagnostic should name entity and event, got %q", err.Error())
	}
}

func TestScore_BelowThresholdShortCircuits(t *testing.T) {
	e := testEngine(t, unanimous(classifier.PrivilegeEscalation))

	// x=1 scores degree 0.5, under the 0.7 default threshold, even though
	// the classifier would call y=10 an attack.
	v, err := e.Score(testEvent(), feature.Vector{1, 10})
	if err != nil {
		t.Fatalf("Score() failed: %v", err)
	}
	if v.AnomalyFlag {
		t.Errorf("degree %v should not flag", v.AnomalyDegree)
	}
	if v.Class != classifier.Normal.String() || v.Severity != SeverityNone {
		t.Errorf("verdict = %s/%s, want normal/none", v.Class, v.Severity)
	}
	if v.Rationale == "" {
		t.Error("rationale must record the branch taken")
	}
}

func TestScore_SeverityMapping(t *testing.T) {
	tests := []struct {
		class classifier.Class
		want  Severity
	}{
		{classifier.PrivilegeEscalation, SeverityCritical},
		{classifier.CredentialCompromise, SeverityCritical},
		{classifier.DataExfiltration, SeverityHigh},
		{classifier.Reconnaissance, SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.class.String(), func(t *testing.T) {
			e := testEngine(t, unanimous(tt.class))
			v, err := e.Score(testEvent(), feature.Vector{0, 10})
			if err != nil {
				t.Fatalf("Score() failed: %v", err)
			}
			if !v.AnomalyFlag {
				t.Fatalf("degree %v should flag", v.AnomalyDegree)
			}
			if v.Class != tt.class.String() {
				t.Errorf("class = %s, want %s", v.Class, tt.class)
			}
			if v.Severity != tt.want {
				t.Errorf("severity = %s, want %s", v.Severity, tt.want)
			}
			if v.TopConfidence != 1.0 {
				t.Errorf("unanimous vote confidence = %v, want 1", v.TopConfidence)
			}
		})
	}
}

func TestScore_LowConfidenceDowngradesOneTier(t *testing.T) {
	// 4 of 10 trees vote privilege escalation: plurality winner at 0.4
	// confidence, under the 0.5 floor.
	votes := []classifier.Class{
		classifier.PrivilegeEscalation, classifier.PrivilegeEscalation,
		classifier.PrivilegeEscalation, classifier.PrivilegeEscalation,
		classifier.Reconnaissance, classifier.Reconnaissance, classifier.Reconnaissance,
		classifier.DataExfiltration, classifier.CredentialCompromise, classifier.Normal,
	}
	e := testEngine(t, votes)

	v, err := e.Score(testEvent(), feature.Vector{0, 10})
	if err != nil {
		t.Fatalf("Score() failed: %v", err)
	}
	if v.Class != classifier.PrivilegeEscalation.String() {
		t.Fatalf("class = %s, want privilege_escalation", v.Class)
	}
	if v.TopConfidence != 0.4 {
		t.Errorf("confidence = %v, want 0.4", v.TopConfidence)
	}
	if v.Severity != SeverityHigh {
		t.Errorf("severity = %s, want high (critical downgraded one tier)", v.Severity)
	}
	if !strings.Contains(v.Rationale, "downgraded") {
		t.Errorf("rationale should record the downgrade, got %q", v.Rationale)
	}
}

func TestScore_UnclassifiedAnomaly(t *testing.T) {
	e := testEngine(t, unanimous(classifier.PrivilegeEscalation))

	// x=0 flags, but y=0 keeps every tree voting normal.
	v, err := e.Score(testEvent(), feature.Vector{0, 0})
	if err != nil {
		t.Fatalf("Score() failed: %v", err)
	}
	if !v.AnomalyFlag {
		t.Fatalf("degree %v should flag", v.AnomalyDegree)
	}
	if v.Class != UnclassifiedAnomaly {
		t.Errorf("class = %s, want %s", v.Class, UnclassifiedAnomaly)
	}
	if v.Severity != SeverityLow {
		t.Errorf("severity = %s, want low", v.Severity)
	}
	if v.TopConfidence != v.AnomalyDegree {
		t.Errorf("unclassified confidence = %v, want anomaly degree %v", v.TopConfidence, v.AnomalyDegree)
	}
}

func TestScore_MonotoneInAnomalyDegree(t *testing.T) {
	e := testEngine(t, unanimous(classifier.Reconnaissance))

	low, err := e.Score(testEvent(), feature.Vector{2, 10}) // degree 0
	if err != nil {
		t.Fatalf("Score() failed: %v", err)
	}
	mid, err := e.Score(testEvent(), feature.Vector{1, 10}) // degree 0.5
	if err != nil {
		t.Fatalf("Score() failed: %v", err)
	}
	high, err := e.Score(testEvent(), feature.Vector{0, 10}) // degree 1
	if err != nil {
		t.Fatalf("Score() failed: %v", err)
	}

	if !(low.AnomalyDegree < mid.AnomalyDegree && mid.AnomalyDegree < high.AnomalyDegree) {
		t.Fatalf("degrees not increasing: %v %v %v", low.AnomalyDegree, mid.AnomalyDegree, high.AnomalyDegree)
	}
	if low.Severity > mid.Severity || mid.Severity > high.Severity {
		t.Errorf("severity decreased as degree rose: %s %s %s", low.Severity, mid.Severity, high.Severity)
	}
}

func TestScore_Idempotent(t *testing.T) {
	e := testEngine(t, unanimous(classifier.DataExfiltration))
	probe := feature.Vector{0, 10}

	a, err := e.Score(testEvent(), probe)
	if err != nil {
		t.Fatalf("Score() failed: %v", err)
	}
	b, err := e.Score(testEvent(), probe)
	if err != nil {
		t.Fatalf("Score() failed: %v", err)
	}
	if a.AnomalyDegree != b.AnomalyDegree || a.Class != b.Class || a.Severity != b.Severity {
		t.Errorf("verdicts differ across identical calls: %+v vs %+v", a, b)
	}
}

func TestSetModels_SwapIsComplete(t *testing.T) {
	schema := testSchema()
	e := NewEngine(Config{})
	e.SetModels(fixedAnomalyModel(t, schema), fixedClassifier(t, schema, unanimous(classifier.Normal)), identityScaler(t, schema))
	if !e.Ready() {
		t.Fatal("engine should be ready after SetModels")
	}
	if _, err := e.Score(testEvent(), feature.Vector{0, 0}); err != nil {
		t.Fatalf("Score() after swap failed: %v", err)
	}
}
