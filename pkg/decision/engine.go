// Package decision fuses the anomaly degree and classifier output into one
// verdict per event.
package decision

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"cloudguard/pkg/anomaly"
	"cloudguard/pkg/classifier"
	"cloudguard/pkg/event"
	"cloudguard/pkg/feature"
)

// ErrModelNotLoaded means Score was called before both models and the scaler
// were installed. Callers must fail the whole batch, not skip events.
var ErrModelNotLoaded = errors.New("decision: models not loaded")

// Severity tiers, ordered so a downgrade is a simple decrement.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"none", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// UnclassifiedAnomaly labels an event the anomaly model flagged but the
// classifier called normal. The disagreement is surfaced at low severity
// rather than dropped, since it may be a pattern no class covers yet.
const UnclassifiedAnomaly = "unclassified_anomaly"

// classSeverity maps known attack classes to their base tier.
var classSeverity = map[classifier.Class]Severity{
	classifier.PrivilegeEscalation:  SeverityCritical,
	classifier.CredentialCompromise: SeverityCritical,
	classifier.DataExfiltration:     SeverityHigh,
	classifier.Reconnaissance:       SeverityMedium,
}

// Verdict is the terminal artifact for one event.
type Verdict struct {
	EventID       string    `json:"event_id"`
	EntityID      string    `json:"entity_id"`
	AnomalyDegree float64   `json:"anomaly_degree"`
	AnomalyFlag   bool      `json:"anomaly_flag"`
	Class         string    `json:"class"`
	Confidence    []float64 `json:"confidence"`
	TopConfidence float64   `json:"top_confidence"`
	Severity      Severity  `json:"severity"`
	SeverityName  string    `json:"severity_name"`
	Rationale     string    `json:"rationale"`
	ScoredAt      time.Time `json:"scored_at"`
}

const (
	DefaultAnomalyThreshold = 0.7
	DefaultConfidenceFloor  = 0.5
)

// Config sets the fusion policy knobs.
type Config struct {
	AnomalyThreshold float64
	ConfidenceFloor  float64
}

func (c Config) withDefaults() Config {
	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold > 1 {
		c.AnomalyThreshold = DefaultAnomalyThreshold
	}
	if c.ConfidenceFloor <= 0 || c.ConfidenceFloor > 1 {
		c.ConfidenceFloor = DefaultConfidenceFloor
	}
	return c
}

// Engine holds an atomically swappable model pair plus the frozen scaler.
// Score is a pure read against the installed snapshot; SetModels replaces
// the whole snapshot under the write lock so readers never see half a swap.
type Engine struct {
	cfg Config

	mu     sync.RWMutex
	anom   *anomaly.Model
	clf    *classifier.Model
	scaler *feature.StandardScaler
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// SetModels installs a newly trained snapshot. All three parts swap together.
func (e *Engine) SetModels(anom *anomaly.Model, clf *classifier.Model, scaler *feature.StandardScaler) {
	e.mu.Lock()
	e.anom = anom
	e.clf = clf
	e.scaler = scaler
	e.mu.Unlock()
}

// Ready reports whether a full model snapshot is installed.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.anom != nil && e.clf != nil && e.scaler != nil && e.scaler.Fitted()
}

// Score runs the per-event fusion policy over an unscaled feature vector:
// gate on the anomaly degree, short-circuit below threshold, otherwise
// classify and map class plus confidence to a severity tier.
func (e *Engine) Score(ev event.NormalizedEvent, raw feature.Vector) (Verdict, error) {
	e.mu.RLock()
	anom, clf, scaler := e.anom, e.clf, e.scaler
	e.mu.RUnlock()

	if anom == nil || clf == nil || scaler == nil || !scaler.Fitted() {
		return Verdict{}, fmt.Errorf("%w (entity %s, event %s)", ErrModelNotLoaded, ev.EntityID, ev.EventID)
	}

	scaled, err := scaler.Transform(raw)
	if err != nil {
		return Verdict{}, fmt.Errorf("decision: scale vector for event %s: %w", ev.EventID, err)
	}

	degree, err := anom.Score(scaled)
	if err != nil {
		return Verdict{}, fmt.Errorf("decision: anomaly score for event %s: %w", ev.EventID, err)
	}

	v := Verdict{
		EventID:       ev.EventID,
		EntityID:      ev.EntityID,
		AnomalyDegree: degree,
		AnomalyFlag:   degree >= e.cfg.AnomalyThreshold,
		ScoredAt:      time.Now().UTC(),
	}

	if !v.AnomalyFlag {
		v.Class = classifier.Normal.String()
		v.Severity = SeverityNone
		v.Rationale = fmt.Sprintf("anomaly degree %.3f below threshold %.2f", degree, e.cfg.AnomalyThreshold)
		v.SeverityName = v.Severity.String()
		return v, nil
	}

	class, dist, err := clf.Predict(scaled)
	if err != nil {
		return Verdict{}, fmt.Errorf("decision: classify event %s: %w", ev.EventID, err)
	}
	v.Confidence = dist

	if class == classifier.Normal {
		v.Class = UnclassifiedAnomaly
		v.TopConfidence = degree
		v.Severity = SeverityLow
		v.Rationale = fmt.Sprintf("anomaly degree %.3f but classifier voted normal (%.2f); kept as unclassified anomaly", degree, dist[classifier.Normal])
		v.SeverityName = v.Severity.String()
		return v, nil
	}

	v.Class = class.String()
	v.TopConfidence = dist[class]
	v.Severity = classSeverity[class]
	v.Rationale = fmt.Sprintf("anomaly degree %.3f, classified %s at %.2f confidence", degree, class, dist[class])
	if dist[class] < e.cfg.ConfidenceFloor && v.Severity > SeverityLow {
		v.Severity--
		v.Rationale += fmt.Sprintf("; confidence below %.2f floor, severity downgraded one tier", e.cfg.ConfidenceFloor)
	}
	v.SeverityName = v.Severity.String()
	return v, nil
}
