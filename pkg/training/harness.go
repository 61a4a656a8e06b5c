// Package training fits both models from a labeled event corpus, evaluates
// them on a held-out split and produces the comparison report.
package training

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"cloudguard/pkg/anomaly"
	"cloudguard/pkg/classifier"
	"cloudguard/pkg/event"
	"cloudguard/pkg/feature"
	"cloudguard/pkg/state"
	"cloudguard/pkg/structlog"
)

const DefaultHoldout = 0.2

// Config carries the knobs for one training run. Seed drives the split and
// both model fits so a run is reproducible end to end.
type Config struct {
	Anomaly          anomaly.Config
	Classifier       classifier.Config
	Holdout          float64
	AnomalyThreshold float64
	Seed             int64
}

func (c Config) withDefaults() Config {
	if c.Holdout <= 0 || c.Holdout >= 1 {
		c.Holdout = DefaultHoldout
	}
	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold > 1 {
		c.AnomalyThreshold = 0.7
	}
	if c.Seed != 0 {
		if c.Anomaly.Seed == 0 {
			c.Anomaly.Seed = c.Seed
		}
		if c.Classifier.Seed == 0 {
			c.Classifier.Seed = c.Seed
		}
	}
	return c
}

// DataQuality surfaces the recoverable signals counted while the feature
// engine replayed the corpus.
type DataQuality struct {
	OutOfOrder     int `json:"out_of_order"`
	UnknownActions int `json:"unknown_actions"`
	NewEntities    int `json:"new_entities"`
}

// Report is the human-facing artifact of a training run: corpus shape, both
// models' holdout metrics and the feature-importance ranking.
type Report struct {
	ReportID           string             `json:"report_id"`
	CreatedAt          time.Time          `json:"created_at"`
	CorpusSize         int                `json:"corpus_size"`
	TrainSize          int                `json:"train_size"`
	HoldoutSize        int                `json:"holdout_size"`
	ClassCounts        map[string]int     `json:"class_counts"`
	DataQuality        DataQuality        `json:"data_quality"`
	Classifier         *Evaluation        `json:"classifier"`
	AnomalyDetector    *BinaryMetrics     `json:"anomaly_detector"`
	FeatureImportances map[string]float64 `json:"feature_importances"`
	SchemaHash         string             `json:"schema_hash"`
}

// Bundle is everything a scoring deployment needs from one training run.
type Bundle struct {
	Anomaly    *anomaly.Model
	Classifier *classifier.Model
	Scaler     *feature.StandardScaler
	Report     *Report
}

// Harness orchestrates feature replay, the stratified split, both fits and
// the holdout evaluation.
type Harness struct {
	schema *feature.Schema
	cfg    Config
	log    *structlog.Logger
}

func NewHarness(schema *feature.Schema, cfg Config, log *structlog.Logger) *Harness {
	return &Harness{schema: schema, cfg: cfg.withDefaults(), log: log}
}

// Run trains both models on the labeled corpus. Events and labels are
// index-aligned; events must be in the ingestion order the pipeline would
// see, since feature vectors depend on per-entity history.
func (h *Harness) Run(ctx context.Context, events []event.NormalizedEvent, labels []classifier.Class) (*Bundle, error) {
	if len(events) != len(labels) {
		return nil, fmt.Errorf("training: %d events but %d labels", len(events), len(labels))
	}

	report := &Report{
		ReportID:   uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		CorpusSize: len(events),
		SchemaHash: h.schema.Hash(),
	}

	// Replay the corpus through a fresh state store to get the same vectors
	// the pipeline would compute.
	eng := feature.NewEngine(h.schema, state.NewMemoryStore())
	vectors := make([]feature.Vector, len(events))
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, obs, err := eng.Process(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("training: features for event %s: %w", ev.EventID, err)
		}
		vectors[i] = vec
		if obs.OutOfOrder {
			report.DataQuality.OutOfOrder++
		}
		if obs.UnknownAction {
			report.DataQuality.UnknownActions++
		}
		if obs.FirstSeen {
			report.DataQuality.NewEntities++
		}
	}

	counts := make(map[string]int)
	for _, l := range labels {
		counts[l.String()]++
	}
	report.ClassCounts = counts

	trainIdx, holdIdx := stratifiedSplit(labels, h.cfg.Holdout, h.cfg.Seed)
	report.TrainSize, report.HoldoutSize = len(trainIdx), len(holdIdx)

	trainVecs := make([]feature.Vector, len(trainIdx))
	trainLabels := make([]classifier.Class, len(trainIdx))
	for i, j := range trainIdx {
		trainVecs[i] = vectors[j]
		trainLabels[i] = labels[j]
	}

	// The scaler is fit on the training split only and frozen before either
	// model sees a vector.
	scaler := feature.NewStandardScaler(h.schema)
	if err := scaler.Fit(trainVecs); err != nil {
		return nil, fmt.Errorf("training: fit scaler: %w", err)
	}
	scaledTrain, err := scaler.TransformAll(trainVecs)
	if err != nil {
		return nil, fmt.Errorf("training: scale train split: %w", err)
	}

	anomModel, err := anomaly.Train(scaledTrain, h.schema, h.cfg.Anomaly)
	if err != nil {
		return nil, fmt.Errorf("training: anomaly model: %w", err)
	}
	clfModel, err := classifier.Train(scaledTrain, trainLabels, h.schema, h.cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("training: classifier model: %w", err)
	}

	holdTruth := make([]classifier.Class, len(holdIdx))
	holdPred := make([]classifier.Class, len(holdIdx))
	holdDegrees := make([]float64, len(holdIdx))
	for i, j := range holdIdx {
		scaled, err := scaler.Transform(vectors[j])
		if err != nil {
			return nil, fmt.Errorf("training: scale holdout vector: %w", err)
		}
		holdTruth[i] = labels[j]
		pred, _, err := clfModel.Predict(scaled)
		if err != nil {
			return nil, fmt.Errorf("training: holdout classify: %w", err)
		}
		holdPred[i] = pred
		degree, err := anomModel.Score(scaled)
		if err != nil {
			return nil, fmt.Errorf("training: holdout anomaly score: %w", err)
		}
		holdDegrees[i] = degree
	}

	report.Classifier = Evaluate(holdTruth, holdPred)
	report.AnomalyDetector = EvaluateBinary(holdTruth, holdDegrees, h.cfg.AnomalyThreshold)
	report.FeatureImportances = clfModel.FeatureImportance(h.schema)

	h.log.Info("training run complete", structlog.Fields{
		"report_id": report.ReportID,
		"corpus":    report.CorpusSize,
		"train":     report.TrainSize,
		"holdout":   report.HoldoutSize,
		"accuracy":  report.Classifier.Accuracy,
	})

	return &Bundle{Anomaly: anomModel, Classifier: clfModel, Scaler: scaler, Report: report}, nil
}

// stratifiedSplit samples the holdout fraction from every class so small
// attack classes are represented on both sides. Each class keeps at least
// one holdout example when it has more than one member.
func stratifiedSplit(labels []classifier.Class, holdout float64, seed int64) (train, hold []int) {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	byClass := make(map[classifier.Class][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}

	for c := 0; c < classifier.NumClasses; c++ {
		idxs := byClass[classifier.Class(c)]
		if len(idxs) == 0 {
			continue
		}
		rng.Shuffle(len(idxs), func(a, b int) { idxs[a], idxs[b] = idxs[b], idxs[a] })

		k := int(float64(len(idxs)) * holdout)
		if k == 0 && len(idxs) > 1 {
			k = 1
		}
		hold = append(hold, idxs[:k]...)
		train = append(train, idxs[k:]...)
	}
	return train, hold
}
