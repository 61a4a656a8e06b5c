package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"cloudguard/pkg/feature"
)

const (
	DefaultNumTrees        = 50
	DefaultMaxDepth        = 20
	DefaultMinSamplesSplit = 10
	DefaultMinSamplesLeaf  = 4
	DefaultMinSamples      = 50
)

// Config controls ensemble training. As with the anomaly forest, a zero Seed
// means non-reproducible training from wall-clock entropy.
type Config struct {
	NumTrees        int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	Seed            int64
	MinSamples      int
}

func (c Config) withDefaults() Config {
	if c.NumTrees <= 0 {
		c.NumTrees = DefaultNumTrees
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MinSamplesSplit <= 0 {
		c.MinSamplesSplit = DefaultMinSamplesSplit
	}
	if c.MinSamplesLeaf <= 0 {
		c.MinSamplesLeaf = DefaultMinSamplesLeaf
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	return c
}

// InsufficientDataError reports a corpus too small to train on, or a class
// with no labeled examples. Training on such a corpus would produce a model
// that cannot ever predict the missing class, so it fails instead.
type InsufficientDataError struct {
	Class string
	Need  int
	Got   int
}

func (e *InsufficientDataError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("classifier: class %q has no labeled examples", e.Class)
	}
	return fmt.Sprintf("classifier: %d labeled vectors, need at least %d", e.Got, e.Need)
}

// Meta records corpus shape and fit provenance.
type Meta struct {
	CorpusSize   int                `json:"corpus_size"`
	ClassCounts  map[string]int     `json:"class_counts"`
	ClassWeights map[string]float64 `json:"class_weights"`
	NumTrees     int                `json:"num_trees"`
	Seed         int64              `json:"seed"`
	Seeded       bool               `json:"seeded"`
	TrainedAt    time.Time          `json:"trained_at"`
}

// Model is a fitted bagged ensemble.
type Model struct {
	Trees       []*cTree `json:"trees"`
	SplitCounts []int    `json:"split_counts"`
	SchemaHash  string   `json:"schema_hash"`
	Meta        Meta     `json:"meta"`
}

// Train fits the ensemble on a labeled corpus. Each tree sees a bootstrap
// resample and considers sqrt(d) random features per split. The Gini
// criterion weights each class by total/(numClasses*count) so the dominant
// normal class cannot swamp the small attack classes.
func Train(vectors []feature.Vector, labels []Class, schema *feature.Schema, cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if len(vectors) != len(labels) {
		return nil, fmt.Errorf("classifier: %d vectors but %d labels", len(vectors), len(labels))
	}
	if len(vectors) < cfg.MinSamples {
		return nil, &InsufficientDataError{Need: cfg.MinSamples, Got: len(vectors)}
	}
	for i, v := range vectors {
		if len(v) != schema.Len() {
			return nil, fmt.Errorf("classifier: vector %d has %d features, schema has %d", i, len(v), schema.Len())
		}
	}

	var classCounts [NumClasses]int
	for i, l := range labels {
		if l < 0 || int(l) >= NumClasses {
			return nil, fmt.Errorf("classifier: label %d out of range at index %d", int(l), i)
		}
		classCounts[l]++
	}
	for c := 0; c < NumClasses; c++ {
		if classCounts[c] == 0 {
			return nil, &InsufficientDataError{Class: Class(c).String()}
		}
	}

	var weights [NumClasses]float64
	for c := 0; c < NumClasses; c++ {
		weights[c] = float64(len(labels)) / (float64(NumClasses) * float64(classCounts[c]))
	}

	seed := cfg.Seed
	seeded := seed != 0
	if !seeded {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	featuresPerSplit := int(math.Sqrt(float64(schema.Len())))
	if featuresPerSplit < 1 {
		featuresPerSplit = 1
	}

	m := &Model{
		Trees:       make([]*cTree, cfg.NumTrees),
		SplitCounts: make([]int, schema.Len()),
		SchemaHash:  schema.Hash(),
	}

	params := &treeParams{
		maxDepth:         cfg.MaxDepth,
		minSamplesSplit:  cfg.MinSamplesSplit,
		minSamplesLeaf:   cfg.MinSamplesLeaf,
		featuresPerSplit: featuresPerSplit,
		classWeights:     weights,
		splitCounts:      m.SplitCounts,
	}

	n := len(vectors)
	for t := 0; t < cfg.NumTrees; t++ {
		idxs := make([]int, n)
		for i := range idxs {
			idxs[i] = rng.Intn(n)
		}
		m.Trees[t] = &cTree{Root: params.grow(vectors, labels, idxs, 0, rng)}
	}

	counts := make(map[string]int, NumClasses)
	ws := make(map[string]float64, NumClasses)
	for c := 0; c < NumClasses; c++ {
		counts[Class(c).String()] = classCounts[c]
		ws[Class(c).String()] = weights[c]
	}
	m.Meta = Meta{
		CorpusSize:   n,
		ClassCounts:  counts,
		ClassWeights: ws,
		NumTrees:     cfg.NumTrees,
		Seed:         seed,
		Seeded:       seeded,
		TrainedAt:    time.Now().UTC(),
	}
	return m, nil
}

// Predict returns the majority-vote class and the normalized per-class vote
// fractions. Ties break toward the lowest class index, so an exact split
// with Normal resolves to Normal deterministically.
func (m *Model) Predict(x feature.Vector) (Class, []float64, error) {
	if len(m.Trees) == 0 {
		return 0, nil, fmt.Errorf("classifier: model has no trees")
	}

	var votes [NumClasses]int
	for _, t := range m.Trees {
		votes[t.Root.predict(x)]++
	}

	best := Class(0)
	dist := make([]float64, NumClasses)
	total := float64(len(m.Trees))
	for c := 0; c < NumClasses; c++ {
		dist[c] = float64(votes[c]) / total
		if votes[c] > votes[best] {
			best = Class(c)
		}
	}
	return best, dist, nil
}

// FeatureImportance returns per-feature split-usage fractions keyed by
// feature name, summing to 1 when any split exists.
func (m *Model) FeatureImportance(schema *feature.Schema) map[string]float64 {
	total := 0
	for _, c := range m.SplitCounts {
		total += c
	}
	out := make(map[string]float64, len(m.SplitCounts))
	for i, name := range schema.Names() {
		if total > 0 {
			out[name] = float64(m.SplitCounts[i]) / float64(total)
		} else {
			out[name] = 0
		}
	}
	return out
}

// Export serializes the fitted model, schema hash included.
func (m *Model) Export() ([]byte, error) {
	return json.Marshal(m)
}

// Import deserializes a model and verifies it against the given schema
// before it can score anything.
func Import(data []byte, schema *feature.Schema) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("classifier: decode model: %w", err)
	}
	if err := schema.CheckHash(m.SchemaHash); err != nil {
		return nil, err
	}
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("classifier: imported model has no trees")
	}
	return &m, nil
}
