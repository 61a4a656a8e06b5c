// Package anomaly implements an unsupervised isolation forest over fixed-schema
// feature vectors. Points that isolate in few random splits score close to 1.
package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"cloudguard/pkg/feature"
)

// Defaults mirror the standard isolation forest parameterization.
const (
	DefaultNumTrees      = 100
	DefaultSampleSize    = 256
	DefaultContamination = 0.1
	DefaultMinSamples    = 32
)

// Config controls forest construction. Seed makes training reproducible;
// a zero Seed falls back to wall-clock entropy, which is documented behavior
// rather than a bug.
type Config struct {
	NumTrees      int
	SampleSize    int
	Contamination float64
	Seed          int64
	MinSamples    int
}

func (c Config) withDefaults() Config {
	if c.NumTrees <= 0 {
		c.NumTrees = DefaultNumTrees
	}
	if c.SampleSize <= 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.Contamination <= 0 || c.Contamination >= 0.5 {
		c.Contamination = DefaultContamination
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	return c
}

// InsufficientDataError reports a training corpus too small to build a
// non-degenerate forest.
type InsufficientDataError struct {
	Need int
	Got  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("anomaly: %d training vectors, need at least %d", e.Got, e.Need)
}

// Meta records how and when a model was fit.
type Meta struct {
	CorpusSize int       `json:"corpus_size"`
	NumTrees   int       `json:"num_trees"`
	SampleSize int       `json:"sample_size"`
	Seed       int64     `json:"seed"`
	Seeded     bool      `json:"seeded"`
	TrainedAt  time.Time `json:"trained_at"`
}

// Model is a fitted isolation forest. ScoreMin and ScoreMax are the extreme
// average path lengths observed on the training corpus; they are frozen at
// fit time and reused to rescale every scoring call into [0,1].
type Model struct {
	Trees      []*tree `json:"trees"`
	SampleSize int     `json:"sample_size"`
	HeightLim  int     `json:"height_limit"`
	ScoreMin   float64 `json:"score_min"`
	ScoreMax   float64 `json:"score_max"`
	SchemaHash string  `json:"schema_hash"`
	Meta       Meta    `json:"meta"`
}

type tree struct {
	Root *node `json:"root"`
}

type node struct {
	Leaf     bool    `json:"leaf"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *node   `json:"left,omitempty"`
	Right    *node   `json:"right,omitempty"`
}

// Train fits a forest on the corpus. The same seed over the same corpus
// yields an identical forest.
func Train(vectors []feature.Vector, schema *feature.Schema, cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if len(vectors) < cfg.MinSamples {
		return nil, &InsufficientDataError{Need: cfg.MinSamples, Got: len(vectors)}
	}
	for i, v := range vectors {
		if len(v) != schema.Len() {
			return nil, fmt.Errorf("anomaly: vector %d has %d features, schema has %d", i, len(v), schema.Len())
		}
	}

	seed := cfg.Seed
	seeded := seed != 0
	if !seeded {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	sampleSize := cfg.SampleSize
	if sampleSize > len(vectors) {
		sampleSize = len(vectors)
	}
	// The contamination prior shortens trees: with more expected anomalies,
	// less depth is needed to separate the bulk of the data.
	hlim := int(math.Ceil(math.Log2(float64(sampleSize) * (1 - cfg.Contamination))))
	if hlim < 1 {
		hlim = 1
	}

	m := &Model{
		Trees:      make([]*tree, cfg.NumTrees),
		SampleSize: sampleSize,
		HeightLim:  hlim,
		SchemaHash: schema.Hash(),
		Meta: Meta{
			CorpusSize: len(vectors),
			NumTrees:   cfg.NumTrees,
			SampleSize: sampleSize,
			Seed:       seed,
			Seeded:     seeded,
			TrainedAt:  time.Now().UTC(),
		},
	}

	for i := 0; i < cfg.NumTrees; i++ {
		idxs := rng.Perm(len(vectors))
		sample := make([]feature.Vector, sampleSize)
		for j := 0; j < sampleSize; j++ {
			sample[j] = vectors[idxs[j]]
		}
		m.Trees[i] = &tree{Root: buildNode(sample, 0, hlim, rng)}
	}

	// Freeze the raw-score range on the training corpus itself.
	m.ScoreMin, m.ScoreMax = math.Inf(1), math.Inf(-1)
	for _, v := range vectors {
		raw := m.rawScore(v)
		if raw < m.ScoreMin {
			m.ScoreMin = raw
		}
		if raw > m.ScoreMax {
			m.ScoreMax = raw
		}
	}
	if m.ScoreMax <= m.ScoreMin {
		// Degenerate corpus (all points identical): make Score well defined.
		m.ScoreMax = m.ScoreMin + 1
	}

	return m, nil
}

func buildNode(X []feature.Vector, h, hlim int, rng *rand.Rand) *node {
	if len(X) <= 1 || h >= hlim {
		return &node{Leaf: true, Size: len(X)}
	}
	dim := rng.Intn(len(X[0]))
	minv, maxv := X[0][dim], X[0][dim]
	for _, row := range X[1:] {
		if row[dim] < minv {
			minv = row[dim]
		}
		if row[dim] > maxv {
			maxv = row[dim]
		}
	}
	if minv == maxv {
		return &node{Leaf: true, Size: len(X)}
	}
	split := minv + rng.Float64()*(maxv-minv)
	var left, right []feature.Vector
	for _, row := range X {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{Leaf: true, Size: len(X)}
	}
	return &node{
		Dim:      dim,
		SplitVal: split,
		Left:     buildNode(left, h+1, hlim, rng),
		Right:    buildNode(right, h+1, hlim, rng),
	}
}

// cFactor is c(n), the average unsuccessful-search path length in a BST,
// used to credit unresolved leaves with their expected remaining depth.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - 2.0*float64(n-1)/float64(n)
}

func pathLength(nd *node, x feature.Vector, h int) float64 {
	if nd.Leaf {
		if nd.Size <= 1 {
			return float64(h)
		}
		return float64(h) + cFactor(nd.Size)
	}
	if x[nd.Dim] < nd.SplitVal {
		return pathLength(nd.Left, x, h+1)
	}
	return pathLength(nd.Right, x, h+1)
}

// rawScore is the average path length across all trees. Shorter paths mean
// the point isolates quickly, i.e. is more anomalous.
func (m *Model) rawScore(x feature.Vector) float64 {
	sum := 0.0
	for _, t := range m.Trees {
		sum += pathLength(t.Root, x, 0)
	}
	return sum / float64(len(m.Trees))
}

// Score returns the anomaly degree in [0,1], higher meaning more anomalous.
// The raw path length is rescaled with the frozen training min/max; values
// outside the trained range clamp rather than extrapolate.
func (m *Model) Score(x feature.Vector) (float64, error) {
	if len(m.Trees) == 0 {
		return 0, fmt.Errorf("anomaly: model has no trees")
	}
	raw := m.rawScore(x)
	degree := (m.ScoreMax - raw) / (m.ScoreMax - m.ScoreMin)
	if degree < 0 {
		degree = 0
	}
	if degree > 1 {
		degree = 1
	}
	return degree, nil
}

// Export serializes the fitted model, schema hash included.
func (m *Model) Export() ([]byte, error) {
	return json.Marshal(m)
}

// Import deserializes a model and verifies it was trained against the
// given schema. A hash mismatch is fatal before any scoring happens.
func Import(data []byte, schema *feature.Schema) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("anomaly: decode model: %w", err)
	}
	if err := schema.CheckHash(m.SchemaHash); err != nil {
		return nil, err
	}
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("anomaly: imported model has no trees")
	}
	return &m, nil
}
