package feature

import (
	"fmt"
	"math"
)

// StandardScaler applies zero-mean unit-variance normalization. It is fit
// exactly once, on the training corpus; the frozen shift/scale parameters
// are then reused for every scoring call. Refitting per scoring batch would
// move the isolation and classification boundaries between calls.
type StandardScaler struct {
	Means      []float64 `json:"means"`
	Stds       []float64 `json:"stds"`
	SchemaHash string    `json:"schema_hash"`
	fitted     bool
}

// NewStandardScaler returns an unfitted scaler bound to a schema.
func NewStandardScaler(schema *Schema) *StandardScaler {
	return &StandardScaler{SchemaHash: schema.Hash()}
}

// Fit computes per-feature mean and standard deviation. Fitting twice is an
// error: the parameters are frozen by contract.
func (sc *StandardScaler) Fit(vectors []Vector) error {
	if sc.fitted {
		return fmt.Errorf("scaler already fitted; scale parameters are frozen after training")
	}
	if len(vectors) == 0 {
		return fmt.Errorf("cannot fit scaler on empty corpus")
	}

	dim := len(vectors[0])
	sc.Means = make([]float64, dim)
	sc.Stds = make([]float64, dim)

	n := float64(len(vectors))
	for _, v := range vectors {
		for i, x := range v {
			sc.Means[i] += x
		}
	}
	for i := range sc.Means {
		sc.Means[i] /= n
	}

	for _, v := range vectors {
		for i, x := range v {
			d := x - sc.Means[i]
			sc.Stds[i] += d * d
		}
	}
	for i := range sc.Stds {
		sc.Stds[i] = math.Sqrt(sc.Stds[i] / n)
		if sc.Stds[i] == 0 {
			// Constant feature: pass through unscaled rather than divide by zero.
			sc.Stds[i] = 1
		}
	}

	sc.fitted = true
	return nil
}

// Fitted reports whether scale parameters are available.
func (sc *StandardScaler) Fitted() bool {
	return sc.fitted || (len(sc.Means) > 0 && len(sc.Means) == len(sc.Stds))
}

// Transform scales one vector with the frozen parameters.
func (sc *StandardScaler) Transform(v Vector) (Vector, error) {
	if !sc.Fitted() {
		return nil, fmt.Errorf("scaler not fitted")
	}
	if len(v) != len(sc.Means) {
		return nil, fmt.Errorf("vector length %d does not match scaler dimension %d", len(v), len(sc.Means))
	}

	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = (x - sc.Means[i]) / sc.Stds[i]
	}
	return out, nil
}

// TransformAll scales a batch of vectors.
func (sc *StandardScaler) TransformAll(vectors []Vector) ([]Vector, error) {
	out := make([]Vector, len(vectors))
	for i, v := range vectors {
		t, err := sc.Transform(v)
		if err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
