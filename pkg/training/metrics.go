package training

import (
	"cloudguard/pkg/classifier"
)

// ClassMetrics holds per-class evaluation numbers over a held-out split.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Evaluation is the classifier scorecard. Confusion is indexed
// [truth][predicted] in class order.
type Evaluation struct {
	Accuracy  float64                 `json:"accuracy"`
	PerClass  map[string]ClassMetrics `json:"per_class"`
	Confusion [][]int                 `json:"confusion_matrix"`
	Labels    []string                `json:"labels"`
}

// Evaluate computes accuracy, per-class precision/recall/F1 and the
// confusion matrix from index-aligned truth and prediction slices.
func Evaluate(truth, pred []classifier.Class) *Evaluation {
	n := classifier.NumClasses
	confusion := make([][]int, n)
	for i := range confusion {
		confusion[i] = make([]int, n)
	}

	correct := 0
	for i := range truth {
		confusion[truth[i]][pred[i]]++
		if truth[i] == pred[i] {
			correct++
		}
	}

	perClass := make(map[string]ClassMetrics, n)
	for c := 0; c < n; c++ {
		tp := confusion[c][c]
		fp, fn := 0, 0
		for o := 0; o < n; o++ {
			if o == c {
				continue
			}
			fp += confusion[o][c]
			fn += confusion[c][o]
		}

		var precision, recall, f1 float64
		if tp+fp > 0 {
			precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			recall = float64(tp) / float64(tp+fn)
		}
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		perClass[classifier.Class(c).String()] = ClassMetrics{
			Precision: precision,
			Recall:    recall,
			F1:        f1,
			Support:   tp + fn,
		}
	}

	accuracy := 0.0
	if len(truth) > 0 {
		accuracy = float64(correct) / float64(len(truth))
	}
	return &Evaluation{
		Accuracy:  accuracy,
		PerClass:  perClass,
		Confusion: confusion,
		Labels:    classifier.ClassNames(),
	}
}

// BinaryMetrics scores the anomaly model as a plain attack-vs-normal
// detector, for comparison against the multi-class ensemble.
type BinaryMetrics struct {
	Threshold     float64 `json:"threshold"`
	TruePositive  int     `json:"true_positive"`
	FalsePositive int     `json:"false_positive"`
	TrueNegative  int     `json:"true_negative"`
	FalseNegative int     `json:"false_negative"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	F1            float64 `json:"f1"`
}

// EvaluateBinary treats every non-Normal label as positive and the anomaly
// flag (degree >= threshold) as the prediction.
func EvaluateBinary(truth []classifier.Class, degrees []float64, threshold float64) *BinaryMetrics {
	m := &BinaryMetrics{Threshold: threshold}
	for i := range truth {
		attack := truth[i] != classifier.Normal
		flagged := degrees[i] >= threshold
		switch {
		case attack && flagged:
			m.TruePositive++
		case attack && !flagged:
			m.FalseNegative++
		case !attack && flagged:
			m.FalsePositive++
		default:
			m.TrueNegative++
		}
	}
	if m.TruePositive+m.FalsePositive > 0 {
		m.Precision = float64(m.TruePositive) / float64(m.TruePositive+m.FalsePositive)
	}
	if m.TruePositive+m.FalseNegative > 0 {
		m.Recall = float64(m.TruePositive) / float64(m.TruePositive+m.FalseNegative)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}
