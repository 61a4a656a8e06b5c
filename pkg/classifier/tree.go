package classifier

import (
	"math/rand"
	"sort"

	"cloudguard/pkg/feature"
)

type cNode struct {
	Leaf     bool    `json:"leaf"`
	Class    Class   `json:"class,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *cNode  `json:"left,omitempty"`
	Right    *cNode  `json:"right,omitempty"`
}

type cTree struct {
	Root *cNode `json:"root"`
}

// treeParams carries the per-tree growth limits plus the class weights used
// by the weighted Gini criterion.
type treeParams struct {
	maxDepth         int
	minSamplesSplit  int
	minSamplesLeaf   int
	featuresPerSplit int
	classWeights     [NumClasses]float64
	splitCounts      []int
}

func weightedCounts(labels []Class, idxs []int, w [NumClasses]float64) (counts [NumClasses]float64, total float64) {
	for _, i := range idxs {
		counts[labels[i]] += w[labels[i]]
		total += w[labels[i]]
	}
	return counts, total
}

// giniImpurity over weighted class mass. Zero means pure.
func giniImpurity(counts [NumClasses]float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	g := 1.0
	for _, c := range counts {
		p := c / total
		g -= p * p
	}
	return g
}

func majorityClass(counts [NumClasses]float64) Class {
	best := Class(0)
	for c := 1; c < NumClasses; c++ {
		if counts[c] > counts[best] {
			best = Class(c)
		}
	}
	return best
}

func (p *treeParams) grow(X []feature.Vector, labels []Class, idxs []int, depth int, rng *rand.Rand) *cNode {
	counts, total := weightedCounts(labels, idxs, p.classWeights)
	parent := giniImpurity(counts, total)

	if depth >= p.maxDepth || len(idxs) < p.minSamplesSplit || parent == 0 {
		return &cNode{Leaf: true, Class: majorityClass(counts)}
	}

	dim, split, ok := p.bestSplit(X, labels, idxs, parent, total, rng)
	if !ok {
		return &cNode{Leaf: true, Class: majorityClass(counts)}
	}

	var left, right []int
	for _, i := range idxs {
		if X[i][dim] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < p.minSamplesLeaf || len(right) < p.minSamplesLeaf {
		return &cNode{Leaf: true, Class: majorityClass(counts)}
	}

	p.splitCounts[dim]++
	return &cNode{
		Dim:      dim,
		SplitVal: split,
		Left:     p.grow(X, labels, left, depth+1, rng),
		Right:    p.grow(X, labels, right, depth+1, rng),
	}
}

// bestSplit scans midpoint thresholds on a random subset of features and
// keeps the one with the largest weighted impurity decrease.
func (p *treeParams) bestSplit(X []feature.Vector, labels []Class, idxs []int, parent, total float64, rng *rand.Rand) (int, float64, bool) {
	dims := rng.Perm(len(X[0]))[:p.featuresPerSplit]

	bestGain := 0.0
	bestDim, bestSplit := -1, 0.0

	vals := make([]float64, 0, len(idxs))
	for _, dim := range dims {
		vals = vals[:0]
		for _, i := range idxs {
			vals = append(vals, X[i][dim])
		}
		sort.Float64s(vals)

		for k := 1; k < len(vals); k++ {
			if vals[k] == vals[k-1] {
				continue
			}
			split := (vals[k] + vals[k-1]) / 2

			var lc, rc [NumClasses]float64
			var lt, rt float64
			for _, i := range idxs {
				w := p.classWeights[labels[i]]
				if X[i][dim] < split {
					lc[labels[i]] += w
					lt += w
				} else {
					rc[labels[i]] += w
					rt += w
				}
			}
			gain := parent - (lt/total)*giniImpurity(lc, lt) - (rt/total)*giniImpurity(rc, rt)
			if gain > bestGain {
				bestGain, bestDim, bestSplit = gain, dim, split
			}
		}
	}

	if bestDim < 0 {
		return 0, 0, false
	}
	return bestDim, bestSplit, true
}

func (n *cNode) predict(x feature.Vector) Class {
	if n.Leaf {
		return n.Class
	}
	if x[n.Dim] < n.SplitVal {
		return n.Left.predict(x)
	}
	return n.Right.predict(x)
}
