// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package anomaly scores audit events with an isolation forest and
// runs the scheduled sweep and retraining jobs.
package anomaly

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/models"
)

// forestNode is one node of an isolation tree. Leaf nodes carry the
// sample count that reached them during training.
type forestNode struct {
	// SplitDim < 0 marks a leaf.
	SplitDim int     `json:"d"`
	SplitVal float64 `json:"v"`
	Size     int     `json:"n,omitempty"`

	Left  *forestNode `json:"l,omitempty"`
	Right *forestNode `json:"r,omitempty"`
}

// IsolationForest isolates anomalous feature vectors: points that
// separate from the bulk in few random splits score close to 1.
type IsolationForest struct {
	Trees     []*forestNode `json:"trees"`
	Subsample int           `json:"subsample"`
	Dims      int           `json:"dims"`

	// Means per dimension over the training set, used to explain
	// scores by perturbation.
	Means []float64 `json:"means"`
}

// TrainForest builds an isolation forest over the data. The seed makes
// training deterministic: identical data and config yield an identical
// forest.
func TrainForest(data [][]float64, trees, subsample int, seed int64) (*IsolationForest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no training data")
	}
	dims := len(data[0])
	if trees <= 0 {
		trees = 100
	}
	if subsample <= 0 || subsample > len(data) {
		subsample = min(256, len(data))
	}

	means := make([]float64, dims)
	for _, row := range data {
		for i, v := range row {
			means[i] += v
		}
	}
	for i := range means {
		means[i] /= float64(len(data))
	}

	rng := rand.New(rand.NewSource(seed))
	maxDepth := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	f := &IsolationForest{
		Trees:     make([]*forestNode, trees),
		Subsample: subsample,
		Dims:      dims,
		Means:     means,
	}
	for t := 0; t < trees; t++ {
		sample := make([][]float64, subsample)
		for i := range sample {
			sample[i] = data[rng.Intn(len(data))]
		}
		f.Trees[t] = buildTree(sample, 0, maxDepth, rng)
	}
	return f, nil
}

// LoadForest restores a forest from serialized parameters.
func LoadForest(raw json.RawMessage) (*IsolationForest, error) {
	var f IsolationForest
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode forest parameters: %w", err)
	}
	if len(f.Trees) == 0 || f.Subsample < 2 {
		return nil, fmt.Errorf("forest parameters empty")
	}
	return &f, nil
}

// Parameters serializes the forest for ml_models storage.
func (f *IsolationForest) Parameters() (json.RawMessage, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode forest parameters: %w", err)
	}
	return data, nil
}

func buildTree(sample [][]float64, depth, maxDepth int, rng *rand.Rand) *forestNode {
	if depth >= maxDepth || len(sample) <= 1 || allEqual(sample) {
		return &forestNode{SplitDim: -1, Size: len(sample)}
	}

	dims := len(sample[0])
	dim := rng.Intn(dims)
	lo, hi := sample[0][dim], sample[0][dim]
	for _, row := range sample {
		if row[dim] < lo {
			lo = row[dim]
		}
		if row[dim] > hi {
			hi = row[dim]
		}
	}
	if hi == lo {
		return &forestNode{SplitDim: -1, Size: len(sample)}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range sample {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &forestNode{
		SplitDim: dim,
		SplitVal: split,
		Left:     buildTree(left, depth+1, maxDepth, rng),
		Right:    buildTree(right, depth+1, maxDepth, rng),
	}
}

func allEqual(sample [][]float64) bool {
	for i := 1; i < len(sample); i++ {
		for d := range sample[i] {
			if sample[i][d] != sample[0][d] {
				return false
			}
		}
	}
	return true
}

// pathLength measures how many splits isolate x, with the standard
// adjustment c(size) for unsplit leaves.
func pathLength(node *forestNode, x []float64, depth float64) float64 {
	if node.SplitDim < 0 {
		return depth + avgPathLength(node.Size)
	}
	if x[node.SplitDim] < node.SplitVal {
		return pathLength(node.Left, x, depth+1)
	}
	return pathLength(node.Right, x, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}

// Score maps a vector to [0,1]; values near 1 isolate quickly and are
// anomalous, values near 0.5 and below are ordinary.
func (f *IsolationForest) Score(x []float64) float64 {
	var sum float64
	for _, tree := range f.Trees {
		sum += pathLength(tree, x, 0)
	}
	mean := sum / float64(len(f.Trees))
	return math.Pow(2, -mean/avgPathLength(f.Subsample))
}

// Explain ranks features by their contribution to the score, measured
// by replacing each feature with its training mean and re-scoring.
func (f *IsolationForest) Explain(x []float64, topK int) []models.FeatureContribution {
	base := f.Score(x)
	contributions := make([]models.FeatureContribution, 0, len(x))
	perturbed := make([]float64, len(x))

	for i := range x {
		copy(perturbed, x)
		if i < len(f.Means) {
			perturbed[i] = f.Means[i]
		} else {
			perturbed[i] = 0
		}
		delta := base - f.Score(perturbed)
		if delta <= 0 {
			continue
		}
		name := fmt.Sprintf("f%d", i)
		if i < len(features.FeatureNames) {
			name = features.FeatureNames[i]
		}
		contributions = append(contributions, models.FeatureContribution{
			Feature:      name,
			Contribution: delta,
		})
	}

	sort.Slice(contributions, func(i, j int) bool {
		if contributions[i].Contribution != contributions[j].Contribution {
			return contributions[i].Contribution > contributions[j].Contribution
		}
		return contributions[i].Feature < contributions[j].Feature
	})
	if topK > 0 && len(contributions) > topK {
		contributions = contributions[:topK]
	}
	return contributions
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
