// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package classify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/models"
)

// BayesParameters is the serialized state of a trained naive Bayes
// classifier, stored in ml_models.parameters.
type BayesParameters struct {
	// LabelCounts is the number of training samples per label.
	LabelCounts map[string]int `json:"label_counts"`

	// TokenCounts[label][token] counts token occurrences per label.
	TokenCounts map[string]map[string]int `json:"token_counts"`

	// Vocabulary size for Laplace smoothing.
	Vocabulary int `json:"vocabulary"`

	Total int `json:"total"`
}

// NaiveBayes is a multinomial naive Bayes classifier over discrete
// event tokens. Zero value is untrained and refuses to classify.
type NaiveBayes struct {
	mu     sync.RWMutex
	params BayesParameters
}

// NewNaiveBayes creates an untrained classifier.
func NewNaiveBayes() *NaiveBayes {
	return &NaiveBayes{}
}

// LoadNaiveBayes restores a classifier from serialized parameters.
func LoadNaiveBayes(raw json.RawMessage) (*NaiveBayes, error) {
	var params BayesParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to decode bayes parameters: %w", err)
	}
	if params.Total == 0 {
		return nil, fmt.Errorf("bayes parameters contain no samples")
	}
	return &NaiveBayes{params: params}, nil
}

// Sample is one labeled training example.
type Sample struct {
	Tokens []string
	Label  string
}

// Tokens derives the discrete token set for an event. Token shape is
// part of the model contract: retraining and scoring must agree.
func Tokens(fv features.FeatureVector, ev *models.AuditEvent) []string {
	tokens := []string{
		"type:" + ev.EventType,
		"sev:" + string(ev.Severity),
		"entity:" + ev.EntityType,
		"delta:" + bucket(fv[features.FeatureDeltaMagnitude]),
		"priv:" + bucket(fv[features.FeaturePrivilege]),
	}
	if fv[features.FeatureOffHours] == 1 {
		tokens = append(tokens, "offhours")
	}
	return tokens
}

func bucket(v float64) string {
	switch {
	case v == 0:
		return "none"
	case v < 0.33:
		return "low"
	case v < 0.66:
		return "mid"
	default:
		return "high"
	}
}

// Train fits the classifier to the samples, replacing any previous
// state. Training on identical data yields identical parameters.
func (nb *NaiveBayes) Train(samples []Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("no training samples")
	}

	params := BayesParameters{
		LabelCounts: make(map[string]int),
		TokenCounts: make(map[string]map[string]int),
	}
	vocab := make(map[string]struct{})

	for _, s := range samples {
		params.LabelCounts[s.Label]++
		params.Total++
		if params.TokenCounts[s.Label] == nil {
			params.TokenCounts[s.Label] = make(map[string]int)
		}
		for _, tok := range s.Tokens {
			params.TokenCounts[s.Label][tok]++
			vocab[tok] = struct{}{}
		}
	}
	params.Vocabulary = len(vocab)

	nb.mu.Lock()
	nb.params = params
	nb.mu.Unlock()
	return nil
}

// Parameters serializes the trained state.
func (nb *NaiveBayes) Parameters() (json.RawMessage, error) {
	nb.mu.RLock()
	defer nb.mu.RUnlock()
	data, err := json.Marshal(nb.params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bayes parameters: %w", err)
	}
	return data, nil
}

// Classify scores the event's tokens against each label and returns
// the best label with a normalized confidence.
func (nb *NaiveBayes) Classify(ctx context.Context, fv features.FeatureVector, ev *models.AuditEvent) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	nb.mu.RLock()
	params := nb.params
	nb.mu.RUnlock()

	if params.Total == 0 {
		return Prediction{}, fmt.Errorf("classifier not trained")
	}

	tokens := Tokens(fv, ev)

	type scored struct {
		label string
		logp  float64
	}
	scores := make([]scored, 0, len(params.LabelCounts))
	for label, count := range params.LabelCounts {
		logp := math.Log(float64(count) / float64(params.Total))
		tokenCounts := params.TokenCounts[label]
		var labelTokens int
		for _, n := range tokenCounts {
			labelTokens += n
		}
		for _, tok := range tokens {
			// Laplace smoothing keeps unseen tokens finite.
			logp += math.Log(float64(tokenCounts[tok]+1) / float64(labelTokens+params.Vocabulary))
		}
		scores = append(scores, scored{label, logp})
	}

	// Deterministic order for equal scores.
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].logp != scores[j].logp {
			return scores[i].logp > scores[j].logp
		}
		return scores[i].label < scores[j].label
	})

	// Softmax over log-probabilities for a [0,1] confidence.
	max := scores[0].logp
	var denom float64
	for _, s := range scores {
		denom += math.Exp(s.logp - max)
	}
	confidence := 1 / denom

	return Prediction{Label: scores[0].label, Confidence: confidence}, nil
}
