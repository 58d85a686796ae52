// Package metrics reduces per-episode learner outputs to summary scores.
package metrics

import (
	"errors"
	"fmt"

	"github.com/montanaflynn/stats"
	"github.com/rand/protometa/internal/episode"
	"github.com/rand/protometa/internal/learner"
	"github.com/rand/protometa/internal/seqeval"
)

// ErrEmptyAggregation indicates a mean or score requested over no values.
var ErrEmptyAggregation = errors.New("empty aggregation")

// Mean returns the arithmetic mean of values.
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyAggregation
	}
	m, err := stats.Mean(values)
	if err != nil {
		return 0, fmt.Errorf("mean: %w", err)
	}
	return m, nil
}

// Means holds the per-metric averages of a batch.
type Means struct {
	Loss      float64
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

// MeanAll averages every metric list of r.
func MeanAll(r learner.BatchResult) (Means, error) {
	if err := r.Validate(); err != nil {
		return Means{}, err
	}
	var (
		m   Means
		err error
	)
	for _, f := range []struct {
		name string
		in   []float64
		out  *float64
	}{
		{"loss", r.Losses, &m.Loss},
		{"accuracy", r.Accuracies, &m.Accuracy},
		{"precision", r.Precisions, &m.Precision},
		{"recall", r.Recalls, &m.Recall},
		{"f1", r.F1s, &m.F1},
	} {
		if *f.out, err = Mean(f.in); err != nil {
			return Means{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return m, nil
}

// Scorer scores predicted label indices against gold indices.
type Scorer interface {
	Score(preds, labels []int, tags *episode.TagVocabulary, binary bool) (accuracy, precision, recall, f1 float64, err error)
}

// TagScorer is the default Scorer: micro-averaged over every tag except
// the outside tag.
type TagScorer = seqeval.Scorer

// Scores are the sequence-level results of one scoring call.
type Scores struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

// Aggregator scores flattened prediction lists through a Scorer.
type Aggregator struct {
	scorer Scorer
}

// NewAggregator returns an Aggregator; a nil scorer selects TagScorer.
func NewAggregator(s Scorer) *Aggregator {
	if s == nil {
		s = TagScorer{}
	}
	return &Aggregator{scorer: s}
}

// ScoreSequences scores preds against labels in one call.
func (a *Aggregator) ScoreSequences(preds, labels []int, tags *episode.TagVocabulary, binary bool) (Scores, error) {
	if len(preds) == 0 {
		return Scores{}, ErrEmptyAggregation
	}
	if len(preds) != len(labels) {
		return Scores{}, fmt.Errorf("score sequences: %d predictions but %d labels", len(preds), len(labels))
	}
	acc, p, r, f1, err := a.scorer.Score(preds, labels, tags, binary)
	if err != nil {
		return Scores{}, fmt.Errorf("score sequences: %w", err)
	}
	return Scores{Accuracy: acc, Precision: p, Recall: r, F1: f1}, nil
}
