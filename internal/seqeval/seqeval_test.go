package seqeval

import (
	"testing"

	"github.com/rand/protometa/internal/episode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestScore_OutsideTagExcluded(t *testing.T) {
	tags := episode.NewTagVocabulary("O", "B-PER", "B-LOC")
	preds := []int{0, 1, 2, 1, 0}
	gold := []int{0, 1, 1, 0, 2}

	acc, p, r, f1, err := Scorer{}.Score(preds, gold, tags, false)
	require.NoError(t, err)

	// gold PER[1,2) PER[2,3) LOC[4,5); predicted PER[1,2) LOC[2,3) PER[3,4)
	assert.InDelta(t, 0.4, acc, 1e-9)
	assert.InDelta(t, 1.0/3.0, p, 1e-9)
	assert.InDelta(t, 1.0/3.0, r, 1e-9)
	assert.InDelta(t, 1.0/3.0, f1, 1e-9)
}

func TestScore_PartialSpanIsNotAMatch(t *testing.T) {
	tags := episode.NewTagVocabulary("O", "B-PER", "I-PER")

	acc, p, r, f1, err := Scorer{}.Score([]int{1, 0}, []int{1, 2}, tags, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, acc, 1e-9)
	assert.Zero(t, p)
	assert.Zero(t, r)
	assert.Zero(t, f1)

	acc, p, r, f1, err = Scorer{}.Score([]int{1, 2, 0}, []int{1, 2, 0}, tags, false)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, acc, 1e-9)
	assert.InDelta(t, 1.0, p, 1e-9)
	assert.InDelta(t, 1.0, r, 1e-9)
	assert.InDelta(t, 1.0, f1, 1e-9)
}

func TestScore_EntityTypeMustMatch(t *testing.T) {
	tags := episode.NewTagVocabulary("O", "B-PER", "I-PER", "B-LOC", "I-LOC")
	// gold: PER[0,2) LOC[3,5); predicted: PER[0,2) PER[3,4) LOC[4,5)
	preds := []int{1, 2, 0, 1, 4}
	gold := []int{1, 2, 0, 3, 4}

	c, err := Count(preds, gold, tags, false)
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 5, Correct: 4, TP: 1, FP: 2, FN: 1}, c)
	assert.InDelta(t, 1.0/3.0, c.Precision(), 1e-9)
	assert.InDelta(t, 0.5, c.Recall(), 1e-9)
}

func TestEntities(t *testing.T) {
	tags := episode.NewTagVocabulary("O", "B-PER", "I-PER", "I-LOC", "MISC")

	tests := []struct {
		name string
		seq  []int
		want []Entity
	}{
		{"outside only", []int{0, 0}, nil},
		{"begin inside", []int{1, 2, 2, 0}, []Entity{{"PER", 0, 3}}},
		{"adjacent begins", []int{1, 1}, []Entity{{"PER", 0, 1}, {"PER", 1, 2}}},
		{"inside opens entity", []int{0, 2, 2}, []Entity{{"PER", 1, 3}}},
		{"inside of other type", []int{1, 3}, []Entity{{"PER", 0, 1}, {"LOC", 1, 2}}},
		{"unprefixed tag", []int{4, 4, 2}, []Entity{{"MISC", 0, 1}, {"MISC", 1, 2}, {"PER", 2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Entities(tt.seq, tags.Name)
			want := make(map[Entity]struct{}, len(tt.want))
			for _, e := range tt.want {
				want[e] = struct{}{}
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestScore_NoOutsideTagIsMicroAverage(t *testing.T) {
	tags := episode.NewTagVocabulary("neg", "pos")
	preds := []int{0, 1, 1, 0}
	gold := []int{0, 1, 0, 0}

	acc, p, r, f1, err := Scorer{}.Score(preds, gold, tags, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, acc, 1e-9)
	assert.InDelta(t, 0.75, p, 1e-9)
	assert.InDelta(t, 0.75, r, 1e-9)
	assert.InDelta(t, 0.75, f1, 1e-9)
}

func TestScore_Binary(t *testing.T) {
	preds := []int{1, 1, 0, 0}
	gold := []int{1, 0, 1, 0}

	acc, p, r, f1, err := Scorer{}.Score(preds, gold, nil, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, acc, 1e-9)
	assert.InDelta(t, 0.5, p, 1e-9)
	assert.InDelta(t, 0.5, r, 1e-9)
	assert.InDelta(t, 0.5, f1, 1e-9)
}

func TestScore_Errors(t *testing.T) {
	tags := episode.NewTagVocabulary("O", "X")

	_, _, _, _, err := Scorer{}.Score(nil, nil, tags, false)
	assert.ErrorIs(t, err, ErrEmpty)

	_, _, _, _, err = Scorer{}.Score([]int{0}, []int{0, 1}, tags, false)
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, _, _, _, err = Scorer{}.Score([]int{5}, []int{0}, tags, false)
	assert.ErrorIs(t, err, episode.ErrUnknownLabel)
}

func TestProperty_ScoresBounded(t *testing.T) {
	tags := episode.NewTagVocabulary("O", "A", "B", "C")
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(rt, "n")
		preds := rapid.SliceOfN(rapid.IntRange(0, 3), n, n).Draw(rt, "preds")
		gold := rapid.SliceOfN(rapid.IntRange(0, 3), n, n).Draw(rt, "gold")

		acc, p, r, f1, err := Scorer{}.Score(preds, gold, tags, false)
		require.NoError(rt, err)
		for _, v := range []float64{acc, p, r, f1} {
			require.GreaterOrEqual(rt, v, 0.0)
			require.LessOrEqual(rt, v, 1.0)
		}
		require.LessOrEqual(rt, f1, max(p, r)+1e-12)
	})
}
