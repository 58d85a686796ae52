// Package seqeval scores flattened tag predictions against gold labels.
//
// Multi-class scoring works on entities rather than tokens. Tags follow the
// IOB scheme: "B-X" opens an entity of type X, "I-X" extends an open entity
// of the same type and opens a new one otherwise, and episode.OutsideTag
// closes it. A tag without a B-/I- prefix is an entity of its own type
// spanning one token. A predicted entity counts as a true positive only when
// both its type and its span match a gold entity. Accuracy stays per token.
//
// Binary scoring treats every label-1 token as one positive entity.
package seqeval

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rand/protometa/internal/episode"
)

var (
	// ErrEmpty indicates nothing to score.
	ErrEmpty = errors.New("no predictions to score")

	// ErrLengthMismatch indicates predictions and labels differ in length.
	ErrLengthMismatch = errors.New("predictions and labels differ in length")
)

// Scorer implements the sequence scoring capability.
type Scorer struct{}

// Score returns accuracy, precision, recall and F1.
func (Scorer) Score(predictions, labels []int, tags *episode.TagVocabulary, binary bool) (accuracy, precision, recall, f1 float64, err error) {
	c, err := Count(predictions, labels, tags, binary)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return c.Accuracy(), c.Precision(), c.Recall(), c.F1(), nil
}

// Counts holds token and entity counts for one scoring call. Total and
// Correct count tokens; TP, FP and FN count entities.
type Counts struct {
	Total   int
	Correct int
	TP      int
	FP      int
	FN      int
}

// Count builds token and entity counts.
func Count(predictions, labels []int, tags *episode.TagVocabulary, binary bool) (Counts, error) {
	if len(predictions) != len(labels) {
		return Counts{}, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(predictions), len(labels))
	}
	if len(predictions) == 0 {
		return Counts{}, ErrEmpty
	}

	var c Counts
	for i, pred := range predictions {
		gold := labels[i]
		if !binary && tags != nil {
			if !tags.Contains(gold) {
				return Counts{}, fmt.Errorf("label %d at %d: %w", gold, i, episode.ErrUnknownLabel)
			}
			if !tags.Contains(pred) {
				return Counts{}, fmt.Errorf("prediction %d at %d: %w", pred, i, episode.ErrUnknownLabel)
			}
		}
		c.Total++
		if pred == gold {
			c.Correct++
		}
	}

	name := tagNamer(tags, binary)
	predicted := Entities(predictions, name)
	gold := Entities(labels, name)
	for e := range predicted {
		if _, ok := gold[e]; ok {
			c.TP++
		}
	}
	c.FP = len(predicted) - c.TP
	c.FN = len(gold) - c.TP
	return c, nil
}

func tagNamer(tags *episode.TagVocabulary, binary bool) func(int) string {
	switch {
	case binary:
		return func(label int) string {
			if label == 1 {
				return "1"
			}
			return episode.OutsideTag
		}
	case tags == nil:
		return strconv.Itoa
	}
	return tags.Name
}

// Entity is a typed span [Start, End) of a tag sequence.
type Entity struct {
	Type  string
	Start int
	End   int
}

// Entities extracts the IOB entities of seq, naming labels with name.
func Entities(seq []int, name func(int) string) map[Entity]struct{} {
	out := make(map[Entity]struct{})
	open := false
	var cur Entity
	closeAt := func(end int) {
		if open {
			cur.End = end
			out[cur] = struct{}{}
			open = false
		}
	}

	for i, label := range seq {
		prefix, kind := splitTag(name(label))
		switch {
		case kind == "":
			closeAt(i)
		case prefix == "I" && open && cur.Type == kind:
			// extends cur
		case prefix == "":
			closeAt(i)
			cur, open = Entity{Type: kind, Start: i}, true
			closeAt(i + 1)
		default:
			closeAt(i)
			cur, open = Entity{Type: kind, Start: i}, true
		}
	}
	closeAt(len(seq))
	return out
}

// splitTag returns the B/I prefix and the entity type of tag. The outside
// tag has an empty type.
func splitTag(tag string) (prefix, kind string) {
	if tag == episode.OutsideTag || tag == "" {
		return "", ""
	}
	if len(tag) > 2 && tag[1] == '-' && (tag[0] == 'B' || tag[0] == 'I') {
		return tag[:1], tag[2:]
	}
	return "", tag
}

// Accuracy is the fraction of exact matches.
func (c Counts) Accuracy() float64 {
	return ratio(c.Correct, c.Total)
}

// Precision is TP / (TP + FP).
func (c Counts) Precision() float64 {
	return ratio(c.TP, c.TP+c.FP)
}

// Recall is TP / (TP + FN).
func (c Counts) Recall() float64 {
	return ratio(c.TP, c.TP+c.FN)
}

// F1 is the harmonic mean of precision and recall, 0 when both are 0.
func (c Counts) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
