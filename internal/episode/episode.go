// Package episode defines few-shot episodes: a labeled support set used for
// adaptation and a query set used for evaluation, sharing one tag vocabulary.
package episode

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// OutsideTag is the conventional "no entity" tag. Scorers exclude it from
// precision and recall when the vocabulary contains it.
const OutsideTag = "O"

var (
	// ErrEmptySet indicates an episode without support or query items.
	ErrEmptySet = errors.New("episode set is empty")

	// ErrUnknownLabel indicates a label outside the tag vocabulary.
	ErrUnknownLabel = errors.New("label outside tag vocabulary")

	// ErrInvalidToken indicates a negative token id.
	ErrInvalidToken = errors.New("invalid token id")

	// ErrTooFewItems indicates a class cannot fill its support and query quota.
	ErrTooFewItems = errors.New("too few items for class")
)

// Item is one labeled sequence of token ids.
type Item struct {
	Tokens []int `json:"tokens"`
	Label  int   `json:"label"`
}

// TagVocabulary maps integer labels to tag names.
type TagVocabulary struct {
	tags  []string
	index map[string]int
}

// NewTagVocabulary creates a vocabulary whose label i names tags[i].
func NewTagVocabulary(tags ...string) *TagVocabulary {
	v := &TagVocabulary{
		tags:  append([]string(nil), tags...),
		index: make(map[string]int, len(tags)),
	}
	for i, t := range v.tags {
		if _, ok := v.index[t]; !ok {
			v.index[t] = i
		}
	}
	return v
}

// Len returns the number of tags.
func (v *TagVocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.tags)
}

// Name returns the tag for label, or "" when out of range.
func (v *TagVocabulary) Name(label int) string {
	if v == nil || label < 0 || label >= len(v.tags) {
		return ""
	}
	return v.tags[label]
}

// Index returns the label of tag.
func (v *TagVocabulary) Index(tag string) (int, bool) {
	if v == nil {
		return 0, false
	}
	i, ok := v.index[tag]
	return i, ok
}

// Tags returns a copy of the tag names in label order.
func (v *TagVocabulary) Tags() []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v.tags...)
}

// Contains reports whether label is inside the vocabulary.
func (v *TagVocabulary) Contains(label int) bool {
	return v != nil && label >= 0 && label < len(v.tags)
}

func (v *TagVocabulary) key() string {
	return strings.Join(v.tags, "\x00")
}

// Episode is one few-shot task. It is immutable once constructed; callers
// must not modify the slices returned by Support and Query.
type Episode struct {
	id      string
	support []Item
	query   []Item
	tags    *TagVocabulary
}

// New validates and constructs an episode. An empty id is replaced with a
// random UUID.
func New(id string, support, query []Item, tags *TagVocabulary) (*Episode, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if len(support) == 0 {
		return nil, fmt.Errorf("episode %s: support: %w", id, ErrEmptySet)
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("episode %s: query: %w", id, ErrEmptySet)
	}
	if tags.Len() == 0 {
		return nil, fmt.Errorf("episode %s: empty tag vocabulary", id)
	}

	ep := &Episode{
		id:      id,
		support: cloneItems(support),
		query:   cloneItems(query),
		tags:    tags,
	}
	for _, set := range []struct {
		name  string
		items []Item
	}{{"support", ep.support}, {"query", ep.query}} {
		for i, it := range set.items {
			if !tags.Contains(it.Label) {
				return nil, fmt.Errorf("episode %s: %s item %d label %d: %w", id, set.name, i, it.Label, ErrUnknownLabel)
			}
			for _, tok := range it.Tokens {
				if tok < 0 {
					return nil, fmt.Errorf("episode %s: %s item %d token %d: %w", id, set.name, i, tok, ErrInvalidToken)
				}
			}
		}
	}
	return ep, nil
}

// ID returns the episode identifier.
func (e *Episode) ID() string { return e.id }

// Support returns the adaptation items.
func (e *Episode) Support() []Item { return e.support }

// Query returns the evaluation items.
func (e *Episode) Query() []Item { return e.query }

// Tags returns the shared tag vocabulary.
func (e *Episode) Tags() *TagVocabulary { return e.tags }

// Classes returns the distinct support labels in ascending order.
func (e *Episode) Classes() []int {
	seen := make(map[int]struct{})
	for _, it := range e.support {
		seen[it.Label] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// Shots returns the number of support items per label.
func (e *Episode) Shots() map[int]int {
	out := make(map[int]int)
	for _, it := range e.support {
		out[it.Label]++
	}
	return out
}

// MaxToken returns the largest token id across all episodes, or -1.
func MaxToken(episodes []*Episode) int {
	max := -1
	for _, ep := range episodes {
		for _, set := range [][]Item{ep.support, ep.query} {
			for _, it := range set {
				for _, tok := range it.Tokens {
					if tok > max {
						max = tok
					}
				}
			}
		}
	}
	return max
}

// Build splits labeled items into an episode: the first shots items of each
// label go to the support set and the next queries items to the query set.
// Surplus items are ignored.
func Build(id string, items []Item, shots, queries int, tags *TagVocabulary) (*Episode, error) {
	if shots <= 0 || queries <= 0 {
		return nil, fmt.Errorf("build episode: shots and queries must be positive (got %d, %d)", shots, queries)
	}

	byLabel := make(map[int][]Item)
	var order []int
	for _, it := range items {
		if _, ok := byLabel[it.Label]; !ok {
			order = append(order, it.Label)
		}
		if len(byLabel[it.Label]) == shots+queries {
			continue
		}
		byLabel[it.Label] = append(byLabel[it.Label], it)
	}
	sort.Ints(order)

	var support, query []Item
	for _, label := range order {
		group := byLabel[label]
		if len(group) < shots+queries {
			return nil, fmt.Errorf("build episode: label %d has %d items, need %d: %w",
				label, len(group), shots+queries, ErrTooFewItems)
		}
		support = append(support, group[:shots]...)
		query = append(query, group[shots:]...)
	}
	return New(id, support, query, tags)
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{Tokens: append([]int(nil), it.Tokens...), Label: it.Label}
	}
	return out
}
