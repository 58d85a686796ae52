package episode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"
)

// ErrNoFiles indicates a pattern that matched nothing.
var ErrNoFiles = errors.New("no episode files matched")

// Option configures decoding.
type Option func(*decoder)

// WithSplit lets lines carry a flat "items" list instead of support and
// query sets; each is split by Build with the given shots and queries per label.
func WithSplit(shots, queries int) Option {
	return func(d *decoder) {
		d.shots = shots
		d.queries = queries
	}
}

// Decode reads episodes encoded as JSON lines:
//
//	{"id":"e1","tags":["O","B-PER"],"support":[{"tokens":[4,9],"label":1}],"query":[...]}
//
// Labels may be integers or tag names. Episodes with identical tag lists
// share one *TagVocabulary. Blank lines are skipped.
func Decode(r io.Reader, opts ...Option) ([]*Episode, error) {
	d := decoder{vocabs: make(map[string]*TagVocabulary)}
	for _, opt := range opts {
		opt(&d)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var out []*Episode
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if !gjson.ValidBytes(raw) {
			return nil, fmt.Errorf("line %d: invalid json", line)
		}
		ep, err := d.episode(gjson.ParseBytes(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read episodes: %w", err)
	}
	return out, nil
}

// LoadFile decodes a single JSON lines file.
func LoadFile(path string, opts ...Option) ([]*Episode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open episodes: %w", err)
	}
	defer f.Close()

	eps, err := Decode(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return eps, nil
}

// Glob loads every file matching a doublestar pattern (e.g. "data/**/*.jsonl")
// in lexical order.
func Glob(pattern string, opts ...Option) ([]*Episode, error) {
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%q: %w", pattern, ErrNoFiles)
	}
	sort.Strings(paths)

	var out []*Episode
	for _, p := range paths {
		eps, err := LoadFile(p, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, eps...)
	}
	return out, nil
}

type decoder struct {
	vocabs  map[string]*TagVocabulary
	shots   int
	queries int
}

func (d *decoder) episode(doc gjson.Result) (*Episode, error) {
	var tagNames []string
	for _, t := range doc.Get("tags").Array() {
		tagNames = append(tagNames, t.String())
	}
	if len(tagNames) == 0 {
		return nil, errors.New("missing tags")
	}
	tags := d.vocabulary(tagNames)

	if flat := doc.Get("items"); flat.Exists() {
		if d.shots <= 0 {
			return nil, errors.New("items given but no shots/queries split configured")
		}
		all, err := items(flat, tags)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		return Build(doc.Get("id").String(), all, d.shots, d.queries, tags)
	}

	support, err := items(doc.Get("support"), tags)
	if err != nil {
		return nil, fmt.Errorf("support: %w", err)
	}
	query, err := items(doc.Get("query"), tags)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return New(doc.Get("id").String(), support, query, tags)
}

func (d *decoder) vocabulary(names []string) *TagVocabulary {
	v := NewTagVocabulary(names...)
	if shared, ok := d.vocabs[v.key()]; ok {
		return shared
	}
	d.vocabs[v.key()] = v
	return v
}

func items(set gjson.Result, tags *TagVocabulary) ([]Item, error) {
	if !set.IsArray() {
		return nil, errors.New("expected array")
	}
	var out []Item
	var err error
	set.ForEach(func(i, v gjson.Result) bool {
		it := Item{}
		tokens := v.Get("tokens")
		if tokens.Exists() && !tokens.IsArray() {
			err = fmt.Errorf("item %d: tokens: expected array", i.Int())
			return false
		}
		for j, tok := range tokens.Array() {
			n, ok := integer(tok)
			if !ok || n < 0 {
				err = fmt.Errorf("item %d: token %d: %s: %w", i.Int(), j, tok.Raw, ErrInvalidToken)
				return false
			}
			it.Tokens = append(it.Tokens, n)
		}
		label := v.Get("label")
		switch label.Type {
		case gjson.Number:
			n, ok := integer(label)
			if !ok {
				err = fmt.Errorf("item %d: label %s: %w", i.Int(), label.Raw, ErrUnknownLabel)
				return false
			}
			it.Label = n
		case gjson.String:
			idx, ok := tags.Index(label.String())
			if !ok {
				err = fmt.Errorf("item %d: tag %q: %w", i.Int(), label.String(), ErrUnknownLabel)
				return false
			}
			it.Label = idx
		default:
			err = fmt.Errorf("item %d: missing label", i.Int())
			return false
		}
		out = append(out, it)
		return true
	})
	return out, err
}

// integer returns r as an int when it is a whole JSON number.
func integer(r gjson.Result) (int, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	f := r.Float()
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
