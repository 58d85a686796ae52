package training

import (
	"context"
	"fmt"
	"sync"

	"github.com/rand/protometa/internal/checkpoint"
	"github.com/rand/protometa/internal/episode"
	"github.com/rand/protometa/internal/learner"
	"github.com/stretchr/testify/require"
)

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func makeEpisodes(t testingT, prefix string, n int) []*episode.Episode {
	t.Helper()
	tags := episode.NewTagVocabulary("O", "B-ABUSE")
	out := make([]*episode.Episode, n)
	for i := range out {
		ep, err := episode.New(fmt.Sprintf("%s-%d", prefix, i),
			[]episode.Item{{Tokens: []int{1}, Label: 0}, {Tokens: []int{2}, Label: 1}},
			[]episode.Item{{Tokens: []int{1}, Label: 0}, {Tokens: []int{2}, Label: 1}},
			tags,
		)
		require.NoError(t, err)
		out[i] = ep
	}
	return out
}

// fakeModel returns one singleton result per episode. In test mode the
// per-episode F1 is taken from testF1s in call order.
type fakeModel struct {
	mu sync.Mutex

	adaptCalls int
	testCalls  int
	sampled    [][]string

	testF1s []float64
	next    int

	adaptErr error
	testErr  error
	empty    bool

	state   learner.State
	loaded  []learner.State
	grad    bool
}

func newFakeModel() *fakeModel {
	return &fakeModel{state: learner.State{"w": {0}}}
}

func (m *fakeModel) AdaptAndScore(_ context.Context, eps []*episode.Episode, _ int, mode learner.Mode) (learner.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mode.Testing() {
		m.testCalls++
		ids := make([]string, len(eps))
		for i, ep := range eps {
			ids[i] = ep.ID()
		}
		m.sampled = append(m.sampled, ids)
		if m.testErr != nil {
			return learner.BatchResult{}, m.testErr
		}
	} else {
		m.adaptCalls++
		if m.adaptErr != nil {
			return learner.BatchResult{}, m.adaptErr
		}
		m.state["w"][0]++
		m.grad = true
	}
	if m.empty {
		return learner.BatchResult{}, nil
	}

	var r learner.BatchResult
	for range eps {
		f1 := 0.5
		if mode.Testing() && m.next < len(m.testF1s) {
			f1 = m.testF1s[m.next]
			m.next++
		}
		r.Append(learner.BatchResult{
			Losses:      []float64{1},
			Accuracies:  []float64{f1},
			Precisions:  []float64{f1},
			Recalls:     []float64{f1},
			F1s:         []float64{f1},
			Predictions: []int{1},
			Labels:      []int{1},
		})
	}
	return r, nil
}

func (m *fakeModel) State() learner.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

func (m *fakeModel) LoadState(s learner.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = append(m.loaded, s.Clone())
	m.state = s.Clone()
	return nil
}

// inspectableModel adds named parameters to fakeModel.
type inspectableModel struct {
	*fakeModel
}

func (m inspectableModel) NamedParameters() []learner.Parameter {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := learner.Parameter{Name: "w", Value: append([]float64(nil), m.state["w"]...)}
	if m.grad {
		p.Grad = []float64{0.1}
	}
	return []learner.Parameter{p}
}

// scriptedScorer returns the next F1 of its script for every metric.
type scriptedScorer struct {
	mu    sync.Mutex
	f1s   []float64
	calls int
	tags  []*episode.TagVocabulary
	err   error
}

func (s *scriptedScorer) Score(preds, labels []int, tags *episode.TagVocabulary, binary bool) (float64, float64, float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, tags)
	if s.err != nil {
		return 0, 0, 0, 0, s.err
	}
	f1 := s.f1s[min(s.calls, len(s.f1s)-1)]
	s.calls++
	return f1, f1, f1, f1, nil
}

type savedCall struct {
	name string
	snap checkpoint.Snapshot
}

// memStore is an in-memory checkpoint.SaveLoader.
type memStore struct {
	mu    sync.Mutex
	saves []savedCall
	snaps map[string]checkpoint.Snapshot
	err   error
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]checkpoint.Snapshot)}
}

func (s *memStore) Save(name string, snap checkpoint.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	snap.Name = name
	s.saves = append(s.saves, savedCall{name: name, snap: snap})
	s.snaps[name] = snap
	return nil
}

func (s *memStore) Load(name string) (checkpoint.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[name]
	if !ok {
		return checkpoint.Snapshot{}, fmt.Errorf("load checkpoint %s: %w", name, checkpoint.ErrNotFound)
	}
	return snap, nil
}

type failingSink struct{}

func (failingSink) Scalar(string, float64, int) error         { return fmt.Errorf("sink down") }
func (failingSink) Distribution(string, []float64, int) error { return fmt.Errorf("sink down") }
