package telemetry

import (
	"sort"
	"sync"
)

// Point is one scalar observation.
type Point struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// DistributionPoint is one summarized distribution observation.
type DistributionPoint struct {
	Step    int     `json:"step"`
	Summary Summary `json:"summary"`
}

// Memory holds every series in process. It backs tests and the final
// report of a CLI run.
type Memory struct {
	mu      sync.RWMutex
	scalars map[string][]Point
	dists   map[string][]DistributionPoint
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		scalars: make(map[string][]Point),
		dists:   make(map[string][]DistributionPoint),
	}
}

func (m *Memory) Scalar(key string, value float64, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars[key] = append(m.scalars[key], Point{Step: step, Value: value})
	return nil
}

func (m *Memory) Distribution(key string, values []float64, step int) error {
	sum := Summarize(values)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dists[key] = append(m.dists[key], DistributionPoint{Step: step, Summary: sum})
	return nil
}

// Scalars returns a copy of the scalar series for key.
func (m *Memory) Scalars(key string) []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Point(nil), m.scalars[key]...)
}

// Distributions returns a copy of the distribution series for key.
func (m *Memory) Distributions(key string) []DistributionPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DistributionPoint(nil), m.dists[key]...)
}

// Last returns the most recent scalar for key.
func (m *Memory) Last(key string) (Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.scalars[key]
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}

// Keys returns every recorded key, scalars and distributions, sorted.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.scalars)+len(m.dists))
	for k := range m.scalars {
		keys = append(keys, k)
	}
	for k := range m.dists {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
