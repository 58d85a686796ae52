// Package learner defines the adapt-and-score capability driven by the
// meta-training controller, plus a prototype baseline implementation.
package learner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rand/protometa/internal/episode"
)

// Mode selects whether a learner call may update parameters.
type Mode int

const (
	// ModeAdapt runs the inner adaptation updates before scoring.
	ModeAdapt Mode = iota
	// ModeTest scores without touching parameters.
	ModeTest
)

func (m Mode) String() string {
	switch m {
	case ModeAdapt:
		return "adapt"
	case ModeTest:
		return "test"
	default:
		return "unknown"
	}
}

// Testing reports whether the mode disables adaptation.
func (m Mode) Testing() bool {
	return m == ModeTest
}

// ErrMalformedResult indicates a BatchResult whose per-episode lists are not parallel.
var ErrMalformedResult = errors.New("malformed batch result")

// BatchResult is the output of one learner call. The five metric lists hold
// one value per episode; Predictions and Labels are flattened across every
// query item of every episode.
type BatchResult struct {
	Losses      []float64
	Accuracies  []float64
	Precisions  []float64
	Recalls     []float64
	F1s         []float64
	Predictions []int
	Labels      []int
}

// Len returns the number of episodes the result covers.
func (r BatchResult) Len() int {
	return len(r.Losses)
}

// Validate checks that the per-episode lists are parallel and that
// predictions pair with labels.
func (r BatchResult) Validate() error {
	n := len(r.Losses)
	for name, l := range map[string]int{
		"accuracies": len(r.Accuracies),
		"precisions": len(r.Precisions),
		"recalls":    len(r.Recalls),
		"f1s":        len(r.F1s),
	} {
		if l != n {
			return fmt.Errorf("%w: %d losses but %d %s", ErrMalformedResult, n, l, name)
		}
	}
	if len(r.Predictions) != len(r.Labels) {
		return fmt.Errorf("%w: %d predictions but %d labels", ErrMalformedResult, len(r.Predictions), len(r.Labels))
	}
	return nil
}

// Append concatenates other onto r.
func (r *BatchResult) Append(other BatchResult) {
	r.Losses = append(r.Losses, other.Losses...)
	r.Accuracies = append(r.Accuracies, other.Accuracies...)
	r.Precisions = append(r.Precisions, other.Precisions...)
	r.Recalls = append(r.Recalls, other.Recalls...)
	r.F1s = append(r.F1s, other.F1s...)
	r.Predictions = append(r.Predictions, other.Predictions...)
	r.Labels = append(r.Labels, other.Labels...)
}

// Learner adapts to and scores episodes. In ModeAdapt it performs updates
// inner steps per episode; in ModeTest it must not mutate parameters.
type Learner interface {
	AdaptAndScore(ctx context.Context, episodes []*episode.Episode, updates int, mode Mode) (BatchResult, error)
}

// State is a full parameter snapshot keyed by parameter name.
type State map[string][]float64

// Clone deep-copies the snapshot.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// Stateful learners expose their parameters for checkpointing.
type Stateful interface {
	State() State
	LoadState(State) error
}

// Model is a learner that can be checkpointed.
type Model interface {
	Learner
	Stateful
}

// Parameter is one named parameter tensor, flattened. Grad is nil when no
// gradient has been computed yet.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
}

// Inspectable learners expose named parameters and their latest gradients.
// Grad is nil until an adapt call runs at least one update, so a run with
// zero updates per episode reports parameters only.
type Inspectable interface {
	NamedParameters() []Parameter
}
