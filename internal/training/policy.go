package training

import (
	"time"
)

// StoppingConfig bounds the meta-training loop. It is never mutated after
// construction.
type StoppingConfig struct {
	// MetaEpochs is the maximum number of meta-epochs.
	MetaEpochs int `json:"meta_epochs" yaml:"meta_epochs"`

	// Updates is the number of inner adaptation steps per episode.
	Updates int `json:"updates" yaml:"updates"`

	// EarlyStopping is the patience limit in non-improving epochs.
	EarlyStopping int `json:"early_stopping" yaml:"early_stopping"`

	// Threshold is the margin a validation F1 must clear to count as an improvement.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// ValidationSamples is the number of validation episodes drawn per epoch.
	ValidationSamples int `json:"validation_samples" yaml:"validation_samples"`
}

// DefaultStoppingConfig returns sensible defaults.
func DefaultStoppingConfig() StoppingConfig {
	return StoppingConfig{
		MetaEpochs:        50,
		Updates:           5,
		EarlyStopping:     5,
		Threshold:         1e-3,
		ValidationSamples: 200,
	}
}

// Validate reports the first invalid field.
func (c StoppingConfig) Validate() error {
	switch {
	case c.MetaEpochs <= 0:
		return configErr("meta epochs must be positive (got %d)", c.MetaEpochs)
	case c.Updates < 0:
		return configErr("updates must not be negative (got %d)", c.Updates)
	case c.EarlyStopping <= 0:
		return configErr("early stopping limit must be positive (got %d)", c.EarlyStopping)
	case c.Threshold < 0:
		return configErr("threshold must not be negative (got %g)", c.Threshold)
	case c.ValidationSamples <= 0:
		return configErr("validation samples must be positive (got %d)", c.ValidationSamples)
	}
	return nil
}

// State is the mutable run state of one training run.
type State struct {
	Epoch    int
	BestF1   float64
	BestLoss float64
	Patience int
	Stamp    string
}

// Decision is the outcome of one CheckpointPolicy evaluation.
type Decision int

const (
	// NotImproved means the score did not clear the margin; patience grew.
	NotImproved Decision = iota
	// Improved means a new best; the caller persists parameters.
	Improved
	// Stop means patience reached the limit.
	Stop
)

func (d Decision) String() string {
	switch d {
	case Improved:
		return "improved"
	case NotImproved:
		return "not_improved"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// CheckpointPolicy gates checkpoint writes on a strict improvement margin
// and counts patience otherwise.
type CheckpointPolicy struct {
	Margin float64
	Limit  int
}

// NewCheckpointPolicy builds the policy for cfg.
func NewCheckpointPolicy(cfg StoppingConfig) CheckpointPolicy {
	return CheckpointPolicy{Margin: cfg.Threshold, Limit: cfg.EarlyStopping}
}

// Evaluate updates s for the current score. Patience never exceeds Limit.
func (p CheckpointPolicy) Evaluate(current float64, s *State) Decision {
	if current > s.BestF1+p.Margin {
		s.BestF1 = current
		s.Patience = 0
		return Improved
	}
	if s.Patience < p.Limit {
		s.Patience++
	}
	if s.Patience >= p.Limit {
		return Stop
	}
	return NotImproved
}

// StampLayout formats run stamps; it carries no colons so stamps are safe in file names.
const StampLayout = "2006-01-02_15-04-05.000000"

// Stamp returns the run stamp for t.
func Stamp(t time.Time) string {
	return t.Format(StampLayout)
}
