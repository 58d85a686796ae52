package training

import (
	"errors"
	"fmt"
)

// ErrConfiguration indicates invalid stopping configuration or inputs,
// surfaced before any epoch runs.
var ErrConfiguration = errors.New("configuration error")

// Phase names the step of a run that failed.
type Phase string

const (
	PhaseRestore    Phase = "restore"
	PhaseTrain      Phase = "train"
	PhaseValidate   Phase = "validate"
	PhaseCheckpoint Phase = "checkpoint"
	PhaseTest       Phase = "test"
)

// PhaseError attaches epoch and phase context to a learner, scorer or
// storage failure.
type PhaseError struct {
	Epoch int
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Epoch > 0 {
		return fmt.Sprintf("epoch %d: %s: %v", e.Epoch, e.Phase, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseErr(epoch int, phase Phase, err error) error {
	return &PhaseError{Epoch: epoch, Phase: phase, Err: err}
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
