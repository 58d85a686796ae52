// Package telemetry records scalar and distribution series produced during
// meta-training, keyed by "<Metric>/<phase>" and an integer step.
package telemetry

import (
	"errors"
	"log/slog"
)

// Metric names.
const (
	MetricLoss      = "Loss"
	MetricAccuracy  = "Accuracy"
	MetricPrecision = "Precision"
	MetricRecall    = "Recall"
	MetricF1        = "F1"
)

// Phases.
const (
	PhaseTrain = "train"
	PhaseVal   = "val"
)

// Key joins a metric and a phase, e.g. "F1/val".
func Key(metric, phase string) string {
	return metric + "/" + phase
}

// ParamsKey is the distribution key for a parameter's values.
func ParamsKey(name string) string {
	return "Params/" + name
}

// GradsKey is the distribution key for a parameter's gradient.
func GradsKey(name string) string {
	return "Grads/" + name
}

// Sink receives telemetry. Implementations must be safe for concurrent use.
type Sink interface {
	Scalar(key string, value float64, step int) error
	Distribution(key string, values []float64, step int) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Scalar(string, float64, int) error         { return nil }
func (Nop) Distribution(string, []float64, int) error { return nil }

type multi []Sink

// Multi fans out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Scalar(key string, value float64, step int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Scalar(key, value, step))
	}
	return errors.Join(errs...)
}

func (m multi) Distribution(key string, values []float64, step int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Distribution(key, values, step))
	}
	return errors.Join(errs...)
}

// LogSink writes telemetry to a structured logger. Scalars log at info,
// distributions at debug as a summary.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink; a nil logger selects slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Scalar(key string, value float64, step int) error {
	s.logger.Info("scalar", "key", key, "value", value, "step", step)
	return nil
}

func (s *LogSink) Distribution(key string, values []float64, step int) error {
	sum := Summarize(values)
	s.logger.Debug("distribution",
		"key", key,
		"step", step,
		"count", sum.Count,
		"mean", sum.Mean,
		"std", sum.StdDev,
		"min", sum.Min,
		"max", sum.Max,
	)
	return nil
}
