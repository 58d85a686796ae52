// Package training drives episodic meta-training and evaluation of a learner.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/rand/protometa/internal/checkpoint"
	"github.com/rand/protometa/internal/episode"
	"github.com/rand/protometa/internal/learner"
	"github.com/rand/protometa/internal/metrics"
	"github.com/rand/protometa/internal/telemetry"
)

// Outcome is the terminal state of a training run.
type Outcome string

const (
	EarlyStopped       Outcome = "early_stopped"
	MaxEpochsExhausted Outcome = "max_epochs_exhausted"
)

// Report summarizes a finished training run.
type Report struct {
	Stamp    string  `json:"stamp"`
	Outcome  Outcome `json:"outcome"`
	Epochs   int     `json:"epochs"`
	BestF1   float64 `json:"best_f1"`
	BestLoss float64 `json:"best_loss"`

	// Checkpoint is the name the best parameters were saved under, empty
	// if no epoch improved.
	Checkpoint string `json:"checkpoint,omitempty"`

	Duration time.Duration `json:"duration_ns"`
}

// Controller owns the meta-epoch loop.
type Controller struct {
	cfg    StoppingConfig
	policy CheckpointPolicy

	model  learner.Model
	agg    *metrics.Aggregator
	saver  checkpoint.Saver
	sink   telemetry.Sink
	rng    *rand.Rand
	logger *slog.Logger

	family  string
	stamp   string
	initial string
	loader  checkpoint.Loader
	restore bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithStamp fixes the run stamp instead of deriving it from the clock.
func WithStamp(stamp string) Option {
	return func(c *Controller) { c.stamp = stamp }
}

// WithFamily sets the checkpoint name prefix.
func WithFamily(family string) Option {
	return func(c *Controller) { c.family = family }
}

// WithInitialCheckpoint restores the named checkpoint before the first epoch.
func WithInitialCheckpoint(l checkpoint.Loader, name string) Option {
	return func(c *Controller) {
		c.loader = l
		c.initial = name
	}
}

// WithRestoreBest reloads the best saved parameters when training ends.
func WithRestoreBest(l checkpoint.Loader) Option {
	return func(c *Controller) {
		c.loader = l
		c.restore = true
	}
}

// NewController creates a controller. rng drives validation sampling and
// must be seeded by the caller; sink may be nil.
func NewController(cfg StoppingConfig, model learner.Model, scorer metrics.Scorer, saver checkpoint.Saver, sink telemetry.Sink, rng *rand.Rand, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case model == nil:
		return nil, configErr("learner is required")
	case saver == nil:
		return nil, configErr("checkpoint store is required")
	case rng == nil:
		return nil, configErr("random source is required")
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}

	c := &Controller{
		cfg:    cfg,
		policy: NewCheckpointPolicy(cfg),
		model:  model,
		agg:    metrics.NewAggregator(scorer),
		saver:  saver,
		sink:   sink,
		rng:    rng,
		family: checkpoint.DefaultConfig().Family,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.stamp == "" {
		c.stamp = Stamp(time.Now())
	}
	if (c.initial != "" || c.restore) && c.loader == nil {
		return nil, configErr("checkpoint loader is required to restore parameters")
	}
	return c, nil
}

// Stamp returns the run stamp.
func (c *Controller) Stamp() string {
	return c.stamp
}

// ModelName returns the checkpoint name improvements are saved under.
func (c *Controller) ModelName() string {
	return checkpoint.RunName(c.family, c.stamp)
}

// Train runs meta-training and returns the best validation F1.
func (c *Controller) Train(ctx context.Context, train, val []*episode.Episode) (float64, error) {
	r, err := c.Run(ctx, train, val)
	return r.BestF1, err
}

// Run is Train returning the full Report.
func (c *Controller) Run(ctx context.Context, train, val []*episode.Episode) (Report, error) {
	switch {
	case len(train) == 0:
		return Report{}, configErr("no training episodes")
	case len(val) == 0:
		return Report{}, configErr("no validation episodes")
	case len(val) < c.cfg.ValidationSamples:
		return Report{}, configErr("validation pool has %d episodes, fewer than the %d sampled per epoch", len(val), c.cfg.ValidationSamples)
	}

	start := time.Now()
	state := State{Stamp: c.stamp}
	name := c.ModelName()
	c.logger.Info("meta-training started",
		"model", name,
		"train_episodes", len(train),
		"val_episodes", len(val),
		"meta_epochs", c.cfg.MetaEpochs,
		"updates", c.cfg.Updates,
		"early_stopping", c.cfg.EarlyStopping,
	)

	if c.initial != "" {
		if err := c.load(c.initial); err != nil {
			return Report{}, phaseErr(0, PhaseRestore, err)
		}
		c.logger.Info("initial checkpoint restored", "name", c.initial)
	}

	report := Report{Stamp: c.stamp, Outcome: MaxEpochsExhausted}
	for epoch := 1; epoch <= c.cfg.MetaEpochs; epoch++ {
		state.Epoch = epoch
		decision, err := c.epoch(ctx, train, val, &state, name)
		if err != nil {
			return Report{}, err
		}
		if decision == Improved {
			report.Checkpoint = name
		}
		if decision == Stop {
			report.Outcome = EarlyStopped
			c.logger.Info("early stopping", "epoch", epoch, "patience", state.Patience)
			break
		}
		c.emitParameters(epoch)
	}

	report.Epochs = state.Epoch
	report.BestF1 = state.BestF1
	report.BestLoss = state.BestLoss
	report.Duration = time.Since(start)

	if c.restore && report.Checkpoint != "" {
		if err := c.load(report.Checkpoint); err != nil {
			return report, phaseErr(0, PhaseRestore, err)
		}
		c.logger.Info("best checkpoint restored", "name", report.Checkpoint)
	}

	c.logger.Info("meta-training finished",
		"outcome", report.Outcome,
		"epochs", report.Epochs,
		"best_f1", report.BestF1,
		"best_loss", report.BestLoss,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report, nil
}

func (c *Controller) epoch(ctx context.Context, train, val []*episode.Episode, state *State, name string) (Decision, error) {
	epoch := state.Epoch

	res, err := c.model.AdaptAndScore(ctx, train, c.cfg.Updates, learner.ModeAdapt)
	if err != nil {
		return 0, phaseErr(epoch, PhaseTrain, err)
	}
	tr, err := metrics.MeanAll(res)
	if err != nil {
		return 0, phaseErr(epoch, PhaseTrain, err)
	}
	c.scalars(telemetry.PhaseTrain, epoch, tr.Loss, metrics.Scores{
		Accuracy: tr.Accuracy, Precision: tr.Precision, Recall: tr.Recall, F1: tr.F1,
	})

	sample := c.sample(val)
	res, err = c.model.AdaptAndScore(ctx, sample, c.cfg.Updates, learner.ModeTest)
	if err != nil {
		return 0, phaseErr(epoch, PhaseValidate, err)
	}
	if err := res.Validate(); err != nil {
		return 0, phaseErr(epoch, PhaseValidate, err)
	}
	valLoss, err := metrics.Mean(res.Losses)
	if err != nil {
		return 0, phaseErr(epoch, PhaseValidate, fmt.Errorf("loss: %w", err))
	}
	vs, err := c.agg.ScoreSequences(res.Predictions, res.Labels, sample[0].Tags(), false)
	if err != nil {
		return 0, phaseErr(epoch, PhaseValidate, err)
	}
	c.scalars(telemetry.PhaseVal, epoch, valLoss, vs)

	c.logger.Info("meta epoch",
		"epoch", epoch,
		"train_loss", tr.Loss,
		"train_f1", tr.F1,
		"val_loss", valLoss,
		"val_f1", vs.F1,
	)

	decision := c.policy.Evaluate(vs.F1, state)
	if decision != Improved {
		c.logger.Debug("no improvement", "epoch", epoch, "val_f1", vs.F1, "best_f1", state.BestF1, "patience", state.Patience)
		return decision, nil
	}

	state.BestLoss = valLoss
	snap := checkpoint.Snapshot{
		Epoch:  epoch,
		F1:     vs.F1,
		Loss:   valLoss,
		Params: c.model.State(),
	}
	if err := c.saver.Save(name, snap); err != nil {
		return 0, phaseErr(epoch, PhaseCheckpoint, err)
	}
	c.logger.Info("checkpoint saved", "epoch", epoch, "name", name, "best_f1", state.BestF1)
	return decision, nil
}

// sample draws ValidationSamples episodes without replacement. Draws are
// independent across epochs.
func (c *Controller) sample(val []*episode.Episode) []*episode.Episode {
	perm := c.rng.Perm(len(val))[:c.cfg.ValidationSamples]
	out := make([]*episode.Episode, len(perm))
	for i, j := range perm {
		out[i] = val[j]
	}
	return out
}

// Telemetry failures are logged and do not abort the run.
func (c *Controller) scalars(phase string, epoch int, loss float64, s metrics.Scores) {
	var errs []error
	for _, m := range []struct {
		metric string
		value  float64
	}{
		{telemetry.MetricLoss, loss},
		{telemetry.MetricAccuracy, s.Accuracy},
		{telemetry.MetricPrecision, s.Precision},
		{telemetry.MetricRecall, s.Recall},
		{telemetry.MetricF1, s.F1},
	} {
		errs = append(errs, c.sink.Scalar(telemetry.Key(m.metric, phase), m.value, epoch))
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("telemetry write failed", "epoch", epoch, "phase", phase, "error", err)
	}
}

func (c *Controller) emitParameters(epoch int) {
	insp, ok := c.model.(learner.Inspectable)
	if !ok {
		return
	}
	for _, p := range insp.NamedParameters() {
		if p.Grad == nil {
			continue
		}
		err := errors.Join(
			c.sink.Distribution(telemetry.ParamsKey(p.Name), p.Value, epoch),
			c.sink.Distribution(telemetry.GradsKey(p.Name), p.Grad, epoch),
		)
		if err != nil {
			c.logger.Warn("telemetry write failed", "epoch", epoch, "param", p.Name, "error", err)
		}
	}
}

func (c *Controller) load(name string) error {
	snap, err := c.loader.Load(name)
	if err != nil {
		return err
	}
	if err := c.model.LoadState(snap.Params); err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	return nil
}
