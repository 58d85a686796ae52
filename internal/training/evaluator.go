package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rand/protometa/internal/checkpoint"
	"github.com/rand/protometa/internal/episode"
	"github.com/rand/protometa/internal/learner"
	"github.com/rand/protometa/internal/metrics"
	"golang.org/x/time/rate"
)

// EvalMode selects how Evaluator reduces episode results.
type EvalMode string

const (
	// EvalAggregate flattens predictions across episodes and scores once.
	EvalAggregate EvalMode = "aggregate"
	// EvalEpisodic averages per-episode scores.
	EvalEpisodic EvalMode = "episodic"
)

// Summary is an evaluation result.
type Summary struct {
	Mode      EvalMode `json:"mode"`
	Episodes  int      `json:"episodes"`
	Loss      float64  `json:"loss"`
	Accuracy  float64  `json:"accuracy"`
	Precision float64  `json:"precision"`
	Recall    float64  `json:"recall"`
	F1        float64  `json:"f1"`
}

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	// Loader restores the stable checkpoint for episodic testing.
	Loader checkpoint.Loader

	// StableName is the checkpoint restored before episodic testing.
	// Empty disables the restore.
	StableName string

	// ProgressInterval throttles progress log lines.
	ProgressInterval time.Duration

	Logger *slog.Logger
}

// Evaluator runs a learner in testing mode over episodes.
type Evaluator struct {
	learner  learner.Learner
	agg      *metrics.Aggregator
	cfg      EvaluatorConfig
	logger   *slog.Logger
	progress *rate.Sometimes
}

// NewEvaluator creates an evaluator; a nil scorer selects metrics.TagScorer.
func NewEvaluator(l learner.Learner, scorer metrics.Scorer, cfg EvaluatorConfig) (*Evaluator, error) {
	if l == nil {
		return nil, configErr("learner is required")
	}
	if cfg.StableName != "" {
		if cfg.Loader == nil {
			return nil, configErr("checkpoint loader is required to restore %s", cfg.StableName)
		}
		if _, ok := l.(learner.Stateful); !ok {
			return nil, configErr("learner cannot restore checkpoint %s", cfg.StableName)
		}
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Evaluator{
		learner:  l,
		agg:      metrics.NewAggregator(scorer),
		cfg:      cfg,
		logger:   cfg.Logger,
		progress: &rate.Sometimes{First: 1, Interval: cfg.ProgressInterval},
	}, nil
}

// Evaluate dispatches on perEpisode.
func (e *Evaluator) Evaluate(ctx context.Context, episodes []*episode.Episode, updates int, perEpisode bool) (Summary, error) {
	if perEpisode {
		return e.Episodic(ctx, episodes, updates)
	}
	return e.Aggregate(ctx, episodes, updates)
}

// Aggregate calls the learner once per episode, flattens every prediction
// and label, and scores them once against the last episode's tags.
func (e *Evaluator) Aggregate(ctx context.Context, episodes []*episode.Episode, updates int) (Summary, error) {
	if len(episodes) == 0 {
		return Summary{}, configErr("no test episodes")
	}

	var all learner.BatchResult
	for i, ep := range episodes {
		res, err := e.call(ctx, ep, updates)
		if err != nil {
			return Summary{}, err
		}
		all.Append(res)
		e.report(EvalAggregate, i+1, len(episodes))
	}

	loss, err := metrics.Mean(all.Losses)
	if err != nil {
		return Summary{}, phaseErr(0, PhaseTest, fmt.Errorf("loss: %w", err))
	}
	s, err := e.agg.ScoreSequences(all.Predictions, all.Labels, episodes[len(episodes)-1].Tags(), false)
	if err != nil {
		return Summary{}, phaseErr(0, PhaseTest, err)
	}

	sum := Summary{
		Mode:      EvalAggregate,
		Episodes:  len(episodes),
		Loss:      loss,
		Accuracy:  s.Accuracy,
		Precision: s.Precision,
		Recall:    s.Recall,
		F1:        s.F1,
	}
	e.log(sum)
	return sum, nil
}

// Episodic restores the stable checkpoint, scores each episode on its own
// and averages the per-episode results.
func (e *Evaluator) Episodic(ctx context.Context, episodes []*episode.Episode, updates int) (Summary, error) {
	if len(episodes) == 0 {
		return Summary{}, configErr("no test episodes")
	}
	if err := e.restoreStable(); err != nil {
		return Summary{}, phaseErr(0, PhaseRestore, err)
	}

	var all learner.BatchResult
	for i, ep := range episodes {
		res, err := e.call(ctx, ep, updates)
		if err != nil {
			return Summary{}, err
		}
		if res.Len() != 1 {
			return Summary{}, phaseErr(0, PhaseTest, fmt.Errorf("%w: episode %s returned %d results", learner.ErrMalformedResult, ep.ID(), res.Len()))
		}
		all.Append(res)
		e.report(EvalEpisodic, i+1, len(episodes))
	}

	m, err := metrics.MeanAll(all)
	if err != nil {
		return Summary{}, phaseErr(0, PhaseTest, err)
	}
	sum := Summary{
		Mode:      EvalEpisodic,
		Episodes:  len(episodes),
		Loss:      m.Loss,
		Accuracy:  m.Accuracy,
		Precision: m.Precision,
		Recall:    m.Recall,
		F1:        m.F1,
	}
	e.log(sum)
	return sum, nil
}

func (e *Evaluator) call(ctx context.Context, ep *episode.Episode, updates int) (learner.BatchResult, error) {
	res, err := e.learner.AdaptAndScore(ctx, []*episode.Episode{ep}, updates, learner.ModeTest)
	if err != nil {
		return learner.BatchResult{}, phaseErr(0, PhaseTest, fmt.Errorf("episode %s: %w", ep.ID(), err))
	}
	if err := res.Validate(); err != nil {
		return learner.BatchResult{}, phaseErr(0, PhaseTest, fmt.Errorf("episode %s: %w", ep.ID(), err))
	}
	return res, nil
}

func (e *Evaluator) restoreStable() error {
	if e.cfg.StableName == "" {
		return nil
	}
	snap, err := e.cfg.Loader.Load(e.cfg.StableName)
	if err != nil {
		return err
	}
	if err := e.learner.(learner.Stateful).LoadState(snap.Params); err != nil {
		return fmt.Errorf("restore %s: %w", e.cfg.StableName, err)
	}
	e.logger.Info("stable checkpoint restored", "name", e.cfg.StableName)
	return nil
}

func (e *Evaluator) report(mode EvalMode, done, total int) {
	e.progress.Do(func() {
		e.logger.Info("testing", "mode", mode, "done", done, "total", total)
	})
}

func (e *Evaluator) log(s Summary) {
	e.logger.Info("test results",
		"mode", s.Mode,
		"episodes", s.Episodes,
		"loss", s.Loss,
		"accuracy", s.Accuracy,
		"precision", s.Precision,
		"recall", s.Recall,
		"f1", s.F1,
	)
}
