package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"github.com/rand/protometa/internal/checkpoint"
	"github.com/rand/protometa/internal/config"
	"github.com/rand/protometa/internal/episode"
	"github.com/rand/protometa/internal/learner"
	"github.com/rand/protometa/internal/telemetry"
	"github.com/rand/protometa/internal/training"
	"github.com/spf13/cobra"
)

func init() {
	trainCmd.Flags().String("train", "", "Training episodes glob (overrides data.train)")
	trainCmd.Flags().String("val", "", "Validation episodes glob (overrides data.validation)")
	trainCmd.Flags().Int("epochs", 0, "Maximum meta-epochs (overrides training.meta_epochs)")
	trainCmd.Flags().String("resume", "", "Checkpoint restored before the first epoch")
	trainCmd.Flags().Bool("restore-best", false, "Reload the best checkpoint when training ends")
	trainCmd.Flags().BoolP("json", "j", false, "Output the report as JSON")
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Meta-train on episodes",
	Long: `Meta-train the prototype learner. Each meta-epoch adapts on every training
episode, scores a fresh sample of validation episodes and saves a checkpoint
whenever validation F1 improves. Training stops early once F1 has not improved
for training.early_stopping consecutive epochs.`,
	Example: `
# Train with paths from protometa.yaml
protometa train

# Train on explicit globs for at most 10 epochs
protometa train --train 'data/train/**/*.jsonl' --val 'data/val/*.jsonl' --epochs 10

# Continue from the stable supervised checkpoint
protometa train --resume Supervised-stable
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		s, err := setup(cmd, func(c *config.Config) {
			if v, _ := cmd.Flags().GetString("train"); v != "" {
				c.Data.Train = v
			}
			if v, _ := cmd.Flags().GetString("val"); v != "" {
				c.Data.Validation = v
			}
			if v, _ := cmd.Flags().GetInt("epochs"); v > 0 {
				c.Training.MetaEpochs = v
			}
			if v, _ := cmd.Flags().GetString("resume"); v != "" {
				c.Checkpoint.Resume = v
			}
			if v, _ := cmd.Flags().GetBool("restore-best"); v {
				c.Training.RestoreBest = true
			}
		})
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := runTrain(cmd.Context(), s.cfg, s.logger)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, res.Report)
		}
		fmt.Fprintln(out, renderTrainReport(res))
		return nil
	},
}

// trainResult is a finished training run plus its validation history.
type trainResult struct {
	Report  training.Report
	RunID   string
	History []telemetry.Point
}

// runTrain wires episodes, the learner, the checkpoint store and telemetry
// into a controller and runs it.
func runTrain(ctx context.Context, cfg config.Config, logger *slog.Logger) (trainResult, error) {
	if cfg.Data.Train == "" || cfg.Data.Validation == "" {
		return trainResult{}, fmt.Errorf("%w: data.train and data.validation are required", training.ErrConfiguration)
	}
	split := episode.WithSplit(cfg.Data.Shots, cfg.Data.Queries)
	train, err := episode.Glob(cfg.Data.Train, split)
	if err != nil {
		return trainResult{}, fmt.Errorf("load training episodes: %w", err)
	}
	val, err := episode.Glob(cfg.Data.Validation, split)
	if err != nil {
		return trainResult{}, fmt.Errorf("load validation episodes: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.StoreOptions(logger))
	if err != nil {
		return trainResult{}, err
	}
	defer store.Close()

	var restoreFrom []string
	if cfg.Checkpoint.Resume != "" {
		restoreFrom = append(restoreFrom, cfg.Checkpoint.Resume)
	}
	model, err := newModel(cfg, logger, store, slices.Concat(train, val), restoreFrom...)
	if err != nil {
		return trainResult{}, err
	}

	stamp := training.Stamp(time.Now())
	name := checkpoint.RunName(cfg.Training.Family, stamp)

	history := telemetry.NewMemory()
	sinks := []telemetry.Sink{telemetry.NewLogSink(logger), history}

	var run *telemetry.RunSink
	if cfg.Telemetry.Database != "" {
		db, err := telemetry.Open(ctx, telemetry.DBOptions{Path: cfg.Telemetry.Database, Logger: logger})
		if err != nil {
			return trainResult{}, err
		}
		defer db.Close()
		if run, err = db.StartRun(ctx, name, stamp); err != nil {
			return trainResult{}, err
		}
		sinks = append(sinks, run)
	}

	opts := []training.Option{
		training.WithLogger(logger),
		training.WithStamp(stamp),
		training.WithFamily(cfg.Training.Family),
	}
	if cfg.Checkpoint.Resume != "" {
		opts = append(opts, training.WithInitialCheckpoint(store, cfg.Checkpoint.Resume))
	}
	if cfg.Training.RestoreBest {
		opts = append(opts, training.WithRestoreBest(store))
	}

	ctrl, err := training.NewController(cfg.Stopping(), model, nil, store,
		telemetry.Multi(sinks...), rand.New(rand.NewSource(cfg.Training.Seed)), opts...)
	if err != nil {
		return trainResult{}, err
	}

	report, runErr := ctrl.Run(ctx, train, val)

	res := trainResult{
		Report:  report,
		History: history.Scalars(telemetry.Key(telemetry.MetricF1, telemetry.PhaseVal)),
	}
	if run != nil {
		res.RunID = run.ID()
		err := run.Finish(context.WithoutCancel(ctx), telemetry.Result{
			Outcome:  string(report.Outcome),
			Epochs:   report.Epochs,
			BestF1:   report.BestF1,
			BestLoss: report.BestLoss,
			Err:      runErr,
		})
		if err != nil {
			logger.Warn("telemetry run not finalized", "run_id", run.ID(), "error", err)
		}
	}
	return res, runErr
}

// newModel builds the reference learner. Its embedding table covers every
// token in episodes and every row of the named checkpoints that exist.
func newModel(cfg config.Config, logger *slog.Logger, store checkpoint.Loader, episodes []*episode.Episode, checkpoints ...string) (*learner.Prototype, error) {
	vocab := episode.MaxToken(episodes) + 1
	for _, name := range checkpoints {
		snap, err := store.Load(name)
		if err != nil {
			continue
		}
		if rows := len(snap.Params[learner.ParamEmbedding]) / cfg.Learner.EmbedDim; rows > vocab {
			vocab = rows
		}
	}
	if vocab <= 0 {
		return nil, fmt.Errorf("%w: episodes contain no tokens", training.ErrConfiguration)
	}

	lc, err := cfg.LearnerOptions(vocab, logger)
	if err != nil {
		return nil, err
	}
	return learner.New(lc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
