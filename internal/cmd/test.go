package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rand/protometa/internal/checkpoint"
	"github.com/rand/protometa/internal/config"
	"github.com/rand/protometa/internal/episode"
	"github.com/rand/protometa/internal/training"
	"github.com/spf13/cobra"
)

func init() {
	testCmd.Flags().String("data", "", "Test episodes glob (overrides data.test)")
	testCmd.Flags().String("checkpoint", "", "Checkpoint restored before testing (default: checkpoint.stable_name)")
	testCmd.Flags().BoolP("json", "j", false, "Output the summary as JSON")

	evaluateCmd.Flags().String("data", "", "Test episodes glob (overrides data.test)")
	evaluateCmd.Flags().String("checkpoint", "", "Checkpoint loaded before evaluating (default: untrained weights)")
	evaluateCmd.Flags().BoolP("json", "j", false, "Output the summary as JSON")
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test episode by episode",
	Long: `Restore the stable checkpoint, score every test episode on its own and
average the per-episode accuracy, precision, recall and F1.`,
	Example: `
# Test the stable checkpoint on data.test
protometa test

# Test a training checkpoint
protometa test --checkpoint ProtoNet-2026-10-18_09-30-00.000000
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvalCommand(cmd, true)
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score all test episodes together",
	Long: `Score every test episode, then compute accuracy, precision, recall and F1
once over the pooled predictions and labels.`,
	Example: `
# Evaluate a training checkpoint over pooled predictions
protometa evaluate --checkpoint ProtoNet-2026-10-18_09-30-00.000000 --data 'data/test/*.jsonl'
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvalCommand(cmd, false)
	},
}

func runEvalCommand(cmd *cobra.Command, perEpisode bool) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	name, _ := cmd.Flags().GetString("checkpoint")

	s, err := setup(cmd, func(c *config.Config) {
		if v, _ := cmd.Flags().GetString("data"); v != "" {
			c.Data.Test = v
		}
	})
	if err != nil {
		return err
	}
	defer s.Close()

	sum, err := runEvaluate(cmd.Context(), s.cfg, s.logger, perEpisode, name)
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(cmd.OutOrStdout(), sum)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(sum))
	return nil
}

// runEvaluate scores the data.test episodes. Per-episode mode restores
// name, or the stable checkpoint when name is empty. Aggregate mode loads
// name only when it is set.
func runEvaluate(ctx context.Context, cfg config.Config, logger *slog.Logger, perEpisode bool, name string) (training.Summary, error) {
	if cfg.Data.Test == "" {
		return training.Summary{}, fmt.Errorf("%w: data.test is required", training.ErrConfiguration)
	}
	episodes, err := episode.Glob(cfg.Data.Test, episode.WithSplit(cfg.Data.Shots, cfg.Data.Queries))
	if err != nil {
		return training.Summary{}, fmt.Errorf("load test episodes: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.StoreOptions(logger))
	if err != nil {
		return training.Summary{}, err
	}
	defer store.Close()

	if perEpisode && name == "" {
		name = cfg.Checkpoint.StableName
	}
	var restore []string
	if name != "" {
		restore = append(restore, name)
	}
	model, err := newModel(cfg, logger, store, episodes, restore...)
	if err != nil {
		return training.Summary{}, err
	}

	ecfg := training.EvaluatorConfig{Logger: logger}
	if perEpisode {
		ecfg.Loader = store
		ecfg.StableName = name
	} else if name != "" {
		snap, err := store.Load(name)
		if err != nil {
			return training.Summary{}, err
		}
		if err := model.LoadState(snap.Params); err != nil {
			return training.Summary{}, fmt.Errorf("restore %s: %w", name, err)
		}
		logger.Info("checkpoint restored", "name", name)
	}

	ev, err := training.NewEvaluator(model, nil, ecfg)
	if err != nil {
		return training.Summary{}, err
	}
	return ev.Evaluate(ctx, episodes, cfg.Training.Updates, perEpisode)
}
