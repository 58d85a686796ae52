package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rand/protometa/internal/checkpoint"
	"github.com/rand/protometa/internal/config"
	"github.com/rand/protometa/internal/telemetry"
	"github.com/spf13/cobra"
)

func init() {
	runsCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs")
	runsCmd.Flags().BoolP("checkpoints", "k", false, "Also list saved checkpoints")
	runsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List training runs",
	Long:  "List recorded training runs, most recent first, with their outcome and best validation F1",
	Example: `
# Show the last 20 runs
protometa runs

# Show runs and saved checkpoints as JSON
protometa runs -k -j
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		withCheckpoints, _ := cmd.Flags().GetBool("checkpoints")
		asJSON, _ := cmd.Flags().GetBool("json")

		s, err := setup(cmd, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		listing, err := listRuns(cmd.Context(), s.cfg, s.logger, limit, withCheckpoints)
		if err != nil {
			return err
		}

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), listing)
		}
		printRuns(cmd.OutOrStdout(), listing)
		return nil
	},
}

// runListing is the output of the runs command.
type runListing struct {
	Runs        []telemetry.Run `json:"runs"`
	Checkpoints []string        `json:"checkpoints,omitempty"`
	Summaries   []string        `json:"-"`
}

func listRuns(ctx context.Context, cfg config.Config, logger *slog.Logger, limit int, withCheckpoints bool) (runListing, error) {
	var listing runListing
	if cfg.Telemetry.Database == "" {
		return listing, errors.New("telemetry.database is not configured")
	}

	db, err := telemetry.Open(ctx, telemetry.DBOptions{Path: cfg.Telemetry.Database, Logger: logger})
	if err != nil {
		return listing, err
	}
	defer db.Close()

	if listing.Runs, err = db.Runs(ctx, limit); err != nil {
		return listing, err
	}

	if !withCheckpoints {
		return listing, nil
	}
	store, err := checkpoint.NewStore(cfg.StoreOptions(logger))
	if err != nil {
		return listing, err
	}
	defer store.Close()

	names, err := store.List()
	if err != nil {
		return listing, err
	}
	listing.Checkpoints = append([]string{}, names...)
	for _, name := range listing.Checkpoints {
		snap, err := store.Load(name)
		if err != nil {
			listing.Summaries = append(listing.Summaries, fmt.Sprintf("%s | unreadable: %v", name, err))
			continue
		}
		listing.Summaries = append(listing.Summaries, snap.Summary())
	}
	return listing, nil
}

func printRuns(w io.Writer, l runListing) {
	if len(l.Runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
	} else {
		fmt.Fprintln(w, renderRuns(l.Runs))
	}

	if l.Checkpoints == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Checkpoints:")
	if len(l.Summaries) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, s := range l.Summaries {
		fmt.Fprintf(w, "  %s\n", s)
	}
}
