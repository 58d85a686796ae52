// Package cmd implements the protometa command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/rand/protometa/internal/config"
	"github.com/rand/protometa/internal/logging"
	"github.com/spf13/cobra"
)

// DefaultConfigFile is read when --config is not given and it exists.
const DefaultConfigFile = "protometa.yaml"

// Version is set at build time.
var Version = "dev"

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: ./protometa.yaml if present)")
	rootCmd.PersistentFlags().StringP("env-file", "e", "", "Dotenv file (default: ./.env if present)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")

	rootCmd.AddCommand(
		trainCmd,
		testCmd,
		evaluateCmd,
		runsCmd,
		configCmd,
	)
}

var rootCmd = &cobra.Command{
	Use:   "protometa",
	Short: "Episodic few-shot meta-training",
	Long: `Meta-train a prototype learner on few-shot episodes, checkpoint the best
validation F1 and evaluate saved checkpoints episode by episode.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if envFile != "" {
			return config.LoadDotEnv(envFile)
		}
		return config.LoadDotEnv()
	},
}

// Execute runs the root command until ctx is cancelled.
func Execute(ctx context.Context) error {
	return fang.Execute(ctx, rootCmd, fang.WithVersion(Version))
}

// session is the per-command environment built from flags and config.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
}

func (s *session) Close() error {
	return s.closer.Close()
}

// setup loads the configuration and installs the process logger.
func setup(cmd *cobra.Command, override func(*config.Config)) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if override != nil {
		override(&cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Writer:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &session{cfg: cfg, logger: logger, closer: closer}, nil
}

// loadConfig loads path, or DefaultConfigFile when path is empty and the
// file exists.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		} else if !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("stat %s: %w", DefaultConfigFile, err)
		}
	}
	return config.Load(path)
}
