package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/rand/protometa/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	// config show flags
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	configShowCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")

	configCmd.AddCommand(
		configShowCmd,
		configSchemaCmd,
		configValidateCmd,
		configPathCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for inspecting protometa configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the configuration after merging defaults, the config file and PROTOMETA_* variables",
	Example: `
# Show config in human-readable format
protometa config show

# Show config as JSON
protometa config show --json

# Show config as YAML
protometa config show --yaml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		out := cmd.OutOrStdout()
		switch {
		case asJSON:
			return writeJSON(out, cfg)
		case asYAML:
			encoder := yaml.NewEncoder(out)
			encoder.SetIndent(2)
			return encoder.Encode(cfg)
		}
		printConfig(out, cfg)
		return nil
	},
}

func printConfig(w io.Writer, cfg config.Config) {
	fmt.Fprintln(w, "Effective Configuration")
	fmt.Fprintln(w, "=======================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Training:")
	fmt.Fprintf(w, "  Meta Epochs:        %d\n", cfg.Training.MetaEpochs)
	fmt.Fprintf(w, "  Updates:            %d\n", cfg.Training.Updates)
	fmt.Fprintf(w, "  Early Stopping:     %d\n", cfg.Training.EarlyStopping)
	fmt.Fprintf(w, "  Threshold:          %g\n", cfg.Training.Threshold)
	fmt.Fprintf(w, "  Validation Samples: %d\n", cfg.Training.ValidationSamples)
	fmt.Fprintf(w, "  Seed:               %d\n", cfg.Training.Seed)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Learner:")
	fmt.Fprintf(w, "  Kind:               %s\n", cfg.Learner.Kind)
	fmt.Fprintf(w, "  Embed Dim:          %d\n", cfg.Learner.EmbedDim)
	fmt.Fprintf(w, "  Learning Rate:      %g\n", cfg.Learner.LearningRate)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Checkpoints:")
	fmt.Fprintf(w, "  Directory:          %s\n", cfg.Checkpoint.Dir)
	fmt.Fprintf(w, "  Stable:             %s\n", cfg.Checkpoint.StableName)
	if cfg.Checkpoint.Resume != "" {
		fmt.Fprintf(w, "  Resume:             %s\n", cfg.Checkpoint.Resume)
	}
	fmt.Fprintln(w)

	if cfg.Data.Train != "" || cfg.Data.Validation != "" || cfg.Data.Test != "" {
		fmt.Fprintln(w, "Data:")
		fmt.Fprintf(w, "  Train:              %s\n", cfg.Data.Train)
		fmt.Fprintf(w, "  Validation:         %s\n", cfg.Data.Validation)
		fmt.Fprintf(w, "  Test:               %s\n", cfg.Data.Test)
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Telemetry database:   %s\n", cfg.Telemetry.Database)
	fmt.Fprintf(w, "Log level:            %s\n", cfg.Log.Level)
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON schema",
	Example: `
# Write the schema next to the config for editor completion
protometa config schema > protometa.schema.json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check the configuration for errors and warnings",
	Example: `
# Validate configuration
protometa config validate
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		out := cmd.OutOrStdout()

		cfg, err := loadConfig(path)
		if err != nil {
			fmt.Fprintf(out, "✗ Configuration error: %v\n", err)
			return err
		}

		warnings := configWarnings(cfg)
		if len(warnings) > 0 {
			fmt.Fprintln(out, "Warnings:")
			for _, w := range warnings {
				fmt.Fprintf(out, "  ⚠ %s\n", w)
			}
			fmt.Fprintln(out, "\n✓ Configuration is valid with warnings")
			return nil
		}
		fmt.Fprintln(out, "✓ Configuration is valid")
		return nil
	},
}

// configWarnings reports settings that are valid but will make a command
// fail or behave unexpectedly.
func configWarnings(cfg config.Config) []string {
	var warnings []string
	if cfg.Data.Train == "" {
		warnings = append(warnings, "data.train is not set; train needs --train")
	}
	if cfg.Data.Validation == "" {
		warnings = append(warnings, "data.validation is not set; train needs --val")
	}
	if cfg.Data.Test == "" {
		warnings = append(warnings, "data.test is not set; test and evaluate need --data")
	}
	if cfg.Telemetry.Database == "" {
		warnings = append(warnings, "telemetry.database is empty; runs are not recorded")
	}
	if _, err := os.Stat(cfg.Checkpoint.Dir); os.IsNotExist(err) {
		warnings = append(warnings, fmt.Sprintf("Checkpoint directory does not exist: %s (will be created)", cfg.Checkpoint.Dir))
	}
	return warnings
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file paths",
	Long:  "Display which configuration and dotenv files are loaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = DefaultConfigFile
		}
		envFile, _ := cmd.Flags().GetString("env-file")
		if envFile == "" {
			envFile = ".env"
		}

		out := cmd.OutOrStdout()
		for _, p := range []struct{ name, path string }{
			{"Config file", path},
			{"Dotenv file", envFile},
		} {
			status := "✗"
			if _, err := os.Stat(p.path); err == nil {
				status = "✓"
			}
			fmt.Fprintf(out, "  %s %s\n    %s\n", status, p.name, p.path)
		}
		fmt.Fprintf(out, "\nEnvironment overrides use the %s prefix.\n", config.EnvPrefix)
		return nil
	},
}
