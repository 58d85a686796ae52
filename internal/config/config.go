// Package config loads the protometa run configuration from YAML, the
// environment and defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"charm.land/log/v2"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"github.com/rand/protometa/internal/checkpoint"
	"github.com/rand/protometa/internal/learner"
	"github.com/rand/protometa/internal/training"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROTOMETA_"

// Config is the full run configuration. It is not mutated after Load.
type Config struct {
	Training   TrainingConfig   `json:"training" yaml:"training" jsonschema:"description=Meta-training loop and early stopping"`
	Learner    LearnerConfig    `json:"learner" yaml:"learner" jsonschema:"description=Reference prototype learner"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint" jsonschema:"description=Checkpoint storage"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry" jsonschema:"description=Telemetry persistence"`
	Data       DataConfig       `json:"data" yaml:"data" jsonschema:"description=Episode files"`
	Log        LogConfig        `json:"log" yaml:"log" jsonschema:"description=Logging"`
}

// TrainingConfig configures the meta-epoch loop.
type TrainingConfig struct {
	// MetaEpochs is the maximum number of meta-epochs.
	MetaEpochs int `json:"meta_epochs" yaml:"meta_epochs" jsonschema:"description=Maximum meta-epochs,minimum=1,default=50"`

	// Updates is the number of inner adaptation steps per episode.
	Updates int `json:"updates" yaml:"updates" jsonschema:"description=Inner adaptation steps per episode,minimum=0,default=5"`

	// EarlyStopping is the patience limit.
	EarlyStopping int `json:"early_stopping" yaml:"early_stopping" jsonschema:"description=Non-improving epochs before stopping,minimum=1,default=5"`

	// Threshold is the improvement margin on validation F1.
	Threshold float64 `json:"threshold" yaml:"threshold" jsonschema:"description=Validation F1 improvement margin,minimum=0,default=0.001"`

	// ValidationSamples is the number of validation episodes drawn per epoch.
	ValidationSamples int `json:"validation_samples" yaml:"validation_samples" jsonschema:"description=Validation episodes sampled per epoch,minimum=1,default=200"`

	// Seed seeds validation sampling.
	Seed int64 `json:"seed" yaml:"seed" jsonschema:"description=Seed for validation sampling,default=1025"`

	// Family prefixes checkpoint names.
	Family string `json:"family" yaml:"family" jsonschema:"description=Checkpoint name prefix,default=ProtoNet"`

	// RestoreBest reloads the best checkpoint after training.
	RestoreBest bool `json:"restore_best,omitempty" yaml:"restore_best,omitempty" jsonschema:"description=Reload the best checkpoint when training ends,default=false"`
}

// LearnerConfig configures the reference learner.
type LearnerConfig struct {
	Kind         string  `json:"kind" yaml:"kind" jsonschema:"description=Pooling encoder,enum=mean,enum=max,default=mean"`
	EmbedDim     int     `json:"embed_dim" yaml:"embed_dim" jsonschema:"description=Embedding width,minimum=1,default=64"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" jsonschema:"description=Inner update step size,default=0.1"`
	Seed         int64   `json:"seed" yaml:"seed" jsonschema:"description=Seed for embedding initialization,default=1025"`

	// Workers bounds parallel episode scoring; zero uses every CPU.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty" jsonschema:"description=Parallel scoring workers (0 for all CPUs),minimum=0"`
}

// CheckpointConfig configures checkpoint storage.
type CheckpointConfig struct {
	Dir        string `json:"dir" yaml:"dir" jsonschema:"description=Checkpoint directory,default=saved_models"`
	StableName string `json:"stable_name" yaml:"stable_name" jsonschema:"description=Checkpoint restored before episodic testing,default=Supervised-stable"`

	// Resume names a checkpoint restored before the first epoch.
	Resume string `json:"resume,omitempty" yaml:"resume,omitempty" jsonschema:"description=Checkpoint restored before training,example=Supervised-stable"`
}

// TelemetryConfig configures telemetry persistence.
type TelemetryConfig struct {
	// Database is the SQLite file runs are recorded in. Empty disables it.
	Database string `json:"database" yaml:"database" jsonschema:"description=SQLite telemetry database (empty disables),default=runs/telemetry.db"`
}

// DataConfig locates episode files.
type DataConfig struct {
	Train      string `json:"train,omitempty" yaml:"train,omitempty" jsonschema:"description=Training episodes glob,example=data/train/**/*.jsonl"`
	Validation string `json:"validation,omitempty" yaml:"validation,omitempty" jsonschema:"description=Validation episodes glob"`
	Test       string `json:"test,omitempty" yaml:"test,omitempty" jsonschema:"description=Test episodes glob"`

	// Shots and Queries split flat item lists into episodes.
	Shots   int `json:"shots" yaml:"shots" jsonschema:"description=Support items per label,minimum=1,default=10"`
	Queries int `json:"queries" yaml:"queries" jsonschema:"description=Query items per label,minimum=1,default=10"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `json:"level" yaml:"level" jsonschema:"description=Log level,enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// File tees logs to a rotated file when set.
	File       string `json:"file,omitempty" yaml:"file,omitempty" jsonschema:"description=Rotated log file"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty" jsonschema:"description=Rotate after this many megabytes,default=50"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty" jsonschema:"description=Rotated files to keep,default=3"`
	JSON       bool   `json:"json,omitempty" yaml:"json,omitempty" jsonschema:"description=Log JSON instead of styled text"`
}

// Default returns sensible defaults.
func Default() Config {
	stop := training.DefaultStoppingConfig()
	lc := learner.DefaultConfig()
	cc := checkpoint.DefaultConfig()
	return Config{
		Training: TrainingConfig{
			MetaEpochs:        stop.MetaEpochs,
			Updates:           stop.Updates,
			EarlyStopping:     stop.EarlyStopping,
			Threshold:         stop.Threshold,
			ValidationSamples: stop.ValidationSamples,
			Seed:              1025,
			Family:            cc.Family,
		},
		Learner: LearnerConfig{
			Kind:         lc.Kind.String(),
			EmbedDim:     lc.EmbedDim,
			LearningRate: lc.LearningRate,
			Seed:         lc.Seed,
		},
		Checkpoint: CheckpointConfig{
			Dir:        cc.Dir,
			StableName: cc.StableName,
		},
		Telemetry: TelemetryConfig{
			Database: "runs/telemetry.db",
		},
		Data: DataConfig{
			Shots:   10,
			Queries: 10,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads each existing file into the process environment.
// Variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

var envVars = []envVar{
	{"META_EPOCHS", intVar(func(c *Config) *int { return &c.Training.MetaEpochs })},
	{"UPDATES", intVar(func(c *Config) *int { return &c.Training.Updates })},
	{"EARLY_STOPPING", intVar(func(c *Config) *int { return &c.Training.EarlyStopping })},
	{"VALIDATION_SAMPLES", intVar(func(c *Config) *int { return &c.Training.ValidationSamples })},
	{"THRESHOLD", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.Training.Threshold = f
		return nil
	}},
	{"SEED", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Training.Seed = n
		return nil
	}},
	{"SHOTS", intVar(func(c *Config) *int { return &c.Data.Shots })},
	{"QUERIES", intVar(func(c *Config) *int { return &c.Data.Queries })},
	{"LEARNER_KIND", stringVar(func(c *Config) *string { return &c.Learner.Kind })},
	{"CHECKPOINT_DIR", stringVar(func(c *Config) *string { return &c.Checkpoint.Dir })},
	{"TELEMETRY_DB", stringVar(func(c *Config) *string { return &c.Telemetry.Database })},
	{"DATA_TRAIN", stringVar(func(c *Config) *string { return &c.Data.Train })},
	{"DATA_VALIDATION", stringVar(func(c *Config) *string { return &c.Data.Validation })},
	{"DATA_TEST", stringVar(func(c *Config) *string { return &c.Data.Test })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FILE", stringVar(func(c *Config) *string { return &c.Log.File })},
}

// ApplyEnv applies PROTOMETA_* overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, ev.name, err)
		}
	}
	return nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if err := c.Stopping().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Training.Family == "" {
		errs = append(errs, errors.New("training.family is required"))
	}
	if _, err := learner.ParseKind(c.Learner.Kind); err != nil {
		errs = append(errs, fmt.Errorf("learner.kind: %w", err))
	}
	if c.Learner.EmbedDim <= 0 {
		errs = append(errs, fmt.Errorf("learner.embed_dim must be positive (got %d)", c.Learner.EmbedDim))
	}
	if c.Learner.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learner.learning_rate must be positive (got %g)", c.Learner.LearningRate))
	}
	if c.Learner.Workers < 0 {
		errs = append(errs, fmt.Errorf("learner.workers must not be negative (got %d)", c.Learner.Workers))
	}
	if c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir is required"))
	}
	if c.Checkpoint.StableName == "" {
		errs = append(errs, errors.New("checkpoint.stable_name is required"))
	}
	if c.Data.Shots <= 0 || c.Data.Queries <= 0 {
		errs = append(errs, fmt.Errorf("data.shots and data.queries must be positive (got %d, %d)", c.Data.Shots, c.Data.Queries))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Stopping returns the training loop configuration.
func (c Config) Stopping() training.StoppingConfig {
	return training.StoppingConfig{
		MetaEpochs:        c.Training.MetaEpochs,
		Updates:           c.Training.Updates,
		EarlyStopping:     c.Training.EarlyStopping,
		Threshold:         c.Training.Threshold,
		ValidationSamples: c.Training.ValidationSamples,
	}
}

// LearnerOptions returns the reference learner configuration for a
// vocabulary of vocabSize tokens.
func (c Config) LearnerOptions(vocabSize int, logger *slog.Logger) (learner.Config, error) {
	kind, err := learner.ParseKind(c.Learner.Kind)
	if err != nil {
		return learner.Config{}, err
	}
	lc := learner.DefaultConfig()
	lc.Kind = kind
	lc.VocabSize = vocabSize
	lc.EmbedDim = c.Learner.EmbedDim
	lc.LearningRate = c.Learner.LearningRate
	lc.Seed = c.Learner.Seed
	if c.Learner.Workers > 0 {
		lc.Workers = c.Learner.Workers
	}
	lc.Logger = logger
	return lc, nil
}

// StoreOptions returns the checkpoint store configuration.
func (c Config) StoreOptions(logger *slog.Logger) checkpoint.Config {
	return checkpoint.Config{
		Dir:        c.Checkpoint.Dir,
		Family:     c.Training.Family,
		StableName: c.Checkpoint.StableName,
		Logger:     logger,
	}
}

// Schema returns the JSON schema of Config.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{}
	s := r.Reflect(&Config{})
	s.Title = "protometa configuration"
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}
