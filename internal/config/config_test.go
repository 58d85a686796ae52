package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rand/protometa/internal/learner"
	"github.com/rand/protometa/internal/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Training defaults
	assert.Equal(t, 50, cfg.Training.MetaEpochs)
	assert.Equal(t, 5, cfg.Training.Updates)
	assert.Equal(t, 5, cfg.Training.EarlyStopping)
	assert.Equal(t, 1e-3, cfg.Training.Threshold)
	assert.Equal(t, 200, cfg.Training.ValidationSamples)
	assert.Equal(t, "ProtoNet", cfg.Training.Family)
	assert.False(t, cfg.Training.RestoreBest)

	// Storage defaults
	assert.Equal(t, "saved_models", cfg.Checkpoint.Dir)
	assert.Equal(t, "Supervised-stable", cfg.Checkpoint.StableName)
	assert.Equal(t, "runs/telemetry.db", cfg.Telemetry.Database)

	assert.Equal(t, "mean", cfg.Learner.Kind)
	assert.Equal(t, 10, cfg.Data.Shots)
	assert.Equal(t, "info", cfg.Log.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protometa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
training:
  meta_epochs: 4
  threshold: 0.01
learner:
  kind: max
data:
  train: data/train/*.jsonl
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Training.MetaEpochs)
	assert.Equal(t, 0.01, cfg.Training.Threshold)
	assert.Equal(t, "max", cfg.Learner.Kind)
	assert.Equal(t, "data/train/*.jsonl", cfg.Data.Train)

	// Untouched fields keep their defaults.
	assert.Equal(t, 5, cfg.Training.EarlyStopping)
	assert.Equal(t, "saved_models", cfg.Checkpoint.Dir)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("training: [1, 2"), 0o644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parse config")

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("training:\n  meta_epochs: 0\n"), 0o644))
	_, err = Load(invalid)
	assert.ErrorIs(t, err, training.ErrConfiguration)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protometa.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training:\n  meta_epochs: 4\n"), 0o644))
	t.Setenv("PROTOMETA_META_EPOCHS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Training.MetaEpochs)
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"PROTOMETA_META_EPOCHS":        "12",
		"PROTOMETA_UPDATES":            " 3 ",
		"PROTOMETA_THRESHOLD":          "0.05",
		"PROTOMETA_SEED":               "7",
		"PROTOMETA_VALIDATION_SAMPLES": "20",
		"PROTOMETA_LEARNER_KIND":       "max",
		"PROTOMETA_CHECKPOINT_DIR":     "/tmp/ckpt",
		"PROTOMETA_TELEMETRY_DB":       "",
		"PROTOMETA_DATA_TEST":          "data/test/*.jsonl",
		"PROTOMETA_SHOTS":              "4",
		"PROTOMETA_QUERIES":            "6",
		"PROTOMETA_LOG_LEVEL":          "debug",
		"OTHER_META_EPOCHS":            "99",
	}))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Training.MetaEpochs)
	assert.Equal(t, 3, cfg.Training.Updates)
	assert.Equal(t, 0.05, cfg.Training.Threshold)
	assert.Equal(t, int64(7), cfg.Training.Seed)
	assert.Equal(t, 20, cfg.Training.ValidationSamples)
	assert.Equal(t, "max", cfg.Learner.Kind)
	assert.Equal(t, "/tmp/ckpt", cfg.Checkpoint.Dir)
	assert.Empty(t, cfg.Telemetry.Database, "empty value disables telemetry persistence")
	assert.Equal(t, "data/test/*.jsonl", cfg.Data.Test)
	assert.Equal(t, 4, cfg.Data.Shots)
	assert.Equal(t, 6, cfg.Data.Queries)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnv_BadValues(t *testing.T) {
	for _, name := range []string{"PROTOMETA_META_EPOCHS", "PROTOMETA_THRESHOLD", "PROTOMETA_SEED", "PROTOMETA_SHOTS", "PROTOMETA_QUERIES"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(lookupFrom(map[string]string{name: "lots"}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"meta epochs", func(c *Config) { c.Training.MetaEpochs = 0 }, "meta epochs"},
		{"negative threshold", func(c *Config) { c.Training.Threshold = -1 }, "threshold"},
		{"family", func(c *Config) { c.Training.Family = "" }, "training.family"},
		{"kind", func(c *Config) { c.Learner.Kind = "transformer" }, "learner.kind"},
		{"embed dim", func(c *Config) { c.Learner.EmbedDim = 0 }, "learner.embed_dim"},
		{"learning rate", func(c *Config) { c.Learner.LearningRate = 0 }, "learner.learning_rate"},
		{"workers", func(c *Config) { c.Learner.Workers = -2 }, "learner.workers"},
		{"checkpoint dir", func(c *Config) { c.Checkpoint.Dir = "" }, "checkpoint.dir"},
		{"stable name", func(c *Config) { c.Checkpoint.StableName = "" }, "checkpoint.stable_name"},
		{"shots", func(c *Config) { c.Data.Queries = 0 }, "data.shots"},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.Training.Family = ""
	cfg.Checkpoint.Dir = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training.family")
	assert.Contains(t, err.Error(), "checkpoint.dir")
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Learner.Kind = "max"
	cfg.Learner.Workers = 3
	cfg.Training.Family = "Proto"

	stop := cfg.Stopping()
	assert.Equal(t, training.DefaultStoppingConfig(), stop)

	lc, err := cfg.LearnerOptions(17, nil)
	require.NoError(t, err)
	assert.Equal(t, learner.KindMaxPool, lc.Kind)
	assert.Equal(t, 17, lc.VocabSize)
	assert.Equal(t, 3, lc.Workers)
	assert.Equal(t, cfg.Learner.EmbedDim, lc.EmbedDim)

	cc := cfg.StoreOptions(nil)
	assert.Equal(t, "saved_models", cc.Dir)
	assert.Equal(t, "Proto", cc.Family)
	assert.Equal(t, "Supervised-stable", cc.StableName)

	cfg.Learner.Kind = "bogus"
	_, err = cfg.LearnerOptions(17, nil)
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "protometa configuration")
	assert.Contains(t, s, "meta_epochs")
	assert.Contains(t, s, "validation_samples")
	assert.Contains(t, s, "stable_name")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PROTOMETA_DOTENV_CHECK=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("PROTOMETA_DOTENV_CHECK") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env"), path))
	assert.Equal(t, "loaded", os.Getenv("PROTOMETA_DOTENV_CHECK"))
}
