package training

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDefaultStoppingConfig(t *testing.T) {
	cfg := DefaultStoppingConfig()
	assert.Equal(t, 50, cfg.MetaEpochs)
	assert.Equal(t, 5, cfg.Updates)
	assert.Equal(t, 5, cfg.EarlyStopping)
	assert.Equal(t, 1e-3, cfg.Threshold)
	assert.Equal(t, 200, cfg.ValidationSamples)
	assert.NoError(t, cfg.Validate())
}

func TestStoppingConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*StoppingConfig)
	}{
		{"zero epochs", func(c *StoppingConfig) { c.MetaEpochs = 0 }},
		{"negative updates", func(c *StoppingConfig) { c.Updates = -1 }},
		{"zero early stopping", func(c *StoppingConfig) { c.EarlyStopping = 0 }},
		{"negative early stopping", func(c *StoppingConfig) { c.EarlyStopping = -2 }},
		{"negative threshold", func(c *StoppingConfig) { c.Threshold = -0.1 }},
		{"zero samples", func(c *StoppingConfig) { c.ValidationSamples = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultStoppingConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
		})
	}
}

func TestCheckpointPolicy_ImproveThenStop(t *testing.T) {
	p := CheckpointPolicy{Margin: 0.001, Limit: 3}
	var s State

	assert.Equal(t, Improved, p.Evaluate(0.40, &s))
	assert.Equal(t, Improved, p.Evaluate(0.55, &s))
	assert.Equal(t, 0, s.Patience)

	assert.Equal(t, NotImproved, p.Evaluate(0.54, &s))
	assert.Equal(t, 1, s.Patience)
	assert.Equal(t, NotImproved, p.Evaluate(0.53, &s))
	assert.Equal(t, 2, s.Patience)
	assert.Equal(t, Stop, p.Evaluate(0.52, &s))
	assert.Equal(t, 3, s.Patience)

	assert.Equal(t, 0.55, s.BestF1)
}

func TestCheckpointPolicy_StrictMargin(t *testing.T) {
	p := CheckpointPolicy{Margin: 0.01, Limit: 5}
	s := State{BestF1: 0.5}

	assert.Equal(t, NotImproved, p.Evaluate(0.505, &s))
	assert.Equal(t, NotImproved, p.Evaluate(0.5, &s))
	assert.Equal(t, Improved, p.Evaluate(0.52, &s))
	assert.Equal(t, 0.52, s.BestF1)
	assert.Equal(t, 0, s.Patience)
}

func TestCheckpointPolicy_PatienceNeverExceedsLimit(t *testing.T) {
	p := CheckpointPolicy{Margin: 0, Limit: 1}
	s := State{BestF1: 1}
	assert.Equal(t, Stop, p.Evaluate(0, &s))
	assert.Equal(t, Stop, p.Evaluate(0, &s))
	assert.Equal(t, 1, s.Patience)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "improved", Improved.String())
	assert.Equal(t, "not_improved", NotImproved.String())
	assert.Equal(t, "stop", Stop.String())
}

func TestStamp(t *testing.T) {
	ts := time.Date(2026, 10, 18, 9, 5, 7, 123456000, time.UTC)
	assert.Equal(t, "2026-10-18_09-05-07.123456", Stamp(ts))
	assert.NotContains(t, Stamp(time.Now()), ":")
}

func TestPhaseError(t *testing.T) {
	boom := errors.New("boom")
	err := phaseErr(3, PhaseValidate, boom)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "epoch 3: validate: boom", err.Error())

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Epoch)
	assert.Equal(t, PhaseValidate, pe.Phase)

	assert.Equal(t, "restore: boom", phaseErr(0, PhaseRestore, boom).Error())
}

func TestProperty_CheckpointPolicy(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		margin := rapid.Float64Range(0, 0.1).Draw(rt, "margin")
		limit := rapid.IntRange(1, 6).Draw(rt, "limit")
		scores := rapid.SliceOfN(rapid.Float64Range(0, 1), 1, 60).Draw(rt, "scores")

		p := CheckpointPolicy{Margin: margin, Limit: limit}
		var s State
		for _, f1 := range scores {
			prevBest, prevPatience := s.BestF1, s.Patience
			d := p.Evaluate(f1, &s)

			require.GreaterOrEqual(rt, s.Patience, 0)
			require.LessOrEqual(rt, s.Patience, limit)
			require.GreaterOrEqual(rt, s.BestF1, prevBest)

			if f1 > prevBest+margin {
				require.Equal(rt, Improved, d)
				require.Equal(rt, f1, s.BestF1)
				require.Equal(rt, 0, s.Patience)
			} else {
				require.NotEqual(rt, Improved, d)
				require.Equal(rt, prevBest, s.BestF1)
				require.Equal(rt, prevPatience+1, s.Patience)
				require.Equal(rt, s.Patience == limit, d == Stop)
			}
			if d == Stop {
				break
			}
		}
	})
}
