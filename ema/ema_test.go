package ema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
)

type params []*nn.Param

func (p params) Parameters() []*nn.Param { return p }

func TestDecayMonotoneAndBounded(t *testing.T) {
	for _, cfg := range []Config{
		DefaultConfig(),
		{UpdateAfterStep: 10, InvGamma: 1, Power: 2.0 / 3, MinAlpha: 0, MaxAlpha: 0.999},
		{InvGamma: 5, Power: 0.5, MinAlpha: 0.1, MaxAlpha: 0.99},
	} {
		e := New(cfg, params{})
		prev := -1.0
		for step := range 20000 {
			d := e.Decay(step)
			require.GreaterOrEqual(t, d, prev, "decay must not decrease at step %d", step)
			require.LessOrEqual(t, d, cfg.MaxAlpha)
			require.GreaterOrEqual(t, d, 0.0)
			prev = d
		}
		require.InDelta(t, cfg.MaxAlpha, e.Decay(1_000_000_000), 1e-9)
	}
}

func TestDecayWarmup(t *testing.T) {
	e := New(Config{UpdateAfterStep: 3, InvGamma: 1, Power: 1, MinAlpha: 0, MaxAlpha: 1}, params{})
	for step := range 5 {
		require.Equal(t, 0.0, e.Decay(step), "step %d", step)
	}
	// step 5 -> s = 1 -> 1 - 2^-1
	require.InDelta(t, 0.5, e.Decay(5), 1e-12)
}

func TestStepAveragesTrainable(t *testing.T) {
	live := nn.NewParam("w", ml.FromSlice([]float64{1, 1}, 2))
	shadow := nn.NewParam("w", ml.Zeros(2))
	e := New(Config{InvGamma: 1, Power: 1, MaxAlpha: 0.5}, params{shadow})

	// die ersten beiden Schritte haben Decay 0: Schatten folgt exakt
	require.NoError(t, e.Step(params{live}))
	require.Equal(t, []float64{1, 1}, shadow.Value.Data())
	require.Equal(t, 1, e.Steps())

	live.Value.Fill(3)
	require.NoError(t, e.Step(params{live}))
	require.Equal(t, []float64{3, 3}, shadow.Value.Data())

	live.Value.Fill(5)
	require.NoError(t, e.Step(params{live}))
	require.InDelta(t, 0.5, e.Alpha(), 1e-12)
	require.InDelta(t, 4, shadow.Value.At(0), 1e-12)
}

func TestStepCopiesNormAndBuffers(t *testing.T) {
	bn := nn.NewBatchNorm2d("bn", 1)
	shadowBN := nn.NewBatchNorm2d("bn", 1)
	buf := nn.NewBuffer("grid", ml.FromSlice([]float64{7}, 1))
	shadowBuf := nn.NewBuffer("grid", ml.Zeros(1))

	live := append(bn.Parameters(), buf)
	shadow := append(shadowBN.Parameters(), shadowBuf)
	e := New(Config{UpdateAfterStep: -100, InvGamma: 1, Power: 1, MaxAlpha: 0.99}, params(shadow))

	bn.RunningMean.Value.Fill(2)
	bn.Weight.Value.Fill(9)
	require.NoError(t, e.Step(params(live)))
	require.Greater(t, e.Alpha(), 0.9)
	require.Equal(t, 2.0, shadowBN.RunningMean.Value.At(0))
	require.Equal(t, 9.0, shadowBN.Weight.Value.At(0))
	require.Equal(t, 7.0, shadowBuf.Value.At(0))
}

func TestStepRejectsMismatch(t *testing.T) {
	e := New(DefaultConfig(), params{nn.NewParam("a", ml.Zeros(1))})
	require.Error(t, e.Step(params{}))
	require.Error(t, e.Step(params{nn.NewParam("b", ml.Zeros(1))}))
}

func TestSetStepsContinuesDecay(t *testing.T) {
	live := nn.NewParam("w", ml.FromSlice([]float64{4, 4}, 2))
	shadow := nn.NewParam("w", ml.Zeros(2))
	e := New(Config{UpdateAfterStep: 3, InvGamma: 1, Power: 1, MaxAlpha: 1}, params{shadow})

	e.SetSteps(5)
	require.Equal(t, 5, e.Steps())
	require.NoError(t, e.Step(params{live}))
	require.InDelta(t, 0.5, e.Alpha(), 1e-12)
	require.Equal(t, []float64{2, 2}, shadow.Value.Data())
	require.Equal(t, 6, e.Steps())

	e.SetSteps(-2)
	require.Equal(t, 0, e.Steps())
}
