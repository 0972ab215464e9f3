package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/policy"
	"github.com/ollama/diffpolicy/trainer"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&out)
	cli.SetErr(&bytes.Buffer{})
	cli.SetArgs(args)
	err := cli.Execute()
	return out.String(), err
}

func smallConfig() policy.Config {
	cfg := policy.DefaultConfig()
	crop := [2]int{12, 12}
	cfg.ImageShape = [3]int{3, 16, 16}
	cfg.CropShape = &crop
	cfg.BackboneChannels = []int{16}
	cfg.SpatialSoftmaxNumKeypoints = 4
	cfg.DownDims = []int{8, 16}
	cfg.KernelSize = 3
	cfg.NGroups = 4
	cfg.DiffusionStepEmbedDim = 8
	cfg.NumTrainTimesteps = 10
	cfg.LRScheduler = "constant"
	cfg.LRWarmupSteps = 0
	return cfg
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	out, err := run(t, "init", path)
	require.NoError(t, err)
	require.Contains(t, out, path)

	cfg, err := policy.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, policy.DefaultConfig().Horizon, cfg.Horizon)

	_, err = run(t, "init", path)
	require.ErrorContains(t, err, "already exists")

	_, err = run(t, "init", "--force", path)
	require.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "diffpolicy version is "))
}

func TestEnv(t *testing.T) {
	t.Setenv("DIFFPOLICY_SEED", "42")

	out, err := run(t, "env")
	require.NoError(t, err)
	require.Contains(t, out, "DIFFPOLICY_HOST")
	require.Contains(t, out, "DIFFPOLICY_SEED")
	require.Contains(t, out, "42")
}

func TestTrainInspectRuns(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DIFFPOLICY_DB", filepath.Join(dir, "runs.db"))
	t.Setenv("DIFFPOLICY_CHECKPOINT_DTYPE", "f16")

	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, smallConfig().Save(configPath))

	g := ml.NewGenerator(9)
	data := &trainer.MemoryDataset{
		Images:  g.Uniform(0, 1, 4, 2, 3, 16, 16),
		States:  g.Normal(4, 2, 2),
		Actions: g.Uniform(-1, 1, 4, 16, 2),
	}
	dataPath := filepath.Join(dir, "data.safetensors")
	require.NoError(t, data.Save(dataPath))

	output := filepath.Join(dir, "out")
	out, err := run(t, "train", dataPath, "--config", configPath, "--steps", "3", "--batch-size", "2", "--save-freq", "0", "--output", output)
	require.NoError(t, err)
	require.Contains(t, out, "3 steps")

	ckpt := filepath.Join(output, "checkpoints", "000003", "model.safetensors")
	_, err = os.Stat(ckpt)
	require.NoError(t, err)

	out, err = run(t, "inspect", ckpt)
	require.NoError(t, err)
	require.Contains(t, out, "F16")
	require.Contains(t, out, "ema parameters")
	require.Contains(t, out, "convnet")

	out, err = run(t, "inspect", ckpt, "--filter", "unet.final_conv")
	require.NoError(t, err)
	require.Contains(t, out, "unet.final_conv.1.weight")
	require.NotContains(t, out, "rgb_encoder.out.weight")

	out, err = run(t, "runs")
	require.NoError(t, err)
	require.Contains(t, out, ckpt)

	// fortsetzen zaehlt ab dem gespeicherten Schritt weiter
	out, err = run(t, "train", dataPath, "--resume", ckpt, "--steps", "1", "--batch-size", "4", "--output", output, "--no-db")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(output, "checkpoints", "000004", "model.safetensors"))
	require.NoError(t, err)
}

func TestInspectMissing(t *testing.T) {
	_, err := run(t, "inspect", filepath.Join(t.TempDir(), "missing.safetensors"))
	require.Error(t, err)
}
