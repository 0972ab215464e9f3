package vision

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ollama/diffpolicy/ml"
)

func testEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Backbone:        ConvNetName,
		BackboneOptions: []Option{WithChannels(16), WithGroupNorm(true), WithSeed(7)},
		ImageHeight:     16,
		ImageWidth:      16,
		CropHeight:      12,
		CropWidth:       12,
		RandomCrop:      true,
		Mean:            SymmetricMean,
		Std:             SymmetricStd,
		NumKeypoints:    4,
	}
}

func TestRgbEncoderForward(t *testing.T) {
	g := ml.NewGenerator(1)
	enc, err := NewRgbEncoder("rgb_encoder.", testEncoderConfig(), g)
	require.NoError(t, err)
	require.Equal(t, 8, enc.FeatureDim())

	x := g.Uniform(0, 1, 3, 3, 16, 16)
	y, err := enc.Forward(context.Background(), x, false, g)
	require.NoError(t, err)
	require.Equal(t, []int{3, 8}, y.Shape())
	for _, v := range y.Data() {
		require.GreaterOrEqual(t, v, 0.0)
	}

	// Center-Crop ist deterministisch
	y2, err := enc.Forward(context.Background(), x, false, g)
	require.NoError(t, err)
	require.Equal(t, y.Data(), y2.Data())

	_, err = enc.Forward(context.Background(), ml.Zeros(1, 3, 12, 12), false, g)
	require.Error(t, err)
}

func TestRgbEncoderRandomCropVaries(t *testing.T) {
	g := ml.NewGenerator(2)
	enc, err := NewRgbEncoder("", testEncoderConfig(), g)
	require.NoError(t, err)

	x := g.Uniform(0, 1, 1, 3, 16, 16)
	first, err := enc.Forward(context.Background(), x, true, g)
	require.NoError(t, err)

	differs := false
	for range 20 {
		y, err := enc.Forward(context.Background(), x, true, g)
		require.NoError(t, err)
		if !ml.SameShape(y, first) {
			t.Fatalf("shape changed: %v", y.Shape())
		}
		for i, v := range y.Data() {
			if v != first.Data()[i] {
				differs = true
			}
		}
	}
	require.True(t, differs, "random crops should change the features")
}

func TestRgbEncoderCanceled(t *testing.T) {
	g := ml.NewGenerator(3)
	enc, err := NewRgbEncoder("", testEncoderConfig(), g)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = enc.Forward(ctx, g.Uniform(0, 1, 2, 3, 16, 16), false, g)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRgbEncoderBackward(t *testing.T) {
	g := ml.NewGenerator(4)
	enc, err := NewRgbEncoder("rgb_encoder.", testEncoderConfig(), g)
	require.NoError(t, err)

	y, err := enc.Forward(context.Background(), g.Uniform(0, 1, 2, 3, 16, 16), true, g)
	require.NoError(t, err)
	enc.Backward(ml.Full(1, y.Shape()...))

	for _, p := range enc.Parameters() {
		switch {
		case strings.HasPrefix(p.Name, "rgb_encoder.backbone."):
			require.Nil(t, p.Grad, p.Name)
		case p.Name == "rgb_encoder.pool.pos_grid":
			require.False(t, p.Trainable)
		default:
			require.NotNil(t, p.Grad, p.Name)
		}
	}

	var names []string
	for _, p := range enc.Parameters() {
		names = append(names, p.Name)
	}
	require.Contains(t, names, "rgb_encoder.pool.nets.weight")
	require.Contains(t, names, "rgb_encoder.out.weight")
}

func TestRgbEncoderRejectsLargeCrop(t *testing.T) {
	cfg := testEncoderConfig()
	cfg.CropHeight = 32
	_, err := NewRgbEncoder("", cfg, ml.NewGenerator(0))
	require.Error(t, err)
}
