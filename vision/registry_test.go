package vision

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ollama/diffpolicy/ml"
)

func TestRegistryRegisterAndList(t *testing.T) {
	r := NewRegistry()
	factory := func(BackboneOptions) (Backbone, error) { return nil, nil }
	r.Register("b", factory)
	r.Register("a", factory)

	require.Equal(t, []string{"a", "b"}, r.List())
	require.True(t, r.Unregister("a"))
	require.False(t, r.Unregister("a"))
	_, ok := r.Get("a")
	require.False(t, ok)
}

func TestRegistrySuggest(t *testing.T) {
	r := NewRegistry()
	r.Register("convnet", newConvNet)
	r.Register("resnet18", newConvNet)

	require.Equal(t, "convnet", r.Suggest("convnt"))
	require.Equal(t, "resnet18", r.Suggest("resnet19"))
	require.Empty(t, r.Suggest("vit"))
}

func TestRegistryCreateUnknown(t *testing.T) {
	_, err := DefaultRegistry.Create("convnte")
	require.ErrorIs(t, err, ErrBackboneNotRegistered)

	var regErr *RegistryError
	require.True(t, errors.As(err, &regErr))
	require.Equal(t, ConvNetName, regErr.Suggestion)
	require.True(t, strings.Contains(err.Error(), "did you mean 'convnet'"))
}

func TestBackboneOptionsValidate(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
		want error
	}{
		{"default", nil, nil},
		{"groupnorm", []Option{WithGroupNorm(true), WithChannels(16, 32)}, nil},
		{"groupnorm pretrained", []Option{WithPretrained("w.safetensors"), WithGroupNorm(true)}, ErrGroupNormPretrained},
		{"pretrained without file", []Option{WithPretrained("")}, ErrMissingWeights},
		{"groupnorm channels", []Option{WithGroupNorm(true), WithChannels(24)}, ErrInvalidChannels},
		{"negative channels", []Option{WithChannels(8, -1)}, ErrInvalidChannels},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultBackboneOptions()
			o.Apply(tt.opts...)
			err := o.Validate()
			if tt.want == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestNewBackboneGroupNormPretrained(t *testing.T) {
	_, err := NewBackbone(ConvNetName, WithPretrained("weights.safetensors"), WithGroupNorm(true))
	require.ErrorIs(t, err, ErrGroupNormPretrained)
}

func TestConvNetShapes(t *testing.T) {
	b, err := NewBackbone(ConvNetName, WithChannels(8, 16), WithSeed(3))
	require.NoError(t, err)

	shape, err := FeatureShape(b, 3, 12, 10)
	require.NoError(t, err)
	require.Equal(t, []int{16, 3, 3}, shape)

	for _, p := range b.Parameters() {
		require.False(t, p.Trainable, p.Name)
		require.Nil(t, p.Grad, p.Name)
	}

	_, err = b.Forward(ml.Zeros(1, 12, 10))
	require.Error(t, err)
}

func TestConvNetParameterNames(t *testing.T) {
	b, err := NewBackbone(ConvNetName, WithChannels(16), WithGroupNorm(true))
	require.NoError(t, err)

	var names []string
	for _, p := range b.Parameters() {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{
		"layers.0.conv.weight", "layers.0.conv.bias",
		"layers.0.norm.weight", "layers.0.norm.bias",
	}, names)
}
