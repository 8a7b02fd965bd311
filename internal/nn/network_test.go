package nn

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/food-classifier/internal/tensor"
	"github.com/Brownie44l1/food-classifier/internal/weights"
)

func TestNumParametersMatchTorchvision(t *testing.T) {
	tests := map[weights.Architecture]int64{
		weights.ResNet18:       11_689_512,
		weights.ResNet50:       25_557_032,
		weights.DenseNet121:    7_978_856,
		weights.EfficientNetB0: 5_288_548,
		weights.EfficientNetB3: 12_233_232,
	}
	for arch, want := range tests {
		t.Run(arch.String(), func(t *testing.T) {
			net, err := NewNetwork(arch, 1000)
			require.NoError(t, err)
			assert.Equal(t, want, net.NumParameters())
		})
	}
}

func TestHeadWeightName(t *testing.T) {
	for _, arch := range weights.Supported() {
		net, err := NewNetwork(arch, 7)
		require.NoError(t, err)
		name := HeadWeightName(arch)
		var found *Param
		for _, p := range net.Params() {
			if p.Name == name {
				found = p
			}
		}
		require.NotNil(t, found, "%s has no %s", arch, name)
		assert.Equal(t, 7, found.Shape[0])
	}
	assert.Empty(t, HeadWeightName(weights.Unknown))
}

func TestNewNetworkRejectsBadInput(t *testing.T) {
	_, err := NewNetwork(weights.Unknown, 10)
	assert.Error(t, err)
	_, err = NewNetwork(weights.ResNet18, 0)
	assert.Error(t, err)
}

func TestSkeletonNaming(t *testing.T) {
	net, err := NewNetwork(weights.EfficientNetB0, 3)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, p := range net.Params() {
		names[p.Name] = true
	}
	for _, want := range []string{
		"features.0.0.weight",
		"features.1.0.block.0.0.weight", // expand ratio 1: depthwise first
		"features.1.0.block.1.fc1.bias",
		"features.2.0.block.0.0.weight", // expand conv
		"features.2.0.block.2.fc2.weight",
		"features.2.0.block.3.1.running_var",
		"features.8.0.weight",
		"classifier.1.bias",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
	assert.False(t, names["features.1.0.block.3.0.weight"])
	assert.False(t, names["features.7.1.block.0.0.weight"])

	net, err = NewNetwork(weights.DenseNet121, 3)
	require.NoError(t, err)
	names = map[string]bool{}
	for _, p := range net.Params() {
		names[p.Name] = true
	}
	assert.True(t, names["features.denseblock4.denselayer16.conv2.weight"])
	assert.True(t, names["features.transition3.conv.weight"])
	assert.True(t, names["features.norm5.num_batches_tracked"])
}

func TestRandomBlobIsDetectedAsItsArchitecture(t *testing.T) {
	for _, arch := range weights.Supported() {
		blob, err := RandomBlob(arch, 5, 1)
		require.NoError(t, err)
		assert.Equal(t, arch, weights.Inspect(blob), "param_count heuristic")
		assert.Equal(t, arch, weights.InspectWith(blob, weights.InspectOptions{EfficientNet: weights.ByStageMarker}), "stage_marker heuristic")
	}
}

func TestLoadIsStrict(t *testing.T) {
	blob, err := RandomBlob(weights.ResNet18, 4, 2)
	require.NoError(t, err)

	t.Run("wrong class count", func(t *testing.T) {
		net, err := NewNetwork(weights.ResNet18, 5)
		require.NoError(t, err)
		err = net.Load(blob)
		var lerr *LoadError
		require.ErrorAs(t, err, &lerr)
		require.Len(t, lerr.Mismatched, 2)
		assert.Equal(t, "fc.weight", lerr.Mismatched[0].Name)
		assert.Equal(t, []int{5, 512}, lerr.Mismatched[0].Expected)
		assert.Equal(t, []int{4, 512}, lerr.Mismatched[0].Got)
		assert.False(t, net.Loaded())
	})

	t.Run("missing and unexpected", func(t *testing.T) {
		partial := weights.NewBlob()
		for _, tt := range blob.Tensors() {
			if tt.Name == "bn1.running_mean" {
				continue
			}
			require.NoError(t, partial.Add(tt.Name, tt.Shape, tt.Data))
		}
		require.NoError(t, partial.Add("extra.weight", []int{1}, []float32{0}))

		net, err := NewNetwork(weights.ResNet18, 4)
		require.NoError(t, err)
		err = net.Load(partial)
		var lerr *LoadError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, []string{"bn1.running_mean"}, lerr.Missing)
		assert.Equal(t, []string{"extra.weight"}, lerr.Unexpected)
		assert.Contains(t, err.Error(), "missing keys")
	})

	t.Run("wrong backbone", func(t *testing.T) {
		net, err := NewNetwork(weights.ResNet50, 4)
		require.NoError(t, err)
		assert.Error(t, net.Load(blob))
	})

	t.Run("one shot", func(t *testing.T) {
		net, err := NewNetwork(weights.ResNet18, 4)
		require.NoError(t, err)
		require.NoError(t, net.Load(blob))
		assert.True(t, errors.Is(net.Load(blob), ErrAlreadyLoaded))
	})
}

func TestForwardBeforeLoad(t *testing.T) {
	net, err := NewNetwork(weights.ResNet18, 3)
	require.NoError(t, err)
	_, err = net.Forward(tensor.New(3, 32, 32))
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestForwardAllArchitectures(t *testing.T) {
	x := tensor.New(3, 32, 32)
	for i := range x.Data {
		x.Data[i] = float32(math.Sin(float64(i) * 0.01))
	}
	orig := x.Clone()

	for _, arch := range weights.Supported() {
		t.Run(arch.String(), func(t *testing.T) {
			blob, err := RandomBlob(arch, 6, 3)
			require.NoError(t, err)
			net, err := NewNetwork(arch, 6)
			require.NoError(t, err)
			require.NoError(t, net.Load(blob))

			a, err := net.Forward(x)
			require.NoError(t, err)
			require.Len(t, a, 6)
			for _, v := range a {
				assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
			}
			b, err := net.Forward(x)
			require.NoError(t, err)
			assert.Equal(t, a, b, "forward must be deterministic")
			assert.Equal(t, orig.Data, x.Data, "input must not change")
		})
	}
}

func TestForwardRejectsGrayscale(t *testing.T) {
	blob, err := RandomBlob(weights.ResNet18, 2, 1)
	require.NoError(t, err)
	net, err := NewNetwork(weights.ResNet18, 2)
	require.NoError(t, err)
	require.NoError(t, net.Load(blob))
	_, err = net.Forward(tensor.New(1, 32, 32))
	assert.Error(t, err)
}

func TestRandomBlobSurvivesSafetensors(t *testing.T) {
	blob, err := RandomBlob(weights.EfficientNetB0, 3, 9)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, weights.Encode(&buf, blob))
	back, err := weights.Decode(buf.Bytes())
	require.NoError(t, err)

	net, err := NewNetwork(weights.EfficientNetB0, 3)
	require.NoError(t, err)
	require.NoError(t, net.Load(back))
	assert.Equal(t, "EfficientNet-B0", back.Metadata["architecture"])
}
