package model

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/food-classifier/internal/nn"
	"github.com/Brownie44l1/food-classifier/internal/tensor"
	"github.com/Brownie44l1/food-classifier/internal/weights"
)

func randomBlob(t *testing.T, arch weights.Architecture, classes int) *weights.Blob {
	t.Helper()
	blob, err := nn.RandomBlob(arch, classes, 42)
	require.NoError(t, err)
	return blob
}

func TestParseLabels(t *testing.T) {
	labels, err := ParseLabels([]byte(`{"2": "roti", "0": "dal", "1": "biryani"}`))
	require.NoError(t, err)
	assert.Equal(t, Labels{"dal", "biryani", "roti"}, labels)
	assert.Equal(t, 2, labels.Index("roti"))
	assert.Equal(t, -1, labels.Index("pizza"))

	for name, data := range map[string]string{
		"not json":     `["dal"]`,
		"empty":        `{}`,
		"gap":          `{"0": "dal", "2": "roti"}`,
		"leading zero": `{"00": "dal"}`,
		"negative":     `{"-1": "dal"}`,
		"blank label":  `{"0": "  "}`,
		"duplicate":    `{"0": "dal", "1": "dal"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLabels([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestIndexLabels(t *testing.T) {
	assert.Equal(t, Labels{"0", "1", "2"}, IndexLabels(3))
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, BackendNative, b)
	b, err = ParseBackend("ONNX")
	require.NoError(t, err)
	assert.Equal(t, BackendONNX, b)
	_, err = ParseBackend("tflite")
	assert.Error(t, err)
}

func TestBuildUnknownArchitecture(t *testing.T) {
	blob := weights.NewBlob()
	require.NoError(t, blob.Add("encoder.weight", []int{2}, []float32{1, 2}))
	require.Equal(t, weights.Unknown, weights.Inspect(blob))

	m, err := Build(weights.Inspect(blob), 3, blob)
	assert.Nil(t, m)
	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, ErrUnknownArchitecture)
}

func TestBuildClassCountMismatch(t *testing.T) {
	blob := randomBlob(t, weights.ResNet18, 4)
	_, err := Build(weights.ResNet18, 5, blob)
	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, ErrClassCountMismatch)
}

func TestBuildWrongSkeleton(t *testing.T) {
	blob := randomBlob(t, weights.ResNet18, 4)
	_, err := Build(weights.ResNet50, 4, blob)
	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, ErrWeightMismatch)
	var lerr *nn.LoadError
	assert.True(t, errors.As(err, &lerr))
}

func TestBuildIsDeterministic(t *testing.T) {
	blob := randomBlob(t, weights.ResNet18, 3)
	a, err := Build(weights.ResNet18, 3, blob)
	require.NoError(t, err)
	b, err := Build(weights.ResNet18, 3, blob)
	require.NoError(t, err)

	x := tensor.New(3, 32, 32)
	for i := range x.Data {
		x.Data[i] = float32(i%17) / 17
	}
	la, err := a.Logits(x)
	require.NoError(t, err)
	lb, err := b.Logits(x)
	require.NoError(t, err)
	assert.Equal(t, la, lb)
	assert.Equal(t, 3, a.NumClasses())
	assert.Equal(t, BackendNative, a.Backend)
	assert.NoError(t, a.Close())
}

func TestModelLabelsAreCopied(t *testing.T) {
	blob := randomBlob(t, weights.ResNet18, 2)
	m, err := BuildLabeled(weights.ResNet18, Labels{"dal", "roti"}, blob, BuildOptions{})
	require.NoError(t, err)
	l := m.Labels()
	l[0] = "changed"
	assert.Equal(t, Labels{"dal", "roti"}, m.Labels())
}

func TestRegistryBuildsOnce(t *testing.T) {
	reg, err := NewRegistry(2)
	require.NoError(t, err)
	blob := randomBlob(t, weights.ResNet18, 2)
	key := Key{Arch: weights.ResNet18, NumClasses: 2, Source: "mem", Backend: BackendNative}

	var builds atomic.Int32
	build := func() (*Model, error) {
		builds.Add(1)
		return Build(weights.ResNet18, 2, blob)
	}

	var wg sync.WaitGroup
	models := make([]*Model, 8)
	for i := range models {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := reg.Get(key, build)
			assert.NoError(t, err)
			models[i] = m
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, m := range models {
		assert.Same(t, models[0], m)
	}
	assert.Equal(t, 1, reg.Len())
	assert.NoError(t, reg.Close())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryDoesNotCacheFailures(t *testing.T) {
	reg, err := NewRegistry(0)
	require.NoError(t, err)
	key := Key{Arch: weights.ResNet18, NumClasses: 2}
	calls := 0
	fail := func() (*Model, error) {
		calls++
		return nil, configErr("build", ErrArtifact)
	}
	_, err = reg.Get(key, fail)
	assert.ErrorIs(t, err, ErrArtifact)
	_, err = reg.Get(key, fail)
	assert.ErrorIs(t, err, ErrArtifact)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, reg.Len())
}

func writeArtifacts(t *testing.T, arch weights.Architecture, classes string, n int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	weightsPath := filepath.Join(dir, "model.safetensors")
	f, err := os.Create(weightsPath)
	require.NoError(t, err)
	require.NoError(t, weights.Encode(f, randomBlob(t, arch, n)))
	require.NoError(t, f.Close())

	classesPath := filepath.Join(dir, "class_index.json")
	require.NoError(t, os.WriteFile(classesPath, []byte(classes), 0o644))
	return weightsPath, classesPath
}

func TestLoadFromDisk(t *testing.T) {
	weightsPath, classesPath := writeArtifacts(t, weights.DenseNet121, `{"0": "dal", "1": "biryani", "2": "roti"}`, 3)
	reg, err := NewRegistry(1)
	require.NoError(t, err)

	m, err := Load(LoadOptions{WeightsPath: weightsPath, ClassesPath: classesPath}, reg)
	require.NoError(t, err)
	assert.Equal(t, weights.DenseNet121, m.Arch)
	assert.Equal(t, Labels{"dal", "biryani", "roti"}, m.Labels())

	again, err := Load(LoadOptions{WeightsPath: weightsPath, ClassesPath: classesPath}, reg)
	require.NoError(t, err)
	assert.Same(t, m, again)
}

func TestLoadErrors(t *testing.T) {
	weightsPath, classesPath := writeArtifacts(t, weights.ResNet18, `{"0": "dal", "1": "roti"}`, 3)

	_, err := Load(LoadOptions{WeightsPath: weightsPath, ClassesPath: classesPath}, nil)
	assert.ErrorIs(t, err, ErrClassCountMismatch)

	_, err = Load(LoadOptions{WeightsPath: filepath.Join(t.TempDir(), "missing.safetensors"), ClassesPath: classesPath}, nil)
	assert.ErrorIs(t, err, ErrArtifact)
	assert.True(t, IsConfigError(err))

	_, err = Load(LoadOptions{WeightsPath: weightsPath, ClassesPath: filepath.Join(t.TempDir(), "none.json")}, nil)
	assert.ErrorIs(t, err, ErrArtifact)

	garbage := filepath.Join(t.TempDir(), "garbage.safetensors")
	require.NoError(t, os.WriteFile(garbage, []byte("not a weights file"), 0o644))
	_, err = Load(LoadOptions{WeightsPath: garbage, ClassesPath: classesPath}, nil)
	assert.ErrorIs(t, err, ErrArtifact)
}
