package weights

import (
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatTensor(data []float32, offset int, size, stride []int) *pytorch.Tensor {
	return &pytorch.Tensor{
		Source:        &pytorch.FloatStorage{Data: data},
		StorageOffset: offset,
		Size:          size,
		Stride:        stride,
	}
}

func TestFromStateDictKeepsOrder(t *testing.T) {
	sd := types.NewOrderedDict()
	sd.Set("conv1.weight", floatTensor([]float32{1, 2, 3, 4}, 0, []int{2, 2}, []int{2, 1}))
	sd.Set("bn1.num_batches_tracked", &pytorch.Tensor{Source: &pytorch.LongStorage{Data: []int64{17}}, Size: []int{}, Stride: []int{}})
	sd.Set("fc.bias", &pytorch.Tensor{Source: &pytorch.DoubleStorage{Data: []float64{0.5, -0.5}}, Size: []int{2}, Stride: []int{1}})

	blob, err := FromStateDict(sd)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv1.weight", "bn1.num_batches_tracked", "fc.bias"}, blob.Names())

	w, _ := blob.Get("conv1.weight")
	assert.Equal(t, []int{2, 2}, w.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, w.Data)
	n, _ := blob.Get("bn1.num_batches_tracked")
	assert.Equal(t, []float32{17}, n.Data)
	b, _ := blob.Get("fc.bias")
	assert.Equal(t, []float32{0.5, -0.5}, b.Data)
}

func TestFromStateDictFollowsViews(t *testing.T) {
	storage := []float32{9, 1, 2, 3, 4, 5, 6}
	sd := types.NewOrderedDict()
	// transpose of the 2×3 matrix stored at offset 1
	sd.Set("fc.weight", floatTensor(storage, 1, []int{3, 2}, []int{1, 3}))
	sd.Set("fc.bias", floatTensor(storage, 5, []int{2}, []int{1}))

	blob, err := FromStateDict(sd)
	require.NoError(t, err)
	w, _ := blob.Get("fc.weight")
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, w.Data)
	b, _ := blob.Get("fc.bias")
	assert.Equal(t, []float32{5, 6}, b.Data)
}

func TestFromStateDictUnwrapsCheckpoint(t *testing.T) {
	sd := types.NewOrderedDict()
	sd.Set("layer1.0.conv1.weight", floatTensor([]float32{1}, 0, []int{1, 1, 1, 1}, []int{1, 1, 1, 1}))
	ckpt := types.NewOrderedDict()
	ckpt.Set("epoch", 12)
	ckpt.Set("model_state_dict", sd)

	blob, err := FromStateDict(ckpt)
	require.NoError(t, err)
	assert.Equal(t, []string{"layer1.0.conv1.weight"}, blob.Names())
	assert.Equal(t, ResNet18, Inspect(blob))
}

func TestFromStateDictRejectsOtherObjects(t *testing.T) {
	_, err := FromStateDict([]interface{}{1, 2})
	assert.ErrorIs(t, err, ErrFormat)

	sd := types.NewOrderedDict()
	sd.Set("epoch", 3)
	_, err = FromStateDict(sd)
	assert.ErrorIs(t, err, ErrFormat)

	sd = types.NewOrderedDict()
	sd.Set("w", floatTensor([]float32{1, 2}, 1, []int{2}, []int{1}))
	_, err = FromStateDict(sd)
	assert.ErrorIs(t, err, ErrFormat, "view past the end of its storage")

	sd = types.NewOrderedDict()
	sd.Set("w", &pytorch.Tensor{Source: &pytorch.ByteStorage{Data: []uint8{1}}, Size: []int{1}, Stride: []int{1}})
	_, err = FromStateDict(sd)
	assert.ErrorIs(t, err, ErrFormat, "unsupported storage")
}

func TestIsPyTorch(t *testing.T) {
	assert.True(t, IsPyTorch("models/model.pth"))
	assert.True(t, IsPyTorch("best_model_resnet18.PT"))
	assert.False(t, IsPyTorch("models/model.safetensors"))
	assert.False(t, IsPyTorch("model"))
}
