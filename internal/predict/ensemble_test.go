package predict

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/food-classifier/internal/model"
	"github.com/Brownie44l1/food-classifier/internal/tensor"
)

// brightIsDal is confident about bright images and undecided about dark ones.
func brightIsDal() *rigged {
	return &rigged{labels: model.Labels{"dal", "biryani", "roti"}, fn: func(_ int, x *tensor.Tensor) ([]float32, error) {
		if x.Data[0] > 0 {
			return []float32{10, 0, 0}, nil
		}
		return []float32{0, 0, 0}, nil
	}}
}

func TestPredictBatchQuorumMet(t *testing.T) {
	imgs := []image.Image{solid(255), solid(0), solid(255), solid(0)}
	res, err := New(brightIsDal()).PredictBatch(context.Background(), imgs, noTTA(60))
	require.NoError(t, err)

	assert.Equal(t, 4, res.ImageCount)
	assert.Equal(t, 2, res.ValidCount)
	assert.True(t, res.Quorum)
	assert.True(t, res.Valid)
	assert.Equal(t, "dal", res.Label)
	assert.InDelta(t, res.PerImage[0].Confidence, res.Confidence, 1e-9)
	require.Len(t, res.PerImage, 4)
	assert.Equal(t, model.Unknown, res.PerImage[1].Label)

	require.Len(t, res.Top5, 3)
	assert.Equal(t, "dal", res.Top5[0].Label)
	assert.Equal(t, res.Top3, res.Top5)
}

func TestPredictBatchQuorumFailed(t *testing.T) {
	imgs := []image.Image{solid(0), solid(255), solid(0), solid(0)}
	res, err := New(brightIsDal()).PredictBatch(context.Background(), imgs, noTTA(60))
	require.NoError(t, err)

	assert.Equal(t, 1, res.ValidCount)
	assert.False(t, res.Quorum)
	assert.False(t, res.Valid)
	assert.Equal(t, model.Unknown, res.Label)

	var mean float64
	for _, r := range res.PerImage {
		mean += r.Confidence
	}
	assert.InDelta(t, mean/4, res.Confidence, 1e-9)
}

func TestPredictBatchImageCount(t *testing.T) {
	p := New(brightIsDal())
	for _, n := range []int{0, 1, 6} {
		imgs := make([]image.Image, n)
		for i := range imgs {
			imgs[i] = solid(255)
		}
		_, err := p.PredictBatch(context.Background(), imgs, noTTA(60))
		assert.ErrorIs(t, err, ErrInvalidInput, "n=%d", n)
	}
}

func TestPredictBatchNamesBadImage(t *testing.T) {
	_, err := New(brightIsDal()).PredictBatch(context.Background(), []image.Image{solid(255), nil, solid(0)}, noTTA(60))
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "image 2")
}

func TestCombineVoting(t *testing.T) {
	results := []*model.PredictionResult{
		{Label: "dal", RawLabel: "dal", Confidence: 80, Valid: true, Distributions: 1,
			Top3: []model.LabelScore{{Label: "dal", Confidence: 80}, {Label: "roti", Confidence: 15}, {Label: "biryani", Confidence: 5}}},
		{Label: "roti", RawLabel: "roti", Confidence: 70, Valid: true, Distributions: 1,
			Top3: []model.LabelScore{{Label: "roti", Confidence: 70}, {Label: "dal", Confidence: 20}, {Label: "biryani", Confidence: 10}}},
		{Label: model.Unknown, RawLabel: "biryani", Confidence: 40, Distributions: 1,
			Top3: []model.LabelScore{{Label: "biryani", Confidence: 40}, {Label: "dal", Confidence: 35}, {Label: "roti", Confidence: 25}}},
	}
	res := Combine(results)

	assert.True(t, res.Quorum)
	assert.Equal(t, 2, res.ValidCount)
	assert.Equal(t, "dal", res.Label)
	assert.InDelta(t, 40, res.Confidence, 1e-9)
	assert.Equal(t, 3, res.Distributions)
	assert.Equal(t, "dal", res.RawLabel)

	require.Len(t, res.Top3, 3)
	assert.Equal(t, "dal", res.Top3[0].Label)
	assert.InDelta(t, 45, res.Top3[0].Confidence, 1e-9)
	assert.Equal(t, "roti", res.Top3[1].Label)
	assert.InDelta(t, 110.0/3, res.Top3[1].Confidence, 1e-9)
	assert.Equal(t, "biryani", res.Top3[2].Label)
	assert.InDelta(t, 55.0/3, res.Top3[2].Confidence, 1e-9)
}

func TestCombineTieGoesToFirstSeen(t *testing.T) {
	res := Combine([]*model.PredictionResult{
		{Label: "roti", RawLabel: "roti", Confidence: 70, Valid: true},
		{Label: "dal", RawLabel: "dal", Confidence: 70, Valid: true},
	})
	assert.Equal(t, "roti", res.Label)
	assert.InDelta(t, 35, res.Confidence, 1e-9)
}

func TestCombineEmpty(t *testing.T) {
	res := Combine(nil)
	assert.Equal(t, model.Unknown, res.Label)
	assert.False(t, res.Quorum)
}
