// Package predict turns model outputs into gated single-image predictions
// and confidence-weighted multi-image verdicts.
package predict

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/Brownie44l1/food-classifier/internal/logger"
	"github.com/Brownie44l1/food-classifier/internal/model"
	"github.com/Brownie44l1/food-classifier/internal/preprocess"
)

// SeedSource yields the two PCG seeds for one call's augmentation RNG.
type SeedSource func() (uint64, uint64)

func randomSeeds() (uint64, uint64) { return rand.Uint64(), rand.Uint64() }

// FixedSeeds always returns the same seeds, making TTA reproducible.
func FixedSeeds(s1, s2 uint64) SeedSource {
	return func() (uint64, uint64) { return s1, s2 }
}

// Predictor runs a classifier over preprocessed images. It holds no mutable
// state and may be used concurrently.
type Predictor struct {
	clf    model.Classifier
	labels model.Labels
	seeds  SeedSource
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithSeedSource replaces the random seeding of TTA parameters.
func WithSeedSource(s SeedSource) Option {
	return func(p *Predictor) { p.seeds = s }
}

// New returns a Predictor for clf.
func New(clf model.Classifier, opts ...Option) *Predictor {
	p := &Predictor{clf: clf, labels: clf.Labels(), seeds: randomSeeds}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Labels returns the classifier's labels.
func (p *Predictor) Labels() model.Labels { return append(model.Labels(nil), p.labels...) }

// Predict classifies one image.
func (p *Predictor) Predict(ctx context.Context, img image.Image, opts Options) (*model.PredictionResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return p.predict(ctx, img, opts)
}

func (p *Predictor) predict(ctx context.Context, img image.Image, opts Options) (*model.PredictionResult, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrInvalidInput)
	}
	x, err := preprocess.CanonicalTensor(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	logits, err := p.clf.Logits(x)
	if err != nil {
		return nil, fmt.Errorf("canonical forward: %w", err)
	}
	if len(logits) != len(p.labels) {
		return nil, fmt.Errorf("classifier returned %d scores for %d labels", len(logits), len(p.labels))
	}
	dist := Softmax(logits)
	n := 1

	if opts.UseTTA {
		log := logger.WithContext(ctx)
		rng := rand.New(rand.NewPCG(p.seeds()))
		extra := min(opts.AugmentationCount-1, len(preprocess.TTAVariants))
		for _, v := range preprocess.TTAVariants[:extra] {
			params := preprocess.Sample(rng, v)
			x, err := preprocess.Apply(img, v, params)
			if err != nil {
				log.Debug("skipping augmentation", "variant", v.String(), "error", err)
				continue
			}
			logits, err := p.clf.Logits(x)
			if err == nil && len(logits) != len(dist) {
				err = fmt.Errorf("got %d scores", len(logits))
			}
			if err != nil {
				log.Debug("skipping augmentation", "variant", v.String(), "error", err)
				continue
			}
			for i, q := range Softmax(logits) {
				dist[i] += q
			}
			n++
		}
		if n > 1 {
			for i := range dist {
				dist[i] /= float64(n)
			}
		}
	}

	res := Summarize(p.labels, dist, opts.ConfidenceThreshold)
	res.Distributions = n
	return res, nil
}

// Softmax returns the probability distribution of logits, computed in
// float64 with the maximum subtracted.
func Softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	peak := math.Inf(-1)
	for _, v := range logits {
		peak = math.Max(peak, float64(v))
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Summarize picks top-1 (lowest index on ties), top-3 and top-5 from dist
// and applies the confidence gate.
func Summarize(labels model.Labels, dist []float64, threshold float64) *model.PredictionResult {
	order := make([]int, len(dist))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] > dist[order[b]] })

	res := &model.PredictionResult{}
	for rank, i := range order[:min(5, len(order))] {
		s := model.LabelScore{Label: labels[i], Confidence: percent(dist[i])}
		res.Top5 = append(res.Top5, s)
		if rank < 3 {
			res.Top3 = append(res.Top3, s)
		}
	}
	if len(order) == 0 {
		res.Label = model.Unknown
		return res
	}
	best := order[0]
	res.RawLabel = labels[best]
	res.Confidence = percent(dist[best])
	res.Valid = res.Confidence >= threshold
	res.Label = res.RawLabel
	if !res.Valid {
		res.Label = model.Unknown
	}
	return res
}

func percent(p float64) float64 {
	return math.Min(100, math.Max(0, p*100))
}

// PredictBatch classifies 2 to 5 images of the same dish concurrently and
// combines them with Combine.
func (p *Predictor) PredictBatch(ctx context.Context, imgs []image.Image, opts Options) (*model.EnsembleResult, error) {
	if len(imgs) < MinBatchImages || len(imgs) > MaxBatchImages {
		return nil, fmt.Errorf("%w: need %d to %d images, got %d", ErrInvalidInput, MinBatchImages, MaxBatchImages, len(imgs))
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	results := make([]*model.PredictionResult, len(imgs))
	errs := make([]error, len(imgs))
	var wg sync.WaitGroup
	for i, img := range imgs {
		wg.Add(1)
		go func(i int, img image.Image) {
			defer wg.Done()
			results[i], errs[i] = p.predict(ctx, img, opts)
		}(i, img)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
	}
	return Combine(results), nil
}
