// Package service wires the model, predictor and nutrition table behind the
// entry points used by the HTTP handlers and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/Brownie44l1/food-classifier/internal/logger"
	"github.com/Brownie44l1/food-classifier/internal/model"
	"github.com/Brownie44l1/food-classifier/internal/nutrition"
	"github.com/Brownie44l1/food-classifier/internal/predict"
)

// ErrNotLoaded is returned while no model is available for predictions.
var ErrNotLoaded = errors.New("model not loaded")

type Config struct {
	Load      model.LoadOptions
	Defaults  predict.Options
	CacheSize int
	// Predictor options, e.g. fixed TTA seeds in tests.
	Predictor []predict.Option
}

// Health summarizes the loaded model.
type Health struct {
	Status       string `json:"status"`
	ModelLoaded  bool   `json:"model_loaded"`
	NumClasses   int    `json:"num_classes"`
	Architecture string `json:"architecture,omitempty"`
	Backend      string `json:"backend,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Service loads the model once, on first use or on Init, and is safe for
// concurrent use afterwards.
type Service struct {
	cfg       Config
	registry  *model.Registry
	nutrition *nutrition.Table

	once  sync.Once
	state atomic.Pointer[loadState]
}

type loadState struct {
	model     *model.Model
	predictor *predict.Predictor
	err       error
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default options: %w", err)
	}
	reg, err := model.NewRegistry(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	table, err := nutrition.Embedded()
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, registry: reg, nutrition: table}, nil
}

// Init loads the model. It runs at most once; later calls return the
// outcome of the first.
func (s *Service) Init(ctx context.Context) error {
	s.once.Do(func() {
		log := logger.WithContext(ctx)
		log.Info("loading model", "weights", s.cfg.Load.WeightsPath, "classes", s.cfg.Load.ClassesPath,
			"backend", string(s.cfg.Load.Backend))

		m, err := model.Load(s.cfg.Load, s.registry)
		if err != nil {
			log.Error("model load failed", "error", err)
			s.state.Store(&loadState{err: err})
			return
		}
		s.state.Store(&loadState{model: m, predictor: predict.New(m, s.cfg.Predictor...)})
		log.Info("model loaded", "architecture", m.Arch.String(), "classes", m.NumClasses(),
			"backend", string(m.Backend))
	})
	return s.state.Load().err
}

func (s *Service) ready(ctx context.Context) (*predict.Predictor, error) {
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotLoaded, err)
	}
	return s.state.Load().predictor, nil
}

func (s *Service) loaded() *model.Model {
	if st := s.state.Load(); st != nil {
		return st.model
	}
	return nil
}

// DefaultOptions are the configured per-call options.
func (s *Service) DefaultOptions() predict.Options { return s.cfg.Defaults }

func (s *Service) Predict(ctx context.Context, img image.Image, opts predict.Options) (*model.PredictionResult, error) {
	p, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.Predict(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	logger.WithContext(ctx).Info("prediction", "class", res.Label, "raw_class", res.RawLabel,
		"confidence", res.Confidence, "valid", res.Valid, "distributions", res.Distributions)
	return res, nil
}

func (s *Service) PredictBatch(ctx context.Context, imgs []image.Image, opts predict.Options) (*model.EnsembleResult, error) {
	p, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.PredictBatch(ctx, imgs, opts)
	if err != nil {
		return nil, err
	}
	logger.WithContext(ctx).Info("ensemble prediction", "class", res.Label, "confidence", res.Confidence,
		"images", res.ImageCount, "valid_images", res.ValidCount, "quorum", res.Quorum)
	return res, nil
}

// LookupNutrition never fails; unmatched labels get the default record.
func (s *Service) LookupNutrition(label string) nutrition.Record {
	r, m := s.nutrition.Resolve(label)
	if m == nutrition.Fallback && label != model.Unknown {
		logger.Debug("no nutrition entry, using default", "label", label)
	}
	return r
}

// ListClasses returns a copy of the class labels, or nil before the model
// is loaded.
func (s *Service) ListClasses() []string {
	m := s.loaded()
	if m == nil {
		return nil
	}
	return []string(m.Labels())
}

func (s *Service) Health() Health {
	st := s.state.Load()
	switch {
	case st == nil:
		return Health{Status: "loading"}
	case st.err != nil:
		return Health{Status: "unavailable", Error: st.err.Error()}
	}
	return Health{
		Status:       "healthy",
		ModelLoaded:  true,
		NumClasses:   st.model.NumClasses(),
		Architecture: st.model.Arch.String(),
		Backend:      string(st.model.Backend),
	}
}

// Close releases the cached models.
func (s *Service) Close() error {
	return s.registry.Close()
}
