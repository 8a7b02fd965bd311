package predict

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput rejects a single call without affecting the model.
var ErrInvalidInput = errors.New("invalid input")

// Bounds for Options.
const (
	MinAugmentations = 2
	MaxAugmentations = 5
	MinThreshold     = 30.0
	MaxThreshold     = 90.0
	MinBatchImages   = 2
	MaxBatchImages   = 5
)

// Options control one prediction call.
type Options struct {
	UseTTA bool `json:"use_tta"`
	// AugmentationCount is the total number of distributions averaged under
	// TTA, the canonical one included.
	AugmentationCount int `json:"augmentation_count"`
	// ConfidenceThreshold is a percentage; results below it are UNKNOWN.
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// DefaultOptions enables TTA with every variant and a 60% gate.
func DefaultOptions() Options {
	return Options{UseTTA: true, AugmentationCount: 5, ConfidenceThreshold: 60}
}

// Validate reports out-of-range options as ErrInvalidInput.
func (o Options) Validate() error {
	if o.AugmentationCount < MinAugmentations || o.AugmentationCount > MaxAugmentations {
		return fmt.Errorf("%w: augmentation count %d outside %d..%d",
			ErrInvalidInput, o.AugmentationCount, MinAugmentations, MaxAugmentations)
	}
	if math.IsNaN(o.ConfidenceThreshold) || o.ConfidenceThreshold < MinThreshold || o.ConfidenceThreshold > MaxThreshold {
		return fmt.Errorf("%w: confidence threshold %v outside %v..%v",
			ErrInvalidInput, o.ConfidenceThreshold, MinThreshold, MaxThreshold)
	}
	return nil
}
