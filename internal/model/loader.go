package model

import (
	"fmt"
	"path/filepath"

	"github.com/Brownie44l1/food-classifier/internal/weights"
)

// LoadOptions points at the model artifacts on disk.
type LoadOptions struct {
	WeightsPath string
	ClassesPath string
	Backend     Backend
	ONNX        ONNXOptions
	Inspect     weights.InspectOptions
}

// Load reads the class index and weights, detects the architecture and
// returns the memoized model for that combination.
func Load(opts LoadOptions, reg *Registry) (*Model, error) {
	labels, err := LoadLabels(opts.ClassesPath)
	if err != nil {
		return nil, err
	}
	blob, err := weights.ReadFile(opts.WeightsPath)
	if err != nil {
		return nil, configErr("load weights", fmt.Errorf("%w: %v", ErrArtifact, err))
	}
	arch := weights.InspectWith(blob, opts.Inspect)
	if arch == weights.Unknown {
		return nil, configErr("inspect", fmt.Errorf("%w: no known parameter naming in %s", ErrUnknownArchitecture, opts.WeightsPath))
	}

	backend := opts.Backend
	if backend == "" {
		backend = BackendNative
	}
	source, err := filepath.Abs(opts.WeightsPath)
	if err != nil {
		source = opts.WeightsPath
	}
	key := Key{Arch: arch, NumClasses: len(labels), Source: source, Backend: backend}
	if opts.ClassesPath != "" {
		key.Source += "#" + opts.ClassesPath
	}

	build := func() (*Model, error) {
		return BuildLabeled(arch, labels, blob, BuildOptions{Backend: backend, Source: source, ONNX: opts.ONNX})
	}
	if reg == nil {
		return build()
	}
	return reg.Get(key, build)
}
