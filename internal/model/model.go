// Package model turns a weights file and a class index into a ready,
// read-only classifier.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Brownie44l1/food-classifier/internal/nn"
	"github.com/Brownie44l1/food-classifier/internal/tensor"
	"github.com/Brownie44l1/food-classifier/internal/weights"
)

// Backend selects the execution engine.
type Backend string

const (
	BackendNative Backend = "native"
	BackendONNX   Backend = "onnx"
)

// ParseBackend accepts "native" (the default for "") and "onnx".
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(s)) {
	case "", BackendNative:
		return BackendNative, nil
	case BackendONNX:
		return BackendONNX, nil
	}
	return "", fmt.Errorf("unknown backend %q (valid: native, onnx)", s)
}

// Classifier maps a normalized image tensor to one logit per label.
type Classifier interface {
	Labels() Labels
	Logits(x *tensor.Tensor) ([]float32, error)
}

type executor interface {
	run(x *tensor.Tensor) ([]float32, error)
	close() error
}

// Model is a built network with its labels. It is never mutated after
// construction and may be shared between goroutines.
type Model struct {
	Arch    weights.Architecture
	Backend Backend
	Source  string

	labels Labels
	exec   executor
}

// Labels returns a copy of the class labels in head order.
func (m *Model) Labels() Labels {
	return append(Labels(nil), m.labels...)
}

// NumClasses is the head width.
func (m *Model) NumClasses() int { return len(m.labels) }

// Logits runs a single forward pass.
func (m *Model) Logits(x *tensor.Tensor) ([]float32, error) {
	out, err := m.exec.run(x)
	if err != nil {
		return nil, err
	}
	if len(out) != len(m.labels) {
		return nil, fmt.Errorf("model produced %d outputs for %d classes", len(out), len(m.labels))
	}
	return out, nil
}

// Close releases backend resources. Native models hold none.
func (m *Model) Close() error {
	if m == nil || m.exec == nil {
		return nil
	}
	return m.exec.close()
}

// BuildOptions selects the backend and its settings.
type BuildOptions struct {
	Backend Backend
	Source  string
	ONNX    ONNXOptions
}

// Build instantiates the skeleton for arch with a head of numClasses outputs
// and strictly loads blob into it. Labels are the class indices.
func Build(arch weights.Architecture, numClasses int, blob *weights.Blob) (*Model, error) {
	if numClasses <= 0 {
		return nil, configErr("build", fmt.Errorf("%w: need at least one class, got %d", ErrClassCountMismatch, numClasses))
	}
	return BuildLabeled(arch, IndexLabels(numClasses), blob, BuildOptions{})
}

// BuildLabeled is Build with explicit labels and backend.
func BuildLabeled(arch weights.Architecture, labels Labels, blob *weights.Blob, opts BuildOptions) (*Model, error) {
	if arch == weights.Unknown {
		return nil, configErr("build", ErrUnknownArchitecture)
	}
	if len(labels) == 0 {
		return nil, configErr("build", fmt.Errorf("%w: empty label set", ErrClassCountMismatch))
	}
	if blob == nil {
		return nil, configErr("build", fmt.Errorf("%w: no weights", ErrArtifact))
	}
	if head, ok := blob.Get(nn.HeadWeightName(arch)); ok && len(head.Shape) == 2 && head.Shape[0] != len(labels) {
		return nil, configErr("build", fmt.Errorf("%w: weights have %d outputs, class index has %d labels",
			ErrClassCountMismatch, head.Shape[0], len(labels)))
	}

	net, err := nn.NewNetwork(arch, len(labels))
	if err != nil {
		return nil, configErr("build", fmt.Errorf("%w: %v", ErrUnknownArchitecture, err))
	}
	if err := net.Load(blob); err != nil {
		var lerr *nn.LoadError
		if errors.As(err, &lerr) {
			return nil, configErr("build", fmt.Errorf("%w: %s: %w", ErrWeightMismatch, arch, lerr))
		}
		return nil, configErr("build", err)
	}

	m := &Model{Arch: arch, Backend: opts.Backend, Source: opts.Source, labels: append(Labels(nil), labels...)}
	switch opts.Backend {
	case "", BackendNative:
		m.Backend = BackendNative
		m.exec = nativeExecutor{net: net}
	case BackendONNX:
		sess, err := newONNXSession(opts.ONNX, len(labels))
		if err != nil {
			return nil, configErr("build", fmt.Errorf("%w: %w", ErrArtifact, err))
		}
		m.exec = sess
	default:
		return nil, configErr("build", fmt.Errorf("unknown backend %q", opts.Backend))
	}
	return m, nil
}

type nativeExecutor struct {
	net *nn.Network
}

func (e nativeExecutor) run(x *tensor.Tensor) ([]float32, error) { return e.net.Forward(x) }

func (nativeExecutor) close() error { return nil }
