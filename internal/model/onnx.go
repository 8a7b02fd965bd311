package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/food-classifier/internal/tensor"
)

// ONNXOptions locates an exported graph of the same network.
type ONNXOptions struct {
	Path        string
	LibraryPath string
	InputName   string
	OutputName  string
	ImageSize   int
}

var ortInit struct {
	sync.Mutex
	sessions int
}

func acquireEnvironment(libraryPath string) error {
	ortInit.Lock()
	defer ortInit.Unlock()
	if !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	ortInit.sessions++
	return nil
}

func releaseEnvironment() error {
	ortInit.Lock()
	defer ortInit.Unlock()
	ortInit.sessions--
	if ortInit.sessions > 0 || !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// onnxSession binds one input and one output tensor for the session's
// lifetime, so Run calls are serialized.
type onnxSession struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	size         int
}

func newONNXSession(opts ONNXOptions, numClasses int) (*onnxSession, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("onnx backend needs a model path")
	}
	if opts.InputName == "" {
		opts.InputName = "input"
	}
	if opts.OutputName == "" {
		opts.OutputName = "output"
	}
	if opts.ImageSize == 0 {
		opts.ImageSize = 224
	}
	if err := acquireEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}

	size := int64(opts.ImageSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numClasses)))
	if err != nil {
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.Path,
		[]string{opts.InputName}, []string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session for %s with %d outputs: %w", opts.Path, numClasses, err)
	}

	return &onnxSession{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		size:         opts.ImageSize,
	}, nil
}

func (s *onnxSession) run(x *tensor.Tensor) ([]float32, error) {
	if x.C != 3 || x.H != s.size || x.W != s.size {
		return nil, fmt.Errorf("onnx input must be 3x%dx%d, got %v", s.size, s.size, x.Shape())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.inputTensor.GetData(), x.Data)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return append([]float32(nil), s.outputTensor.GetData()...), nil
}

func (s *onnxSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	s.inputTensor.Destroy()
	s.outputTensor.Destroy()
	s.session.Destroy()
	s.session = nil
	return releaseEnvironment()
}
