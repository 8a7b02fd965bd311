// Package nn executes the supported image backbones on the CPU. Skeletons
// follow torchvision's parameter naming so saved state dicts load without
// any key remapping.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/Brownie44l1/food-classifier/internal/tensor"
	"github.com/Brownie44l1/food-classifier/internal/weights"
)

var (
	// ErrNotLoaded is returned by Forward before weights are bound.
	ErrNotLoaded = errors.New("network weights not loaded")
	// ErrAlreadyLoaded is returned by a second Load.
	ErrAlreadyLoaded = errors.New("network weights already loaded")
)

type backbone interface {
	forward(x *tensor.Tensor) ([]float32, error)
}

// Network is a backbone skeleton with a classification head of NumClasses
// outputs. After Load it is read-only and safe for concurrent Forward calls.
type Network struct {
	Arch       weights.Architecture
	NumClasses int

	params *paramSet
	body   backbone
	loaded bool
}

// NewNetwork builds an unloaded skeleton.
func NewNetwork(arch weights.Architecture, numClasses int) (*Network, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	set := newParamSet()
	var body backbone
	switch arch {
	case weights.ResNet18:
		body = newResNet(set, [4]int{2, 2, 2, 2}, false, numClasses)
	case weights.ResNet50:
		body = newResNet(set, [4]int{3, 4, 6, 3}, true, numClasses)
	case weights.EfficientNetB0:
		body = newEfficientNet(set, 1.0, 1.0, numClasses)
	case weights.EfficientNetB3:
		body = newEfficientNet(set, 1.2, 1.4, numClasses)
	case weights.DenseNet121:
		body = newDenseNet121(set, numClasses)
	default:
		return nil, fmt.Errorf("no skeleton for architecture %s", arch)
	}
	return &Network{Arch: arch, NumClasses: numClasses, params: set, body: body}, nil
}

// HeadWeightName is the state-dict key of the final linear layer's weight,
// whose first dimension is the class count.
func HeadWeightName(arch weights.Architecture) string {
	switch arch {
	case weights.ResNet18, weights.ResNet50:
		return "fc.weight"
	case weights.EfficientNetB0, weights.EfficientNetB3:
		return "classifier.1.weight"
	case weights.DenseNet121:
		return "classifier.weight"
	}
	return ""
}

// Params returns every state entry in declaration order.
func (n *Network) Params() []*Param {
	return append([]*Param(nil), n.params.list...)
}

// NumParameters counts learnable elements; running statistics are excluded.
func (n *Network) NumParameters() int64 {
	var total int64
	for _, p := range n.params.list {
		if !p.Buffer() {
			total += int64(p.NumElements())
		}
	}
	return total
}

// Load binds the blob with strict key and shape matching. On error the
// network stays unloaded.
func (n *Network) Load(b *weights.Blob) error {
	if n.loaded {
		return ErrAlreadyLoaded
	}
	if err := n.params.load(b); err != nil {
		return err
	}
	n.loaded = true
	return nil
}

// Loaded reports whether Load succeeded.
func (n *Network) Loaded() bool { return n.loaded }

// Forward runs one normalized 3×H×W image and returns NumClasses logits.
func (n *Network) Forward(x *tensor.Tensor) ([]float32, error) {
	if !n.loaded {
		return nil, ErrNotLoaded
	}
	if x == nil || x.C != 3 {
		return nil, fmt.Errorf("network input must have 3 channels")
	}
	return n.body.forward(x)
}

// RandomBlob returns a freshly initialized state for the architecture:
// He-normal convolutions, uniform linear layers, identity batch norms.
// Useful for smoke-testing a deployment without trained weights.
func RandomBlob(arch weights.Architecture, numClasses int, seed uint64) (*weights.Blob, error) {
	net, err := NewNetwork(arch, numClasses)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	blob := weights.NewBlob()
	blob.Metadata["architecture"] = arch.String()
	for _, p := range net.params.list {
		data := make([]float32, p.NumElements())
		switch {
		case p.Buffer():
			if strings.HasSuffix(p.Name, ".running_var") {
				fill(data, 1)
			}
		case len(p.Shape) == 4:
			fanIn := p.Shape[1] * p.Shape[2] * p.Shape[3]
			std := math.Sqrt(2 / float64(fanIn))
			for i := range data {
				data[i] = float32(rng.NormFloat64() * std)
			}
		case len(p.Shape) == 2:
			bound := 1 / math.Sqrt(float64(p.Shape[1]))
			for i := range data {
				data[i] = float32((rng.Float64()*2 - 1) * bound)
			}
		case strings.HasSuffix(p.Name, ".weight"):
			// batch norm gamma
			fill(data, 1)
		}
		if err := blob.Add(p.Name, p.Shape, data); err != nil {
			return nil, err
		}
	}
	return blob, nil
}

func fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}
