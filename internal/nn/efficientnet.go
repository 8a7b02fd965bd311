package nn

import (
	"math"

	"github.com/Brownie44l1/food-classifier/internal/tensor"
)

// mbConvStage is one row of the EfficientNet-B0 base table.
type mbConvStage struct {
	expand  int
	kernel  int
	stride  int
	in, out int
	layers  int
}

var efficientNetBase = []mbConvStage{
	{1, 3, 1, 32, 16, 1},
	{6, 3, 2, 16, 24, 2},
	{6, 5, 2, 24, 40, 2},
	{6, 3, 2, 40, 80, 3},
	{6, 5, 1, 80, 112, 3},
	{6, 5, 2, 112, 192, 4},
	{6, 3, 1, 192, 320, 1},
}

// makeDivisible rounds v to the nearest multiple of 8 without dropping more
// than 10% below it.
func makeDivisible(v float64) int {
	const divisor = 8
	n := int(v+divisor/2) / divisor * divisor
	if n < divisor {
		n = divisor
	}
	if float64(n) < 0.9*v {
		n += divisor
	}
	return n
}

type squeezeExcite struct {
	fc1 *Conv2d
	fc2 *Conv2d
}

func (se *squeezeExcite) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	pooled, err := tensor.FromData(x.C, 1, 1, globalAvgPool(x))
	if err != nil {
		return nil, err
	}
	s, err := se.fc1.Forward(pooled)
	if err != nil {
		return nil, err
	}
	siluInPlace(s)
	if s, err = se.fc2.Forward(s); err != nil {
		return nil, err
	}
	for c := 0; c < x.C; c++ {
		g := sigmoid(s.Data[c])
		plane := x.Plane(c)
		for i := range plane {
			plane[i] *= g
		}
	}
	return x, nil
}

type mbConv struct {
	expand    *convBN // nil when the expand ratio is 1
	depthwise *convBN
	se        *squeezeExcite
	project   *convBN
	residual  bool
}

func (m *mbConv) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y := x
	var err error
	if m.expand != nil {
		if y, err = m.expand.forward(y); err != nil {
			return nil, err
		}
	}
	if y, err = m.depthwise.forward(y); err != nil {
		return nil, err
	}
	// depthwise output is freshly allocated, so SE may scale it in place
	if y, err = m.se.forward(y); err != nil {
		return nil, err
	}
	if y, err = m.project.forward(y); err != nil {
		return nil, err
	}
	if m.residual {
		if err := addInPlace(y, x); err != nil {
			return nil, err
		}
	}
	return y, nil
}

type efficientnet struct {
	stem       *convBN
	blocks     []*mbConv
	head       *convBN
	classifier *Linear
}

// newEfficientNet lays out torchvision's EfficientNet-V1 with the given
// width and depth multipliers.
func newEfficientNet(set *paramSet, width, depth float64, numClasses int) *efficientnet {
	root := scope{set: set}
	f := root.sub("features")

	stemOut := makeDivisible(float64(efficientNetBase[0].in) * width)
	e := &efficientnet{stem: newConvBN(f.sub("0.0"), f.sub("0.1"), 3, stemOut, 3, 2, 1, actSiLU)}

	var last int
	for si, st := range efficientNetBase {
		in := makeDivisible(float64(st.in) * width)
		out := makeDivisible(float64(st.out) * width)
		n := int(math.Ceil(float64(st.layers) * depth))
		for j := 0; j < n; j++ {
			stride := st.stride
			if j > 0 {
				in, stride = out, 1
			}
			b := f.subf("%d.%d.block", si+1, j)
			expanded := in * st.expand
			m := &mbConv{residual: stride == 1 && in == out}
			idx := 0
			if st.expand != 1 {
				m.expand = newConvBN(b.subf("%d.0", idx), b.subf("%d.1", idx), in, expanded, 1, 1, 1, actSiLU)
				idx++
			}
			m.depthwise = newConvBN(b.subf("%d.0", idx), b.subf("%d.1", idx), expanded, expanded, st.kernel, stride, expanded, actSiLU)
			idx++
			squeeze := max(1, in/4)
			seScope := b.subf("%d", idx)
			m.se = &squeezeExcite{
				fc1: newConv2d(seScope.sub("fc1"), expanded, squeeze, 1, 1, 0, 1, true),
				fc2: newConv2d(seScope.sub("fc2"), squeeze, expanded, 1, 1, 0, 1, true),
			}
			idx++
			m.project = newConvBN(b.subf("%d.0", idx), b.subf("%d.1", idx), expanded, out, 1, 1, 1, actNone)
			e.blocks = append(e.blocks, m)
		}
		last = out
	}

	headOut := 4 * last
	e.head = newConvBN(f.sub("8.0"), f.sub("8.1"), last, headOut, 1, 1, 1, actSiLU)
	// classifier.0 is dropout and carries no state
	e.classifier = newLinear(root.sub("classifier.1"), headOut, numClasses)
	return e
}

func (e *efficientnet) forward(x *tensor.Tensor) ([]float32, error) {
	y, err := e.stem.forward(x)
	if err != nil {
		return nil, err
	}
	for _, b := range e.blocks {
		if y, err = b.forward(y); err != nil {
			return nil, err
		}
	}
	if y, err = e.head.forward(y); err != nil {
		return nil, err
	}
	return e.classifier.Forward(globalAvgPool(y))
}
