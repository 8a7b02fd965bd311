package nn

import (
	"github.com/Brownie44l1/food-classifier/internal/tensor"
)

const (
	denseGrowth = 32
	denseBNSize = 4
)

type denseLayer struct {
	norm1 *BatchNorm2d
	conv1 *Conv2d
	norm2 *BatchNorm2d
	conv2 *Conv2d
}

type denseBlock struct {
	in     int
	layers []*denseLayer
}

type transition struct {
	norm *BatchNorm2d
	conv *Conv2d
}

type densenet struct {
	stem        *convBN
	blocks      []*denseBlock
	transitions []*transition
	norm5       *BatchNorm2d
	classifier  *Linear
}

// newDenseNet121 lays out torchvision's densenet121 (growth 32, blocks
// 6/12/24/16, 64 initial features, bn_size 4).
func newDenseNet121(set *paramSet, numClasses int) *densenet {
	root := scope{set: set}
	f := root.sub("features")
	d := &densenet{stem: newConvBN(f.sub("conv0"), f.sub("norm0"), 3, 64, 7, 2, 1, actReLU)}

	features := 64
	for bi, n := range []int{6, 12, 24, 16} {
		bs := f.subf("denseblock%d", bi+1)
		blk := &denseBlock{in: features}
		for li := 0; li < n; li++ {
			ls := bs.subf("denselayer%d", li+1)
			in := features + li*denseGrowth
			inner := denseBNSize * denseGrowth
			blk.layers = append(blk.layers, &denseLayer{
				norm1: newBatchNorm2d(ls.sub("norm1"), in),
				conv1: newConv2d(ls.sub("conv1"), in, inner, 1, 1, 0, 1, false),
				norm2: newBatchNorm2d(ls.sub("norm2"), inner),
				conv2: newConv2d(ls.sub("conv2"), inner, denseGrowth, 3, 1, 1, 1, false),
			})
		}
		d.blocks = append(d.blocks, blk)
		features += n * denseGrowth
		if bi < 3 {
			ts := f.subf("transition%d", bi+1)
			d.transitions = append(d.transitions, &transition{
				norm: newBatchNorm2d(ts.sub("norm"), features),
				conv: newConv2d(ts.sub("conv"), features, features/2, 1, 1, 0, 1, false),
			})
			features /= 2
		}
	}
	d.norm5 = newBatchNorm2d(f.sub("norm5"), features)
	d.classifier = newLinear(root.sub("classifier"), features, numClasses)
	return d
}

// forward writes every layer's new features straight into a buffer sized for
// the whole block. Channel-major layout makes the first k channels a
// contiguous prefix, which is exactly the concatenated input of layer k.
func (b *denseBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	total := b.in + len(b.layers)*denseGrowth
	out := tensor.New(total, x.H, x.W)
	copy(out.Data, x.Data)
	plane := x.H * x.W
	for i, l := range b.layers {
		c := b.in + i*denseGrowth
		prefix, err := tensor.FromData(c, x.H, x.W, out.Data[:c*plane])
		if err != nil {
			return nil, err
		}
		y, err := l.norm1.Forward(prefix)
		if err != nil {
			return nil, err
		}
		reluInPlace(y)
		if y, err = l.conv1.Forward(y); err != nil {
			return nil, err
		}
		l.norm2.apply(y, y)
		reluInPlace(y)
		if y, err = l.conv2.Forward(y); err != nil {
			return nil, err
		}
		copy(out.Data[c*plane:], y.Data)
	}
	return out, nil
}

func (d *densenet) forward(x *tensor.Tensor) ([]float32, error) {
	y, err := d.stem.forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = maxPool2d(y, 3, 2, 1); err != nil {
		return nil, err
	}
	for i, blk := range d.blocks {
		if y, err = blk.forward(y); err != nil {
			return nil, err
		}
		if i < len(d.transitions) {
			t := d.transitions[i]
			if y, err = t.norm.Forward(y); err != nil {
				return nil, err
			}
			reluInPlace(y)
			if y, err = t.conv.Forward(y); err != nil {
				return nil, err
			}
			if y, err = avgPool2d(y, 2, 2); err != nil {
				return nil, err
			}
		}
	}
	if y, err = d.norm5.Forward(y); err != nil {
		return nil, err
	}
	reluInPlace(y)
	return d.classifier.Forward(globalAvgPool(y))
}
