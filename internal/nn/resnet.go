package nn

import (
	"github.com/Brownie44l1/food-classifier/internal/tensor"
)

type resnetBlock struct {
	convs      []*convBN // last one has no activation
	downsample *convBN
}

func (b *resnetBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y := x
	for _, c := range b.convs {
		var err error
		if y, err = c.forward(y); err != nil {
			return nil, err
		}
	}
	identity := x
	if b.downsample != nil {
		var err error
		if identity, err = b.downsample.forward(x); err != nil {
			return nil, err
		}
	}
	if err := addInPlace(y, identity); err != nil {
		return nil, err
	}
	reluInPlace(y)
	return y, nil
}

type resnet struct {
	stem   *convBN
	blocks []*resnetBlock
	fc     *Linear
}

// newResNet lays out torchvision's ResNet. bottleneck selects the
// 1x1/3x3/1x1 block with expansion 4 instead of the two 3x3 basic block.
func newResNet(set *paramSet, layers [4]int, bottleneck bool, numClasses int) *resnet {
	root := scope{set: set}
	r := &resnet{stem: newConvBN(root.sub("conv1"), root.sub("bn1"), 3, 64, 7, 2, 1, actReLU)}

	expansion := 1
	if bottleneck {
		expansion = 4
	}
	inplanes := 64
	for li, n := range layers {
		planes := 64 << li
		stride := 1
		if li > 0 {
			stride = 2
		}
		for bi := 0; bi < n; bi++ {
			s := root.subf("layer%d.%d", li+1, bi)
			blk := &resnetBlock{}
			if bottleneck {
				blk.convs = []*convBN{
					newConvBN(s.sub("conv1"), s.sub("bn1"), inplanes, planes, 1, 1, 1, actReLU),
					newConvBN(s.sub("conv2"), s.sub("bn2"), planes, planes, 3, stride, 1, actReLU),
					newConvBN(s.sub("conv3"), s.sub("bn3"), planes, planes*expansion, 1, 1, 1, actNone),
				}
			} else {
				blk.convs = []*convBN{
					newConvBN(s.sub("conv1"), s.sub("bn1"), inplanes, planes, 3, stride, 1, actReLU),
					newConvBN(s.sub("conv2"), s.sub("bn2"), planes, planes, 3, 1, 1, actNone),
				}
			}
			if stride != 1 || inplanes != planes*expansion {
				blk.downsample = newConvBN(s.sub("downsample.0"), s.sub("downsample.1"), inplanes, planes*expansion, 1, stride, 1, actNone)
			}
			r.blocks = append(r.blocks, blk)
			inplanes = planes * expansion
			stride = 1
		}
	}
	r.fc = newLinear(root.sub("fc"), 512*expansion, numClasses)
	return r
}

func (r *resnet) forward(x *tensor.Tensor) ([]float32, error) {
	y, err := r.stem.forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = maxPool2d(y, 3, 2, 1); err != nil {
		return nil, err
	}
	for _, b := range r.blocks {
		if y, err = b.forward(y); err != nil {
			return nil, err
		}
	}
	return r.fc.Forward(globalAvgPool(y))
}
