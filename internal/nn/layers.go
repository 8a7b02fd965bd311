package nn

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/Brownie44l1/food-classifier/internal/tensor"
)

// bnEps matches torch.nn.BatchNorm2d's default.
const bnEps = 1e-5

// Conv2d is a square-kernel 2D convolution with symmetric zero padding.
type Conv2d struct {
	Weight *Param // [out, in/groups, k, k]
	Bias   *Param // [out] or nil
	In     int
	Out    int
	Kernel int
	Stride int
	Pad    int
	Groups int
}

func newConv2d(s scope, in, out, kernel, stride, pad, groups int, bias bool) *Conv2d {
	c := &Conv2d{In: in, Out: out, Kernel: kernel, Stride: stride, Pad: pad, Groups: groups}
	c.Weight = s.param("weight", out, in/groups, kernel, kernel)
	if bias {
		c.Bias = s.param("bias", out)
	}
	return c
}

func (c *Conv2d) outSize(h, w int) (int, int) {
	return (h+2*c.Pad-c.Kernel)/c.Stride + 1, (w+2*c.Pad-c.Kernel)/c.Stride + 1
}

// Forward returns a newly allocated output; x is not modified.
func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.C != c.In {
		return nil, fmt.Errorf("conv %s: input has %d channels, want %d", c.Weight.Name, x.C, c.In)
	}
	oh, ow := c.outSize(x.H, x.W)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv %s: input %dx%d too small for kernel %d", c.Weight.Name, x.H, x.W, c.Kernel)
	}
	out := tensor.New(c.Out, oh, ow)

	if c.Groups > 1 && c.Groups == c.In && c.Groups == c.Out {
		c.depthwise(x, out)
	} else {
		c.gemm(x, out)
	}

	if c.Bias != nil {
		for o := 0; o < c.Out; o++ {
			b := c.Bias.Data[o]
			plane := out.Plane(o)
			for i := range plane {
				plane[i] += b
			}
		}
	}
	return out, nil
}

// gemm lowers each group to an im2col matrix and multiplies it with the
// group's filters.
func (c *Conv2d) gemm(x, out *tensor.Tensor) {
	inPer := c.In / c.Groups
	outPer := c.Out / c.Groups
	kdim := inPer * c.Kernel * c.Kernel
	ohw := out.H * out.W

	pointwise := c.Kernel == 1 && c.Stride == 1 && c.Pad == 0
	var cols []float32
	if !pointwise {
		cols = make([]float32, kdim*ohw)
	}
	for g := 0; g < c.Groups; g++ {
		var b []float32
		if pointwise {
			b = x.Data[g*inPer*ohw : (g+1)*inPer*ohw]
		} else {
			im2col(x, g*inPer, inPer, c.Kernel, c.Stride, c.Pad, out.H, out.W, cols)
			b = cols
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: outPer, Cols: kdim, Stride: kdim, Data: c.Weight.Data[g*outPer*kdim : (g+1)*outPer*kdim]},
			blas32.General{Rows: kdim, Cols: ohw, Stride: ohw, Data: b},
			0,
			blas32.General{Rows: outPer, Cols: ohw, Stride: ohw, Data: out.Data[g*outPer*ohw : (g+1)*outPer*ohw]},
		)
	}
}

func im2col(x *tensor.Tensor, c0, cn, k, stride, pad, oh, ow int, cols []float32) {
	row := 0
	for c := c0; c < c0+cn; c++ {
		plane := x.Plane(c)
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				dst := cols[row*oh*ow : (row+1)*oh*ow]
				for oy := 0; oy < oh; oy++ {
					iy := oy*stride - pad + ky
					seg := dst[oy*ow : (oy+1)*ow]
					if iy < 0 || iy >= x.H {
						clear(seg)
						continue
					}
					src := plane[iy*x.W : (iy+1)*x.W]
					for ox := range seg {
						ix := ox*stride - pad + kx
						if ix < 0 || ix >= x.W {
							seg[ox] = 0
						} else {
							seg[ox] = src[ix]
						}
					}
				}
				row++
			}
		}
	}
}

func (c *Conv2d) depthwise(x, out *tensor.Tensor) {
	k := c.Kernel
	parallelFor(c.Out, func(lo, hi int) {
		for ch := lo; ch < hi; ch++ {
			w := c.Weight.Data[ch*k*k : (ch+1)*k*k]
			in := x.Plane(ch)
			o := out.Plane(ch)
			for oy := 0; oy < out.H; oy++ {
				for ox := 0; ox < out.W; ox++ {
					var sum float32
					for ky := 0; ky < k; ky++ {
						iy := oy*c.Stride - c.Pad + ky
						if iy < 0 || iy >= x.H {
							continue
						}
						row := in[iy*x.W:]
						for kx := 0; kx < k; kx++ {
							ix := ox*c.Stride - c.Pad + kx
							if ix < 0 || ix >= x.W {
								continue
							}
							sum += w[ky*k+kx] * row[ix]
						}
					}
					o[oy*out.W+ox] = sum
				}
			}
		}
	})
}

// parallelFor splits [0,n) into contiguous chunks across the available CPUs.
func parallelFor(n int, fn func(lo, hi int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// BatchNorm2d in inference mode: running statistics folded into a
// per-channel affine transform once the weights are loaded.
type BatchNorm2d struct {
	Weight      *Param
	Bias        *Param
	RunningMean *Param
	RunningVar  *Param
	Tracked     *Param

	channels int
	scale    []float32
	shift    []float32
}

func newBatchNorm2d(s scope, channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		channels:    channels,
		Weight:      s.param("weight", channels),
		Bias:        s.param("bias", channels),
		RunningMean: s.param("running_mean", channels),
		RunningVar:  s.param("running_var", channels),
		Tracked:     s.param("num_batches_tracked"),
	}
	s.set.norms = append(s.set.norms, bn)
	return bn
}

func (bn *BatchNorm2d) fold() {
	bn.scale = make([]float32, bn.channels)
	bn.shift = make([]float32, bn.channels)
	for c := 0; c < bn.channels; c++ {
		inv := 1 / math.Sqrt(float64(bn.RunningVar.Data[c])+bnEps)
		scale := float64(bn.Weight.Data[c]) * inv
		bn.scale[c] = float32(scale)
		bn.shift[c] = float32(float64(bn.Bias.Data[c]) - float64(bn.RunningMean.Data[c])*scale)
	}
}

// Forward returns a newly allocated output; x is not modified.
func (bn *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.C != bn.channels {
		return nil, fmt.Errorf("batchnorm %s: input has %d channels, want %d", bn.Weight.Name, x.C, bn.channels)
	}
	out := tensor.New(x.C, x.H, x.W)
	bn.apply(x, out)
	return out, nil
}

// apply writes the normalized x into dst, which may alias x.
func (bn *BatchNorm2d) apply(x, dst *tensor.Tensor) {
	for c := 0; c < x.C; c++ {
		s, b := bn.scale[c], bn.shift[c]
		src, out := x.Plane(c), dst.Plane(c)
		for i, v := range src {
			out[i] = v*s + b
		}
	}
}

// Linear is a fully connected layer applied to a pooled feature vector.
type Linear struct {
	Weight *Param // [out, in]
	Bias   *Param // [out]
	In     int
	Out    int
}

func newLinear(s scope, in, out int) *Linear {
	return &Linear{In: in, Out: out, Weight: s.param("weight", out, in), Bias: s.param("bias", out)}
}

// Forward computes W·x + b.
func (l *Linear) Forward(x []float32) ([]float32, error) {
	if len(x) != l.In {
		return nil, fmt.Errorf("linear %s: input has %d features, want %d", l.Weight.Name, len(x), l.In)
	}
	out := make([]float32, l.Out)
	copy(out, l.Bias.Data)
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: l.Out, Cols: l.In, Stride: l.In, Data: l.Weight.Data},
		blas32.Vector{N: l.In, Inc: 1, Data: x},
		1,
		blas32.Vector{N: l.Out, Inc: 1, Data: out},
	)
	return out, nil
}

func reluInPlace(t *tensor.Tensor) {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
}

func siluInPlace(t *tensor.Tensor) {
	for i, v := range t.Data {
		t.Data[i] = silu(v)
	}
}

func silu(v float32) float32 { return v * sigmoid(v) }

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

// maxPool2d pads with -inf, so padded cells never win.
func maxPool2d(x *tensor.Tensor, k, stride, pad int) (*tensor.Tensor, error) {
	oh := (x.H+2*pad-k)/stride + 1
	ow := (x.W+2*pad-k)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("maxpool: input %dx%d too small", x.H, x.W)
	}
	out := tensor.New(x.C, oh, ow)
	for c := 0; c < x.C; c++ {
		in, o := x.Plane(c), out.Plane(c)
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				for ky := 0; ky < k; ky++ {
					iy := oy*stride - pad + ky
					if iy < 0 || iy >= x.H {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*stride - pad + kx
						if ix < 0 || ix >= x.W {
							continue
						}
						if v := in[iy*x.W+ix]; v > best {
							best = v
						}
					}
				}
				o[oy*ow+ox] = best
			}
		}
	}
	return out, nil
}

// avgPool2d without padding; trailing rows/columns that do not fill a
// window are dropped.
func avgPool2d(x *tensor.Tensor, k, stride int) (*tensor.Tensor, error) {
	oh := (x.H-k)/stride + 1
	ow := (x.W-k)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("avgpool: input %dx%d too small", x.H, x.W)
	}
	out := tensor.New(x.C, oh, ow)
	norm := 1 / float32(k*k)
	for c := 0; c < x.C; c++ {
		in, o := x.Plane(c), out.Plane(c)
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				var sum float32
				for ky := 0; ky < k; ky++ {
					row := in[(oy*stride+ky)*x.W:]
					for kx := 0; kx < k; kx++ {
						sum += row[ox*stride+kx]
					}
				}
				o[oy*ow+ox] = sum * norm
			}
		}
	}
	return out, nil
}

// globalAvgPool is AdaptiveAvgPool2d(1) flattened to a vector.
func globalAvgPool(x *tensor.Tensor) []float32 {
	out := make([]float32, x.C)
	n := float64(x.H * x.W)
	for c := 0; c < x.C; c++ {
		var sum float64
		for _, v := range x.Plane(c) {
			sum += float64(v)
		}
		out[c] = float32(sum / n)
	}
	return out
}

func addInPlace(dst, src *tensor.Tensor) error {
	if dst.C != src.C || dst.H != src.H || dst.W != src.W {
		return fmt.Errorf("residual shape mismatch: %v + %v", dst.Shape(), src.Shape())
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

type activation int

const (
	actNone activation = iota
	actReLU
	actSiLU
)

func (a activation) applyInPlace(t *tensor.Tensor) {
	switch a {
	case actReLU:
		reluInPlace(t)
	case actSiLU:
		siluInPlace(t)
	}
}

// convBN is the conv → batchnorm → activation triple every backbone is
// assembled from. Padding is "same" for odd kernels.
type convBN struct {
	conv *Conv2d
	bn   *BatchNorm2d
	act  activation
}

func newConvBN(convScope, bnScope scope, in, out, kernel, stride, groups int, act activation) *convBN {
	return &convBN{
		conv: newConv2d(convScope, in, out, kernel, stride, (kernel-1)/2, groups, false),
		bn:   newBatchNorm2d(bnScope, out),
		act:  act,
	}
}

func (c *convBN) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := c.conv.Forward(x)
	if err != nil {
		return nil, err
	}
	c.bn.apply(y, y)
	c.act.applyInPlace(y)
	return y, nil
}
