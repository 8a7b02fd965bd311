// Package tensor holds the channel-major feature map shared by the
// preprocessing pipeline and the network executors.
package tensor

import "fmt"

// Tensor is a dense C×H×W float32 array stored channel-major.
type Tensor struct {
	C, H, W int
	Data    []float32
}

// New allocates a zeroed tensor.
func New(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// FromData wraps data without copying. len(data) must equal c*h*w.
func FromData(c, h, w int, data []float32) (*Tensor, error) {
	if len(data) != c*h*w {
		return nil, fmt.Errorf("tensor data length %d does not match %dx%dx%d", len(data), c, h, w)
	}
	return &Tensor{C: c, H: h, W: w, Data: data}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return t.C * t.H * t.W }

// Plane returns the backing slice of channel c.
func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

// At returns the element at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// Shape returns the dimensions as a slice, batch dimension excluded.
func (t *Tensor) Shape() []int { return []int{t.C, t.H, t.W} }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{C: t.C, H: t.H, W: t.W, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor[%d,%d,%d]", t.C, t.H, t.W)
}
