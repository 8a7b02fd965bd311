// Package weights loads saved network parameters and infers which backbone
// produced them.
package weights

import (
	"fmt"
)

// Tensor is one named parameter or buffer of a saved network.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape; a scalar has one element.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Blob is an ordered name → tensor mapping. Order is insertion order, which
// for files read from disk is the physical order of the payload.
type Blob struct {
	names    []string
	tensors  map[string]*Tensor
	Metadata map[string]string
}

// NewBlob returns an empty blob.
func NewBlob() *Blob {
	return &Blob{tensors: make(map[string]*Tensor), Metadata: map[string]string{}}
}

// Add appends a tensor. Names must be unique and len(data) must match the shape.
func (b *Blob) Add(name string, shape []int, data []float32) error {
	if name == "" {
		return fmt.Errorf("empty tensor name")
	}
	if _, ok := b.tensors[name]; ok {
		return fmt.Errorf("duplicate tensor %q", name)
	}
	t := &Tensor{Name: name, Shape: append([]int(nil), shape...), Data: data}
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("tensor %q: negative dimension in %v", name, shape)
		}
	}
	if len(data) != t.NumElements() {
		return fmt.Errorf("tensor %q: %d values for shape %v", name, len(data), shape)
	}
	b.names = append(b.names, name)
	b.tensors[name] = t
	return nil
}

// Get returns the tensor stored under name.
func (b *Blob) Get(name string) (*Tensor, bool) {
	t, ok := b.tensors[name]
	return t, ok
}

// Names returns the tensor names in order.
func (b *Blob) Names() []string {
	return append([]string(nil), b.names...)
}

// Len returns the number of tensors.
func (b *Blob) Len() int { return len(b.names) }

// Tensors returns the tensors in order.
func (b *Blob) Tensors() []*Tensor {
	out := make([]*Tensor, 0, len(b.names))
	for _, n := range b.names {
		out = append(out, b.tensors[n])
	}
	return out
}

// ParamCount sums the element counts of every entry, buffers included.
func ParamCount(b *Blob) int64 {
	var total int64
	for _, t := range b.tensors {
		total += int64(t.NumElements())
	}
	return total
}
