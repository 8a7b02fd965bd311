package nn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Brownie44l1/food-classifier/internal/weights"
)

// Param is one named entry of a network's state: a learnable weight or a
// buffer such as a BatchNorm running statistic.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape.
func (p *Param) NumElements() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Buffer reports whether the entry is a running statistic rather than a
// learnable parameter.
func (p *Param) Buffer() bool {
	return strings.HasSuffix(p.Name, ".running_mean") ||
		strings.HasSuffix(p.Name, ".running_var") ||
		strings.HasSuffix(p.Name, ".num_batches_tracked")
}

// paramSet collects the skeleton's entries in declaration order.
type paramSet struct {
	list   []*Param
	byName map[string]*Param
	norms  []*BatchNorm2d
}

func newParamSet() *paramSet {
	return &paramSet{byName: make(map[string]*Param)}
}

// scope hands out names below a dotted prefix.
type scope struct {
	set    *paramSet
	prefix string
}

func (s scope) sub(name string) scope {
	if s.prefix == "" {
		return scope{set: s.set, prefix: name}
	}
	return scope{set: s.set, prefix: s.prefix + "." + name}
}

func (s scope) subf(format string, args ...any) scope {
	return s.sub(fmt.Sprintf(format, args...))
}

func (s scope) param(name string, shape ...int) *Param {
	full := name
	if s.prefix != "" {
		full = s.prefix + "." + name
	}
	if _, dup := s.set.byName[full]; dup {
		panic("nn: duplicate parameter " + full)
	}
	p := &Param{Name: full, Shape: append([]int{}, shape...)}
	s.set.list = append(s.set.list, p)
	s.set.byName[full] = p
	return p
}

// ShapeMismatch describes one entry whose saved shape differs from the skeleton.
type ShapeMismatch struct {
	Name     string
	Expected []int
	Got      []int
}

// LoadError lists every discrepancy found by a strict load.
type LoadError struct {
	Missing    []string
	Unexpected []string
	Mismatched []ShapeMismatch
}

func (e *LoadError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing keys %s", summarize(e.Missing)))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected keys %s", summarize(e.Unexpected)))
	}
	for i, m := range e.Mismatched {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more shape mismatches", len(e.Mismatched)-3))
			break
		}
		parts = append(parts, fmt.Sprintf("size mismatch for %s: expected %v, got %v", m.Name, m.Expected, m.Got))
	}
	return "loading weights: " + strings.Join(parts, "; ")
}

func summarize(names []string) string {
	if len(names) <= 5 {
		return fmt.Sprintf("%q", names)
	}
	return fmt.Sprintf("%q and %d more", names[:5], len(names)-5)
}

// load binds blob tensors to the skeleton. Every entry must be present with
// the identical shape and the blob may not carry extra entries.
func (s *paramSet) load(b *weights.Blob) error {
	lerr := &LoadError{}
	for _, p := range s.list {
		t, ok := b.Get(p.Name)
		if !ok {
			lerr.Missing = append(lerr.Missing, p.Name)
			continue
		}
		if !sameShape(p.Shape, t.Shape) {
			lerr.Mismatched = append(lerr.Mismatched, ShapeMismatch{Name: p.Name, Expected: p.Shape, Got: t.Shape})
		}
	}
	for _, name := range b.Names() {
		if _, ok := s.byName[name]; !ok {
			lerr.Unexpected = append(lerr.Unexpected, name)
		}
	}
	if len(lerr.Missing)+len(lerr.Unexpected)+len(lerr.Mismatched) > 0 {
		sort.Strings(lerr.Unexpected)
		return lerr
	}

	for _, p := range s.list {
		t, _ := b.Get(p.Name)
		p.Data = t.Data
	}
	for _, bn := range s.norms {
		bn.fold()
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
