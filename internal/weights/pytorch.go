package weights

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// checkpointKeys are tried, in order, when a file holds a training
// checkpoint instead of a bare state dict.
var checkpointKeys = []string{"state_dict", "model_state_dict", "model"}

// IsPyTorch reports whether path names a torch.save file.
func IsPyTorch(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pth", ".pt":
		return true
	}
	return false
}

// ReadPyTorch loads a state dict written by torch.save. Both the zip
// container and the legacy pickle layout are accepted.
func ReadPyTorch(path string) (*Blob, error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return FromStateDict(v)
}

type getter interface {
	Get(key interface{}) (interface{}, bool)
}

// FromStateDict converts an unpickled state dict into a Blob, keeping the
// dict's order. A checkpoint dict is unwrapped first.
func FromStateDict(v interface{}) (*Blob, error) {
	if g, ok := v.(getter); ok {
		for _, k := range checkpointKeys {
			if inner, ok := g.Get(k); ok {
				if _, isTensor := inner.(*pytorch.Tensor); !isTensor {
					return FromStateDict(inner)
				}
			}
		}
	}
	d, ok := v.(*types.OrderedDict)
	if !ok {
		return nil, fmt.Errorf("%w: top-level object is %T, want a state dict", ErrFormat, v)
	}

	blob := NewBlob()
	for e := d.List.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*types.OrderedDictEntry)
		name, ok := entry.Key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: state dict key %v is not a string", ErrFormat, entry.Key)
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("%w: %q holds %T, want a tensor", ErrFormat, name, entry.Value)
		}
		values, err := tensorValues(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrFormat, name, err)
		}
		if err := blob.Add(name, t.Size, values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	return blob, nil
}

func storageValues(s pytorch.StorageInterface) ([]float32, error) {
	switch st := s.(type) {
	case *pytorch.FloatStorage:
		return st.Data, nil
	case *pytorch.HalfStorage:
		return st.Data, nil
	case *pytorch.DoubleStorage:
		out := make([]float32, len(st.Data))
		for i, v := range st.Data {
			out[i] = float32(v)
		}
		return out, nil
	case *pytorch.LongStorage:
		out := make([]float32, len(st.Data))
		for i, v := range st.Data {
			out[i] = float32(v)
		}
		return out, nil
	case *pytorch.IntStorage:
		out := make([]float32, len(st.Data))
		for i, v := range st.Data {
			out[i] = float32(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported storage %T", s)
}

// tensorValues copies t out of its storage in row-major order, honouring
// the offset and strides of views.
func tensorValues(t *pytorch.Tensor) ([]float32, error) {
	src, err := storageValues(t.Source)
	if err != nil {
		return nil, err
	}
	if len(t.Stride) != len(t.Size) {
		return nil, fmt.Errorf("%d strides for %d dimensions", len(t.Stride), len(t.Size))
	}
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	out := make([]float32, n)
	if n == 0 {
		return out, nil
	}

	idx := make([]int, len(t.Size))
	for i := range out {
		pos := t.StorageOffset
		for d, k := range idx {
			pos += k * t.Stride[d]
		}
		if pos < 0 || pos >= len(src) {
			return nil, fmt.Errorf("element %d at storage index %d outside %d values", i, pos, len(src))
		}
		out[i] = src[pos]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}
