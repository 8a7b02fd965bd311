package weights

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// maxHeaderSize bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderSize = 100 << 20

// ErrFormat reports a malformed weights file.
var ErrFormat = errors.New("malformed safetensors data")

type entryHeader struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadFile loads weights from disk: torch.save files by their .pth or .pt
// extension, safetensors otherwise.
func ReadFile(path string) (*Blob, error) {
	if IsPyTorch(path) {
		blob, err := ReadPyTorch(path)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return blob, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	blob, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return blob, nil
}

// Decode parses a safetensors buffer. Every supported dtype is widened or
// narrowed to float32.
func Decode(data []byte) (*Blob, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the length prefix", ErrFormat, len(data))
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n > maxHeaderSize || n > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrFormat, n)
	}
	header := data[8 : 8+n]
	payload := data[8+n:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}

	blob := NewBlob()
	type named struct {
		name string
		hdr  entryHeader
	}
	entries := make([]named, 0, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &blob.Metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
			}
			continue
		}
		var hdr entryHeader
		if err := json.Unmarshal(msg, &hdr); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrFormat, name, err)
		}
		entries = append(entries, named{name: name, hdr: hdr})
	}
	// JSON objects carry no order; the payload layout does.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].hdr.DataOffsets[0] != entries[j].hdr.DataOffsets[0] {
			return entries[i].hdr.DataOffsets[0] < entries[j].hdr.DataOffsets[0]
		}
		return entries[i].name < entries[j].name
	})

	for _, e := range entries {
		begin, end := e.hdr.DataOffsets[0], e.hdr.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(payload)) {
			return nil, fmt.Errorf("%w: entry %q offsets [%d,%d) outside payload of %d bytes",
				ErrFormat, e.name, begin, end, len(payload))
		}
		values, err := decodeValues(e.hdr.Dtype, payload[begin:end])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.name, err)
		}
		if err := blob.Add(e.name, e.hdr.Shape, values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	return blob, nil
}

func decodeValues(dtype string, buf []byte) ([]float32, error) {
	size, ok := dtypeSize[dtype]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported dtype %q", ErrFormat, dtype)
	}
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %s width", ErrFormat, len(buf), dtype)
	}
	out := make([]float32, len(buf)/size)
	le := binary.LittleEndian
	for i := range out {
		b := buf[i*size:]
		switch dtype {
		case "F32":
			out[i] = math.Float32frombits(le.Uint32(b))
		case "F64":
			out[i] = float32(math.Float64frombits(le.Uint64(b)))
		case "F16":
			out[i] = halfToFloat(le.Uint16(b))
		case "BF16":
			out[i] = math.Float32frombits(uint32(le.Uint16(b)) << 16)
		case "I64":
			out[i] = float32(int64(le.Uint64(b)))
		case "I32":
			out[i] = float32(int32(le.Uint32(b)))
		}
	}
	return out, nil
}

var dtypeSize = map[string]int{
	"F32": 4, "F64": 8, "F16": 2, "BF16": 2, "I64": 8, "I32": 4,
}

func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff
	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}

// Encode writes the blob as a float32 safetensors stream, entries in blob
// order. The header is padded with spaces to an 8-byte boundary.
func Encode(w io.Writer, b *Blob) error {
	header := make(map[string]any, b.Len()+1)
	if len(b.Metadata) > 0 {
		header["__metadata__"] = b.Metadata
	}
	var offset int64
	for _, t := range b.Tensors() {
		size := int64(len(t.Data)) * 4
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[t.Name] = entryHeader{Dtype: "F32", Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	bw := bufio.NewWriter(w)
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(hdr)))
	if _, err := bw.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, t := range b.Tensors() {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
