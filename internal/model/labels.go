package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Labels is the ordered class label set; index i is output i of the head.
type Labels []string

// IndexLabels names n classes by their index.
func IndexLabels(n int) Labels {
	l := make(Labels, n)
	for i := range l {
		l[i] = strconv.Itoa(i)
	}
	return l
}

// LoadLabels reads a class index file of the form {"0": "biryani", ...}.
func LoadLabels(path string) (Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErr("load labels", fmt.Errorf("%w: %v", ErrArtifact, err))
	}
	labels, err := ParseLabels(data)
	if err != nil {
		return nil, configErr("load labels", fmt.Errorf("%w: %s: %v", ErrArtifact, path, err))
	}
	return labels, nil
}

// ParseLabels decodes a class index. Keys must be exactly "0".."N-1" and
// labels must be non-empty and unique.
func ParseLabels(data []byte) (Labels, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse class index: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("class index is empty")
	}
	labels := make(Labels, len(raw))
	seen := make(map[string]int, len(raw))
	for key, label := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(raw) || strconv.Itoa(idx) != key {
			return nil, fmt.Errorf("class index key %q is not in 0..%d", key, len(raw)-1)
		}
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, fmt.Errorf("class %d has an empty label", idx)
		}
		labels[idx] = label
	}
	for i, label := range labels {
		if j, dup := seen[label]; dup {
			return nil, fmt.Errorf("label %q used by classes %d and %d", label, j, i)
		}
		seen[label] = i
	}
	return labels, nil
}

// Index returns the position of label, or -1.
func (l Labels) Index(label string) int {
	for i, s := range l {
		if s == label {
			return i
		}
	}
	return -1
}
