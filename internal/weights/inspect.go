package weights

import (
	"fmt"
	"strings"
)

// EfficientNetB3Threshold separates B0 (~5.3M parameters) from B3 (~12.2M).
const EfficientNetB3Threshold = 10_000_000

// EfficientNetHeuristic selects how B0 and B3 are told apart.
type EfficientNetHeuristic int

const (
	// ByParamCount compares the total element count against EfficientNetB3Threshold.
	ByParamCount EfficientNetHeuristic = iota
	// ByStageMarker looks for a second block in the last MBConv stage, which
	// only the deeper B3 has.
	ByStageMarker
)

// ParseEfficientNetHeuristic maps the config spelling to a heuristic.
func ParseEfficientNetHeuristic(s string) (EfficientNetHeuristic, error) {
	switch strings.ToLower(s) {
	case "", "param_count":
		return ByParamCount, nil
	case "stage_marker":
		return ByStageMarker, nil
	}
	return ByParamCount, fmt.Errorf("unknown efficientnet heuristic %q (valid: param_count, stage_marker)", s)
}

func (h EfficientNetHeuristic) String() string {
	if h == ByStageMarker {
		return "stage_marker"
	}
	return "param_count"
}

// InspectOptions tunes architecture detection.
type InspectOptions struct {
	EfficientNet EfficientNetHeuristic
}

// Inspect infers the backbone from parameter naming conventions using the
// default options.
func Inspect(b *Blob) Architecture {
	return InspectWith(b, InspectOptions{})
}

// InspectWith infers the backbone. Rules are ordered and the first match
// wins; no match yields Unknown, never an error.
func InspectWith(b *Blob, opts InspectOptions) Architecture {
	if b == nil || b.Len() == 0 {
		return Unknown
	}
	names := b.Names()

	// MBConv blocks live under "features.<stage>.<i>.block."; DenseNet's
	// "features.denseblockN" must not match here.
	if anyName(names, func(n string) bool { return strings.Contains(n, "features.") && strings.Contains(n, ".block.") }) {
		if opts.EfficientNet == ByStageMarker {
			if anyName(names, func(n string) bool {
				return strings.Contains(n, "features.7.1.") || strings.Contains(n, "_blocks.16.")
			}) {
				return EfficientNetB3
			}
			return EfficientNetB0
		}
		if ParamCount(b) > EfficientNetB3Threshold {
			return EfficientNetB3
		}
		return EfficientNetB0
	}

	if anyName(names, func(n string) bool { return strings.Contains(n, "denseblock") }) {
		return DenseNet121
	}

	if anyName(names, func(n string) bool { return strings.Contains(n, "layer1") }) {
		if anyName(names, func(n string) bool { return strings.Contains(n, "conv3") }) {
			return ResNet50
		}
		return ResNet18
	}

	return Unknown
}

func anyName(names []string, match func(string) bool) bool {
	for _, n := range names {
		if match(n) {
			return true
		}
	}
	return false
}
