package weights

import (
	"fmt"
	"strings"
)

// Architecture identifies one of the supported backbones.
type Architecture int

const (
	Unknown Architecture = iota
	ResNet18
	ResNet50
	EfficientNetB0
	EfficientNetB3
	DenseNet121
)

var architectureNames = map[Architecture]string{
	Unknown:        "Unknown",
	ResNet18:       "ResNet-18",
	ResNet50:       "ResNet-50",
	EfficientNetB0: "EfficientNet-B0",
	EfficientNetB3: "EfficientNet-B3",
	DenseNet121:    "DenseNet-121",
}

func (a Architecture) String() string {
	if s, ok := architectureNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Architecture(%d)", int(a))
}

// Supported lists every architecture that can be built, in a stable order.
func Supported() []Architecture {
	return []Architecture{ResNet18, ResNet50, EfficientNetB0, EfficientNetB3, DenseNet121}
}

// ParseArchitecture accepts display names ("ResNet-18") as well as the
// torchvision constructor names ("resnet18").
func ParseArchitecture(s string) (Architecture, error) {
	key := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(s))
	for a, name := range architectureNames {
		if a == Unknown {
			continue
		}
		if strings.ReplaceAll(strings.ToLower(name), "-", "") == key {
			return a, nil
		}
	}
	return Unknown, fmt.Errorf("unknown architecture %q", s)
}
