package preprocess

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Variant is one way of turning an image into network input.
type Variant int

const (
	Canonical Variant = iota
	Flipped
	Rotated
	ColorJittered
	RandomCropped
)

// TTAVariants are the augmented variants in the order they are used.
var TTAVariants = []Variant{Flipped, Rotated, ColorJittered, RandomCropped}

func (v Variant) String() string {
	switch v {
	case Canonical:
		return "canonical"
	case Flipped:
		return "flipped"
	case Rotated:
		return "rotated"
	case ColorJittered:
		return "color_jittered"
	case RandomCropped:
		return "random_cropped"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Augmentation ranges and canvas sizes.
const (
	MaxRotation  = 10.0 // degrees, either direction
	MinJitter    = 0.8
	MaxJitter    = 1.2
	MinCropScale = 0.9
	MaxCropScale = 1.0
	RotateCanvas = 240
	CropCanvas   = 256
	ImageSize    = 224
)

// Params are the explicit random choices behind an augmented variant.
// Fields a variant does not use are ignored.
type Params struct {
	Angle      float64 // Rotated, degrees counter-clockwise
	Brightness float64 // ColorJittered, multiplicative factor
	Contrast   float64 // ColorJittered, factor around mid-gray
	Scale      float64 // RandomCropped, crop side relative to the canvas
	OffsetX    float64 // RandomCropped, fraction of the horizontal slack
	OffsetY    float64 // RandomCropped, fraction of the vertical slack
}

// Sample draws parameters for v from rng.
func Sample(rng *rand.Rand, v Variant) Params {
	switch v {
	case Rotated:
		return Params{Angle: (rng.Float64()*2 - 1) * MaxRotation}
	case ColorJittered:
		return Params{
			Brightness: MinJitter + rng.Float64()*(MaxJitter-MinJitter),
			Contrast:   MinJitter + rng.Float64()*(MaxJitter-MinJitter),
		}
	case RandomCropped:
		return Params{
			Scale:   MinCropScale + rng.Float64()*(MaxCropScale-MinCropScale),
			OffsetX: rng.Float64(),
			OffsetY: rng.Float64(),
		}
	}
	return Params{}
}

// Validate checks the fields v uses.
func (p Params) Validate(v Variant) error {
	check := func(name string, x, lo, hi float64) error {
		if math.IsNaN(x) || x < lo || x > hi {
			return fmt.Errorf("%w: %s %v outside [%v, %v]", ErrAugmentation, name, x, lo, hi)
		}
		return nil
	}
	switch v {
	case Canonical, Flipped:
		return nil
	case Rotated:
		return check("angle", p.Angle, -MaxRotation, MaxRotation)
	case ColorJittered:
		if err := check("brightness", p.Brightness, MinJitter, MaxJitter); err != nil {
			return err
		}
		return check("contrast", p.Contrast, MinJitter, MaxJitter)
	case RandomCropped:
		if err := check("scale", p.Scale, MinCropScale, MaxCropScale); err != nil {
			return err
		}
		if err := check("offset x", p.OffsetX, 0, 1); err != nil {
			return err
		}
		return check("offset y", p.OffsetY, 0, 1)
	}
	return fmt.Errorf("%w: unknown variant %d", ErrAugmentation, int(v))
}
