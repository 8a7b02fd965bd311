// Package preprocess turns decoded images into normalized network input,
// either canonically or through one of the test-time augmentations.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/Brownie44l1/food-classifier/internal/tensor"
)

var (
	// ErrInvalidImage marks input that cannot be used as an image.
	ErrInvalidImage = errors.New("invalid image")
	// ErrAugmentation marks a variant that could not be applied.
	ErrAugmentation = errors.New("augmentation failed")
)

// ImageNet statistics the backbones were trained with.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Apply produces the 3×224×224 tensor for img under variant v. It is a pure
// function of its arguments; img is never modified.
func Apply(img image.Image, v Variant, p Params) (t *tensor.Tensor, err error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrInvalidImage
	}
	if err := p.Validate(v); err != nil {
		return nil, err
	}
	img = opaque(img)
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("%w: %s: %v", ErrAugmentation, v, r)
		}
	}()

	switch v {
	case Canonical:
		return toTensor(img), nil
	case Flipped:
		return toTensor(imaging.FlipH(img)), nil
	case Rotated:
		canvas := resize.Resize(RotateCanvas, RotateCanvas, img, resize.Bilinear)
		rotated := imaging.Rotate(canvas, p.Angle, color.Black)
		return toTensor(imaging.CropCenter(rotated, ImageSize, ImageSize)), nil
	case ColorJittered:
		return toTensor(jitter(img, p.Brightness, p.Contrast)), nil
	case RandomCropped:
		canvas := resize.Resize(CropCanvas, CropCanvas, img, resize.Bilinear)
		side := int(math.Round(p.Scale * CropCanvas))
		slack := CropCanvas - side
		x0 := int(math.Round(p.OffsetX * float64(slack)))
		y0 := int(math.Round(p.OffsetY * float64(slack)))
		cropped := imaging.Crop(canvas, image.Rect(x0, y0, x0+side, y0+side))
		if cropped.Bounds().Empty() {
			return nil, fmt.Errorf("%w: empty crop", ErrAugmentation)
		}
		return toTensor(cropped), nil
	}
	return nil, fmt.Errorf("%w: unknown variant %d", ErrAugmentation, int(v))
}

// opaque drops the alpha channel and keeps the stored color of transparent
// pixels, so they are not blackened by premultiplication during resizing.
func opaque(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	flat := imaging.Clone(img)
	for i := 3; i < len(flat.Pix); i += 4 {
		flat.Pix[i] = 0xff
	}
	return flat
}

// CanonicalTensor is Apply with the deterministic variant.
func CanonicalTensor(img image.Image) (*tensor.Tensor, error) {
	return Apply(img, Canonical, Params{})
}

// jitter scales brightness multiplicatively, then stretches contrast around
// mid-gray.
func jitter(img image.Image, brightness, contrast float64) *image.NRGBA {
	out := imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clamp8(float64(c.R) * brightness),
			G: clamp8(float64(c.G) * brightness),
			B: clamp8(float64(c.B) * brightness),
			A: c.A,
		}
	})
	return imaging.AdjustContrast(out, (contrast-1)*100)
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// toTensor resizes to 224×224, drops alpha and normalizes into CHW order.
func toTensor(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	if b.Dx() != ImageSize || b.Dy() != ImageSize {
		img = resize.Resize(ImageSize, ImageSize, img, resize.Bilinear)
	}
	src, ok := img.(*image.NRGBA)
	if !ok || src.Rect.Min != (image.Point{}) {
		src = imaging.Clone(img)
	}

	t := tensor.New(3, ImageSize, ImageSize)
	plane := ImageSize * ImageSize
	for y := 0; y < ImageSize; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < ImageSize; x++ {
			i := y*ImageSize + x
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255
				t.Data[c*plane+i] = (v - Mean[c]) / Std[c]
			}
		}
	}
	return t
}
