// Package imageutil converts between platform image buffers and the dense
// tensors consumed and produced by the segmentation model. Conversions never
// alias foreign storage: every call allocates fresh backing on the destination
// side, and the produced object is owned by the caller.
package imageutil

import (
	"bytes"
	"image"
	"math"

	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"gorgonia.org/tensor"

	"github.com/pointprompt/segbridge/errdefs"
	"github.com/pointprompt/segbridge/util/fileutil"
)

func LoadImageFromPath(path string) (image.Image, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// EncodeImageTensor converts an RGB image buffer of exactly size x size pixels
// into a planar NCHW float32 tensor of shape [1, 3, size, size]. Each sample is
// run through the normalization chain in order. The source image is only read,
// never mutated, and the returned tensor owns its backing slice.
func EncodeImageTensor(img image.Image, size int, steps ...NormalizationStep) (*tensor.Dense, error) {
	bounds := img.Bounds()
	if bounds.Dx() != size || bounds.Dy() != size {
		return nil, errdefs.ShapeMismatch("input image is %dx%d, model expects %dx%d", bounds.Dx(), bounds.Dy(), size, size)
	}

	plane := size * size
	backing := make([]float32, 3*plane)
	for y := range size {
		for x := range size {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)
			for _, step := range steps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			idx := y*size + x
			backing[idx] = rf
			backing[plane+idx] = gf
			backing[2*plane+idx] = bf
		}
	}
	return tensor.New(
		tensor.WithShape(1, 3, size, size),
		tensor.WithBacking(backing),
	), nil
}

// DecodeMaskTensor converts a single-channel mask tensor with spatial dimensions
// size x size into a grayscale buffer. The tensor may carry leading unit
// dimensions ([H,W], [1,H,W] or [1,1,H,W]); anything else is a shape mismatch.
// Each logit is mapped through sigmoid and scaled to 0-255, so the pixel value
// is the foreground probability quantized to a byte. The returned buffer is
// freshly allocated and never shares storage with the tensor.
func DecodeMaskTensor(t *tensor.Dense, size int) (*image.Gray, error) {
	shape := t.Shape()
	if len(shape) < 2 || len(shape) > 4 {
		return nil, errdefs.ShapeMismatch("mask tensor has rank %d, expected 2, 3 or 4", len(shape))
	}
	for _, d := range shape[:len(shape)-2] {
		if d != 1 {
			return nil, errdefs.ShapeMismatch("mask tensor %v is not single-channel", shape)
		}
	}
	h, w := shape[len(shape)-2], shape[len(shape)-1]
	if h != size || w != size {
		return nil, errdefs.ShapeMismatch("mask tensor is %dx%d, model output resolution is %dx%d", w, h, size, size)
	}

	logits, ok := t.Data().([]float32)
	if !ok {
		return nil, errdefs.ShapeMismatch("mask tensor holds %T, expected []float32", t.Data())
	}

	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i, logit := range logits {
		mask.Pix[i] = quantizeLogit(logit)
	}
	return mask, nil
}

// quantizeLogit maps a mask logit to a 0-255 grayscale sample via
// round(sigmoid(logit) * 255), clamped to the byte range.
func quantizeLogit(logit float32) uint8 {
	p := 1.0 / (1.0 + math.Exp(-float64(logit)))
	v := math.Round(p * 255.0)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// FitPreprocessor resizes arbitrary input images to the fixed resolution the
// model expects. It sits ahead of EncodeImageTensor, which itself rejects
// anything that is not already at the target size.
type FitPreprocessor struct {
	targetSize int
}

func FitStep(targetSize int) *FitPreprocessor {
	return &FitPreprocessor{targetSize: targetSize}
}

func (s *FitPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() == s.targetSize && bounds.Dy() == s.targetSize {
		return img, nil
	}
	return imaging.Resize(img, s.targetSize, s.targetSize, imaging.Lanczos), nil
}

type CenterCropPreprocessor struct {
	targetWidth  int
	targetHeight int
}

func CenterCropStep(targetWidth, targetHeight int) *CenterCropPreprocessor {
	return &CenterCropPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

func (s *CenterCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	x0 := bounds.Min.X + (bounds.Dx()-s.targetWidth)/2
	y0 := bounds.Min.Y + (bounds.Dy()-s.targetHeight)/2
	rect := image.Rect(0, 0, s.targetWidth, s.targetHeight)
	dst := image.NewRGBA(rect)
	for y := 0; y < s.targetHeight; y++ {
		for x := 0; x < s.targetWidth; x++ {
			dst.Set(x, y, img.At(x0+x, y0+y))
		}
	}
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

// RescalePreprocessor scales raw 0-255 samples into [0,1], the range the
// model was exported with.
type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

// ImagenetPixelNormalizationStep is the mean/std normalization used by model
// variants trained with ImageNet statistics on [0,1] inputs.
func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{
		mean: [3]float32{0.485, 0.456, 0.406},
		std:  [3]float32{0.229, 0.224, 0.225},
	}
}
