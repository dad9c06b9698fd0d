// Package pipelines contains the inference orchestrators that drive a loaded
// model from platform inputs to platform results.
package pipelines

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/pointprompt/segbridge/backends"
	"github.com/pointprompt/segbridge/errdefs"
	"github.com/pointprompt/segbridge/util/imageutil"
)

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// SegmentationPipeline runs class-agnostic, point-prompted segmentation: it
// encodes a platform image buffer and a set of foreground/background points,
// invokes the model and decodes the mask output. It performs no retries, any
// failure is terminal for that call.
type SegmentationPipeline struct {
	Model           *backends.Model
	PipelineName    string
	PipelineTimings *timings

	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
}

// SegmentationResult is one completed inference. Ownership of Mask transfers
// to the caller; the pipeline keeps no reference to it.
type SegmentationResult struct {
	// Mask is a grayscale buffer at the model's output resolution. Each pixel
	// is the foreground probability quantized to 0-255.
	Mask *image.Gray
	// Confidence is the model's quality prediction for the mask, in [0,1].
	Confidence float32
	// Duration spans encode through decode.
	Duration time.Duration
}

// Config describes a segmentation pipeline to create.
type Config struct {
	ModelPath    string
	Name         string
	OnnxFilename string
	Options      []Option
}

// Option is an option for a segmentation pipeline.
type Option func(p *SegmentationPipeline) error

// WithPreprocessSteps prepends image-to-image steps (resize, crop) applied
// before the strict buffer encode.
func WithPreprocessSteps(steps ...imageutil.PreprocessStep) Option {
	return func(p *SegmentationPipeline) error {
		p.preprocessSteps = append(p.preprocessSteps, steps...)
		return nil
	}
}

// WithNormalizationSteps replaces the default 1/255 rescale with a custom
// per-sample normalization chain.
func WithNormalizationSteps(steps ...imageutil.NormalizationStep) Option {
	return func(p *SegmentationPipeline) error {
		p.normalizationSteps = steps
		return nil
	}
}

// NewSegmentationPipeline initializes a segmentation pipeline on a loaded
// model.
func NewSegmentationPipeline(config Config, model *backends.Model) (*SegmentationPipeline, error) {
	if model == nil {
		return nil, errors.New("a model is required")
	}
	pipeline := &SegmentationPipeline{
		Model:           model,
		PipelineName:    config.Name,
		PipelineTimings: &timings{},
		normalizationSteps: []imageutil.NormalizationStep{
			imageutil.RescaleStep(),
		},
	}
	for _, o := range config.Options {
		if err := o(pipeline); err != nil {
			return nil, err
		}
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// Validate checks the model's input metadata against what the pipeline feeds
// it. Metadata is only available once a runtime backend populated it.
func (p *SegmentationPipeline) Validate() error {
	var validationErrors []error
	for _, input := range p.Model.InputsMeta {
		dims := []int64(input.Dimensions)
		switch input.Name {
		case p.Model.Config.ImageInput:
			if len(dims) != 4 {
				validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 4 dimensions (batch, channels, height, width), got %d", input.Name, len(dims)))
			}
		case p.Model.Config.PointCoordsInput:
			if len(dims) != 3 {
				validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 3 dimensions (batch, points, xy), got %d", input.Name, len(dims)))
			}
		case p.Model.Config.PointLabelsInput:
			if len(dims) != 2 {
				validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 2 dimensions (batch, points), got %d", input.Name, len(dims)))
			}
		}
	}
	return errors.Join(validationErrors...)
}

func (p *SegmentationPipeline) GetModel() *backends.Model {
	return p.Model
}

func (p *SegmentationPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("Inference: Total time=%s, Execution count=%d, Average query time=%s",
			time.Duration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
	}
}

// Run segments the image with the given point prompts. The image buffer is
// borrowed for the duration of the call and never retained. Points are
// normalized coordinates in [0,1]x[0,1]; labels are parallel to points and
// binary (1 foreground, 0 background). Either a complete result or an error is
// returned, never a partial result.
func (p *SegmentationPipeline) Run(img image.Image, points [][2]float32, labels []int64) (*SegmentationResult, error) {
	if !p.Model.IsLoaded() {
		return nil, errdefs.NotLoaded("pipeline %s: model handle for %s is %s", p.PipelineName, p.Model.Path, p.Model.State())
	}
	config := p.Model.Config
	start := time.Now()

	processed := img
	for _, step := range p.preprocessSteps {
		var err error
		processed, err = step.Apply(processed)
		if err != nil {
			return nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
		}
	}

	imageTensor, err := imageutil.EncodeImageTensor(processed, config.ImageSize, p.normalizationSteps...)
	if err != nil {
		return nil, err
	}

	pointCoords, pointLabels, err := EncodePointPrompts(points, labels, config.ImageSize, config.SupportsEmptyPrompt)
	if err != nil {
		return nil, err
	}

	output, err := p.Model.Infer(imageTensor, pointCoords, pointLabels)
	if err != nil {
		return nil, err
	}

	mask, err := imageutil.DecodeMaskTensor(output.Mask, config.ImageSize)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, uint64(duration))

	return &SegmentationResult{
		Mask:       mask,
		Confidence: clamp01(output.Confidence),
		Duration:   duration,
	}, nil
}

// RunFromPath loads the image at path, fits it to the model resolution and
// runs segmentation on it.
func (p *SegmentationPipeline) RunFromPath(path string, points [][2]float32, labels []int64) (*SegmentationResult, error) {
	img, err := imageutil.LoadImageFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	img, err = imageutil.FitStep(p.Model.Config.ImageSize).Apply(img)
	if err != nil {
		return nil, err
	}
	return p.Run(img, points, labels)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
