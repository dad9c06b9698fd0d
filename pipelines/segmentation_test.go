package pipelines

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/pointprompt/segbridge/backends"
	"github.com/pointprompt/segbridge/errdefs"
	"github.com/pointprompt/segbridge/options"
	"github.com/pointprompt/segbridge/util/imageutil"
)

// fakeRunner stands in for a runtime session and records the tensors it was
// handed.
type fakeRunner struct {
	maskLogit  float32
	confidence float32
	err        error
	imageShape []int
	coordsData []float32
	labelsData []int64
	maskSize   int
	runs       int
}

func (r *fakeRunner) Run(img, coords, labels *tensor.Dense) (*backends.InferenceOutput, error) {
	r.runs++
	if r.err != nil {
		return nil, r.err
	}
	r.imageShape = []int(img.Shape())
	r.coordsData = append([]float32(nil), coords.Data().([]float32)...)
	r.labelsData = append([]int64(nil), labels.Data().([]int64)...)

	backing := make([]float32, r.maskSize*r.maskSize)
	for i := range backing {
		backing[i] = r.maskLogit
	}
	mask := tensor.New(tensor.WithShape(1, 1, r.maskSize, r.maskSize), tensor.WithBacking(backing))
	return &backends.InferenceOutput{Mask: mask, Confidence: r.confidence}, nil
}

func (r *fakeRunner) Destroy() error { return nil }

func loadedModel(t *testing.T, runner backends.Runner, config string) *backends.Model {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("stub artifact"), 0o644))
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))
	}
	model := backends.NewModel(dir, "", "GO", nil)
	model.NewRunner = func(_ *backends.Model, _ *options.Options) (backends.Runner, error) {
		return runner, nil
	}
	require.NoError(t, model.Load())
	return model
}

func blackImage(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	black := color.RGBA{0, 0, 0, 255}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, black)
		}
	}
	return img
}

func TestSegmentationEndToEnd(t *testing.T) {
	runner := &fakeRunner{maskLogit: 10, confidence: 0.87, maskSize: 1024}
	model := loadedModel(t, runner, "")
	pipeline, err := NewSegmentationPipeline(Config{Name: "test"}, model)
	require.NoError(t, err)

	result, err := pipeline.Run(blackImage(1024), [][2]float32{{0.5, 0.5}}, []int64{LabelForeground})
	require.NoError(t, err)
	require.NotNil(t, result.Mask)

	assert.Equal(t, 1024, result.Mask.Bounds().Dx())
	assert.Equal(t, 1024, result.Mask.Bounds().Dy())
	assert.InDelta(t, 0.87, result.Confidence, 0.001)
	assert.Greater(t, result.Duration.Nanoseconds(), int64(0))
	assert.Equal(t, uint8(255), result.Mask.Pix[0], "high logit decodes to foreground")

	// The runner saw exactly the tensors the codec and encoder promise.
	assert.Equal(t, []int{1, 3, 1024, 1024}, runner.imageShape)
	assert.Equal(t, []float32{512, 512}, runner.coordsData)
	assert.Equal(t, []int64{1}, runner.labelsData)
}

func TestSegmentationArityMismatch(t *testing.T) {
	runner := &fakeRunner{maskSize: 1024}
	model := loadedModel(t, runner, "")
	pipeline, err := NewSegmentationPipeline(Config{Name: "test"}, model)
	require.NoError(t, err)

	result, err := pipeline.Run(blackImage(1024), [][2]float32{{0.1, 0.1}, {0.2, 0.2}}, []int64{1})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrArityMismatch))
	assert.Zero(t, runner.runs, "model is never invoked on malformed prompts")
}

func TestSegmentationNotLoaded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("stub artifact"), 0o644))
	model := backends.NewModel(dir, "", "GO", nil)

	pipeline, err := NewSegmentationPipeline(Config{Name: "test"}, model)
	require.NoError(t, err)

	result, err := pipeline.Run(blackImage(1024), [][2]float32{{0.5, 0.5}}, []int64{1})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNotLoaded))
}

func TestSegmentationShapeMismatch(t *testing.T) {
	runner := &fakeRunner{maskSize: 1024}
	model := loadedModel(t, runner, "")
	pipeline, err := NewSegmentationPipeline(Config{Name: "test"}, model)
	require.NoError(t, err)

	result, err := pipeline.Run(blackImage(512), [][2]float32{{0.5, 0.5}}, []int64{1})
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, errdefs.ErrShapeMismatch))
	assert.Zero(t, runner.runs)
}

func TestSegmentationFitPreprocessing(t *testing.T) {
	runner := &fakeRunner{maskLogit: -10, confidence: 0.4, maskSize: 64}
	model := loadedModel(t, runner, `{"image_size": 64}`)
	pipeline, err := NewSegmentationPipeline(Config{
		Name:    "test",
		Options: []Option{WithPreprocessSteps(imageutil.FitStep(64))},
	}, model)
	require.NoError(t, err)

	result, err := pipeline.Run(blackImage(200), [][2]float32{{0.5, 0.5}}, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 64, 64}, runner.imageShape)
	assert.Equal(t, []float32{32, 32}, runner.coordsData, "points scale to the configured model resolution")
	assert.Equal(t, uint8(0), result.Mask.Pix[0], "low logit decodes to background")
}

func TestSegmentationConfidenceClamped(t *testing.T) {
	runner := &fakeRunner{maskLogit: 0, confidence: 1.7, maskSize: 64}
	model := loadedModel(t, runner, `{"image_size": 64}`)
	pipeline, err := NewSegmentationPipeline(Config{Name: "test"}, model)
	require.NoError(t, err)

	result, err := pipeline.Run(blackImage(64), [][2]float32{{0.5, 0.5}}, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, float32(1), result.Confidence)
}

func TestSegmentationInferenceFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("resource exhausted"), maskSize: 64}
	model := loadedModel(t, runner, `{"image_size": 64}`)
	pipeline, err := NewSegmentationPipeline(Config{Name: "test"}, model)
	require.NoError(t, err)

	result, err := pipeline.Run(blackImage(64), [][2]float32{{0.5, 0.5}}, []int64{1})
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, errdefs.ErrInferenceFailure))
}

func TestSegmentationEmptyPromptPolicy(t *testing.T) {
	runner := &fakeRunner{maskLogit: 0, confidence: 0.2, maskSize: 64}
	model := loadedModel(t, runner, `{"image_size": 64}`)
	pipeline, err := NewSegmentationPipeline(Config{Name: "test"}, model)
	require.NoError(t, err)

	result, err := pipeline.Run(blackImage(64), nil, nil)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, errdefs.ErrEmptyPrompt))

	// A model advertising promptless support takes the padding-point path.
	runner2 := &fakeRunner{maskLogit: 0, confidence: 0.2, maskSize: 64}
	model2 := loadedModel(t, runner2, `{"image_size": 64, "supports_empty_prompt": true}`)
	pipeline2, err := NewSegmentationPipeline(Config{Name: "test2"}, model2)
	require.NoError(t, err)

	result, err = pipeline2.Run(blackImage(64), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []int64{-1}, runner2.labelsData)
}

func TestSegmentationStats(t *testing.T) {
	runner := &fakeRunner{maskLogit: 0, confidence: 0.5, maskSize: 64}
	model := loadedModel(t, runner, `{"image_size": 64}`)
	pipeline, err := NewSegmentationPipeline(Config{Name: "stats"}, model)
	require.NoError(t, err)

	_, err = pipeline.Run(blackImage(64), [][2]float32{{0.5, 0.5}}, []int64{1})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), pipeline.PipelineTimings.NumCalls)
	assert.NotZero(t, pipeline.PipelineTimings.TotalNS)
	stats := pipeline.GetStats()
	require.Len(t, stats, 2)
	assert.Contains(t, stats[0], "stats")
}
