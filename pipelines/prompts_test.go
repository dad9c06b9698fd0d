package pipelines

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointprompt/segbridge/errdefs"
)

func TestEncodePointPrompts(t *testing.T) {
	points := [][2]float32{{0.5, 0.5}, {0, 1}, {0.25, 0.75}}
	labels := []int64{LabelForeground, LabelBackground, LabelForeground}

	coords, labelsTensor, err := EncodePointPrompts(points, labels, 1024, false)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 2}, []int(coords.Shape()))
	assert.Equal(t, []int{1, 3}, []int(labelsTensor.Shape()))

	coordsData := coords.Data().([]float32)
	assert.Equal(t, []float32{512, 512, 0, 1024, 256, 768}, coordsData, "order preserved, scaled to pixel space")
	assert.Equal(t, []int64{1, 0, 1}, labelsTensor.Data().([]int64))
}

func TestEncodePointPromptsArityMismatch(t *testing.T) {
	coords, labelsTensor, err := EncodePointPrompts([][2]float32{{0.1, 0.1}, {0.2, 0.2}}, []int64{1}, 1024, false)
	assert.Nil(t, coords)
	assert.Nil(t, labelsTensor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrArityMismatch))
}

func TestEncodePointPromptsEmpty(t *testing.T) {
	coords, labelsTensor, err := EncodePointPrompts(nil, nil, 1024, false)
	assert.Nil(t, coords)
	assert.Nil(t, labelsTensor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrEmptyPrompt))

	// The no-prompt path emits a single padding point.
	coords, labelsTensor, err = EncodePointPrompts(nil, nil, 1024, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2}, []int(coords.Shape()))
	assert.Equal(t, []int64{labelPadding}, labelsTensor.Data().([]int64))
}

func TestEncodePointPromptsOutOfRange(t *testing.T) {
	for name, points := range map[string][][2]float32{
		"x negative": {{-0.1, 0.5}},
		"x above 1":  {{1.1, 0.5}},
		"y negative": {{0.5, -0.01}},
		"y above 1":  {{0.5, 1.5}},
	} {
		t.Run(name, func(t *testing.T) {
			coords, labelsTensor, err := EncodePointPrompts(points, []int64{1}, 1024, false)
			assert.Nil(t, coords)
			assert.Nil(t, labelsTensor)
			assert.True(t, errors.Is(err, errdefs.ErrOutOfRange))
		})
	}
}

func TestEncodePointPromptsBoundsInclusive(t *testing.T) {
	coords, _, err := EncodePointPrompts([][2]float32{{0, 0}, {1, 1}}, []int64{1, 0}, 512, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 512, 512}, coords.Data().([]float32))
}
