package segbridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointprompt/segbridge/errdefs"
	"github.com/pointprompt/segbridge/options"
)

func TestNewSegmentationPipelineRequiresName(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	pipeline, err := session.NewSegmentationPipeline(SegmentationConfig{ModelPath: "/does/not/matter"})
	assert.Nil(t, pipeline)
	assert.ErrorContains(t, err, "name")
}

func TestNewSegmentationPipelineMissingModel(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	pipeline, err := session.NewSegmentationPipeline(SegmentationConfig{
		ModelPath: "./testData/definitely-not-a-model",
		Name:      "missing",
	})
	assert.Nil(t, pipeline)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrLoadFailure))
}

func TestGetSegmentationPipelineNotFound(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	pipeline, err := session.GetSegmentationPipeline("nope")
	assert.Nil(t, pipeline)
	assert.ErrorContains(t, err, "nope")
}

func TestClosePipelineUnknownNameIsNoop(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	assert.NoError(t, session.ClosePipeline("never-created"))
}

func TestSessionDestroyEmpty(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	assert.NoError(t, session.Destroy())
	assert.Empty(t, session.GetStats())
}

func TestGoSessionRejectsORTOnlyOptions(t *testing.T) {
	session, err := NewGoSession(options.WithOnnxLibraryPath("/usr/lib/libonnxruntime.so"))
	assert.Nil(t, session)
	assert.ErrorContains(t, err, "ORT")
}
