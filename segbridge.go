// Package segbridge is an inference bridge for point-prompted, class-agnostic
// image segmentation. A Session owns the runtime environment and the model
// handles created in it; a SegmentationPipeline turns an image buffer plus
// foreground/background point prompts into a grayscale mask and a confidence
// score.
package segbridge

import (
	"errors"
	"fmt"

	"github.com/pointprompt/segbridge/backends"
	"github.com/pointprompt/segbridge/options"
	"github.com/pointprompt/segbridge/pipelines"
)

// Session allows for the creation of segmentation pipelines and holds the
// models and pipelines already created.
type Session struct {
	segmentationPipelines map[string]*pipelines.SegmentationPipeline
	models                map[string]*backends.Model
	options               *options.Options
	environmentDestroy    func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	return &Session{
		segmentationPipelines: map[string]*pipelines.SegmentationPipeline{},
		models:                map[string]*backends.Model{},
		options:               parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}, nil
}

// SegmentationConfig is the configuration for a segmentation pipeline.
type SegmentationConfig = pipelines.Config

// SegmentationOption is an option for a segmentation pipeline.
type SegmentationOption = pipelines.Option

// NewSegmentationPipeline creates a segmentation pipeline, loading the model
// at the configured path unless a previous pipeline in this session already
// loaded it. The pipeline is stored in the session so that everything can be
// torn down at once with Session.Destroy.
func (s *Session) NewSegmentationPipeline(config SegmentationConfig) (*pipelines.SegmentationPipeline, error) {
	if config.Name == "" {
		return nil, errors.New("a name for the pipeline is required")
	}
	if _, exists := s.segmentationPipelines[config.Name]; exists {
		return nil, fmt.Errorf("pipeline %s has already been initialised", config.Name)
	}

	model, loaded := s.models[config.ModelPath]
	if !loaded {
		model = backends.NewModel(config.ModelPath, config.OnnxFilename, s.options.Backend, s.options)
		if err := model.Load(); err != nil {
			return nil, err
		}
		s.models[config.ModelPath] = model
	}

	pipeline, err := pipelines.NewSegmentationPipeline(config, model)
	if err != nil {
		return nil, err
	}
	s.segmentationPipelines[config.Name] = pipeline
	return pipeline, nil
}

// GetSegmentationPipeline retrieves a previously created pipeline by name.
func (s *Session) GetSegmentationPipeline(name string) (*pipelines.SegmentationPipeline, error) {
	p, ok := s.segmentationPipelines[name]
	if !ok {
		return nil, &pipelineNotFoundError{pipelineName: name}
	}
	return p, nil
}

// ClosePipeline removes a pipeline from the session and unloads its model once
// no other pipeline in the session references it.
func (s *Session) ClosePipeline(name string) error {
	pipeline, ok := s.segmentationPipelines[name]
	if !ok {
		return nil
	}
	delete(s.segmentationPipelines, name)

	for _, other := range s.segmentationPipelines {
		if other.Model == pipeline.Model {
			return nil
		}
	}
	delete(s.models, pipeline.Model.Path)
	return pipeline.Model.Unload()
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for all initialized pipelines for
// profiling purposes: per pipeline the number of inference calls, their total
// runtime and the average time per call.
func (s *Session) GetStats() []string {
	var stats []string
	for _, p := range s.segmentationPipelines {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

// Destroy unloads every model created in the session and tears down the
// runtime environment, freeing memory. A session should be destroyed when not
// needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Unload())
	}
	s.models = nil
	s.segmentationPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
