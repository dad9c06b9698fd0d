package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gorgonia.org/tensor"

	"github.com/pointprompt/segbridge/errdefs"
	"github.com/pointprompt/segbridge/options"
	"github.com/pointprompt/segbridge/util/fileutil"
)

// State is the lifecycle state of a model handle.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// ModelConfig mirrors the optional config.json sidecar written next to the
// .onnx artifact by the export tooling. Missing fields fall back to the
// defaults the stock segmentation export uses.
type ModelConfig struct {
	ImageSize           int    `json:"image_size"`
	SupportsEmptyPrompt bool   `json:"supports_empty_prompt"`
	ImageInput          string `json:"image_input"`
	PointCoordsInput    string `json:"point_coords_input"`
	PointLabelsInput    string `json:"point_labels_input"`
	MaskOutput          string `json:"mask_output"`
	ScoreOutput         string `json:"score_output"`
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		ImageSize:        1024,
		ImageInput:       "image",
		PointCoordsInput: "point_coords",
		PointLabelsInput: "point_labels",
		MaskOutput:       "masks",
		ScoreOutput:      "iou_predictions",
	}
}

// InferenceOutput is the raw output tensor set of one forward pass. The mask
// tensor owns its backing slice; it never aliases runtime-owned memory.
type InferenceOutput struct {
	Mask       *tensor.Dense
	Confidence float32
}

// Runner is one loaded runtime session. Implementations are not safe for
// concurrent Run calls; Model serializes access.
type Runner interface {
	Run(image, pointCoords, pointLabels *tensor.Dense) (*InferenceOutput, error)
	Destroy() error
}

// Model owns a runtime session for one .onnx artifact and enforces the
// unloaded/loaded/failed lifecycle. At most one inference call is in flight per
// Model; Load and Unload take the same lock, so they never overlap a running
// Infer. A Model is independently constructible, there is no process-wide
// handle.
type Model struct {
	Path         string
	OnnxFilename string
	OnnxPath     string
	OnnxBytes    []byte
	Backend      string
	Config       ModelConfig
	InputsMeta   []InputOutputInfo
	OutputsMeta  []InputOutputInfo

	// NewRunner builds the runtime session once the artifact bytes are
	// resolved. Defaults to the backend dispatch; tests substitute a stub.
	NewRunner func(m *Model, opts *options.Options) (Runner, error)

	options *options.Options

	inferMu sync.Mutex   // serializes Load, Unload and Infer
	stateMu sync.RWMutex // guards state, runner and artifactSize for cheap reads
	state   State
	runner  Runner

	artifactSize uint64
}

// NewModel returns an unloaded handle for the artifact at path. Backend is
// "ORT" or "GO". No file access happens until Load.
func NewModel(path string, onnxFilename string, backend string, opts *options.Options) *Model {
	return &Model{
		Path:         path,
		OnnxFilename: onnxFilename,
		Backend:      backend,
		Config:       DefaultModelConfig(),
		NewRunner:    newRunner,
		options:      opts,
	}
}

func newRunner(m *Model, opts *options.Options) (Runner, error) {
	switch m.Backend {
	case "ORT":
		return newORTRunner(m, opts)
	case "GO":
		return newGoRunner(m)
	default:
		return nil, fmt.Errorf("unknown backend %q", m.Backend)
	}
}

// Load resolves the .onnx artifact, reads the config.json sidecar if present
// and creates the runtime session. On any failure the handle transitions to
// the failed state and the error wraps errdefs.ErrLoadFailure with the cause.
// Loading an already loaded handle is a no-op.
func (m *Model) Load() error {
	m.inferMu.Lock()
	defer m.inferMu.Unlock()

	m.stateMu.RLock()
	state := m.state
	m.stateMu.RUnlock()
	if state == StateLoaded {
		return nil
	}

	fail := func(err error) error {
		m.stateMu.Lock()
		m.state = StateFailed
		m.stateMu.Unlock()
		return errdefs.LoadFailure(err)
	}

	if err := m.resolveArtifact(); err != nil {
		return fail(err)
	}
	if err := m.loadModelConfig(); err != nil {
		return fail(err)
	}

	runner, err := m.NewRunner(m, m.options)
	if err != nil {
		m.OnnxBytes = nil
		return fail(err)
	}

	m.stateMu.Lock()
	m.runner = runner
	m.artifactSize = uint64(len(m.OnnxBytes))
	m.state = StateLoaded
	m.stateMu.Unlock()

	// The runtime owns its own copy of the graph from here on.
	m.OnnxBytes = nil
	return nil
}

// Unload releases the runtime session. It is idempotent from the loaded and
// unloaded states and clears the failed state so Load can be retried.
func (m *Model) Unload() error {
	m.inferMu.Lock()
	defer m.inferMu.Unlock()

	m.stateMu.Lock()
	runner := m.runner
	m.runner = nil
	m.artifactSize = 0
	m.state = StateUnloaded
	m.stateMu.Unlock()

	if runner != nil {
		return runner.Destroy()
	}
	return nil
}

// Infer runs one forward pass. It requires the loaded state and serializes
// against concurrent Infer, Load and Unload calls. Runtime errors, including
// panics out of the underlying runtime, surface as errdefs.ErrInferenceFailure
// with the cause attached.
func (m *Model) Infer(image, pointCoords, pointLabels *tensor.Dense) (*InferenceOutput, error) {
	m.inferMu.Lock()
	defer m.inferMu.Unlock()

	m.stateMu.RLock()
	state := m.state
	runner := m.runner
	m.stateMu.RUnlock()
	if state != StateLoaded {
		return nil, errdefs.NotLoaded("cannot infer on %s model handle for %s", state, m.Path)
	}

	var out *InferenceOutput
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("model runtime panic: %v", r)
			}
		}()
		out, err = runner.Run(image, pointCoords, pointLabels)
		return err
	}()
	if err != nil {
		return nil, errdefs.InferenceFailure(err)
	}
	return out, nil
}

func (m *Model) IsLoaded() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state == StateLoaded
}

func (m *Model) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// MemoryUsage is a cheap resident-size estimate of the loaded runtime
// representation: the artifact byte size. It returns 0 when the handle is not
// loaded and never blocks on an in-flight inference.
func (m *Model) MemoryUsage() uint64 {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.state != StateLoaded {
		return 0
	}
	return m.artifactSize
}

// resolveArtifact finds the single .onnx file under Path and reads its bytes.
// A directory with several .onnx files requires OnnxFilename to disambiguate.
func (m *Model) resolveArtifact() error {
	onnxFiles, err := getOnnxFiles(m.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly one .onnx file", m.Path)
	}
	if len(onnxFiles) > 1 {
		if m.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx files detected at %s and no OnnxFilename specified", m.Path)
		}
		found := false
		for i := range onnxFiles {
			if onnxFiles[i][1] == m.OnnxFilename {
				m.OnnxPath = fileutil.PathJoinSafe(onnxFiles[i]...)
				found = true
			}
		}
		if !found {
			return fmt.Errorf("file %s not found at %s", m.OnnxFilename, m.Path)
		}
	} else {
		m.OnnxPath = fileutil.PathJoinSafe(onnxFiles[0]...)
	}

	m.OnnxBytes, err = fileutil.ReadFileBytes(m.OnnxPath)
	return err
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{fileutil.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// loadModelConfig overlays config.json on the defaults when the sidecar exists.
func (m *Model) loadModelConfig() error {
	configPath := fileutil.PathJoinSafe(m.Path, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return err
	}
	config := DefaultModelConfig()
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return fmt.Errorf("parsing %s: %w", configPath, err)
	}
	if config.ImageSize <= 0 {
		return fmt.Errorf("config %s has non-positive image_size %d", configPath, config.ImageSize)
	}
	m.Config = config
	return nil
}
