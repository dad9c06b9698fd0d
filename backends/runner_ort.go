//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/pointprompt/segbridge/options"
)

// ortRunner executes the model graph with onnxruntime through the shared
// library bindings.
type ortRunner struct {
	session     *ort.DynamicAdvancedSession
	config      ModelConfig
	inputNames  []string
	outputNames []string
}

func newORTRunner(m *Model, opts *options.Options) (Runner, error) {
	if opts == nil || opts.RuntimeOptions == nil {
		return nil, errors.New("ORT session options are not initialised, create the model through an ORT session")
	}
	sessionOptions, ok := opts.RuntimeOptions.(*ort.SessionOptions)
	if !ok {
		return nil, fmt.Errorf("runtime options hold %T, expected *ort.SessionOptions", opts.RuntimeOptions)
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(m.OnnxBytes)
	if err != nil {
		return nil, err
	}
	m.InputsMeta = convertORTInputOutputs(inputs)
	m.OutputsMeta = convertORTInputOutputs(outputs)

	inputNames := make([]string, len(inputs))
	for i, v := range inputs {
		inputNames[i] = v.Name
	}
	outputNames := make([]string, len(outputs))
	for i, v := range outputs {
		outputNames[i] = v.Name
	}
	for _, required := range []string{m.Config.ImageInput, m.Config.PointCoordsInput, m.Config.PointLabelsInput} {
		if indexOf(inputNames, required) < 0 {
			return nil, fmt.Errorf("model has no input %q, inputs are %v", required, inputNames)
		}
	}
	for _, required := range []string{m.Config.MaskOutput, m.Config.ScoreOutput} {
		if indexOf(outputNames, required) < 0 {
			return nil, fmt.Errorf("model has no output %q, outputs are %v", required, outputNames)
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		m.OnnxBytes,
		inputNames,
		outputNames,
		sessionOptions,
	)
	if err != nil {
		return nil, err
	}

	return &ortRunner{
		session:     session,
		config:      m.Config,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func (r *ortRunner) Run(image, pointCoords, pointLabels *tensor.Dense) (*InferenceOutput, error) {
	inputValues := make([]ort.Value, len(r.inputNames))
	destroyInputs := func() error {
		var agg error
		for _, v := range inputValues {
			if v != nil {
				agg = errors.Join(agg, v.Destroy())
			}
		}
		return agg
	}

	for i, name := range r.inputNames {
		var value ort.Value
		var err error
		switch name {
		case r.config.ImageInput:
			value, err = denseToORT[float32](image)
		case r.config.PointCoordsInput:
			value, err = denseToORT[float32](pointCoords)
		case r.config.PointLabelsInput:
			value, err = denseToORT[int64](pointLabels)
		default:
			err = fmt.Errorf("no value for model input %q", name)
		}
		if err != nil {
			return nil, errors.Join(err, destroyInputs())
		}
		inputValues[i] = value
	}

	outputValues := make([]ort.Value, len(r.outputNames))
	runErr := r.session.Run(inputValues, outputValues)
	destroyErr := destroyInputs()
	destroyOutputs := func() error {
		var agg error
		for _, v := range outputValues {
			if v != nil {
				agg = errors.Join(agg, v.Destroy())
			}
		}
		return agg
	}
	if runErr != nil {
		return nil, errors.Join(runErr, destroyErr, destroyOutputs())
	}

	maskValue := outputValues[indexOf(r.outputNames, r.config.MaskOutput)]
	maskTensor, ok := maskValue.(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Join(
			fmt.Errorf("mask output %q is %T, expected float32 tensor", r.config.MaskOutput, maskValue),
			destroyErr, destroyOutputs())
	}
	// Copy out of tensor-owned memory before the output values are destroyed.
	maskData := maskTensor.GetData()
	backing := make([]float32, len(maskData))
	copy(backing, maskData)
	shape := maskTensor.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	mask := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing))

	scoreValue := outputValues[indexOf(r.outputNames, r.config.ScoreOutput)]
	scoreTensor, ok := scoreValue.(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Join(
			fmt.Errorf("score output %q is %T, expected float32 tensor", r.config.ScoreOutput, scoreValue),
			destroyErr, destroyOutputs())
	}
	scores := scoreTensor.GetData()
	if len(scores) == 0 {
		return nil, errors.Join(
			fmt.Errorf("score output %q is empty", r.config.ScoreOutput),
			destroyErr, destroyOutputs())
	}
	confidence := scores[0]

	if err := errors.Join(destroyErr, destroyOutputs()); err != nil {
		return nil, err
	}
	return &InferenceOutput{Mask: mask, Confidence: confidence}, nil
}

func (r *ortRunner) Destroy() error {
	return r.session.Destroy()
}

func denseToORT[T float32 | int64](t *tensor.Dense) (ort.Value, error) {
	data, ok := t.Data().([]T)
	if !ok {
		return nil, fmt.Errorf("tensor holds %T, expected []%T", t.Data(), *new(T))
	}
	shape := t.Shape()
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return ort.NewTensor(ort.NewShape(dims...), data)
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	standardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		standardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return standardised
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
