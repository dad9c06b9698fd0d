package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// goRunner executes the model graph with the pure Go onnx backend. It needs no
// shared library and no cgo, at the cost of slower inference than ORT.
type goRunner struct {
	model  *gonnx.Model
	config ModelConfig
}

func newGoRunner(m *Model) (Runner, error) {
	model, err := gonnx.NewModelFromBytes(m.OnnxBytes)
	if err != nil {
		return nil, err
	}

	inputs, outputs := loadInputOutputMetaGo(model)
	m.InputsMeta = inputs
	m.OutputsMeta = outputs

	return &goRunner{model: model, config: m.Config}, nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func (r *goRunner) Run(image, pointCoords, pointLabels *tensor.Dense) (*InferenceOutput, error) {
	inputMap := map[string]tensor.Tensor{
		r.config.ImageInput:       image,
		r.config.PointCoordsInput: pointCoords,
		r.config.PointLabelsInput: pointLabels,
	}

	outputs, err := r.model.Run(inputMap)
	if err != nil {
		return nil, err
	}

	maskTensor, ok := outputs[r.config.MaskOutput]
	if !ok {
		return nil, fmt.Errorf("model did not produce mask output %q", r.config.MaskOutput)
	}
	maskData, ok := maskTensor.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("mask output %q holds %T, expected []float32", r.config.MaskOutput, maskTensor.Data())
	}
	// Copy out of the session-owned tensor so the result outlives the runner.
	backing := make([]float32, len(maskData))
	copy(backing, maskData)
	mask := tensor.New(
		tensor.WithShape(maskTensor.Shape()...),
		tensor.WithBacking(backing),
	)

	confidence, err := extractConfidence(outputs[r.config.ScoreOutput], r.config.ScoreOutput)
	if err != nil {
		return nil, err
	}

	return &InferenceOutput{Mask: mask, Confidence: confidence}, nil
}

func (r *goRunner) Destroy() error {
	r.model = nil
	return nil
}

// extractConfidence reads the first score of the iou prediction output, which
// may come back as a scalar or a tensor of one or more scores.
func extractConfidence(scoreTensor tensor.Tensor, name string) (float32, error) {
	if scoreTensor == nil {
		return 0, fmt.Errorf("model did not produce score output %q", name)
	}
	switch v := scoreTensor.Data().(type) {
	case []float32:
		if len(v) == 0 {
			return 0, fmt.Errorf("score output %q is empty", name)
		}
		return v[0], nil
	case float32:
		return v, nil
	default:
		return 0, fmt.Errorf("score output %q holds %T, expected float32", name, scoreTensor.Data())
	}
}
