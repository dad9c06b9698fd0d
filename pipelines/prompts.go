package pipelines

import (
	"gorgonia.org/tensor"

	"github.com/pointprompt/segbridge/errdefs"
)

// Point labels understood by the model. Exports that support box prompts use
// further values (2 and 3 for box corners); those pass through untouched.
const (
	LabelBackground int64 = 0
	LabelForeground int64 = 1

	// labelPadding marks the sentinel point emitted on the no-prompt path.
	labelPadding int64 = -1
)

// EncodePointPrompts converts normalized point coordinates and their parallel
// labels into the two prompt tensors the model consumes: a float32 coordinates
// tensor of shape [1, N, 2] scaled to model pixel space, and an int64 labels
// tensor of shape [1, N]. Caller order is preserved, index i of both tensors
// describes the same point. On any validation error nothing is encoded.
func EncodePointPrompts(points [][2]float32, labels []int64, imageSize int, allowEmpty bool) (*tensor.Dense, *tensor.Dense, error) {
	if len(points) != len(labels) {
		return nil, nil, errdefs.ArityMismatch("%d coordinates with %d labels", len(points), len(labels))
	}
	if len(points) == 0 {
		if !allowEmpty {
			return nil, nil, errdefs.EmptyPrompt("model requires at least one point prompt")
		}
		// No-prompt path: a single padding point, the convention the export
		// tooling uses for promptless inference.
		coords := tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float32{0, 0}))
		labelsTensor := tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]int64{labelPadding}))
		return coords, labelsTensor, nil
	}

	coordsBacking := make([]float32, 2*len(points))
	labelsBacking := make([]int64, len(points))
	for i, p := range points {
		x, y := p[0], p[1]
		if x < 0 || x > 1 || y < 0 || y > 1 {
			return nil, nil, errdefs.OutOfRange("point %d at (%g, %g) is outside [0,1]x[0,1]", i, x, y)
		}
		coordsBacking[2*i] = x * float32(imageSize)
		coordsBacking[2*i+1] = y * float32(imageSize)
		labelsBacking[i] = labels[i]
	}

	coords := tensor.New(tensor.WithShape(1, len(points), 2), tensor.WithBacking(coordsBacking))
	labelsTensor := tensor.New(tensor.WithShape(1, len(points)), tensor.WithBacking(labelsBacking))
	return coords, labelsTensor, nil
}
