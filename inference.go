package retina

import (
	"context"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Outputs are the raw tensors produced by the detection network for one image.
// Each may be shaped [1, N, C] or [N, C], where N is the prior count and C is
// 4 for Loc, 2 for Conf (background, face) and 10 for Landm.
type Outputs struct {
	Loc   *tensor.Dense
	Conf  *tensor.Dense
	Landm *tensor.Dense
}

// Inferer is the port to the external inference engine. Implementations must be
// deterministic for fixed weights and input.
type Inferer interface {
	Infer(ctx context.Context, input *tensor.Dense) (Outputs, error)
}

// InferFunc adapts an ordinary function to the Inferer interface.
type InferFunc func(ctx context.Context, input *tensor.Dense) (Outputs, error)

// Infer calls f(ctx, input).
func (f InferFunc) Infer(ctx context.Context, input *tensor.Dense) (Outputs, error) {
	return f(ctx, input)
}

// Runner is a generic multi-output model, such as an ONNX Runtime session or a replay of dumped tensors.
type Runner interface {
	Run(ctx context.Context, input *tensor.Dense) ([]*tensor.Dense, error)
}

// RunnerInferer maps the first three outputs of a runner to loc, conf and landm.
func RunnerInferer(r Runner) Inferer {
	return InferFunc(func(ctx context.Context, input *tensor.Dense) (Outputs, error) {
		outs, err := r.Run(ctx, input)
		if err != nil {
			return Outputs{}, err
		}
		if len(outs) < 3 {
			return Outputs{}, errors.Errorf("the detection model returned %d outputs, expected 3", len(outs))
		}
		return Outputs{Loc: outs[0], Conf: outs[1], Landm: outs[2]}, nil
	})
}

// rows returns the backing data of a [1, n, width] or [n, width] float32 tensor.
func rows(t *tensor.Dense, name string, n, width int) ([]float32, error) {
	if t == nil {
		return nil, shapeErrorf("missing %s output", name)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, shapeErrorf("%s output has type %v, expected float32", name, t.Dtype())
	}

	shape := t.Shape()
	if len(shape) == 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 || shape[1] != width {
		return nil, shapeErrorf("%s output has shape %v, expected [1 %d %d]", name, t.Shape(), n, width)
	}
	if shape[0] != n || len(data) != n*width {
		return nil, shapeErrorf("%s output holds %d rows for %d priors", name, shape[0], n)
	}
	return data, nil
}
