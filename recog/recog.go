// Package recog turns aligned face crops into embeddings and matches them
// against a gallery of registered identities.
package recog

import (
	"context"
	"image"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/esimov/retina"
	"github.com/esimov/retina/align"
	"github.com/esimov/retina/tensorio"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// DumpTask is the task name used for the recognition tensor dumps.
const DumpTask = "face_recg"

const (
	normMean = 127.5
	normStd  = 128.0
)

// ErrDimension is returned when two embeddings have different lengths.
var ErrDimension = errors.New("embedding dimension mismatch")

// Preprocess converts an aligned face to the [1, 3, 112, 112] float32 network
// input in RGB order, scaled to roughly [-1, 1]. Crops of another size are resized first.
func Preprocess(img image.Image) (*tensor.Dense, *image.NRGBA) {
	face := imaging.Clone(img)
	if b := face.Bounds(); b.Dx() != align.Size || b.Dy() != align.Size {
		face = imaging.Resize(face, align.Size, align.Size, imaging.Linear)
	}

	data := make([]float32, 3*align.Size*align.Size)
	for i, v := range retina.ToCHW(face) {
		data[i] = (float32(v) - normMean) / normStd
	}
	return tensor.New(tensor.WithShape(1, 3, align.Size, align.Size), tensor.WithBacking(data)), face
}

// Normalize returns a copy of v scaled to unit L2 norm. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	f := toFloat64(v)
	if norm := floats.Norm(f, 2); norm > 0 {
		floats.Scale(1/norm, f)
	}
	out := make([]float32, len(v))
	for i, x := range f {
		out[i] = float32(x)
	}
	return out
}

// Score maps the cosine similarity of two embeddings to [0, 1], 1 meaning the same direction.
func Score(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, errors.Wrapf(ErrDimension, "%d and %d values", len(a), len(b))
	}
	fa, fb := toFloat64(a), toFloat64(b)
	na, nb := floats.Norm(fa, 2), floats.Norm(fb, 2)
	if na == 0 || nb == 0 {
		return 0.5, nil
	}
	cos := floats.Dot(fa, fb) / (na * nb)
	return float32(cos/2 + 0.5), nil
}

func toFloat64(v []float32) []float64 {
	f := make([]float64, len(v))
	for i, x := range v {
		f[i] = float64(x)
	}
	return f
}

// Embedder runs the recognition network on aligned faces.
type Embedder struct {
	runner  retina.Runner
	dumpDir string
	logger  *zap.Logger
}

// Option customizes an Embedder.
type Option func(*Embedder)

// WithTensorDump writes the network inputs of every call into dir.
func WithTensorDump(dir string) Option {
	return func(e *Embedder) { e.dumpDir = dir }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(e *Embedder) { e.logger = l }
}

// NewEmbedder wraps a model runner whose first output is the embedding.
func NewEmbedder(r retina.Runner, opts ...Option) *Embedder {
	e := &Embedder{runner: r, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed returns the raw (not normalized) embedding of an aligned face.
func (e *Embedder) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	in, resized := Preprocess(face)
	if e.dumpDir != "" {
		if err := e.dump(in, resized); err != nil {
			return nil, err
		}
	}

	outs, err := e.runner.Run(ctx, in)
	if err != nil {
		return nil, &retina.InferenceError{Err: err}
	}
	if len(outs) == 0 || outs[0] == nil {
		return nil, errors.Wrap(retina.ErrShapeMismatch, "the recognition model returned no output")
	}
	data, ok := outs[0].Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(retina.ErrShapeMismatch, "embedding has type %v, expected float32", outs[0].Dtype())
	}

	e.logger.Debug("face embedded", zap.Int("dim", len(data)))
	return append([]float32(nil), data...), nil
}

func (e *Embedder) dump(in *tensor.Dense, face *image.NRGBA) error {
	u8 := filepath.Join(e.dumpDir, tensorio.FileName(DumpTask, 0, align.Size, align.Size, tensorio.Uint8))
	if err := tensorio.WriteUint8(u8, retina.ToCHW(face)); err != nil {
		return errors.Wrap(err, "could not dump the quantized model input")
	}
	f32 := filepath.Join(e.dumpDir, tensorio.FileName(DumpTask, 0, align.Size, align.Size, tensorio.Float32))
	if err := tensorio.WriteDense(f32, in); err != nil {
		return errors.Wrap(err, "could not dump the float model input")
	}
	return nil
}
