// Package onnx runs ONNX models through ONNX Runtime and exposes them as
// multi-output model runners working on gorgonia dense tensors.
package onnx

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Init loads the ONNX Runtime shared library and initializes the environment.
// An empty path lets the runtime use its platform default. Calling Init again
// after a successful initialization is a no-op.
func Init(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "unable to initialize the ONNX Runtime environment")
	}
	return nil
}

// Shutdown releases the ONNX Runtime environment.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Options configures a Model.
type Options struct {
	// Threads is the intra-op thread count. Zero keeps the runtime default.
	Threads int
	// InputShape overrides the model input shape, required when the model
	// declares dynamic dimensions.
	InputShape []int64
	// OutputShapes overrides the output shapes, by output position.
	OutputShapes [][]int64
}

// Model is a loaded ONNX network with a single float32 input and one or more
// float32 outputs. A Model is safe for concurrent use; calls to Run are serialized.
type Model struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]

	inputName   string
	outputNames []string
}

// Open loads the model at path. Input and output names and shapes are read from the model.
func Open(path string, opts Options) (*Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to inspect %s", path)
	}
	if len(inputs) != 1 {
		return nil, errors.Errorf("%s has %d inputs, expected 1", path, len(inputs))
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("%s has no outputs", path)
	}

	inShape, err := resolveShape(inputs[0].Name, inputs[0].Dimensions, opts.InputShape)
	if err != nil {
		return nil, err
	}
	m := &Model{inputName: inputs[0].Name}

	m.input, err = ort.NewEmptyTensor[float32](ort.NewShape(inShape...))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create the input tensor")
	}

	values := make([]ort.Value, len(outputs))
	for i, o := range outputs {
		var override []int64
		if i < len(opts.OutputShapes) {
			override = opts.OutputShapes[i]
		}
		shape, err := resolveShape(o.Name, o.Dimensions, override)
		if err != nil {
			m.Close()
			return nil, err
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "unable to create the %s output tensor", o.Name)
		}
		m.outputs = append(m.outputs, t)
		m.outputNames = append(m.outputNames, o.Name)
		values[i] = t
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		m.Close()
		return nil, errors.Wrap(err, "unable to create the session options")
	}
	defer sessOpts.Destroy()
	if opts.Threads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.Threads); err != nil {
			m.Close()
			return nil, errors.Wrap(err, "unable to set the thread count")
		}
	}

	m.session, err = ort.NewAdvancedSession(path,
		[]string{m.inputName}, m.outputNames,
		[]ort.Value{m.input}, values, sessOpts,
	)
	if err != nil {
		m.Close()
		return nil, errors.Wrapf(err, "unable to create a session for %s", path)
	}
	return m, nil
}

// InputShape returns the shape the model expects its input in.
func (m *Model) InputShape() []int {
	return toInts(m.input.GetShape())
}

// OutputNames returns the model output names in session order.
func (m *Model) OutputNames() []string {
	return append([]string(nil), m.outputNames...)
}

// Run feeds the input to the network and returns a copy of every output.
func (m *Model) Run(ctx context.Context, in *tensor.Dense) ([]*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := in.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("input has type %v, expected float32", in.Dtype())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dst := m.input.GetData()
	if len(dst) != len(data) {
		return nil, errors.Errorf("input has shape %v, the model expects %v", in.Shape(), m.input.GetShape())
	}
	copy(dst, data)

	if err := m.session.Run(); err != nil {
		return nil, errors.Wrap(err, "session run failed")
	}

	outs := make([]*tensor.Dense, len(m.outputs))
	for i, o := range m.outputs {
		backing := append([]float32(nil), o.GetData()...)
		outs[i] = tensor.New(tensor.WithShape(toInts(o.GetShape())...), tensor.WithBacking(backing))
	}
	return outs, nil
}

// Close releases the session and its tensors.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	for _, o := range m.outputs {
		o.Destroy()
	}
	m.outputs = nil
	return err
}

// resolveShape returns the override when given, otherwise the declared
// shape, which must be fully static.
func resolveShape(name string, declared ort.Shape, override []int64) ([]int64, error) {
	if len(override) > 0 {
		return override, nil
	}
	for _, d := range declared {
		if d <= 0 {
			return nil, errors.Errorf("%s has the dynamic shape %v, provide it explicitly", name, declared)
		}
	}
	return []int64(declared), nil
}

func toInts(s ort.Shape) []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}
