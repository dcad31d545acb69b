package retina

import (
	"context"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/esimov/retina/tensorio"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// tinyConfig yields four priors on an 8x8 input, each covering a quarter of the
// input width, so that zero offsets decode to four disjoint boxes.
func tinyConfig() Config {
	return Config{
		Name:     "tiny",
		MinSizes: [][]int{{2}},
		Steps:    []int{4},
		Variance: [2]float32{0.1, 0.2},
	}
}

type fakeNet struct {
	loc   []float32
	conf  []float32
	landm []float32
}

func newFakeNet(scores ...float32) *fakeNet {
	n := len(scores)
	f := &fakeNet{
		loc:   make([]float32, 4*n),
		conf:  make([]float32, 2*n),
		landm: make([]float32, 10*n),
	}
	for i, s := range scores {
		f.conf[2*i] = 1 - s
		f.conf[2*i+1] = s
	}
	return f
}

func (f *fakeNet) outputs() Outputs {
	n := len(f.conf) / 2
	return Outputs{
		Loc:   tensor.New(tensor.WithShape(1, n, 4), tensor.WithBacking(f.loc)),
		Conf:  tensor.New(tensor.WithShape(1, n, 2), tensor.WithBacking(f.conf)),
		Landm: tensor.New(tensor.WithShape(1, n, 10), tensor.WithBacking(f.landm)),
	}
}

func (f *fakeNet) Infer(_ context.Context, _ *tensor.Dense) (Outputs, error) {
	return f.outputs(), nil
}

func newTestDetector(t *testing.T, inf Inferer, th Thresholds, opts ...Option) *Detector {
	t.Helper()
	opts = append([]Option{WithInputSize(8)}, opts...)
	det, err := NewDetector(tinyConfig(), th, inf, opts...)
	require.NoError(t, err)
	return det
}

func testImage(w, h int) *image.NRGBA {
	return imaging.New(w, h, color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
}

func TestDetector_Detect(t *testing.T) {
	net := newFakeNet(0.9, 0.01, 0.5, 0.9)
	det := newTestDetector(t, net, DefaultThresholds())
	assert.Len(t, det.Priors(), 4)

	dets, err := det.Detect(context.Background(), testImage(16, 8))
	require.NoError(t, err)
	require.Len(t, dets, 3)

	// Equal scores keep the prior order, the low score is filtered out.
	assert.Equal(t, Box{2, 2, 6, 6}, dets[0].Box)
	assert.Equal(t, Box{10, 10, 14, 14}, dets[1].Box)
	assert.Equal(t, Box{2, 10, 6, 14}, dets[2].Box)
	assert.Equal(t, []float32{0.9, 0.9, 0.5}, []float32{dets[0].Score, dets[1].Score, dets[2].Score})
	for _, p := range dets[0].Landmarks {
		assert.Equal(t, Point{X: 4, Y: 4}, p)
	}

	row := dets[0].Flatten()
	assert.Equal(t, [15]float32{2, 2, 6, 6, 0.9, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4}, row)
}

func TestDetector_InputTensor(t *testing.T) {
	net := newFakeNet(0, 0, 0, 0)
	var shape tensor.Shape
	inf := InferFunc(func(ctx context.Context, in *tensor.Dense) (Outputs, error) {
		shape = in.Shape().Clone()
		return net.outputs(), nil
	})
	det := newTestDetector(t, inf, DefaultThresholds())

	dets, err := det.Detect(context.Background(), testImage(5, 3))
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Equal(t, tensor.Shape{1, 3, 8, 8}, shape)
}

func TestDetector_Limits(t *testing.T) {
	net := newFakeNet(0.9, 0.8, 0.7, 0.6)

	th := DefaultThresholds()
	th.TopK = 3
	dets, err := newTestDetector(t, net, th).Detect(context.Background(), testImage(8, 8))
	require.NoError(t, err)
	assert.Len(t, dets, 3)

	th = DefaultThresholds()
	th.KeepTopK = 2
	dets, err = newTestDetector(t, net, th).Detect(context.Background(), testImage(8, 8))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, float32(0.9), dets[0].Score)
	assert.Equal(t, float32(0.8), dets[1].Score)

	th = DefaultThresholds()
	th.Confidence = 0.7
	dets, err = newTestDetector(t, net, th).Detect(context.Background(), testImage(8, 8))
	require.NoError(t, err)
	assert.Len(t, dets, 2)
}

func TestDetector_Suppression(t *testing.T) {
	net := newFakeNet(0.8, 0.9, 0.1, 0.1)
	// Move the second prior onto the first one.
	net.loc[4] = -0.25 / (0.1 * 0.25) * 2
	det := newTestDetector(t, net, DefaultThresholds())

	dets, err := det.Detect(context.Background(), testImage(8, 8))
	require.NoError(t, err)
	require.Len(t, dets, 3)
	assert.Equal(t, float32(0.9), dets[0].Score)
	assert.InDelta(t, 1, dets[0].Box[0], 1e-4)
}

func TestDetector_Clip(t *testing.T) {
	net := newFakeNet(0, 0, 0, 0.9)
	net.loc[3*4+2] = 5
	net.loc[3*4+3] = 5

	dets, err := newTestDetector(t, net, DefaultThresholds()).Detect(context.Background(), testImage(16, 8))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Greater(t, dets[0].Box[2], float32(16))

	dets, err = newTestDetector(t, net, DefaultThresholds(), WithClipToImage(true)).
		Detect(context.Background(), testImage(16, 8))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, float32(16), dets[0].Box[2])
	assert.Equal(t, float32(8), dets[0].Box[3])
}

func TestDetector_InferenceError(t *testing.T) {
	inf := InferFunc(func(context.Context, *tensor.Dense) (Outputs, error) {
		return Outputs{}, io.ErrUnexpectedEOF
	})
	det := newTestDetector(t, inf, DefaultThresholds())

	_, err := det.Detect(context.Background(), testImage(8, 8))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInference))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	var ierr *InferenceError
	assert.True(t, errors.As(err, &ierr))
}

func TestDetector_ShapeMismatch(t *testing.T) {
	net := newFakeNet(0.9, 0.9, 0.9, 0.9)
	det := newTestDetector(t, net, DefaultThresholds())

	testCases := []struct {
		name string
		out  func() Outputs
	}{
		{"missing output", func() Outputs {
			out := net.outputs()
			out.Landm = nil
			return out
		}},
		{"wrong prior count", func() Outputs {
			out := net.outputs()
			out.Conf = tensor.New(tensor.WithShape(1, 2, 2), tensor.WithBacking([]float32{0, 1, 0, 1}))
			return out
		}},
		{"wrong width", func() Outputs {
			out := net.outputs()
			out.Loc = tensor.New(tensor.WithShape(4, 2, 2), tensor.WithBacking(make([]float32, 16)))
			return out
		}},
		{"wrong type", func() Outputs {
			out := net.outputs()
			out.Conf = tensor.New(tensor.WithShape(4, 2), tensor.WithBacking(make([]float64, 8)))
			return out
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := det.Postprocess(tc.out(), 8, 8)
			assert.True(t, errors.Is(err, ErrShapeMismatch), "got %v", err)
		})
	}

	// Two dimensional outputs are accepted.
	out := net.outputs()
	out.Loc = tensor.New(tensor.WithShape(4, 4), tensor.WithBacking(net.loc))
	_, err := det.Postprocess(out, 8, 8)
	assert.NoError(t, err)
}

func TestDetector_InvalidSetup(t *testing.T) {
	net := newFakeNet()

	_, err := NewDetector(tinyConfig(), DefaultThresholds(), nil)
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = NewDetector(tinyConfig(), DefaultThresholds(), net, WithInputSize(0))
	assert.True(t, errors.Is(err, ErrConfiguration))

	th := DefaultThresholds()
	th.NMS = 1.5
	_, err = NewDetector(tinyConfig(), th, net)
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = NewDetector(Config{}, DefaultThresholds(), net)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestDetector_TensorDump(t *testing.T) {
	dir := t.TempDir()
	net := newFakeNet(0, 0, 0, 0)
	det := newTestDetector(t, net, DefaultThresholds(), WithTensorDump(dir))

	_, err := det.Detect(context.Background(), testImage(8, 8))
	require.NoError(t, err)

	u8, err := tensorio.ReadUint8(filepath.Join(dir, "face_det_0_8x8_uint8.bin"))
	require.NoError(t, err)
	assert.Len(t, u8, 3*8*8)
	assert.Equal(t, uint8(0xff), u8[0])

	f32, err := tensorio.ReadFloat32(filepath.Join(dir, "face_det_0_8x8_float32.bin"))
	require.NoError(t, err)
	require.Len(t, f32, 3*8*8)
	assert.Equal(t, float32(255-104), f32[0])
	assert.Equal(t, float32(255-123), f32[2*64])
}

func TestDetector_Replay(t *testing.T) {
	dir := t.TempDir()
	net := newFakeNet(0.9, 0.1, 0.1, 0.1)

	files := []tensorio.File{
		{Path: filepath.Join(dir, "loc.bin"), Shape: []int{1, 4, 4}},
		{Path: filepath.Join(dir, "conf.bin"), Shape: []int{1, 4, 2}},
		{Path: filepath.Join(dir, "landm.bin"), Shape: []int{1, 4, 10}},
	}
	require.NoError(t, tensorio.WriteFloat32(files[0].Path, net.loc))
	require.NoError(t, tensorio.WriteFloat32(files[1].Path, net.conf))
	require.NoError(t, tensorio.WriteFloat32(files[2].Path, net.landm))

	det := newTestDetector(t, RunnerInferer(tensorio.NewReplay(files...)), DefaultThresholds())
	dets, err := det.Detect(context.Background(), testImage(8, 8))
	require.NoError(t, err)
	require.Len(t, dets, 4)
	assert.Equal(t, float32(0.9), dets[0].Score)

	os.Remove(files[2].Path)
	_, err = det.Detect(context.Background(), testImage(8, 8))
	assert.True(t, errors.Is(err, ErrInference))
}

func TestDetector_Concurrent(t *testing.T) {
	net := newFakeNet(0.9, 0.3, 0.5, 0.7)
	det := newTestDetector(t, net, DefaultThresholds())

	expected, err := det.Detect(context.Background(), testImage(12, 8))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]Detection, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = det.Detect(context.Background(), testImage(12, 8))
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, expected, r)
	}
}
