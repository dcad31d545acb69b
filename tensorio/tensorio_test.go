package tensorio

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestTensorio_FileName(t *testing.T) {
	assert.Equal(t, "face_det_0_640x640_uint8.bin", FileName("face_det", 0, 640, 640, Uint8))
	assert.Equal(t, "face_recg_1_112x96_float32.bin", FileName("face_recg", 1, 112, 96, Float32))
}

func TestTensorio_Float32Layout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeFloat32(&buf, []float32{1, -2.5}))
	// IEEE 754 little-endian words.
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f, 0, 0, 0x20, 0xc0}, buf.Bytes())

	data, err := DecodeFloat32(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2.5}, data)

	_, err = DecodeFloat32(bytes.NewReader([]byte{1, 2, 3}))
	assert.True(t, errors.Is(err, ErrSize))
}

func TestTensorio_Files(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "bin")

	values := []float32{0, 1.5, float32(math.Inf(-1)), 3e-8}
	path := filepath.Join(dir, FileName("face_det", 0, 2, 2, Float32))
	require.NoError(t, WriteFloat32(path, values))
	got, err := ReadFloat32(path)
	require.NoError(t, err)
	assert.Equal(t, values, got)

	bytesPath := filepath.Join(dir, FileName("face_det", 0, 2, 2, Uint8))
	require.NoError(t, WriteUint8(bytesPath, []uint8{1, 2, 3}))
	raw, err := ReadUint8(bytesPath)
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2, 3}, raw)

	_, err = ReadFloat32(filepath.Join(dir, "missing.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestTensorio_Dense(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loc.bin")

	src := tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking([]float32{1, 2, 3, 4, 5, 6}))
	require.NoError(t, WriteDense(path, src))

	got, err := ReadDense(path, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 3}, got.Shape())
	assert.Equal(t, src.Data(), got.Data())

	_, err = ReadDense(path, 1, 4, 3)
	assert.True(t, errors.Is(err, ErrSize))

	u8 := tensor.New(tensor.WithShape(2), tensor.WithBacking([]uint8{7, 8}))
	require.NoError(t, WriteDense(filepath.Join(dir, "u8.bin"), u8))

	f64 := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{1}))
	assert.Error(t, WriteDense(filepath.Join(dir, "f64.bin"), f64))
}

func TestTensorio_Replay(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.bin"), filepath.Join(dir, "b.bin")
	require.NoError(t, WriteFloat32(a, []float32{1, 2}))
	require.NoError(t, WriteFloat32(b, []float32{3, 4, 5, 6}))

	r := NewReplay(File{Path: a, Shape: []int{1, 2}}, File{Path: b, Shape: []int{2, 2}})
	outs, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, []float32{3, 4, 5, 6}, outs[1].Data())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)

	bad := NewReplay(File{Path: a, Shape: []int{3}})
	_, err = bad.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrSize))
}
