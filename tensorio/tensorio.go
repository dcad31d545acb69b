// Package tensorio reads and writes tensors as raw little-endian binary dumps.
//
// This is the exchange format of the NPU toolchain's golden comparison workflow:
// a file holds nothing but the flattened elements of a typed array, and its name
// encodes the task, the input index, the resolution and the element type, e.g.
// face_det_0_640x640_float32.bin.
package tensorio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DType is the element type of a dumped tensor.
type DType string

// The element types understood by the toolchain.
const (
	Uint8   DType = "uint8"
	Float32 DType = "float32"
)

// ErrSize is returned when a file length does not match the expected element count.
var ErrSize = errors.New("tensor size mismatch")

// FileName builds the conventional dump name {task}_{index}_{width}x{height}_{dtype}.bin.
func FileName(task string, index, width, height int, dtype DType) string {
	return fmt.Sprintf("%s_%d_%dx%d_%s.bin", task, index, width, height, dtype)
}

// EncodeFloat32 writes the values as little-endian IEEE 754 words.
func EncodeFloat32(w io.Writer, data []float32) error {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// DecodeFloat32 reads little-endian IEEE 754 words until EOF.
func DecodeFloat32(r io.Reader) ([]float32, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, errors.Wrapf(ErrSize, "%d bytes is not a multiple of 4", len(buf))
	}
	data := make([]float32, len(buf)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return data, nil
}

// WriteFloat32 dumps the values into the file at path, creating parent directories as needed.
func WriteFloat32(path string, data []float32) error {
	return writeFile(path, func(w io.Writer) error {
		return EncodeFloat32(w, data)
	})
}

// ReadFloat32 loads a float32 dump.
func ReadFloat32(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open the tensor file")
	}
	defer f.Close()

	data, err := DecodeFloat32(f)
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode %s", path)
	}
	return data, nil
}

// WriteUint8 dumps the bytes into the file at path, creating parent directories as needed.
func WriteUint8(path string, data []uint8) error {
	return writeFile(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// ReadUint8 loads a uint8 dump.
func ReadUint8(path string) ([]uint8, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read the tensor file")
	}
	return data, nil
}

// ReadDense loads a float32 dump and shapes it. The element count of the
// file must match the product of the shape.
func ReadDense(path string, shape ...int) (*tensor.Dense, error) {
	data, err := ReadFloat32(path)
	if err != nil {
		return nil, err
	}
	if want := tensor.Shape(shape).TotalSize(); want != len(data) {
		return nil, errors.Wrapf(ErrSize, "%s holds %d values, shape %v needs %d", path, len(data), shape, want)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// WriteDense dumps a float32 or uint8 tensor.
func WriteDense(path string, t *tensor.Dense) error {
	switch data := t.Data().(type) {
	case []float32:
		return WriteFloat32(path, data)
	case []uint8:
		return WriteUint8(path, data)
	default:
		return errors.Errorf("unsupported tensor type %v", t.Dtype())
	}
}

func writeFile(path string, fn func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "unable to create the dump directory")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "unable to create the tensor file")
	}
	if err := fn(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to write %s", path)
	}
	return f.Close()
}
