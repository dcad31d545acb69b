package retina

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/esimov/retina/utils"
	"gorgonia.org/tensor"
)

// Mean is the per channel value subtracted from the network input, in BGR order.
type Mean [3]float32

// DefaultMean is the BGR mean of the training set used by the reference model.
var DefaultMean = Mean{104, 117, 123}

// Color returns the mean as an opaque color, used to fill the padding area.
func (m Mean) Color() color.NRGBA {
	return color.NRGBA{
		R: uint8(utils.Clamp(utils.Round(m[2]), 0, 255)),
		G: uint8(utils.Clamp(utils.Round(m[1]), 0, 255)),
		B: uint8(utils.Clamp(utils.Round(m[0]), 0, 255)),
		A: 0xff,
	}
}

// Input is the result of the pre-processing stage.
type Input struct {
	// Tensor is the [1, 3, size, size] float32 network input (BGR, mean subtracted).
	Tensor *tensor.Dense
	// Resized is the padded image scaled to the network resolution.
	Resized *image.NRGBA
}

// PadSide is the side length of the square canvas an image of the given size is
// padded to. Decoded coordinates are multiplied by it to get back to the source image.
func PadSide(width, height int) int {
	return utils.Max(width, height)
}

// PadToSquare places the image in the top-left corner of a square canvas
// whose side is the longest image edge, filling the rest with the mean color.
func PadToSquare(img image.Image, mean Mean) *image.NRGBA {
	b := img.Bounds()
	side := PadSide(b.Dx(), b.Dy())

	dst := imaging.New(side, side, mean.Color())
	return imaging.Paste(dst, img, image.Pt(0, 0))
}

// Preprocess pads the image to a square, resizes it to the network input
// resolution and converts it to a mean subtracted CHW tensor.
func Preprocess(img image.Image, size int, mean Mean) Input {
	padded := PadToSquare(img, mean)
	resized := imaging.Resize(padded, size, size, imaging.Linear)

	return Input{
		Tensor:  ToTensor(resized, mean),
		Resized: resized,
	}
}

// ToTensor converts an image to a [1, 3, H, W] float32 tensor in BGR channel order,
// subtracting the per channel mean.
func ToTensor(img *image.NRGBA, mean Mean) *tensor.Dense {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		for x := 0; x < w; x++ {
			i := y*w + x
			r, g, b := img.Pix[off], img.Pix[off+1], img.Pix[off+2]

			data[i] = float32(b) - mean[0]
			data[plane+i] = float32(g) - mean[1]
			data[2*plane+i] = float32(r) - mean[2]
			off += 4
		}
	}
	return tensor.New(tensor.WithShape(1, 3, h, w), tensor.WithBacking(data))
}

// ToCHW returns the raw RGB bytes of the image in planar (CHW) layout.
// This is the layout the quantized model expects for its uint8 input.
func ToCHW(img *image.NRGBA) []uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	data := make([]uint8, 3*plane)

	for y := 0; y < h; y++ {
		off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = img.Pix[off]
			data[plane+i] = img.Pix[off+1]
			data[2*plane+i] = img.Pix[off+2]
			off += 4
		}
	}
	return data
}
