package retina

import "image"

// rgbToGrayscale converts an image to grayscale mode and
// returns the pixel values as an one dimensional array.
// This is the input layout expected by the cascade classifier.
func rgbToGrayscale(src *image.NRGBA) []uint8 {
	width, height := src.Bounds().Dx(), src.Bounds().Dy()
	gray := make([]uint8, width*height)

	for y := 0; y < height; y++ {
		off := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		for x := 0; x < width; x++ {
			r, g, b := float64(src.Pix[off]), float64(src.Pix[off+1]), float64(src.Pix[off+2])
			gray[y*width+x] = uint8(0.299*r + 0.587*g + 0.114*b)
			off += 4
		}
	}
	return gray
}
