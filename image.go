package retina

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/esimov/retina/utils"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
)

// validExtensions lists the supported image file extensions.
var validExtensions = []string{".jpg", ".png", ".jpeg", ".bmp"}

// DecodeImage decodes an image file, refusing files whose content is not an image.
func DecodeImage(src string) (image.Image, error) {
	ctype, err := utils.DetectContentType(src)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(ctype, "image") {
		return nil, errors.Errorf("%s is not an image file", filepath.Base(src))
	}

	file, err := os.Open(src)
	if err != nil {
		return nil, errors.Wrap(err, "could not open the image file")
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode the image file")
	}
	return img, nil
}

// encodeImg encodes an image to a destination of type io.Writer.
// The format is picked from the file extension; pipes and unnamed writers get a jpeg.
func encodeImg(w io.Writer, img image.Image) error {
	ext := ""
	if f, ok := w.(*os.File); ok {
		ext = strings.ToLower(filepath.Ext(f.Name()))
	}

	switch ext {
	case "", ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 100})
	case ".png":
		return png.Encode(w, img)
	case ".bmp":
		return bmp.Encode(w, img)
	default:
		return errors.Errorf("unsupported image format %q", ext)
	}
}

// imgToNRGBA converts any image type to *image.NRGBA with min-point at (0, 0).
func imgToNRGBA(img image.Image) *image.NRGBA {
	if src, ok := img.(*image.NRGBA); ok && src.Rect.Min == (image.Point{}) {
		return src
	}
	return imaging.Clone(img)
}

// isValidExtension checks for the supported extensions.
func isValidExtension(ext string, extensions []string) bool {
	ext = strings.ToLower(ext)
	for _, ex := range extensions {
		if ex == ext {
			return true
		}
	}
	return false
}
