package retina

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
)

// landmarkColors holds the marker colors of the left eye, right eye, nose,
// left mouth corner and right mouth corner.
var landmarkColors = [LandmarkCount]color.NRGBA{
	{R: 0xff, A: 0xff},
	{R: 0xff, G: 0xff, A: 0xff},
	{R: 0xff, B: 0xff, A: 0xff},
	{G: 0xff, A: 0xff},
	{B: 0xff, A: 0xff},
}

var (
	boxColor   = color.NRGBA{R: 0xff, A: 0xff}
	scoreColor = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Draw renders the detections scoring at least vis over a copy of the image:
// the bounding box, the score printed at its top-left corner and the five landmarks.
func Draw(img image.Image, dets []Detection, vis float32) *image.NRGBA {
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(2)

	for _, d := range dets {
		if d.Score < vis {
			continue
		}
		x, y := float64(int(d.Box[0])), float64(int(d.Box[1]))
		w, h := float64(int(d.Box[2]))-x, float64(int(d.Box[3]))-y

		dc.SetColor(boxColor)
		dc.DrawRectangle(x, y, w, h)
		dc.Stroke()

		dc.SetColor(scoreColor)
		dc.DrawString(fmt.Sprintf("%.4f", d.Score), x, y+12)

		for k, p := range d.Landmarks {
			dc.SetColor(landmarkColors[k])
			dc.DrawCircle(float64(int(p.X)), float64(int(p.Y)), 2)
			dc.Fill()
		}
	}
	return imgToNRGBA(dc.Image())
}
