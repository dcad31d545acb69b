package retina

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
)

func TestDraw_Detections(t *testing.T) {
	black := color.NRGBA{A: 0xff}
	src := imaging.New(40, 40, black)

	face := Detection{
		Box:   Box{4, 4, 28, 28},
		Score: 0.9,
		Landmarks: Landmarks{
			{X: 8, Y: 34}, {X: 14, Y: 34}, {X: 20, Y: 34}, {X: 14, Y: 22}, {X: 26, Y: 34},
		},
	}
	weak := Detection{Box: Box{30, 30, 38, 38}, Score: 0.1}

	out := Draw(src, []Detection{face, weak}, 0.6)
	assert.Equal(t, image.Rect(0, 0, 40, 40), out.Bounds())

	edge := out.NRGBAAt(28, 24)
	assert.Greater(t, edge.R, uint8(200))
	assert.Less(t, edge.G, uint8(50))

	nose := out.NRGBAAt(14, 22)
	assert.Greater(t, nose.G, uint8(200))
	assert.Less(t, nose.R, uint8(50))

	assert.Equal(t, black, out.NRGBAAt(38, 34), "detections under the threshold are not drawn")
	assert.Equal(t, black, src.NRGBAAt(28, 24), "the source image is left untouched")
}
