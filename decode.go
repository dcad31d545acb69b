package retina

import "math"

// LandmarkCount is the number of facial keypoints predicted per face.
const LandmarkCount = 5

// Point is a 2D coordinate.
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Box is a bounding box given by its top-left (x1, y1) and bottom-right (x2, y2) corners.
type Box [4]float32

// Landmarks holds the five facial keypoints: left eye, right eye, nose, left and right mouth corner.
type Landmarks [LandmarkCount]Point

// Width returns the horizontal extent of the box.
func (b Box) Width() float32 { return b[2] - b[0] }

// Height returns the vertical extent of the box.
func (b Box) Height() float32 { return b[3] - b[1] }

// Scale multiplies the x coordinates by sx and the y coordinates by sy.
func (b Box) Scale(sx, sy float32) Box {
	return Box{b[0] * sx, b[1] * sy, b[2] * sx, b[3] * sy}
}

// Scale multiplies every keypoint by sx horizontally and sy vertically.
func (l Landmarks) Scale(sx, sy float32) Landmarks {
	var out Landmarks
	for k, p := range l {
		out[k] = Point{X: p.X * sx, Y: p.Y * sy}
	}
	return out
}

// DecodeBoxes converts the regression offsets predicted for each prior into
// normalized corner coordinates. loc[i] is matched to priors[i].
func DecodeBoxes(loc [][4]float32, priors []Anchor, variance [2]float32) ([]Box, error) {
	if len(loc) != len(priors) {
		return nil, shapeErrorf("%d box regressions for %d priors", len(loc), len(priors))
	}

	boxes := make([]Box, len(loc))
	for i, l := range loc {
		p := priors[i]
		cx := p.CX + l[0]*variance[0]*p.W
		cy := p.CY + l[1]*variance[0]*p.H
		w := p.W * exp32(l[2]*variance[1])
		h := p.H * exp32(l[3]*variance[1])

		boxes[i] = Box{cx - w/2, cy - h/2, cx + w/2, cy + h/2}
	}
	return boxes, nil
}

// DecodeLandmarks converts the landmark offsets predicted for each prior into
// normalized keypoint coordinates. pre[i] holds five interleaved (x, y) offsets for priors[i].
func DecodeLandmarks(pre [][2 * LandmarkCount]float32, priors []Anchor, variance [2]float32) ([]Landmarks, error) {
	if len(pre) != len(priors) {
		return nil, shapeErrorf("%d landmark regressions for %d priors", len(pre), len(priors))
	}

	landmarks := make([]Landmarks, len(pre))
	for i, l := range pre {
		p := priors[i]
		for k := 0; k < LandmarkCount; k++ {
			landmarks[i][k] = Point{
				X: p.CX + l[2*k]*variance[0]*p.W,
				Y: p.CY + l[2*k+1]*variance[0]*p.H,
			}
		}
	}
	return landmarks, nil
}

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}
