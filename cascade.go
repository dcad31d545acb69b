package retina

import (
	_ "embed"
	"encoding/binary"
	"image"

	pigo "github.com/esimov/pigo/core"
	"github.com/esimov/retina/utils"
	"github.com/pkg/errors"
)

// Cascade is a pixel intensity comparison based face detector (pigo).
// It shares nothing with the network and serves as an independent
// reference when validating detections on real images.
type Cascade struct {
	classifier *pigo.Pigo

	MinSize     int
	ShiftFactor float64
	ScaleFactor float64
	Angle       float64
	// IoU is the threshold used to cluster overlapping cascade hits.
	IoU float64
	// MinQuality drops clustered hits scoring below it.
	MinQuality float32
}

//go:embed data/facefinder
var faceFinder []byte

// NewFaceCascade returns the frontal face cascade bundled with the package.
func NewFaceCascade() (*Cascade, error) {
	return NewCascade(faceFinder)
}

// NewCascade unpacks a binary cascade classifier.
func NewCascade(data []byte) (*Cascade, error) {
	if err := checkCascade(data); err != nil {
		return nil, err
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "error unpacking the cascade file")
	}
	return &Cascade{
		classifier:  classifier,
		MinSize:     20,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		IoU:         0.2,
		MinQuality:  5,
	}, nil
}

// checkCascade verifies that the packed trees announced by the header fit in data.
// The layout is an 8 byte preamble, the tree depth and count, then for every tree
// its node codes, leaf predictions and threshold.
func checkCascade(data []byte) error {
	const header = 16
	if len(data) < header {
		return configErrorf("cascade data too short: %d bytes", len(data))
	}
	depth := binary.LittleEndian.Uint32(data[8:])
	trees := binary.LittleEndian.Uint32(data[12:])
	if depth == 0 || depth > 16 {
		return configErrorf("invalid cascade tree depth %d", depth)
	}
	leaves := 1 << depth
	treeSize := 4*leaves - 4 + 4*leaves + 4
	if want := header + int(trees)*treeSize; len(data) < want {
		return configErrorf("cascade data truncated: %d trees need %d bytes, got %d", trees, want, len(data))
	}
	return nil
}

// Detect returns the face regions found by the cascade, scored by the cascade quality.
func (c *Cascade) Detect(img image.Image) []ScoredBox {
	src := imgToNRGBA(img)
	dx, dy := src.Bounds().Dx(), src.Bounds().Dy()

	params := pigo.CascadeParams{
		MinSize:     c.MinSize,
		MaxSize:     utils.Max(dx, dy),
		ShiftFactor: c.ShiftFactor,
		ScaleFactor: c.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: rgbToGrayscale(src),
			Rows:   dy,
			Cols:   dx,
			Dim:    dx,
		},
	}

	// The result contains quadruplets representing the row, column, scale and detection score.
	faces := c.classifier.RunCascade(params, c.Angle)
	faces = c.classifier.ClusterDetections(faces, c.IoU)

	boxes := make([]ScoredBox, 0, len(faces))
	for _, f := range faces {
		if f.Q < c.MinQuality {
			continue
		}
		half := float32(f.Scale) / 2
		row, col := float32(f.Row), float32(f.Col)
		boxes = append(boxes, ScoredBox{
			Box:   Box{col - half, row - half, col + half, row + half},
			Score: f.Q,
		})
	}
	return boxes
}

// Agreement summarizes how the network detections line up with a reference detector.
type Agreement struct {
	Detections int `json:"detections"`
	Reference  int `json:"reference"`
	Matched    int `json:"matched"`
}

// CrossCheck greedily pairs every detection with the best overlapping, not yet used,
// reference box. A pair counts as matched when its IoU is at least minIoU.
func CrossCheck(dets []Detection, ref []ScoredBox, minIoU float32) Agreement {
	used := make([]bool, len(ref))
	agr := Agreement{Detections: len(dets), Reference: len(ref)}

	for _, d := range dets {
		best, bestIoU := -1, minIoU
		for j, r := range ref {
			if used[j] {
				continue
			}
			if iou := IoU(d.Box, r.Box); iou >= bestIoU {
				best, bestIoU = j, iou
			}
		}
		if best >= 0 {
			used[best] = true
			agr.Matched++
		}
	}
	return agr
}
