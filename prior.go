package retina

import (
	"math"

	"github.com/esimov/retina/utils"
)

// Anchor is a prior box expressed as center and size, normalized to the input resolution.
type Anchor struct {
	CX, CY, W, H float32
}

// AnchorGenerator lays out the prior boxes of a validated feature pyramid.
type AnchorGenerator struct {
	cfg Config
}

// NewAnchorGenerator validates the pyramid configuration and returns a generator for it.
// An invalid configuration is reported right away instead of producing an empty prior set.
func NewAnchorGenerator(cfg Config) (*AnchorGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AnchorGenerator{cfg: cfg}, nil
}

// Generate returns the ordered prior set for an input of the given height and width.
// The order is: pyramid levels, then feature map rows and columns, then the anchor sizes
// of the level. Network outputs are matched to priors by position, so this order must not change.
func (g *AnchorGenerator) Generate(height, width int) []Anchor {
	anchors := make([]Anchor, 0, AnchorCount(height, width, g.cfg))
	h, w := float64(height), float64(width)

	for k, step := range g.cfg.Steps {
		rows, cols := featureMapSize(height, step), featureMapSize(width, step)
		st := float64(step)

		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				for _, size := range g.cfg.MinSizes[k] {
					a := Anchor{
						CX: float32((float64(j) + 0.5) * st / w),
						CY: float32((float64(i) + 0.5) * st / h),
						W:  float32(float64(size) / w),
						H:  float32(float64(size) / h),
					}
					if g.cfg.Clip {
						a = a.clip()
					}
					anchors = append(anchors, a)
				}
			}
		}
	}
	return anchors
}

// AnchorCount returns the number of priors the configuration yields for the given input size.
func AnchorCount(height, width int, cfg Config) int {
	var n int
	for k, step := range cfg.Steps {
		if k >= len(cfg.MinSizes) {
			break
		}
		n += featureMapSize(height, step) * featureMapSize(width, step) * len(cfg.MinSizes[k])
	}
	return n
}

// featureMapSize is ceil(dim/step).
func featureMapSize(dim, step int) int {
	return int(math.Ceil(float64(dim) / float64(step)))
}

func (a Anchor) clip() Anchor {
	return Anchor{
		CX: utils.Clamp(a.CX, 0, 1),
		CY: utils.Clamp(a.CY, 0, 1),
		W:  utils.Clamp(a.W, 0, 1),
		H:  utils.Clamp(a.H, 0, 1),
	}
}
