// Package parity compares the outputs of two renditions of the same network,
// typically the float model and its quantized device build, both numerically
// and at the detection level.
package parity

import (
	"fmt"
	"math"

	"github.com/esimov/retina"
	"github.com/esimov/retina/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrLengthMismatch is returned when the compared tensors differ in element count.
var ErrLengthMismatch = errors.New("tensor length mismatch")

// Report holds the similarity metrics of two tensors.
type Report struct {
	Cosine      float64 `json:"cosine"`
	MaxAbsDiff  float64 `json:"max_abs_diff"`
	MeanAbsDiff float64 `json:"mean_abs_diff"`
	Len         int     `json:"len"`
}

func (r Report) String() string {
	return fmt.Sprintf("cosine %.6f, max abs diff %.6f, mean abs diff %.6f (%d values)",
		r.Cosine, r.MaxAbsDiff, r.MeanAbsDiff, r.Len)
}

// Compare computes the cosine similarity and the absolute differences of two tensors.
// The cosine of two zero tensors is 1, and 0 when only one of them is zero.
func Compare(a, b []float32) (Report, error) {
	if len(a) != len(b) {
		return Report{}, errors.Wrapf(ErrLengthMismatch, "%d and %d values", len(a), len(b))
	}
	r := Report{Len: len(a)}
	if len(a) == 0 {
		r.Cosine = 1
		return r, nil
	}

	fa, fb := make([]float64, len(a)), make([]float64, len(b))
	for i := range a {
		fa[i], fb[i] = float64(a[i]), float64(b[i])
	}

	na, nb := floats.Norm(fa, 2), floats.Norm(fb, 2)
	switch {
	case na == 0 && nb == 0:
		r.Cosine = 1
	case na == 0 || nb == 0:
		r.Cosine = 0
	default:
		r.Cosine = floats.Dot(fa, fb) / (na * nb)
	}

	diff := make([]float64, len(fa))
	floats.SubTo(diff, fa, fb)
	for i, d := range diff {
		diff[i] = utils.Abs(d)
	}
	r.MaxAbsDiff = floats.Max(diff)
	r.MeanAbsDiff = floats.Sum(diff) / float64(len(diff))
	return r, nil
}

// Pair is a reference detection matched with a detection under test.
type Pair struct {
	Ref int     `json:"ref"`
	Got int     `json:"got"`
	IoU float32 `json:"iou"`
	// ScoreDelta is got score minus reference score.
	ScoreDelta float32 `json:"score_delta"`
	// LandmarkError is the mean euclidean distance between the keypoints, in pixels.
	LandmarkError float32 `json:"landmark_error"`
}

// Match is the detection level comparison of two result lists.
type Match struct {
	Pairs        []Pair `json:"pairs"`
	UnmatchedRef []int  `json:"unmatched_ref"`
	UnmatchedGot []int  `json:"unmatched_got"`
}

// Recall is the fraction of the reference detections that were matched.
func (m Match) Recall() float64 {
	total := len(m.Pairs) + len(m.UnmatchedRef)
	if total == 0 {
		return 1
	}
	return float64(len(m.Pairs)) / float64(total)
}

// MatchDetections pairs every reference detection, in order, with the not yet
// used detection under test overlapping it the most. Pairs below minIoU are not matched.
func MatchDetections(ref, got []retina.Detection, minIoU float32) Match {
	used := make([]bool, len(got))
	m := Match{
		Pairs:        make([]Pair, 0, len(ref)),
		UnmatchedRef: make([]int, 0),
		UnmatchedGot: make([]int, 0),
	}

	for i, r := range ref {
		best, bestIoU := -1, minIoU
		for j, g := range got {
			if used[j] {
				continue
			}
			if iou := retina.IoU(r.Box, g.Box); iou >= bestIoU && (best < 0 || iou > bestIoU) {
				best, bestIoU = j, iou
			}
		}
		if best < 0 {
			m.UnmatchedRef = append(m.UnmatchedRef, i)
			continue
		}
		used[best] = true
		m.Pairs = append(m.Pairs, Pair{
			Ref:           i,
			Got:           best,
			IoU:           bestIoU,
			ScoreDelta:    got[best].Score - r.Score,
			LandmarkError: landmarkError(r.Landmarks, got[best].Landmarks),
		})
	}
	for j, u := range used {
		if !u {
			m.UnmatchedGot = append(m.UnmatchedGot, j)
		}
	}
	return m
}

func landmarkError(a, b retina.Landmarks) float32 {
	var sum float64
	for k := range a {
		sum += math.Hypot(float64(a[k].X-b[k].X), float64(a[k].Y-b[k].Y))
	}
	return float32(sum / float64(len(a)))
}
