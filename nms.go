package retina

import "sort"

// ScoredBox is a candidate detection entering non-max suppression.
type ScoredBox struct {
	Box
	Score float32
}

// NMS runs greedy non-max suppression and returns the indices of the surviving boxes,
// in the order they were selected (highest score first). Boxes with equal scores are
// visited by ascending input index. A candidate is dropped when its IoU with an already
// selected box is strictly greater than iouThreshold.
func NMS(dets []ScoredBox, iouThreshold float32) []int {
	keep := make([]int, 0, len(dets))
	if len(dets) == 0 {
		return keep
	}

	areas := make([]float32, len(dets))
	order := make([]int, len(dets))
	for i, d := range dets {
		areas[i] = area(d.Box)
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return dets[order[i]].Score > dets[order[j]].Score
	})

	for len(order) > 0 {
		k := order[0]
		keep = append(keep, k)

		rest := order[:0]
		for _, o := range order[1:] {
			inter := intersection(dets[k].Box, dets[o].Box)
			if inter/(areas[k]+areas[o]-inter) <= iouThreshold {
				rest = append(rest, o)
			}
		}
		order = rest
	}
	return keep
}

// IoU returns the intersection over union of two boxes, treating the
// coordinates as inclusive pixel indices.
func IoU(a, b Box) float32 {
	inter := intersection(a, b)
	return inter / (area(a) + area(b) - inter)
}

func area(b Box) float32 {
	return (b[2] - b[0] + 1) * (b[3] - b[1] + 1)
}

func intersection(a, b Box) float32 {
	x1, y1 := max(a[0], b[0]), max(a[1], b[1])
	x2, y2 := min(a[2], b[2]), min(a[3], b[3])

	w := max(0, x2-x1+1)
	h := max(0, y2-y1+1)
	return w * h
}
