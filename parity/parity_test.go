package parity

import (
	"testing"

	"github.com/esimov/retina"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParity_Compare(t *testing.T) {
	r, err := Compare([]float32{1, 2, 3}, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 1, r.Cosine, 1e-12)
	assert.Equal(t, 0.0, r.MaxAbsDiff)
	assert.Equal(t, 3, r.Len)

	r, err = Compare([]float32{1, 0, -2, 4}, []float32{1.5, 0, -2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 1, r.MaxAbsDiff, 1e-9)
	assert.InDelta(t, 0.375, r.MeanAbsDiff, 1e-9)
	assert.Less(t, r.Cosine, 1.0)
	assert.Greater(t, r.Cosine, 0.9)

	r, err = Compare([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1, r.Cosine, 1e-12)
}

func TestParity_CompareEdgeCases(t *testing.T) {
	_, err := Compare([]float32{1}, []float32{1, 2})
	assert.True(t, errors.Is(err, ErrLengthMismatch))

	r, err := Compare(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Cosine)

	r, err = Compare([]float32{0, 0}, []float32{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Cosine)

	r, err = Compare([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Cosine)
	assert.Contains(t, r.String(), "cosine 0.000000")
}

func TestParity_MatchDetections(t *testing.T) {
	ref := []retina.Detection{
		{Box: retina.Box{0, 0, 10, 10}, Score: 0.9},
		{Box: retina.Box{100, 100, 120, 120}, Score: 0.8},
		{Box: retina.Box{300, 300, 320, 320}, Score: 0.7},
	}
	var lm retina.Landmarks
	lm[0] = retina.Point{X: 5, Y: 0}
	got := []retina.Detection{
		{Box: retina.Box{500, 500, 520, 520}, Score: 0.95},
		{Box: retina.Box{101, 100, 121, 120}, Score: 0.85},
		{Box: retina.Box{0, 0, 10, 10}, Score: 0.8, Landmarks: lm},
	}

	m := MatchDetections(ref, got, 0.5)
	require.Len(t, m.Pairs, 2)

	assert.Equal(t, 0, m.Pairs[0].Ref)
	assert.Equal(t, 2, m.Pairs[0].Got)
	assert.InDelta(t, 1, m.Pairs[0].IoU, 1e-6)
	assert.InDelta(t, -0.1, m.Pairs[0].ScoreDelta, 1e-6)
	assert.InDelta(t, 1, m.Pairs[0].LandmarkError, 1e-6)

	assert.Equal(t, 1, m.Pairs[1].Ref)
	assert.Equal(t, 1, m.Pairs[1].Got)

	assert.Equal(t, []int{2}, m.UnmatchedRef)
	assert.Equal(t, []int{0}, m.UnmatchedGot)
	assert.InDelta(t, 2.0/3, m.Recall(), 1e-9)
}

func TestParity_MatchEmpty(t *testing.T) {
	m := MatchDetections(nil, nil, 0.5)
	assert.Empty(t, m.Pairs)
	assert.Equal(t, 1.0, m.Recall())
}
