// Package align maps a detected face onto the canonical 112x112 layout used by
// the recognition network.
//
// The five detected landmarks are matched to a fixed reference template by a
// least squares similarity transform (rotation, uniform scale and translation),
// estimated in closed form following Umeyama's method. The transform is then
// used to warp the source image into a square crop.
package align

import (
	"image"
	"image/color"
	"math"

	"github.com/esimov/retina"
	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// Size is the side of the aligned face crop expected by the recognition network.
const Size = 112

// ArcFaceTemplate holds the reference positions of the left eye, right eye, nose,
// left and right mouth corner on a 112x112 crop.
var ArcFaceTemplate = retina.Landmarks{
	{X: 38.2946, Y: 51.6963},
	{X: 73.5318, Y: 51.5014},
	{X: 56.0252, Y: 71.7366},
	{X: 41.5493, Y: 92.3655},
	{X: 70.7299, Y: 92.2041},
}

// ErrDegenerate is returned when the source points do not span enough of the
// plane to define a transform, e.g. when all of them coincide.
var ErrDegenerate = errors.New("degenerate landmark set")

// Transform is a 2x3 affine matrix mapping source coordinates to destination
// coordinates: x' = M[0][0]*x + M[0][1]*y + M[0][2], y' = M[1][0]*x + M[1][1]*y + M[1][2].
// Coordinates are integer pixel indices, as used by the landmarks.
type Transform [2][3]float64

// Identity returns the transform leaving every point in place.
func Identity() Transform {
	return Transform{{1, 0, 0}, {0, 1, 0}}
}

// Apply maps a point through the transform.
func (t Transform) Apply(p retina.Point) retina.Point {
	x, y := float64(p.X), float64(p.Y)
	return retina.Point{
		X: float32(t[0][0]*x + t[0][1]*y + t[0][2]),
		Y: float32(t[1][0]*x + t[1][1]*y + t[1][2]),
	}
}

// Scale returns the uniform scale factor of the transform.
func (t Transform) Scale() float64 {
	return math.Hypot(t[0][0], t[1][0])
}

// aff3 converts the transform to the pixel center convention of x/image/draw,
// where the pixel (x, y) covers [x, x+1) and is sampled at x+0.5.
func (t Transform) aff3() f64.Aff3 {
	tx := t[0][2] + 0.5 - 0.5*(t[0][0]+t[0][1])
	ty := t[1][2] + 0.5 - 0.5*(t[1][0]+t[1][1])
	return f64.Aff3{
		t[0][0], t[0][1], tx,
		t[1][0], t[1][1], ty,
	}
}

// Estimate returns the similarity transform mapping src onto dst in the least squares sense.
func Estimate(src, dst retina.Landmarks) (Transform, error) {
	const n = retina.LandmarkCount

	var srcMean, dstMean [2]float64
	for i := 0; i < n; i++ {
		srcMean[0] += float64(src[i].X) / n
		srcMean[1] += float64(src[i].Y) / n
		dstMean[0] += float64(dst[i].X) / n
		dstMean[1] += float64(dst[i].Y) / n
	}

	srcDemean := mat.NewDense(n, 2, nil)
	dstDemean := mat.NewDense(n, 2, nil)
	var srcVar float64
	for i := 0; i < n; i++ {
		sx, sy := float64(src[i].X)-srcMean[0], float64(src[i].Y)-srcMean[1]
		srcDemean.Set(i, 0, sx)
		srcDemean.Set(i, 1, sy)
		dstDemean.Set(i, 0, float64(dst[i].X)-dstMean[0])
		dstDemean.Set(i, 1, float64(dst[i].Y)-dstMean[1])
		srcVar += (sx*sx + sy*sy) / n
	}
	if srcVar == 0 {
		return Transform{}, ErrDegenerate
	}

	// Cross covariance of the demeaned point sets.
	var cov mat.Dense
	cov.Mul(dstDemean.T(), srcDemean)
	cov.Scale(1.0/n, &cov)

	var svd mat.SVD
	if ok := svd.Factorize(&cov, mat.SVDFull); !ok {
		return Transform{}, errors.Wrap(ErrDegenerate, "singular value decomposition failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)

	d := []float64{1, 1}
	if mat.Det(&cov) < 0 {
		d[1] = -1
	}

	var ud, rot mat.Dense
	ud.Mul(&u, mat.NewDiagDense(2, d))
	rot.Mul(&ud, v.T())

	scale := (sv[0]*d[0] + sv[1]*d[1]) / srcVar

	var t Transform
	for r := 0; r < 2; r++ {
		t[r][0] = scale * rot.At(r, 0)
		t[r][1] = scale * rot.At(r, 1)
		t[r][2] = dstMean[r] - (t[r][0]*srcMean[0] + t[r][1]*srcMean[1])
	}
	return t, nil
}

// Warp resamples img through the transform into a size x size crop. Destination
// pixels mapping outside the source image are black.
func Warp(img image.Image, t Transform, size int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.NRGBA{A: 0xff}), image.Point{}, xdraw.Src)
	xdraw.BiLinear.Transform(dst, t.aff3(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// Face aligns the face described by the detected landmarks to the reference template.
func Face(img image.Image, lm retina.Landmarks) (*image.NRGBA, error) {
	t, err := Estimate(lm, ArcFaceTemplate)
	if err != nil {
		return nil, err
	}
	return Warp(img, t, Size), nil
}
