package engine

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/dudu/refacer/internal/face"
)

// ArcFace reference landmarks for a 112x112 aligned face.
var arcfaceTemplate = []face.Point{
	{X: 38.2946, Y: 51.6963},
	{X: 73.5318, Y: 51.5014},
	{X: 56.0252, Y: 71.7366},
	{X: 41.5493, Y: 92.3655},
	{X: 70.7299, Y: 92.2041},
}

// aligner warps faces to the fixed square inputs the models expect.
type aligner struct {
	embedSize     int
	swapSize      int
	embedTemplate gocv.Mat
	swapTemplate  gocv.Mat
}

func newAligner() *aligner {
	embedTemplate := gocv.NewMatWithSize(5, 2, gocv.MatTypeCV32F)
	for i, pt := range arcfaceTemplate {
		embedTemplate.SetFloatAt(i, 0, pt.X)
		embedTemplate.SetFloatAt(i, 1, pt.Y)
	}

	// Scale the 112 template up to the 128 swap input.
	scale := float32(128) / float32(112)
	swapTemplate := gocv.NewMatWithSize(5, 2, gocv.MatTypeCV32F)
	for i, pt := range arcfaceTemplate {
		swapTemplate.SetFloatAt(i, 0, pt.X*scale)
		swapTemplate.SetFloatAt(i, 1, pt.Y*scale)
	}

	return &aligner{
		embedSize:     112,
		swapSize:      128,
		embedTemplate: embedTemplate,
		swapTemplate:  swapTemplate,
	}
}

// alignResult holds an aligned crop and the transform that produced it.
type alignResult struct {
	aligned   gocv.Mat
	transform gocv.Mat
}

func (r *alignResult) close() {
	r.aligned.Close()
	r.transform.Close()
}

func (a *aligner) alignForEmbed(img gocv.Mat, landmarks face.Landmarks) *alignResult {
	return a.align(img, landmarks, a.embedTemplate, a.embedSize)
}

func (a *aligner) alignForSwap(img gocv.Mat, landmarks face.Landmarks) *alignResult {
	return a.align(img, landmarks, a.swapTemplate, a.swapSize)
}

func (a *aligner) align(img gocv.Mat, landmarks face.Landmarks, template gocv.Mat, size int) *alignResult {
	srcPts := gocv.NewMatWithSize(5, 2, gocv.MatTypeCV32F)
	defer srcPts.Close()

	points := []face.Point{
		landmarks.LeftEye,
		landmarks.RightEye,
		landmarks.Nose,
		landmarks.LeftMouth,
		landmarks.RightMouth,
	}
	for i, pt := range points {
		srcPts.SetFloatAt(i, 0, pt.X)
		srcPts.SetFloatAt(i, 1, pt.Y)
	}

	transform := estimateSimilarityTransform(srcPts, template)

	aligned := gocv.NewMat()
	gocv.WarpAffine(img, &aligned, transform, image.Pt(size, size))

	return &alignResult{aligned: aligned, transform: transform}
}

// pasteBack warps an aligned face back into a copy of the frame using the
// inverse transform and a slightly eroded mask to hide warp edges.
func (a *aligner) pasteBack(dst *gocv.Mat, swapped gocv.Mat, transform gocv.Mat, blurSize int) {
	invTransform := gocv.NewMat()
	gocv.InvertAffineTransform(transform, &invTransform)
	defer invTransform.Close()

	targetSize := image.Pt(dst.Cols(), dst.Rows())

	warped := gocv.NewMat()
	gocv.WarpAffine(swapped, &warped, invTransform, targetSize)
	defer warped.Close()

	mask := gocv.NewMatWithSize(swapped.Rows(), swapped.Cols(), gocv.MatTypeCV8UC1)
	defer mask.Close()
	mask.SetTo(gocv.NewScalar(255, 0, 0, 0))

	warpedMask := gocv.NewMat()
	gocv.WarpAffine(mask, &warpedMask, invTransform, targetSize)
	defer warpedMask.Close()

	if blurSize > 1 {
		kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(blurSize/2+1, blurSize/2+1))
		defer kernel.Close()
		gocv.Erode(warpedMask, &warpedMask, kernel)
	}

	warped.CopyToWithMask(dst, warpedMask)
}

func (a *aligner) close() {
	a.embedTemplate.Close()
	a.swapTemplate.Close()
}

// estimateSimilarityTransform computes a 2x3 similarity transform
// (rotation, scale, translation) mapping src points onto dst points by
// least squares.
func estimateSimilarityTransform(src, dst gocv.Mat) gocv.Mat {
	n := src.Rows()

	var srcCx, srcCy, dstCx, dstCy float32
	for i := 0; i < n; i++ {
		srcCx += src.GetFloatAt(i, 0)
		srcCy += src.GetFloatAt(i, 1)
		dstCx += dst.GetFloatAt(i, 0)
		dstCy += dst.GetFloatAt(i, 1)
	}
	srcCx /= float32(n)
	srcCy /= float32(n)
	dstCx /= float32(n)
	dstCy /= float32(n)

	var srcNorm, dstNorm float64
	var a11, a12, a21, a22 float64
	for i := 0; i < n; i++ {
		sx := float64(src.GetFloatAt(i, 0) - srcCx)
		sy := float64(src.GetFloatAt(i, 1) - srcCy)
		dx := float64(dst.GetFloatAt(i, 0) - dstCx)
		dy := float64(dst.GetFloatAt(i, 1) - dstCy)

		srcNorm += sx*sx + sy*sy
		dstNorm += dx*dx + dy*dy

		a11 += sx * dx
		a12 += sx * dy
		a21 += sy * dx
		a22 += sy * dy
	}

	srcNorm = math.Sqrt(srcNorm)
	dstNorm = math.Sqrt(dstNorm)

	norm := math.Sqrt((a11+a22)*(a11+a22) + (a21-a12)*(a21-a12))
	if norm < 1e-10 {
		norm = 1
	}
	cosTheta := (a11 + a22) / norm
	sinTheta := (a21 - a12) / norm

	scale := 1.0
	if srcNorm > 1e-10 {
		scale = dstNorm / srcNorm
	}

	transform := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	transform.SetDoubleAt(0, 0, scale*cosTheta)
	transform.SetDoubleAt(0, 1, -scale*sinTheta)
	transform.SetDoubleAt(1, 0, scale*sinTheta)
	transform.SetDoubleAt(1, 1, scale*cosTheta)

	tx := float64(dstCx) - scale*(cosTheta*float64(srcCx)-sinTheta*float64(srcCy))
	ty := float64(dstCy) - scale*(sinTheta*float64(srcCx)+cosTheta*float64(srcCy))
	transform.SetDoubleAt(0, 2, tx)
	transform.SetDoubleAt(1, 2, ty)

	return transform
}
