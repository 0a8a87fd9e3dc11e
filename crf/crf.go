// Package crf implements dense-CRF mean-field inference over a single image,
// used to refine the per-pixel class probabilities predicted by the network.
//
// The model is the usual fully-connected CRF with Potts compatibility: unary
// terms from the network probabilities plus a bilateral pairwise kernel over
// pixel position and color. The kernel support is truncated to a window of
// radius 2*sxy, where the spatial Gaussian has decayed to near zero, which
// keeps inference tractable without the permutohedral lattice.
package crf

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Probabilities below this are clamped before taking the negative log.
const minProb = 1e-10

// DenseCRF holds the energy terms of one image and runs mean-field inference.
type DenseCRF struct {
	height, width, numClasses int

	// unary is the flattened (height*width, numClasses) negative log-probability.
	unary []float64

	// Bilateral pairwise term, set by AddPairwiseBilateral.
	compat       float64
	radius       int
	spatialNorm  float64 // 1 / (2*sxy²)
	colorNorm    float64 // 1 / (2*srgb²)
	rgb          []float64
	havePairwise bool
}

// New creates a DenseCRF for an image of the given dimensions and number of
// classes. Unary terms start at zero (uniform).
func New(height, width, numClasses int) *DenseCRF {
	return &DenseCRF{
		height:     height,
		width:      width,
		numClasses: numClasses,
		unary:      make([]float64, height*width*numClasses),
	}
}

// SetUnaryFromProbs sets the unary energies to the negative log of the given
// class probabilities, flattened row-major as (height, width, numClasses).
// Probabilities are clamped away from zero.
func (c *DenseCRF) SetUnaryFromProbs(probs []float32) error {
	if len(probs) != len(c.unary) {
		return errors.Errorf("expected %d probabilities (%dx%dx%d), got %d",
			len(c.unary), c.height, c.width, c.numClasses, len(probs))
	}
	for i, p := range probs {
		c.unary[i] = -math.Log(math.Max(float64(p), minProb))
	}
	return nil
}

// AddPairwiseBilateral adds the bilateral pairwise term: a Gaussian over pixel
// distance (bandwidth sxy) times a Gaussian over RGB distance (bandwidth srgb),
// with Potts compatibility weight compat. The image must match the dimensions
// given to New.
func (c *DenseCRF) AddPairwiseBilateral(sxy, srgb float64, img image.Image, compat float64) error {
	bounds := img.Bounds()
	if bounds.Dx() != c.width || bounds.Dy() != c.height {
		return errors.Errorf("image is %dx%d, CRF was built for %dx%d",
			bounds.Dx(), bounds.Dy(), c.width, c.height)
	}
	if sxy <= 0 || srgb <= 0 {
		return errors.Errorf("bilateral bandwidths must be positive (sxy=%g, srgb=%g)", sxy, srgb)
	}
	c.compat = compat
	c.radius = int(math.Ceil(2 * sxy))
	c.spatialNorm = 1 / (2 * sxy * sxy)
	c.colorNorm = 1 / (2 * srgb * srgb)
	c.rgb = make([]float64, c.height*c.width*3)
	pos := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			c.rgb[pos] = float64(r >> 8)
			c.rgb[pos+1] = float64(g >> 8)
			c.rgb[pos+2] = float64(b >> 8)
			pos += 3
		}
	}
	c.havePairwise = true
	return nil
}

// Inference runs the given number of mean-field iterations and returns the MAP
// labeling, one int32 label per pixel in row-major order.
//
// Without a pairwise term the result is simply the per-pixel argmax of the
// unary probabilities, and further iterations are no-ops.
func (c *DenseCRF) Inference(iterations int) []int32 {
	n := c.height * c.width
	q := make([]float64, n*c.numClasses)
	next := make([]float64, n*c.numClasses)

	// Initialize Q with the softmax of the negative unary, i.e. the input probabilities.
	for i := 0; i < n; i++ {
		pixel := q[i*c.numClasses : (i+1)*c.numClasses]
		for l := 0; l < c.numClasses; l++ {
			pixel[l] = -c.unary[i*c.numClasses+l]
		}
		softmaxInPlace(pixel)
	}
	if !c.havePairwise {
		return c.mapLabels(q)
	}

	message := make([]float64, c.numClasses)
	for iter := 0; iter < iterations; iter++ {
		for y := 0; y < c.height; y++ {
			for x := 0; x < c.width; x++ {
				i := y*c.width + x
				c.gatherMessage(q, x, y, message)
				pixel := next[i*c.numClasses : (i+1)*c.numClasses]
				for l := 0; l < c.numClasses; l++ {
					// Potts: every unit of mass on other labels costs compat.
					other := floats.Sum(message) - message[l]
					pixel[l] = -c.unary[i*c.numClasses+l] - c.compat*other
				}
				softmaxInPlace(pixel)
			}
		}
		q, next = next, q
	}
	return c.mapLabels(q)
}

// gatherMessage accumulates the kernel-weighted neighbor distributions of
// pixel (x, y) into message.
func (c *DenseCRF) gatherMessage(q []float64, x, y int, message []float64) {
	for l := range message {
		message[l] = 0
	}
	i := y*c.width + x
	ri, gi, bi := c.rgb[i*3], c.rgb[i*3+1], c.rgb[i*3+2]
	for dy := -c.radius; dy <= c.radius; dy++ {
		ny := y + dy
		if ny < 0 || ny >= c.height {
			continue
		}
		for dx := -c.radius; dx <= c.radius; dx++ {
			nx := x + dx
			if nx < 0 || nx >= c.width || (dx == 0 && dy == 0) {
				continue
			}
			j := ny*c.width + nx
			spatial := float64(dx*dx + dy*dy)
			dr := ri - c.rgb[j*3]
			dg := gi - c.rgb[j*3+1]
			db := bi - c.rgb[j*3+2]
			color := dr*dr + dg*dg + db*db
			k := math.Exp(-spatial*c.spatialNorm - color*c.colorNorm)
			floats.AddScaled(message, k, q[j*c.numClasses:(j+1)*c.numClasses])
		}
	}
}

// mapLabels returns the argmax label of each pixel's distribution.
func (c *DenseCRF) mapLabels(q []float64) []int32 {
	labels := make([]int32, c.height*c.width)
	for i := range labels {
		labels[i] = int32(floats.MaxIdx(q[i*c.numClasses : (i+1)*c.numClasses]))
	}
	return labels
}

func softmaxInPlace(v []float64) {
	m := floats.Max(v)
	for i := range v {
		v[i] = math.Exp(v[i] - m)
	}
	floats.Scale(1/floats.Sum(v), v)
}
