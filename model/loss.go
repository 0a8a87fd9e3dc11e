package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// Small denominator guard for batches where every pixel carries zero weight.
const lossEpsilon = 1e-8

// MakeWeightedCrossEntropy returns the pixel-weighted sparse cross-entropy loss.
//
// Per-pixel weights are derived from the label values themselves: pixels with
// the ignore label get weight 0, pixels of the boundary class get
// boundaryWeight, every other pixel weight 1. The result is the weighted sum of
// the per-pixel cross-entropies normalized by the total weight, so a batch with
// only ignored pixels yields a loss of exactly 0 (and a no-op training step).
//
// labels[0] must be an integer mask shaped (batch, height, width, 1),
// predictions[0] the logits shaped (batch, height, width, numClasses).
func MakeWeightedCrossEntropy(numClasses, ignoreLabel, boundaryClass int, boundaryWeight float64) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		mask := labels[0]
		logits := predictions[0]
		g := logits.Graph()
		dtype := logits.DType()

		classes := Squeeze(mask, -1)
		ignored := Equal(classes, Scalar(g, classes.DType(), ignoreLabel))
		boundary := Equal(classes, Scalar(g, classes.DType(), boundaryClass))
		weights := Where(boundary, Scalar(g, dtype, boundaryWeight), ScalarOne(g, dtype))
		weights = Where(ignored, ScalarZero(g, dtype), weights)

		// Ignored pixels get a valid (zero-weighted) class for the one-hot lookup.
		safeClasses := Where(ignored, ZerosLike(classes), classes)
		logProbs := LogSoftmax(logits, -1)
		oneHot := OneHot(safeClasses, numClasses, dtype)
		pixelLoss := Neg(ReduceSum(Mul(oneHot, logProbs), -1))

		totalLoss := ReduceAllSum(Mul(pixelLoss, weights))
		totalWeight := ReduceAllSum(weights)
		return Div(totalLoss, Max(totalWeight, Scalar(g, dtype, lossEpsilon)))
	}
}
