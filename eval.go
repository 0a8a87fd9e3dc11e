package segment

import (
	"image"
	"io"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/segment/crf"
	"github.com/gomlx/segment/model"
	"github.com/gomlx/segment/segdata"
)

// evalGraph builds the evaluation outputs for one example: the weighted loss,
// the per-pixel class probabilities, the predicted label map and the pixel
// accuracy over the labeled (non-ignored) pixels.
func (r *Run) evalGraph(ctx *context.Context, image, mask *Node) []*Node {
	g := image.Graph()
	logits := r.segmenter.PredictGraph(ctx, image)
	lossFn := model.MakeWeightedCrossEntropy(
		segdata.NumClasses, r.cfg.Data.IgnoreLabel, segdata.BoundaryClass, segdata.DefaultBoundaryWeight)
	loss := lossFn([]*Node{mask}, []*Node{logits})
	probs := Softmax(logits, -1)
	predictions := ArgMax(logits, -1, dtypes.Int32)

	classes := Squeeze(mask, -1)
	valid := NotEqual(classes, Scalar(g, classes.DType(), r.cfg.Data.IgnoreLabel))
	correct := LogicalAnd(Equal(predictions, classes), valid)
	accuracy := Div(
		ReduceAllSum(ConvertDType(correct, dtypes.Float32)),
		Max(ReduceAllSum(ConvertDType(valid, dtypes.Float32)), ScalarOne(g, dtypes.Float32)))
	return []*Node{loss, probs, predictions, accuracy}
}

// EvaluateSplit drives the split to exhaustion and returns its mean loss and
// mean pixel accuracy over labeled pixels. With writeImages set it writes one
// overlay image per example, named "<split>_<base>_prob<ext>"; with refineCRF
// additionally the dense-CRF refined "<split>_<base>_prob-crf<ext>" variant.
//
// The split's pipeline preserves manifest order, the yielded example index maps
// each prediction back to its manifest entry.
func (r *Run) EvaluateSplit(pipe *segdata.Pipeline, writeImages, refineCRF bool) (meanLoss, pixelAccuracy float64, err error) {
	split := pipe.Split.Name()
	var outDir string
	if writeImages {
		outDir, err = r.cfg.SplitImagesDir(split)
		if err != nil {
			return 0, 0, err
		}
	}

	exec := context.MustNewExec(r.backend, r.ctx.Checked(false), r.evalGraph)
	pipe.Batched.Reset()
	count := 0
	for {
		_, inputs, labels, yieldErr := pipe.Batched.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return 0, 0, errors.WithMessagef(yieldErr, "evaluating split %q", split)
		}
		lossT, probsT, predsT, accuracyT, execErr := exec.Exec4(inputs[0], labels[0])
		if execErr != nil {
			return 0, 0, errors.WithMessagef(execErr, "evaluating split %q", split)
		}
		meanLoss += float64(lossT.Value().(float32))
		pixelAccuracy += float64(accuracyT.Value().(float32))
		count++

		if writeImages {
			exampleIdx := int(tensors.MustCopyFlatData[int32](inputs[1])[0])
			entry := pipe.Split.Entry(exampleIdx)
			img := timage.ToImage().MaxValue(255.0).Batch(inputs[0])[0]
			predictions := tensors.MustCopyFlatData[int32](predsT)
			outPath := OverlayPath(outDir, split, entry.ImagePath, false)
			if err = WriteOverlay(img, predictions, outPath); err != nil {
				return 0, 0, err
			}
			if refineCRF {
				if err = r.writeRefined(img, probsT, outDir, split, entry.ImagePath); err != nil {
					return 0, 0, err
				}
			}
		}
	}
	if count == 0 {
		return 0, 0, errors.Errorf("split %q yielded no examples", split)
	}
	klog.V(1).Infof("split %q: evaluated %d examples", split, count)
	return meanLoss / float64(count), pixelAccuracy / float64(count), nil
}

// predictExec returns an exec computing the predicted label map of one image
// batch, reusing the model variables of the run's context.
func (r *Run) predictExec() *context.Exec {
	return context.MustNewExec(r.backend, r.ctx.Checked(false),
		func(ctx *context.Context, image *Node) *Node {
			return ArgMax(r.segmenter.PredictGraph(ctx, image), -1, dtypes.Int32)
		})
}

// writeTrainPreview overlays the current prediction for the given training
// inputs and writes it to the train split directory, overwriting earlier
// previews of the same example.
func (r *Run) writeTrainPreview(exec *context.Exec, outDir string, inputs []*tensors.Tensor) error {
	predsT, err := exec.Exec1(inputs[0])
	if err != nil {
		return errors.WithMessage(err, "predicting the train preview")
	}
	exampleIdx := int(tensors.MustCopyFlatData[int32](inputs[1])[0])
	entry := r.trainPipe.Split.Entry(exampleIdx)
	img := timage.ToImage().MaxValue(255.0).Batch(inputs[0])[0]
	predictions := tensors.MustCopyFlatData[int32](predsT)
	return WriteOverlay(img, predictions, OverlayPath(outDir, SplitTrain, entry.ImagePath, false))
}

// writeRefined runs dense-CRF mean-field refinement on the predicted
// probabilities and writes the refined overlay variant.
func (r *Run) writeRefined(img image.Image, probs *tensors.Tensor, outDir, split, imagePath string) error {
	dims := probs.Shape().Dimensions // (1, height, width, numClasses)
	height, width := dims[1], dims[2]
	dense := crf.New(height, width, dims[3])
	if err := dense.SetUnaryFromProbs(tensors.MustCopyFlatData[float32](probs)); err != nil {
		return err
	}
	if err := dense.AddPairwiseBilateral(r.cfg.CRFSxy, r.cfg.CRFSrgb, img, r.cfg.CRFCompat); err != nil {
		return err
	}
	labels := dense.Inference(r.cfg.CRFIterations)
	return WriteOverlay(img, labels, OverlayPath(outDir, split, imagePath, true))
}
