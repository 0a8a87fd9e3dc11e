package segment

import (
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/segment/model"
	"github.com/gomlx/segment/segdata"
)

// Run holds everything a training or evaluation session needs: the pipelines,
// the model, the trainer and the checkpoint handler.
type Run struct {
	cfg     *Config
	backend backends.Backend
	ctx     *context.Context

	trainPipe, valPipe, testPipe *segdata.Pipeline

	encoder   *model.Encoder
	segmenter *model.Segmenter
	trainer   *train.Trainer

	checkpoint *checkpoints.Handler
	resumed    bool
}

// NewRun validates the configuration and assembles the session. When
// cfg.Scratch is set any previous checkpoint of this model is discarded,
// otherwise an existing checkpoint is restored, with its hyperparameters and
// optimizer state.
func NewRun(backend backends.Backend, ctx *context.Context, cfg *Config) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Run{cfg: cfg, backend: backend, ctx: ctx}

	if cfg.Scratch {
		klog.Infof("starting from scratch: removing %q", cfg.CheckpointDir())
		if err := os.RemoveAll(cfg.CheckpointDir()); err != nil {
			return nil, errors.Wrapf(err, "removing previous model %q", cfg.CheckpointDir())
		}
	}

	if err := r.buildPipelines(); err != nil {
		return nil, err
	}
	if err := r.buildModel(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Run) buildPipelines() error {
	cfg := r.cfg

	// Evaluation splits keep the manifest order and skip augmentation.
	evalCfg := *cfg.Data
	evalCfg.Shuffle = false
	evalCfg.Augment = false

	var err error
	if cfg.TrainManifest != "" {
		trainCfg := *cfg.Data
		trainCfg.Shuffle = true
		trainCfg.Augment = true
		r.trainPipe, err = segdata.NewPipeline(r.backend, SplitTrain, cfg.TrainManifest, &trainCfg)
		if err != nil {
			return err
		}
		r.valPipe, err = segdata.NewPipeline(r.backend, SplitVal, cfg.ValManifest, &evalCfg)
		if err != nil {
			return err
		}
	}
	if cfg.TestManifest != "" {
		r.testPipe, err = segdata.NewPipeline(r.backend, SplitTest, cfg.TestManifest, &evalCfg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) buildModel() error {
	cfg := r.cfg
	var err error
	r.encoder, err = model.NewEncoder(cfg.Architecture, cfg.WeightsDir, cfg.FineTune)
	if err != nil {
		return err
	}
	r.segmenter = model.NewSegmenter(r.encoder, segdata.NumClasses, cfg.UseSkips)

	r.checkpoint, err = checkpoints.Build(r.ctx).
		Dir(cfg.CheckpointDir()).
		Keep(cfg.NumCheckpoints).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "building checkpoint handler in %q", cfg.CheckpointDir())
	}
	r.resumed, err = r.checkpoint.HasCheckpoints()
	if err != nil {
		return err
	}
	if r.resumed {
		klog.Infof("resuming %s model from %q (global step %s)",
			cfg.Architecture, cfg.CheckpointDir(), humanize.Comma(optimizers.GetGlobalStep(r.ctx)))
	} else if err = r.encoder.LoadWeights(r.ctx); err != nil {
		return err
	}

	lossFn := model.MakeWeightedCrossEntropy(
		segdata.NumClasses, r.cfg.Data.IgnoreLabel, segdata.BoundaryClass, segdata.DefaultBoundaryWeight)
	r.trainer = train.NewTrainer(r.backend, r.ctx, r.segmenter.ModelGraph,
		lossFn,
		optimizers.FromContext(r.ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics: pixel accuracy is computed by EvaluateSplit.
	return nil
}

// lastBatch passes a dataset through unchanged while remembering the most
// recently yielded inputs, so the display hook can render the example the
// trainer is currently learning from.
type lastBatch struct {
	train.Dataset
	mu     sync.Mutex
	inputs []*tensors.Tensor
}

func (ds *lastBatch) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.Dataset.Yield()
	if err == nil {
		ds.mu.Lock()
		ds.inputs = inputs
		ds.mu.Unlock()
	}
	return
}

// IsOwnershipTransferred keeps the training loop from finalizing the yielded
// tensors after the step: the display hook still reads the remembered batch.
// Garbage collection frees them instead.
func (ds *lastBatch) IsOwnershipTransferred() bool { return false }

func (ds *lastBatch) last() []*tensors.Tensor {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.inputs
}

// prepareVariables builds the model graph once on the first training example,
// so every variable exists, then freezes the encoder. It must run before the
// first optimizer step, otherwise the frozen encoder would be trained for the
// step that creates the variables.
func (r *Run) prepareVariables() error {
	_, inputs, _, err := r.trainPipe.Batched.Yield()
	if err != nil {
		return errors.WithMessage(err, "reading one example to initialize variables")
	}
	r.trainPipe.Batched.Reset()

	exec := context.MustNewExec(r.backend, r.ctx.Checked(false), r.segmenter.PredictGraph)
	if _, err := exec.Exec1(inputs[0]); err != nil {
		return errors.WithMessage(err, "initializing model variables")
	}
	r.encoder.Freeze(r.ctx)
	return nil
}

// Train runs cfg.Epochs epochs of training, evaluating on the validation split
// and saving a checkpoint after each epoch. On display steps the current
// prediction is written as a train-split overlay (when an images directory is
// configured); validation overlays are written on the final epoch.
func (r *Run) Train() error {
	if r.trainPipe == nil {
		return errors.New("no train manifest configured")
	}
	if err := r.prepareVariables(); err != nil {
		return err
	}

	loop := train.NewLoop(r.trainer)
	commandline.AttachProgressBar(loop)

	// With an images directory configured, every display step also writes an
	// overlay of the example just trained on.
	trainDS := r.trainPipe.Batched
	var seen *lastBatch
	var previewDir string
	var previewExec *context.Exec
	if r.cfg.ImagesDir != "" {
		var err error
		previewDir, err = r.cfg.SplitImagesDir(SplitTrain)
		if err != nil {
			return err
		}
		previewExec = r.predictExec()
		seen = &lastBatch{Dataset: trainDS}
		trainDS = seen
	}

	displaySteps := max(r.cfg.DisplaySteps, 1)
	train.EveryNSteps(loop, displaySteps, "display loss", 100,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			klog.Infof("step %d: loss=%v", loop.LoopStep, stepMetrics[0].Value())
			if seen == nil {
				return nil
			}
			inputs := seen.last()
			if inputs == nil {
				return nil
			}
			return r.writeTrainPreview(previewExec, previewDir, inputs)
		})
	train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			return r.checkpoint.Save()
		})

	for epoch := 0; epoch < r.cfg.Epochs; epoch++ {
		start := time.Now()
		if _, err := loop.RunEpochs(trainDS, 1); err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		klog.Infof("epoch %d done in %s (global step %s)",
			epoch, time.Since(start).Round(time.Second), humanize.Comma(optimizers.GetGlobalStep(r.ctx)))

		writeImages := epoch == r.cfg.Epochs-1
		valLoss, valAccuracy, err := r.EvaluateSplit(r.valPipe, writeImages, false)
		if err != nil {
			return errors.WithMessagef(err, "validating after epoch %d", epoch)
		}
		klog.Infof("epoch %d: validation loss=%.5f, pixel accuracy=%.4f", epoch, valLoss, valAccuracy)
		if err := r.checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch)
		}
	}
	return nil
}

// Test restores the trained model and evaluates the test split, writing
// overlay images (with the CRF-refined variant when enabled). It fails if no
// checkpoint was ever saved for this model.
func (r *Run) Test() error {
	hasCheckpoints, err := r.checkpoint.HasCheckpoints()
	if err != nil {
		return err
	}
	if !hasCheckpoints {
		return errors.Errorf("no checkpoint to test in %q, train first", r.cfg.CheckpointDir())
	}
	pipe := r.testPipe
	if pipe == nil {
		return errors.New("no test manifest configured")
	}
	loss, accuracy, err := r.EvaluateSplit(pipe, true, r.cfg.UseCRF)
	if err != nil {
		return err
	}
	klog.Infof("test loss=%.5f, pixel accuracy=%.4f", loss, accuracy)
	return nil
}
