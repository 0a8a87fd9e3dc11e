// Package segment trains and evaluates the 3-class (background, foreground,
// boundary) FCN semantic-segmentation model: a frozen pretrained encoder, an
// upsampling decoder with skip connections, pixel-weighted cross-entropy with
// an ignore label, and an optional dense-CRF refinement at inference.
package segment

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"

	"github.com/gomlx/segment/model"
	"github.com/gomlx/segment/segdata"
)

// Split names, used for output directories and file naming.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// Config of one training/evaluation run. Hyperparameters of the model and
// optimizer live in the context instead (see CreateDefaultContext), so they are
// saved and restored with the checkpoints.
type Config struct {
	// TrainManifest, ValManifest and TestManifest are the per-split CSV
	// manifests with one "<imagePath>,<maskPath>" line per example.
	TrainManifest, ValManifest, TestManifest string

	// StatsPath optionally names a dataset statistics file. It is recorded with
	// the run configuration for operators, the trainer itself doesn't read it.
	StatsPath string

	// ModelDir is the base directory for checkpoints. The model name plus the
	// encoder architecture is appended, so different encoders don't collide.
	ModelDir string

	// ModelName of this run.
	ModelName string

	// ImagesDir is where per-split overlay images are written, one
	// subdirectory per split.
	ImagesDir string

	// Architecture of the pretrained encoder.
	Architecture model.Architecture

	// WeightsDir holds the pretrained encoder checkpoint. Empty trains the
	// encoder features from scratch (not recommended).
	WeightsDir string

	// FineTune also trains the encoder instead of freezing it.
	FineTune bool

	// UseSkips enables the decoder skip connections.
	UseSkips bool

	// Epochs to train.
	Epochs int

	// DisplaySteps is the interval between training loss log lines.
	DisplaySteps int

	// Scratch discards any previous checkpoint of this model and starts over
	// from the pretrained encoder weights only.
	Scratch bool

	// NumCheckpoints to keep.
	NumCheckpoints int

	// Data holds the input pipeline settings shared by all splits.
	Data *segdata.Config

	// UseCRF enables dense-CRF refinement of the test split predictions.
	UseCRF bool

	// CRFSxy, CRFSrgb and CRFCompat are the bilateral kernel parameters, and
	// CRFIterations the number of mean-field iterations.
	CRFSxy, CRFSrgb, CRFCompat float64
	CRFIterations              int
}

// NewConfig returns a Config with the usual defaults. Manifest paths and
// directories must still be filled in.
func NewConfig() *Config {
	return &Config{
		ModelName:      "fcn",
		Architecture:   model.InceptionV3,
		UseSkips:       true,
		Epochs:         10,
		DisplaySteps:   100,
		NumCheckpoints: 3,
		Data:           segdata.NewConfig(),
		CRFSxy:         5,
		CRFSrgb:        3,
		CRFCompat:      1,
		CRFIterations:  50,
	}
}

// Validate checks the parts of the configuration that must be caught before
// any work starts.
func (cfg *Config) Validate() error {
	if cfg.TrainManifest == "" && cfg.TestManifest == "" {
		return errors.New("at least one of the train or test manifests is required")
	}
	if cfg.TrainManifest != "" && cfg.ValManifest == "" {
		return errors.New("training requires a validation manifest")
	}
	if cfg.ModelDir == "" {
		return errors.New("a model directory is required for checkpoints")
	}
	if cfg.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.Data.BatchSize != 1 {
		return errors.Errorf("batch size must be 1, got %d", cfg.Data.BatchSize)
	}
	return nil
}

// CheckpointDir returns the directory of this model's checkpoints, the model
// name suffixed with the encoder architecture.
func (cfg *Config) CheckpointDir() string {
	return filepath.Join(cfg.ModelDir, cfg.ModelName+"_"+cfg.Architecture.String())
}

// SplitImagesDir returns the overlay output directory of a split, creating it
// if needed.
func (cfg *Config) SplitImagesDir(split string) (string, error) {
	dir := filepath.Join(cfg.ImagesDir, split)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating images directory for split %q", split)
	}
	return dir, nil
}

// CreateDefaultContext sets the default model and optimizer hyperparameters.
// They are checkpointed, so a resumed run keeps its original values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-4,

		// Weight decay of the decoder convolutions.
		regularizers.ParamL2: 5e-5,
	})
	return ctx
}
