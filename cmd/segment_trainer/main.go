// segment_trainer trains and evaluates the 3-class FCN segmentation model.
//
// Typical training run:
//
//	segment_trainer --train_manifest=train.csv --val_manifest=val.csv \
//	    --model_dir=~/models --images_dir=~/outputs --weights=~/weights/inception_v3
//
// Evaluation of a trained model on the test split, with CRF refinement:
//
//	segment_trainer --test_only --test_manifest=test.csv --crf \
//	    --model_dir=~/models --images_dir=~/outputs
package main

import (
	"flag"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/segment"
	"github.com/gomlx/segment/model"
)

var (
	flagTrainManifest = flag.String("train_manifest", "", "CSV manifest of the training split, one \"<image>,<mask>\" per line.")
	flagValManifest   = flag.String("val_manifest", "", "CSV manifest of the validation split.")
	flagTestManifest  = flag.String("test_manifest", "", "CSV manifest of the test split.")
	flagStats         = flag.String("stats", "", "Optional dataset statistics file, recorded with the run.")

	flagModelDir  = flag.String("model_dir", "", "Base directory for model checkpoints.")
	flagModelName = flag.String("model_name", "fcn", "Model name, suffixed with the encoder architecture.")
	flagImagesDir = flag.String("images_dir", "", "Directory for overlay output images, one subdirectory per split.")

	flagArch     = flag.String("arch", "inception_v3", "Encoder architecture: \"inception_v3\" or \"base_cnn\".")
	flagWeights  = flag.String("weights", "", "Directory with the pretrained encoder checkpoint.")
	flagFineTune = flag.Bool("fine_tune", false, "Also train the encoder instead of freezing it.")
	flagSkips    = flag.Bool("skips", true, "Fuse encoder skip connections into the decoder.")

	flagEpochs       = flag.Int("epochs", 10, "Number of training epochs.")
	flagDisplaySteps = flag.Int("display_steps", 100, "Steps between training loss log lines.")
	flagScratch      = flag.Bool("scratch", false, "Discard any previous checkpoint of this model and start over.")
	flagTestOnly     = flag.Bool("test_only", false, "Skip training, only evaluate the test split.")

	flagMaxSize     = flag.Int("max_size", 2048, "Longer side of examples after the aspect-preserving resize.")
	flagParallelism = flag.Int("parallelism", 8, "Parallel example loaders.")
	flagVerify      = flag.Bool("verify", false, "Pre-scan all splits for missing or broken examples before training.")

	flagCRF           = flag.Bool("crf", false, "Refine test predictions with dense-CRF mean-field inference.")
	flagCRFIterations = flag.Int("crf_iterations", 50, "Mean-field iterations of the CRF refinement.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := segment.NewConfig()
	cfg.TrainManifest = *flagTrainManifest
	cfg.ValManifest = *flagValManifest
	cfg.TestManifest = *flagTestManifest
	cfg.StatsPath = *flagStats
	cfg.ModelDir = *flagModelDir
	cfg.ModelName = *flagModelName
	cfg.ImagesDir = *flagImagesDir
	cfg.Architecture = must.M1(model.ArchitectureFromString(*flagArch))
	cfg.WeightsDir = *flagWeights
	cfg.FineTune = *flagFineTune
	cfg.UseSkips = *flagSkips
	cfg.Epochs = *flagEpochs
	cfg.DisplaySteps = *flagDisplaySteps
	cfg.Scratch = *flagScratch
	cfg.UseCRF = *flagCRF
	cfg.CRFIterations = *flagCRFIterations
	cfg.Data.MaxImageSize = *flagMaxSize
	cfg.Data.NumParallelLoaders = *flagParallelism
	cfg.Data.Verify = *flagVerify

	backend := backends.MustNew()
	ctx := segment.CreateDefaultContext()
	run := must.M1(segment.NewRun(backend, ctx, cfg))

	if !*flagTestOnly {
		must.M(run.Train())
	}
	if cfg.TestManifest != "" {
		must.M(run.Test())
	}
}
