// Package segdata implements the input pipeline for the segmentation trainer:
// decoding of (image, mask) example pairs listed in a manifest, aspect-preserving
// resizing, optional augmentation and the train.Dataset plumbing that feeds them
// to the training loop.
package segdata

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/segment/manifest"
)

const (
	// NumClasses the model discriminates: background, foreground and boundary.
	NumClasses = 3

	// BoundaryClass is the label value of boundary pixels, the last of the classes.
	BoundaryClass = NumClasses - 1

	// DefaultIgnoreLabel marks pixels excluded from the loss and from evaluation.
	DefaultIgnoreLabel = 255

	// DefaultBoundaryWeight multiplies the loss of boundary pixels.
	DefaultBoundaryWeight = 10.0

	// DefaultMaxImageSize bounds the longer side of the resized examples.
	DefaultMaxImageSize = 2048
)

// Config for building a Dataset. The zero value is not usable, start from NewConfig.
type Config struct {
	// MaxImageSize is the target size of the longer spatial side after the
	// aspect-preserving resize. Both image and mask are resized to it.
	MaxImageSize int

	// BatchSize must be 1: examples keep their own aspect ratio, so they cannot
	// be stacked. The field exists so the invariant is checked in one place.
	BatchSize int

	// Shuffle the order of examples at every epoch (training only).
	Shuffle bool

	// Augment applies random flips and color jitter (training only).
	Augment bool

	// NumParallelLoaders is the number of goroutines decoding examples ahead of
	// the training loop.
	NumParallelLoaders int

	// Verify pre-scans the split with VerifyExamples before the first epoch.
	Verify bool

	// IgnoreLabel is the mask value excluded from the loss.
	IgnoreLabel int

	// DType of the yielded image tensor.
	DType dtypes.DType

	// Palette, when not nil, remaps exact RGB mask colors to class labels at
	// decode time, for masks stored as color images instead of label values.
	Palette map[color.NRGBA]int32
}

// NewConfig returns a Config with the usual defaults.
func NewConfig() *Config {
	return &Config{
		MaxImageSize:       DefaultMaxImageSize,
		BatchSize:          1,
		NumParallelLoaders: 8,
		IgnoreLabel:        DefaultIgnoreLabel,
		DType:              dtypes.Float32,
	}
}

// Dataset yields one (image, mask) example per call to Yield, implementing
// train.Dataset. It is safe for concurrent use, so it can be wrapped by
// datasets.CustomParallel.
type Dataset struct {
	name    string
	cfg     *Config
	entries []manifest.Entry

	toTensor *timage.ToTensorConfig
	rng      *rand.Rand

	// mu protects next, selection and rng.
	mu        sync.Mutex
	next      int
	selection []int
}

// NewDataset builds a Dataset over the given manifest entries.
func NewDataset(name string, cfg *Config, entries []manifest.Entry) (*Dataset, error) {
	if cfg.BatchSize != 1 {
		return nil, errors.Errorf("dataset %q: batch size must be 1, examples keep their aspect ratio (got %d)",
			name, cfg.BatchSize)
	}
	if cfg.MaxImageSize <= 0 {
		return nil, errors.Errorf("dataset %q: MaxImageSize must be positive (got %d)", name, cfg.MaxImageSize)
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("dataset %q: empty manifest", name)
	}
	ds := &Dataset{
		name:     name,
		cfg:      cfg,
		entries:  entries,
		toTensor: timage.ToTensor(cfg.DType).MaxValue(255.0),
		rng:      rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
	}
	ds.selection = make([]int, len(entries))
	for ii := range ds.selection {
		ds.selection[ii] = ii
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in the split.
func (ds *Dataset) NumExamples() int { return len(ds.entries) }

// Entry returns the manifest entry of the example with the given index, as
// yielded in the inputs.
func (ds *Dataset) Entry(idx int) manifest.Entry { return ds.entries[idx] }

// Reset implements train.Dataset: it restarts the split, re-shuffling the
// selection if the dataset is configured to shuffle.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.cfg.Shuffle {
		ds.rng.Shuffle(len(ds.selection), func(i, j int) {
			ds.selection[i], ds.selection[j] = ds.selection[j], ds.selection[i]
		})
	}
}

// nextIndex returns the manifest index of the next example, or io.EOF-worthy false
// when the split is exhausted.
func (ds *Dataset) nextIndex() (int, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.selection) {
		return 0, false
	}
	idx := ds.selection[ds.next]
	ds.next++
	return idx, true
}

// Yield implements train.Dataset. It returns:
//
//	inputs:  [image (H, W, 3), exampleIdx (scalar int32)]
//	labels:  [mask (H, W, 1) int32]
//
// The image values range from 0 to 255. io.EOF signals the end of the split.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	idx, ok := ds.nextIndex()
	if !ok {
		return nil, nil, nil, io.EOF
	}
	entry := ds.entries[idx]
	img, mask, err := ds.loadExample(entry)
	if err != nil {
		return nil, nil, nil, err
	}
	if ds.cfg.Augment {
		img, mask = ds.augment(img, mask)
	}
	maskT, err := ds.maskToTensor(mask, entry.MaskPath)
	if err != nil {
		return nil, nil, nil, err
	}
	imgT := ds.toTensor.Single(img)
	idxT := tensors.FromScalar(int32(idx))
	return ds, []*tensors.Tensor{imgT, idxT}, []*tensors.Tensor{maskT}, nil
}

// loadExample decodes and resizes the example pair. The mask is resized with
// nearest-neighbor so no fractional label values are created.
func (ds *Dataset) loadExample(entry manifest.Entry) (img, mask image.Image, err error) {
	img, err = decodeImageFile(entry.ImagePath)
	if err != nil {
		return nil, nil, err
	}
	mask, err = decodeImageFile(entry.MaskPath)
	if err != nil {
		return nil, nil, err
	}
	if !img.Bounds().Size().Eq(mask.Bounds().Size()) {
		return nil, nil, errors.Errorf("example %q: image is %v but mask %q is %v",
			entry.ImagePath, img.Bounds().Size(), entry.MaskPath, mask.Bounds().Size())
	}
	width, height := ResizeDims(img.Bounds().Dx(), img.Bounds().Dy(), ds.cfg.MaxImageSize)
	img = imaging.Resize(img, width, height, imaging.Linear)
	mask = imaging.Resize(mask, width, height, imaging.NearestNeighbor)
	return img, mask, nil
}

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open example file %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode example file %q", path)
	}
	return img, nil
}

// ResizeDims returns the aspect-preserving dimensions with the longer side
// scaled to exactly maxSize. Both dimensions are at least 1.
func ResizeDims(width, height, maxSize int) (newWidth, newHeight int) {
	scale := float64(maxSize) / float64(max(width, height))
	newWidth = int(math.Round(float64(width) * scale))
	newHeight = int(math.Round(float64(height) * scale))
	newWidth = max(newWidth, 1)
	newHeight = max(newHeight, 1)
	return
}

// augment applies the training-time random transforms: geometric flips go to both
// image and mask, color jitter only to the image. No reproducibility contract, the
// rng is drawn under the dataset lock.
func (ds *Dataset) augment(img, mask image.Image) (image.Image, image.Image) {
	ds.mu.Lock()
	flipH := ds.rng.Intn(2) == 1
	flipV := ds.rng.Intn(2) == 1
	brightness := (ds.rng.Float64()*2 - 1) * 100 * 32.0 / 255.0 // percentage, ±32/255 of range
	saturation := (ds.rng.Float64()*2 - 1) * 50                 // percentage, factor in [0.5, 1.5]
	ds.mu.Unlock()

	if flipH {
		img = imaging.FlipH(img)
		mask = imaging.FlipH(mask)
	}
	if flipV {
		img = imaging.FlipV(img)
		mask = imaging.FlipV(mask)
	}
	img = imaging.AdjustBrightness(img, brightness)
	img = imaging.AdjustSaturation(img, saturation)
	return img, mask
}

// maskToTensor converts a decoded mask image into an int32 label tensor shaped
// (height, width, 1). Without a palette the label is the value of the first
// channel (label-valued grayscale masks); with a palette, exact colors are
// remapped and unknown colors become the ignore label.
func (ds *Dataset) maskToTensor(mask image.Image, path string) (*tensors.Tensor, error) {
	bounds := mask.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	data := make([]int32, height*width)
	pos := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if ds.cfg.Palette != nil {
				label, err := ds.paletteLabel(mask.At(x, y), path)
				if err != nil {
					return nil, err
				}
				data[pos] = label
			} else {
				r, _, _, _ := mask.At(x, y).RGBA()
				data[pos] = int32(r >> 8)
			}
			pos++
		}
	}
	return tensors.FromFlatDataAndDimensions(data, height, width, 1), nil
}

func (ds *Dataset) paletteLabel(c color.Color, path string) (int32, error) {
	nrgba := color.NRGBAModel.Convert(c).(color.NRGBA)
	nrgba.A = 0xFF
	if label, found := ds.cfg.Palette[nrgba]; found {
		return label, nil
	}
	return 0, errors.Errorf("mask %q: color %v not in the configured palette", path, nrgba)
}
