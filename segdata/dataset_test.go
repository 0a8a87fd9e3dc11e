package segdata

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/segment/manifest"
)

func TestResizeDims(t *testing.T) {
	w, h := ResizeDims(100, 50, 331)
	assert.Equal(t, 331, w)
	assert.Equal(t, 166, h)

	// Downscaling works the same way.
	w, h = ResizeDims(4000, 1000, 2048)
	assert.Equal(t, 2048, w)
	assert.Equal(t, 512, h)

	// Extreme aspect ratios never collapse a dimension to 0.
	w, h = ResizeDims(10000, 10, 100)
	assert.Equal(t, 100, w)
	assert.Equal(t, 1, h)
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// makeExample writes a width x height image/mask pair and returns the manifest entry.
// The mask is filled with label 1 except for label 2 on the top row and the ignore
// label at (0, 0).
func makeExample(t *testing.T, dir, name string, width, height int) manifest.Entry {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 13), G: uint8(y * 7), B: 128, A: 255})
		}
	}
	mask := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			label := uint8(1)
			if y == 0 {
				label = BoundaryClass
			}
			mask.SetGray(x, y, color.Gray{Y: label})
		}
	}
	mask.SetGray(0, 0, color.Gray{Y: DefaultIgnoreLabel})
	entry := manifest.Entry{
		ImagePath: filepath.Join(dir, name+".png"),
		MaskPath:  filepath.Join(dir, name+"_mask.png"),
	}
	writePNG(t, entry.ImagePath, img)
	writePNG(t, entry.MaskPath, mask)
	return entry
}

func testConfig(maxSize int) *Config {
	cfg := NewConfig()
	cfg.MaxImageSize = maxSize
	cfg.NumParallelLoaders = 2
	return cfg
}

func TestDatasetYield(t *testing.T) {
	dir := t.TempDir()
	entries := []manifest.Entry{
		makeExample(t, dir, "a", 10, 5),
		makeExample(t, dir, "b", 6, 8),
	}
	ds, err := NewDataset("test", testConfig(16), entries)
	require.NoError(t, err)

	for ii := 0; ii < 2; ii++ {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		require.Len(t, labels, 1)
		imgDims := inputs[0].Shape().Dimensions
		maskDims := labels[0].Shape().Dimensions
		require.Len(t, imgDims, 3)
		assert.Equal(t, 3, imgDims[2])
		assert.Equal(t, imgDims[0], maskDims[0])
		assert.Equal(t, imgDims[1], maskDims[1])
		assert.Equal(t, 1, maskDims[2])
		assert.Equal(t, 16, max(imgDims[0], imgDims[1]), "longer side must hit MaxImageSize")
	}
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// Reset restarts the split.
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestDatasetLabelIntegrity(t *testing.T) {
	dir := t.TempDir()
	entries := []manifest.Entry{makeExample(t, dir, "a", 13, 7)}
	ds, err := NewDataset("test", testConfig(31), entries)
	require.NoError(t, err)

	_, _, labels, err := ds.Yield()
	require.NoError(t, err)
	valid := map[int32]bool{0: true, 1: true, BoundaryClass: true, DefaultIgnoreLabel: true}
	for _, label := range labels[0].Value().([][][]int32) {
		for _, row := range label {
			for _, v := range row {
				assert.True(t, valid[v], "resize must not invent label %d", v)
			}
		}
	}
}

func TestDatasetMismatchedSizes(t *testing.T) {
	dir := t.TempDir()
	a := makeExample(t, dir, "a", 10, 5)
	b := makeExample(t, dir, "b", 6, 8)
	entries := []manifest.Entry{{ImagePath: a.ImagePath, MaskPath: b.MaskPath}}
	ds, err := NewDataset("test", testConfig(16), entries)
	require.NoError(t, err)
	_, _, _, err = ds.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mask")
}

func TestDatasetDecodeError(t *testing.T) {
	dir := t.TempDir()
	entry := makeExample(t, dir, "a", 4, 4)
	badPath := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(badPath, []byte("not an image"), 0644))
	entry.ImagePath = badPath
	ds, err := NewDataset("test", testConfig(16), []manifest.Entry{entry})
	require.NoError(t, err)
	_, _, _, err = ds.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), badPath, "decode error must identify the file")
}

// TestAugmentFlipConsistency checks a flip is applied to the image if, and only
// if, it is applied to the mask. The marker is at (0, 0) on both.
func TestAugmentFlipConsistency(t *testing.T) {
	width, height := 8, 6
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	mask := image.NewGray(image.Rect(0, 0, width, height))
	mask.SetGray(0, 0, color.Gray{Y: BoundaryClass})

	cfg := testConfig(8)
	cfg.Augment = true
	dir := t.TempDir()
	ds, err := NewDataset("test", cfg, []manifest.Entry{makeExample(t, dir, "a", width, height)})
	require.NoError(t, err)

	cornerLabel := func(m image.Image, x, y int) uint8 {
		r, _, _, _ := m.At(x, y).RGBA()
		return uint8(r >> 8)
	}
	for trial := 0; trial < 20; trial++ {
		augImg, augMask := ds.augment(img, mask)
		var imgX, imgY int
		found := false
		for _, x := range []int{0, width - 1} {
			for _, y := range []int{0, height - 1} {
				if cornerLabel(augImg, x, y) > 128 {
					imgX, imgY, found = x, y, true
				}
			}
		}
		require.True(t, found, "marker pixel lost by augmentation")
		assert.Equal(t, uint8(BoundaryClass), cornerLabel(augMask, imgX, imgY),
			"mask must be flipped exactly like the image")
	}
}

func TestPaletteLabels(t *testing.T) {
	width, height := 4, 4
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	mask := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
			mask.SetNRGBA(x, y, color.NRGBA{G: 128, A: 255})
		}
	}
	mask.SetNRGBA(0, 0, color.NRGBA{R: 192, G: 224, B: 224, A: 255})

	dir := t.TempDir()
	entry := manifest.Entry{
		ImagePath: filepath.Join(dir, "img.png"),
		MaskPath:  filepath.Join(dir, "mask.png"),
	}
	writePNG(t, entry.ImagePath, img)
	writePNG(t, entry.MaskPath, mask)

	cfg := testConfig(4)
	cfg.Palette = map[color.NRGBA]int32{
		{A: 255}:                         0,
		{G: 128, A: 255}:                 1,
		{B: 128, A: 255}:                 1,
		{R: 192, G: 224, B: 224, A: 255}: BoundaryClass,
	}
	ds, err := NewDataset("test", cfg, []manifest.Entry{entry})
	require.NoError(t, err)
	_, _, labels, err := ds.Yield()
	require.NoError(t, err)
	values := labels[0].Value().([][][]int32)
	assert.Equal(t, int32(BoundaryClass), values[0][0][0])
	assert.Equal(t, int32(1), values[1][1][0])
}

func TestVerifyExamples(t *testing.T) {
	dir := t.TempDir()
	good := makeExample(t, dir, "good", 6, 4)
	require.NoError(t, VerifyExamples("train", []manifest.Entry{good}))

	other := makeExample(t, dir, "other", 3, 3)
	mismatched := manifest.Entry{ImagePath: good.ImagePath, MaskPath: other.MaskPath}
	require.Error(t, VerifyExamples("train", []manifest.Entry{mismatched}))

	missing := manifest.Entry{ImagePath: filepath.Join(dir, "nope.png"), MaskPath: good.MaskPath}
	err := VerifyExamples("train", []manifest.Entry{missing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.png")
}

func TestPipeline(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()
	var lines string
	for ii := 0; ii < 2; ii++ {
		entry := makeExample(t, dir, fmt.Sprintf("ex%d", ii), 4, 4)
		lines += entry.ImagePath + "," + entry.MaskPath + "\n"
	}
	manifestPath := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(manifestPath, []byte(lines), 0644))

	pipeline, err := NewPipeline(backend, "train", manifestPath, testConfig(4))
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		count := 0
		for {
			_, inputs, labels, err := pipeline.Batched.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			count++
			require.Less(t, count, 10, "pipeline must exhaust after 2 examples")
			// Batched with a leading axis of 1.
			assert.Equal(t, 1, inputs[0].Shape().Dimensions[0])
			assert.Equal(t, 1, labels[0].Shape().Dimensions[0])
		}
		assert.Equal(t, 2, count, "one batch per example, then io.EOF")
		pipeline.Batched.Reset()
	}
}
