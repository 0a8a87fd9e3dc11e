package segment

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/segment/segdata"
)

// classColors maps each predicted class to its display color, following the
// render palette {(0,0,0), (0,128,0), (0,0,128), (192,224,224)} with label
// mapping {0,1,1,2}: later entries win, so foreground renders (0,0,128).
var classColors = [segdata.NumClasses]color.NRGBA{
	{R: 0, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 128, A: 255},
	{R: 192, G: 224, B: 224, A: 255},
}

// OverlayPath returns the output path of an example's overlay image:
// "<split>_<originalBase>_prob<ext>" inside dir, with "_prob-crf" for the
// CRF-refined variant.
func OverlayPath(dir, split, imagePath string, refined bool) string {
	base := filepath.Base(imagePath)
	ext := filepath.Ext(base)
	base = strings.TrimSuffix(base, ext)
	suffix := "_prob"
	if refined {
		suffix = "_prob-crf"
	}
	return filepath.Join(dir, split+"_"+base+suffix+ext)
}

// WriteOverlay blends the predicted labels, rendered with the class palette,
// 50/50 over the input image and writes it to outPath. labels must be row-major
// with one entry per pixel. The encoding follows the output extension, JPEG or
// PNG (the default).
func WriteOverlay(img image.Image, labels []int32, outPath string) error {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if len(labels) != width*height {
		return errors.Errorf("overlay %q: %d labels for a %dx%d image", outPath, len(labels), width, height)
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	pos := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			label := labels[pos]
			pos++
			var overlayColor color.NRGBA
			if label >= 0 && int(label) < len(classColors) {
				overlayColor = classColors[label]
			}
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out.SetNRGBA(x, y, color.NRGBA{
				R: uint8((uint32(overlayColor.R) + r>>8) / 2),
				G: uint8((uint32(overlayColor.G) + g>>8) / 2),
				B: uint8((uint32(overlayColor.B) + b>>8) / 2),
				A: 255,
			})
		}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "creating overlay image %q", outPath)
	}
	switch strings.ToLower(filepath.Ext(outPath)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, out, nil)
	default:
		err = png.Encode(f, out)
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding overlay image %q", outPath)
	}
	return errors.Wrapf(f.Close(), "writing overlay image %q", outPath)
}
