package segdata

import (
	"image"
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/segment/manifest"
)

// VerifyExamples pre-scans a split's entries, checking that every image and
// mask exists, decodes and that each pair has matching dimensions. It catches
// broken manifests before hours of training instead of mid-epoch. A progress
// bar is displayed, reading headers of large datasets still takes a while.
func VerifyExamples(splitName string, entries []manifest.Entry) error {
	pBar := progressbar.NewOptions(len(entries),
		progressbar.OptionSetDescription("Verifying "+splitName),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("examples"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	defer func() { _ = pBar.Close() }()

	for _, entry := range entries {
		imgCfg, err := decodeConfig(entry.ImagePath)
		if err != nil {
			return err
		}
		maskCfg, err := decodeConfig(entry.MaskPath)
		if err != nil {
			return err
		}
		if imgCfg.Width != maskCfg.Width || imgCfg.Height != maskCfg.Height {
			return errors.Errorf("example %q: image is %dx%d but mask %q is %dx%d",
				entry.ImagePath, imgCfg.Width, imgCfg.Height,
				entry.MaskPath, maskCfg.Width, maskCfg.Height)
		}
		_ = pBar.Add(1)
	}
	return nil
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, errors.Wrapf(err, "failed to open example file %q", path)
	}
	defer func() { _ = f.Close() }()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, errors.Wrapf(err, "failed to decode example file %q", path)
	}
	return cfg, nil
}
