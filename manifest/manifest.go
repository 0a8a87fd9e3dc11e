// Package manifest reads the CSV manifests that list the examples of a dataset split.
//
// Each line of a manifest names one example as `<imagePath>,<maskPath>`. The train,
// validation and test splits each have their own manifest file.
package manifest

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ErrFormat is returned (wrapped) when a manifest line doesn't have exactly
// two comma-separated fields.
var ErrFormat = errors.New("manifest line must be \"<imagePath>,<maskPath>\"")

// Entry is one example of a split: the image and its ground-truth mask.
type Entry struct {
	ImagePath, MaskPath string
}

// Load reads the manifest file at the given path and returns its entries in file order.
//
// Blank lines are skipped and surrounding whitespace on each field is trimmed.
// A malformed line returns an error wrapping ErrFormat with the line number.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", path)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 2 {
			return nil, errors.Wrapf(ErrFormat, "manifest %q line %d: %q", path, lineNum, line)
		}
		entry := Entry{
			ImagePath: strings.TrimSpace(fields[0]),
			MaskPath:  strings.TrimSpace(fields[1]),
		}
		if entry.ImagePath == "" || entry.MaskPath == "" {
			return nil, errors.Wrapf(ErrFormat, "manifest %q line %d: empty field in %q", path, lineNum, line)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading manifest %q", path)
	}
	return entries, nil
}
