package segdata

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/segment/manifest"
)

// Pipeline bundles a decoded split with its wrapped (parallel, batched)
// train.Dataset ready for the training loop.
type Pipeline struct {
	// Split is the underlying Dataset, kept accessible so callers can map the
	// yielded example indices back to manifest entries.
	Split *Dataset

	// Batched is the dataset to feed to the loop: parallel decoding plus the
	// leading batch axis of size 1.
	Batched train.Dataset
}

// NewPipeline loads a split's manifest and wires the full input pipeline:
// decode → (augment) → (shuffle) → parallel prefetch → batch of 1.
//
// When cfg.Shuffle is false, the order of the manifest is preserved: a single
// read-ahead goroutine prefetches, instead of the unordered worker pool.
func NewPipeline(backend backends.Backend, name, manifestPath string, cfg *Config) (*Pipeline, error) {
	entries, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "building pipeline for split %q", name)
	}
	if cfg.Verify {
		if err = VerifyExamples(name, entries); err != nil {
			return nil, err
		}
	}
	split, err := NewDataset(name, cfg, entries)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("split %q: %d examples (shuffle=%v, augment=%v, parallelism=%d)",
		name, split.NumExamples(), cfg.Shuffle, cfg.Augment, cfg.NumParallelLoaders)

	var wrapped train.Dataset
	if cfg.Shuffle {
		wrapped = datasets.CustomParallel(split).
			Parallelism(cfg.NumParallelLoaders).
			Buffer(cfg.NumParallelLoaders).
			Start()
	} else {
		// Order matters for evaluation outputs: ReadAhead preserves it.
		wrapped = datasets.ReadAhead(split, max(cfg.NumParallelLoaders, 1))
	}
	batched := datasets.Batch(backend, wrapped, cfg.BatchSize, true, false)
	return &Pipeline{Split: split, Batched: batched}, nil
}
