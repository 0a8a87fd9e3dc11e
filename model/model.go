package model

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Segmenter combines the frozen encoder and the trainable decoder into the
// model function consumed by train.Trainer.
type Segmenter struct {
	Encoder *Encoder
	Decoder *DecoderConfig
}

// NewSegmenter builds a segmenter for the given encoder. numClasses is the
// number of output classes, useSkips enables the decoder skip connections.
func NewSegmenter(encoder *Encoder, numClasses int, useSkips bool) *Segmenter {
	cfg := NewDecoderConfig(numClasses)
	cfg.UseSkips = useSkips
	return &Segmenter{Encoder: encoder, Decoder: cfg}
}

// ModelGraph is a train.ModelFn: inputs[0] is the image batch shaped
// (batch, height, width, 3) with values 0 to 255, and the returned prediction
// is the logits batch shaped (batch, height, width, numClasses).
//
// The graph build panics if the logits don't align pixel-by-pixel with the
// input, that would silently corrupt the loss.
func (s *Segmenter) ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	image := inputs[0]
	dims := image.Shape().Dimensions
	features, endpoints := s.Encoder.Forward(ctx, image)
	logits := DecoderGraph(ctx, s.Decoder, features, endpoints, s.Encoder.SkipEndpoints(), dims[1], dims[2])
	logitsDims := logits.Shape().Dimensions
	if logitsDims[0] != dims[0] || logitsDims[1] != dims[1] || logitsDims[2] != dims[2] {
		exceptions.Panicf("model produced logits shaped %v for images shaped %v, spatial dimensions must match",
			logitsDims, dims)
	}
	return []*Node{logits}
}

// PredictGraph is the single-input form of ModelGraph, convenient for
// inference execs: it takes the image batch and returns the logits.
func (s *Segmenter) PredictGraph(ctx *context.Context, image *Node) *Node {
	return s.ModelGraph(ctx, nil, []*Node{image})[0]
}
