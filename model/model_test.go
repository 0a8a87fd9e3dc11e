package model

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchitectureFromString(t *testing.T) {
	arch, err := ArchitectureFromString("Inception_V3")
	require.NoError(t, err)
	assert.Equal(t, InceptionV3, arch)
	arch, err = ArchitectureFromString("basecnn")
	require.NoError(t, err)
	assert.Equal(t, BaseCNN, arch)
	_, err = ArchitectureFromString("resnet50")
	require.Error(t, err)
}

func TestConvTranspose2DSize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return ConvTranspose2D(ctx.In("transpose"), x, 3, 3, 2)
	})
	input := tensors.FromFlatDataAndDimensions(make([]float32, 5*5*2), 1, 5, 5, 2)
	output := exec.MustExec(input)[0]
	// (in-1)*stride + kernelSize.
	assert.Equal(t, []int{1, 11, 11, 3}, output.Shape().Dimensions)
}

// setDecoderBiases overwrites the "biases" vector of the decoder convolution
// whose scope contains substr, and requires exactly one match.
func setDecoderBiases(t *testing.T, ctx *context.Context, substr string, value float32) {
	t.Helper()
	found := 0
	ctx.In("decoder").EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Name() != "biases" || !strings.Contains(v.Scope(), substr) {
			return
		}
		dims := v.Shape().Dimensions
		data := make([]float32, dims[0])
		for i := range data {
			data[i] = value
		}
		require.NoError(t, v.SetValue(tensors.FromFlatDataAndDimensions(data, dims[0])))
		found++
	})
	require.Equal(t, 1, found, "expected exactly one %q biases variable", substr)
}

// poisonedDecoderOutput runs a one-stage decoder whose convolution at substr is
// biased to a large negative constant, with every other bias zeroed.
func poisonedDecoderOutput(t *testing.T, substr string) []float32 {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := NewDecoderConfig(3)
	cfg.Filters = 4
	cfg.UseSkips = false
	exec := context.MustNewExec(backend, ctx.Checked(false), func(ctx *context.Context, features *graph.Node) *graph.Node {
		return DecoderGraph(ctx, cfg, features, nil, []Endpoint{EndpointReduction}, 6, 6)
	})

	data := make([]float32, 3*3*2)
	for i := range data {
		data[i] = float32(i%5) + 0.5
	}
	features := tensors.FromFlatDataAndDimensions(data, 1, 3, 3, 2)
	_, err := exec.Exec1(features) // Creates the variables.
	require.NoError(t, err)

	for _, scope := range []string{"transpose", "mix", "head", "logits"} {
		value := float32(0)
		if scope == substr {
			value = -1e4
		}
		setDecoderBiases(t, ctx, scope, value)
	}
	logits, err := exec.Exec1(features)
	require.NoError(t, err)
	return tensors.MustCopyFlatData[float32](logits)
}

// Each decoder convolution reads an activated input, so a hugely negative
// output of any earlier convolution must be cut off before the next one and
// everything downstream collapses to exactly zero.
func TestDecoderActivations(t *testing.T) {
	for _, stage := range []string{"transpose", "mix", "head"} {
		for _, v := range poisonedDecoderOutput(t, stage) {
			if !assert.Zero(t, v, "negative %q output must be cut off before the next convolution", stage) {
				break
			}
		}
	}
}

func TestInceptionV3FeatureGrid(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	encoder, err := NewEncoder(InceptionV3, "", false)
	require.NoError(t, err)

	ctx := context.New()
	var featureDims, reductionDims []int
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, image *graph.Node) *graph.Node {
		features, endpoints := encoder.Forward(ctx, image)
		featureDims = features.Shape().Dimensions
		reductionDims = endpoints[EndpointReduction].Shape().Dimensions
		return features
	})
	image := tensors.FromFlatDataAndDimensions(make([]float32, 95*95*3), 1, 95, 95, 3)
	_, err = exec.Exec1(image)
	require.NoError(t, err)

	// The deepest skip endpoint sits one stride-2 grid reduction above the
	// final feature map, matching the x2 upsampling of the first decoder stage.
	assert.Equal(t, []int{1, 4, 4, 768}, reductionDims)
	assert.Equal(t, []int{1, 1, 1, 1280}, featureDims)
}

func segmenterOutputDims(t *testing.T, useSkips bool) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	encoder, err := NewEncoder(BaseCNN, "", false)
	require.NoError(t, err)
	segmenter := NewSegmenter(encoder, 3, useSkips)

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, image *graph.Node) *graph.Node {
		return segmenter.ModelGraph(ctx, nil, []*graph.Node{image})[0]
	})
	image := tensors.FromFlatDataAndDimensions(make([]float32, 33*31*3), 1, 33, 31, 3)
	logits := exec.MustExec(image)[0]
	assert.Equal(t, []int{1, 33, 31, 3}, logits.Shape().Dimensions,
		"logits must align pixel-by-pixel with the input image")
}

func TestSegmenterOutputDims(t *testing.T) {
	segmenterOutputDims(t, true)
}

func TestSegmenterOutputDimsNoSkips(t *testing.T) {
	segmenterOutputDims(t, false)
}

func TestEncoderFreeze(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	encoder, err := NewEncoder(BaseCNN, "", false)
	require.NoError(t, err)
	segmenter := NewSegmenter(encoder, 3, true)

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, image *graph.Node) *graph.Node {
		return segmenter.ModelGraph(ctx, nil, []*graph.Node{image})[0]
	})
	image := tensors.FromFlatDataAndDimensions(make([]float32, 16*16*3), 1, 16, 16, 3)
	_ = exec.MustExec(image)
	encoder.Freeze(ctx)

	frozen, trainable := 0, 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			trainable++
		} else {
			frozen++
		}
	})
	assert.Greater(t, frozen, 0, "encoder variables must be frozen")
	assert.Greater(t, trainable, 0, "decoder variables must stay trainable")

	encoderTrainable := 0
	ctx.In(ScopeEncoder).EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Trainable {
			encoderTrainable++
		}
	})
	assert.Zero(t, encoderTrainable)
}

func TestWeightedCrossEntropy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lossFn := MakeWeightedCrossEntropy(3, 255, 2, 10.0)
	exec := graph.MustNewExec(backend, func(mask, logits *graph.Node) *graph.Node {
		return lossFn([]*graph.Node{mask}, []*graph.Node{logits})
	})

	// Three pixels: label 0 with confident logits, a boundary pixel with flat
	// logits, and an ignored pixel with arbitrary logits.
	mask := tensors.FromFlatDataAndDimensions([]int32{0, 2, 255}, 1, 1, 3, 1)
	logits := tensors.FromFlatDataAndDimensions([]float32{
		2, 0, 0,
		0, 0, 0,
		50, -50, 0,
	}, 1, 1, 3, 3)

	ceA := math.Log(math.Exp(2) + 2) // -log(softmax[0]) for logits (2,0,0), label 0.
	ceA -= 2
	ceB := math.Log(3.0)
	want := (1*ceA + 10*ceB) / (1 + 10)

	got := exec.MustExec(mask, logits)[0].Value().(float32)
	assert.InDelta(t, want, float64(got), 1e-4)
}

func TestWeightedCrossEntropyAllIgnored(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lossFn := MakeWeightedCrossEntropy(3, 255, 2, 10.0)
	exec := graph.MustNewExec(backend, func(mask, logits *graph.Node) *graph.Node {
		return lossFn([]*graph.Node{mask}, []*graph.Node{logits})
	})
	mask := tensors.FromFlatDataAndDimensions([]int32{255, 255, 255, 255}, 1, 2, 2, 1)
	logits := tensors.FromFlatDataAndDimensions([]float32{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12,
	}, 1, 2, 2, 3)
	got := exec.MustExec(mask, logits)[0].Value().(float32)
	assert.Zero(t, got, "a batch with only ignored pixels must yield zero loss")
}
