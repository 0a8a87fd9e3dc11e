package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
)

// DecoderConfig configures the upsampling decoder.
type DecoderConfig struct {
	// NumClasses of the output logits.
	NumClasses int

	// Filters of the intermediate decoder convolutions.
	Filters int

	// KernelSize of the transposed and mixing convolutions.
	KernelSize int

	// UseSkips fuses the encoder endpoints into the upsampling stages.
	UseSkips bool
}

// NewDecoderConfig returns the decoder defaults: 256 filters, 3x3 kernels,
// skip connections enabled.
func NewDecoderConfig(numClasses int) *DecoderConfig {
	return &DecoderConfig{
		NumClasses: numClasses,
		Filters:    256,
		KernelSize: 3,
		UseSkips:   true,
	}
}

// ConvTranspose2D applies a fractionally-strided ("transposed") convolution
// with the given stride, the upsampling counterpart of a stride-s valid
// convolution. Output spatial size is (in-1)*stride + kernelSize.
//
// It is built from ordinary ops so it back-propagates: the input is interior
// padded with stride-1 zeros plus kernelSize-1 on each border, and convolved
// with the spatially reversed kernel. Kernel and bias are context variables
// ("weights" and "biases"), with the regularizer from the context
// hyperparameters applied to the kernel.
func ConvTranspose2D(ctx *context.Context, x *Node, filters, kernelSize, stride int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inChannels := x.Shape().Dimensions[x.Rank()-1]

	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(dtype, kernelSize, kernelSize, inChannels, filters))
	if reg := regularizers.FromContext(ctx); reg != nil {
		reg(ctx, g, kernelVar)
	}
	kernel := Reverse(kernelVar.ValueGraph(g), 0, 1)

	edge := kernelSize - 1
	padded := Pad(x, ScalarZero(g, dtype),
		PadAxis{},
		PadAxis{Start: edge, End: edge, Interior: stride - 1},
		PadAxis{Start: edge, End: edge, Interior: stride - 1},
		PadAxis{})
	output := Convolve(padded, kernel).
		ChannelsAxis(timage.ChannelsLast).
		NoPadding().
		Done()

	biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, filters))
	bias := ExpandAxes(biasVar.ValueGraph(g), 0, 1, 2)
	return Add(output, bias)
}

// resizeBilinear resizes the spatial axes of a (batch, h, w, channels) feature
// map with corner-aligned bilinear interpolation.
func resizeBilinear(x *Node, height, width int) *Node {
	return Interpolate(x, NoInterpolation, height, width, NoInterpolation).
		Bilinear().
		AlignCorner(true).
		HalfPixelCenters(false).
		Done()
}

// conv2D is a plain same-padding convolution with bias, no activation.
func conv2D(ctx *context.Context, x *Node, filters, kernelSize int) *Node {
	return layers.Convolution(ctx, x).
		Filters(filters).
		KernelSize(kernelSize).
		PadSame().
		ChannelsAxis(timage.ChannelsLast).
		Done()
}

// DecoderGraph upsamples the encoder features back to the input resolution and
// produces the per-pixel class logits, shaped (batch, height, width, NumClasses).
//
// Each of the four stages doubles the spatial resolution with a transposed
// convolution. When skips are enabled the stage output is first resized to the
// matching endpoint's grid, and the endpoint is added through a 1x1 projection.
// A final bilinear resize aligns the logits exactly with the input pixels.
// Every convolution takes a relu-activated input, only the logits output stays
// linear.
func DecoderGraph(ctx *context.Context, cfg *DecoderConfig, features *Node,
	endpoints map[Endpoint]*Node, skips []Endpoint, inputHeight, inputWidth int) *Node {
	ctx = ctx.In("decoder")
	scopes := &layerScopes{}
	x := features
	for _, endpoint := range skips {
		stageCtx := scopes.next(ctx, "up")
		x = activations.Relu(x)
		x = ConvTranspose2D(stageCtx.In("transpose"), x, cfg.Filters, cfg.KernelSize, 2)
		if cfg.UseSkips {
			skip := endpoints[endpoint]
			skipDims := skip.Shape().Dimensions
			x = resizeBilinear(x, skipDims[1], skipDims[2])
			projected := conv2D(stageCtx.In("skip"), skip, cfg.Filters, 1)
			x = Add(x, projected)
		}
		x = conv2D(stageCtx.In("mix"), activations.Relu(x), cfg.Filters, cfg.KernelSize)
	}

	x = resizeBilinear(x, inputHeight, inputWidth)
	x = conv2D(scopes.next(ctx, "head"), activations.Relu(x), cfg.Filters, cfg.KernelSize)
	return conv2D(scopes.next(ctx, "logits"), activations.Relu(x), cfg.NumClasses, cfg.KernelSize)
}
