package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// layerScopes numbers the layer scopes in creation order, so the variable
// scopes are stable and readable in checkpoints.
type layerScopes struct {
	count int
}

func (l *layerScopes) next(ctx *context.Context, name string) *context.Context {
	scoped := ctx.Inf("%03d_%s", l.count, name)
	l.count++
	return scoped
}

// convBN is a convolution followed by batch normalization and a relu, the basic
// building block of the InceptionV3 backbone. Strides of 1 keep padding "same",
// otherwise no padding (the "valid" convolutions of the original model).
func (e *Encoder) convBN(scopes *layerScopes, ctx *context.Context, x *Node, filters, kernelH, kernelW, strides int, padSame bool) *Node {
	ctx = scopes.next(ctx, "conv_bn")
	conv := layers.Convolution(ctx, x).
		Filters(filters).
		KernelSizePerDim(kernelH, kernelW).
		UseBias(false).
		ChannelsAxis(timage.ChannelsLast)
	if padSame {
		conv = conv.PadSame()
	}
	if strides > 1 {
		conv = conv.Strides(strides)
	}
	x = conv.Done()
	x = batchnorm.New(ctx.In("batch_normalization"), x, -1).
		Trainable(e.fineTune).
		FrozenAverages(!e.fineTune).
		Done()
	return activations.Relu(x)
}

func maxPool3x3Stride2(x *Node) *Node {
	return MaxPool(x).ChannelsAxis(timage.ChannelsLast).Window(3).Strides(2).NoPadding().Done()
}

func meanPool3x3Same(x *Node) *Node {
	return MeanPool(x).ChannelsAxis(timage.ChannelsLast).Window(3).Strides(1).PadSame().Done()
}

// inceptionA is the 35x35 mixed block: 1x1, 5x5, double-3x3 and pooled branches
// concatenated on the channels axis.
func (e *Encoder) inceptionA(scopes *layerScopes, ctx *context.Context, x *Node, poolFilters int) *Node {
	branch1x1 := e.convBN(scopes, ctx, x, 64, 1, 1, 1, true)

	branch5x5 := e.convBN(scopes, ctx, x, 48, 1, 1, 1, true)
	branch5x5 = e.convBN(scopes, ctx, branch5x5, 64, 5, 5, 1, true)

	branch3x3Dbl := e.convBN(scopes, ctx, x, 64, 1, 1, 1, true)
	branch3x3Dbl = e.convBN(scopes, ctx, branch3x3Dbl, 96, 3, 3, 1, true)
	branch3x3Dbl = e.convBN(scopes, ctx, branch3x3Dbl, 96, 3, 3, 1, true)

	branchPool := meanPool3x3Same(x)
	branchPool = e.convBN(scopes, ctx, branchPool, poolFilters, 1, 1, 1, true)

	return Concatenate([]*Node{branch1x1, branch5x5, branch3x3Dbl, branchPool}, -1)
}

// reductionA is the stride-2 grid reduction block ("Mixed_6a" in the original
// naming): its output is the deepest skip endpoint.
func (e *Encoder) reductionA(scopes *layerScopes, ctx *context.Context, x *Node) *Node {
	branch3x3 := e.convBN(scopes, ctx, x, 384, 3, 3, 2, false)

	branch3x3Dbl := e.convBN(scopes, ctx, x, 64, 1, 1, 1, true)
	branch3x3Dbl = e.convBN(scopes, ctx, branch3x3Dbl, 96, 3, 3, 1, true)
	branch3x3Dbl = e.convBN(scopes, ctx, branch3x3Dbl, 96, 3, 3, 2, false)

	branchPool := maxPool3x3Stride2(x)
	return Concatenate([]*Node{branch3x3, branch3x3Dbl, branchPool}, -1)
}

// inceptionB is the 17x17 mixed block with factorized 7x7 convolutions.
func (e *Encoder) inceptionB(scopes *layerScopes, ctx *context.Context, x *Node, filters7x7 int) *Node {
	branch1x1 := e.convBN(scopes, ctx, x, 192, 1, 1, 1, true)

	branch7x7 := e.convBN(scopes, ctx, x, filters7x7, 1, 1, 1, true)
	branch7x7 = e.convBN(scopes, ctx, branch7x7, filters7x7, 1, 7, 1, true)
	branch7x7 = e.convBN(scopes, ctx, branch7x7, 192, 7, 1, 1, true)

	branch7x7Dbl := e.convBN(scopes, ctx, x, filters7x7, 1, 1, 1, true)
	branch7x7Dbl = e.convBN(scopes, ctx, branch7x7Dbl, filters7x7, 7, 1, 1, true)
	branch7x7Dbl = e.convBN(scopes, ctx, branch7x7Dbl, filters7x7, 1, 7, 1, true)
	branch7x7Dbl = e.convBN(scopes, ctx, branch7x7Dbl, filters7x7, 7, 1, 1, true)
	branch7x7Dbl = e.convBN(scopes, ctx, branch7x7Dbl, 192, 1, 7, 1, true)

	branchPool := meanPool3x3Same(x)
	branchPool = e.convBN(scopes, ctx, branchPool, 192, 1, 1, 1, true)

	return Concatenate([]*Node{branch1x1, branch7x7, branch7x7Dbl, branchPool}, -1)
}

// reductionB is the second stride-2 grid reduction ("Mixed_7a"), taking the
// trunk one grid below the deepest skip endpoint.
func (e *Encoder) reductionB(scopes *layerScopes, ctx *context.Context, x *Node) *Node {
	branch3x3 := e.convBN(scopes, ctx, x, 192, 1, 1, 1, true)
	branch3x3 = e.convBN(scopes, ctx, branch3x3, 320, 3, 3, 2, false)

	branch7x7x3 := e.convBN(scopes, ctx, x, 192, 1, 1, 1, true)
	branch7x7x3 = e.convBN(scopes, ctx, branch7x7x3, 192, 1, 7, 1, true)
	branch7x7x3 = e.convBN(scopes, ctx, branch7x7x3, 192, 7, 1, 1, true)
	branch7x7x3 = e.convBN(scopes, ctx, branch7x7x3, 192, 3, 3, 2, false)

	branchPool := maxPool3x3Stride2(x)
	return Concatenate([]*Node{branch3x3, branch7x7x3, branchPool}, -1)
}

// inceptionV3Graph builds the InceptionV3 backbone, tapping the four skip
// endpoints along the way. For segmentation only the convolutional trunk is
// built, there is no head.
func (e *Encoder) inceptionV3Graph(ctx *context.Context, x *Node) (features *Node, endpoints map[Endpoint]*Node) {
	scopes := &layerScopes{}
	endpoints = make(map[Endpoint]*Node, numEndpoints)

	// Stem: strides 2 and the first valid convolutions.
	x = e.convBN(scopes, ctx, x, 32, 3, 3, 2, false)
	x = e.convBN(scopes, ctx, x, 32, 3, 3, 1, false)
	x = e.convBN(scopes, ctx, x, 64, 3, 3, 1, true)
	endpoints[EndpointStem1] = x

	x = maxPool3x3Stride2(x)
	x = e.convBN(scopes, ctx, x, 80, 1, 1, 1, false)
	x = e.convBN(scopes, ctx, x, 192, 3, 3, 1, false)
	endpoints[EndpointStem2] = x

	x = maxPool3x3Stride2(x)
	endpoints[EndpointPool] = x

	// 35x35 blocks.
	x = e.inceptionA(scopes, ctx, x, 32)
	x = e.inceptionA(scopes, ctx, x, 64)
	x = e.inceptionA(scopes, ctx, x, 64)

	// Grid reduction, the deepest skip endpoint.
	x = e.reductionA(scopes, ctx, x)
	endpoints[EndpointReduction] = x

	// 17x17 blocks.
	x = e.inceptionB(scopes, ctx, x, 128)
	x = e.inceptionB(scopes, ctx, x, 160)

	// Second grid reduction makes the final feature map, one grid below the
	// deepest skip endpoint, matching the x2 upsampling of the first decoder
	// stage.
	x = e.reductionB(scopes, ctx, x)
	return x, endpoints
}
