package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// baseCNNGraph builds the compact backbone: five stride-2 stages of
// convolution + batch normalization + relu, doubling channels up to 256. It is
// much cheaper than InceptionV3 and its weights come from a classifier trained
// on the target domain instead of ImageNet.
func (e *Encoder) baseCNNGraph(ctx *context.Context, x *Node) (features *Node, endpoints map[Endpoint]*Node) {
	scopes := &layerScopes{}
	endpoints = make(map[Endpoint]*Node, numEndpoints)

	x = e.convBN(scopes, ctx, x, 32, 3, 3, 2, true)
	x = e.convBN(scopes, ctx, x, 32, 3, 3, 1, true)
	endpoints[EndpointStem1] = x

	x = e.convBN(scopes, ctx, x, 64, 3, 3, 2, true)
	x = e.convBN(scopes, ctx, x, 64, 3, 3, 1, true)
	endpoints[EndpointStem2] = x

	x = e.convBN(scopes, ctx, x, 128, 3, 3, 2, true)
	x = e.convBN(scopes, ctx, x, 128, 3, 3, 1, true)
	endpoints[EndpointPool] = x

	x = e.convBN(scopes, ctx, x, 256, 3, 3, 2, true)
	x = e.convBN(scopes, ctx, x, 256, 3, 3, 1, true)
	endpoints[EndpointReduction] = x

	x = e.convBN(scopes, ctx, x, 256, 3, 3, 2, true)
	features = e.convBN(scopes, ctx, x, 256, 3, 3, 1, true)
	return features, endpoints
}
