// Package model builds the segmentation network: a frozen pretrained encoder,
// a transposed-convolution decoder with optional skip connections, and the
// pixel-weighted loss it is trained with.
package model

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Architecture selects the encoder backbone.
type Architecture int

const (
	// InceptionV3 backbone, with ImageNet pretrained weights.
	InceptionV3 Architecture = iota

	// BaseCNN is a compact convolutional backbone, pretrained as a classifier
	// on the target domain.
	BaseCNN
)

// String implements fmt.Stringer. The value is also used as a directory/file
// name suffix for model outputs.
func (a Architecture) String() string {
	switch a {
	case InceptionV3:
		return "inception_v3"
	case BaseCNN:
		return "base_cnn"
	}
	return "invalid"
}

// ArchitectureFromString parses an architecture name. It accepts the String()
// form, case-insensitive.
func ArchitectureFromString(name string) (Architecture, error) {
	switch strings.ToLower(name) {
	case "inception_v3", "inceptionv3":
		return InceptionV3, nil
	case "base_cnn", "basecnn":
		return BaseCNN, nil
	}
	return 0, errors.Errorf("unknown encoder architecture %q (want \"inception_v3\" or \"base_cnn\")", name)
}

// Endpoint identifies an intermediate encoder stage whose feature map can be
// fused into the decoder as a skip connection. Endpoints are ordered from the
// deepest (closest to the encoder output, coarsest resolution) to the
// shallowest, which is the order the decoder consumes them.
type Endpoint int

const (
	// EndpointReduction is the deepest skip stage, usually stride 16.
	EndpointReduction Endpoint = iota

	// EndpointPool is the stride-8 stage.
	EndpointPool

	// EndpointStem2 is the stride-4 stage at the end of the stem.
	EndpointStem2

	// EndpointStem1 is the shallowest stage, stride 2.
	EndpointStem1

	numEndpoints
)

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	switch e {
	case EndpointReduction:
		return "reduction"
	case EndpointPool:
		return "pool"
	case EndpointStem2:
		return "stem2"
	case EndpointStem1:
		return "stem1"
	}
	return "invalid"
}

// ScopeEncoder is the context scope under which all encoder variables live.
// Freezing and pretrained weight loading operate on this scope.
const ScopeEncoder = "encoder"

// Encoder is a pretrained backbone adapted to expose its intermediate feature
// maps. It is constructed once, validated up front, and used to build graphs.
type Encoder struct {
	arch       Architecture
	weightsDir string
	fineTune   bool
}

// NewEncoder creates an encoder of the given architecture.
//
//   - weightsDir: directory with the pretrained weights checkpoint. If empty the
//     encoder starts from random initialization (a warning is logged, the decoder
//     then trains against untrained features).
//   - fineTune: if false (the usual setting) the encoder variables are frozen and
//     only the decoder trains.
func NewEncoder(arch Architecture, weightsDir string, fineTune bool) (*Encoder, error) {
	switch arch {
	case InceptionV3, BaseCNN:
	default:
		return nil, errors.Errorf("invalid encoder architecture %d", arch)
	}
	if weightsDir == "" {
		klog.Warningf("no pretrained weights directory for %s encoder, starting from random weights", arch)
	}
	return &Encoder{arch: arch, weightsDir: weightsDir, fineTune: fineTune}, nil
}

// Architecture of this encoder.
func (e *Encoder) Architecture() Architecture { return e.arch }

// SkipEndpoints returns the endpoints this architecture exposes, deepest first.
// Every architecture must expose all of them, the decoder fuses one per
// upsampling stage.
func (e *Encoder) SkipEndpoints() []Endpoint {
	return []Endpoint{EndpointReduction, EndpointPool, EndpointStem2, EndpointStem1}
}

// LoadWeights loads the pretrained checkpoint into the encoder scope of ctx,
// before training starts. A configured but missing checkpoint is an error.
func (e *Encoder) LoadWeights(ctx *context.Context) error {
	if e.weightsDir == "" {
		return nil
	}
	encoderCtx := ctx.In(ScopeEncoder).Checked(false)
	handler, err := checkpoints.Load(encoderCtx).Dir(e.weightsDir).Done()
	if err != nil {
		return errors.WithMessagef(err, "loading pretrained %s weights from %q", e.arch, e.weightsDir)
	}
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "loading pretrained %s weights from %q", e.arch, e.weightsDir)
	}
	if !hasCheckpoints {
		return errors.Errorf("no pretrained %s checkpoint found in %q", e.arch, e.weightsDir)
	}
	return nil
}

// Freeze marks every encoder variable as non-trainable. No-op when fine-tuning
// was requested at construction.
func (e *Encoder) Freeze(ctx *context.Context) {
	if e.fineTune {
		return
	}
	ctx.In(ScopeEncoder).EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
}

// Forward builds the encoder forward pass over a batch of images shaped
// (batch, height, width, 3) with values from 0 to 255. It returns the final
// feature map and the skip endpoints.
//
// Scaling to the -1 to 1 range the pretrained weights expect happens here.
// Batch normalization runs with frozen averages unless fine-tuning.
func (e *Encoder) Forward(ctx *context.Context, image *Node) (features *Node, endpoints map[Endpoint]*Node) {
	encoderCtx := ctx.In(ScopeEncoder)
	x := AddScalar(MulScalar(image, 2.0/255.0), -1.0)
	switch e.arch {
	case InceptionV3:
		return e.inceptionV3Graph(encoderCtx, x)
	case BaseCNN:
		return e.baseCNNGraph(encoderCtx, x)
	}
	return nil, nil // Unreachable, the architecture is validated at construction.
}
