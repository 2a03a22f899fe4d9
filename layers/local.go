package layers

import (
	"fmt"
	"math/rand"

	"gencfd/tensor"
)

// LocalConv2D is an unshared 2D convolution: every output spatial location
// owns a private kernel, so the weight scales with the output grid. This
// pays for position-dependent receptive fields on non-uniform grids.
//
// The weight depends on the input spatial shape, so it is allocated lazily
// on the first forward call. Subsequent calls must present the same input
// shape; a mismatch is an error rather than a silent reallocation.
type LocalConv2D struct {
	OutChannels int
	KernelH     int
	KernelW     int
	StrideH     int
	StrideW     int
	PadH        int
	PadW        int

	withBias bool
	rng      *rand.Rand
	training bool

	weight        *tensor.Tensor // (outH, outW, outC, inC, kH, kW)
	bias          *tensor.Tensor
	expectedShape []int // (inC, h, w) observed on first forward
}

// NewLocalConv2D creates a local convolution layer. Weights are allocated
// on the first forward call once the input shape is known.
func NewLocalConv2D(outC, kernelH, kernelW, strideH, strideW, padH, padW int, withBias bool, rng *rand.Rand) (*LocalConv2D, error) {
	if outC <= 0 {
		return nil, fmt.Errorf("output channels must be positive, got %d", outC)
	}
	if kernelH <= 0 || kernelW <= 0 || strideH <= 0 || strideW <= 0 {
		return nil, fmt.Errorf("kernel (%d, %d) and stride (%d, %d) must be positive", kernelH, kernelW, strideH, strideW)
	}
	if padH < 0 || padW < 0 {
		return nil, fmt.Errorf("padding must be non-negative, got (%d, %d)", padH, padW)
	}
	return &LocalConv2D{
		OutChannels: outC,
		KernelH:     kernelH, KernelW: kernelW,
		StrideH: strideH, StrideW: strideW,
		PadH: padH, PadW: padW,
		withBias: withBias, rng: rng, training: true,
	}, nil
}

// materialize allocates the per-location weight for the observed input
// shape and records that shape for consistency checks.
func (l *LocalConv2D) materialize(inC, h, w int) error {
	outH := tensor.ConvOutputSize(h, l.KernelH, l.StrideH, l.PadH)
	outW := tensor.ConvOutputSize(w, l.KernelW, l.StrideW, l.PadW)
	if outH <= 0 || outW <= 0 {
		return fmt.Errorf("kernel (%d, %d) exceeds padded input (%d, %d)", l.KernelH, l.KernelW, h+2*l.PadH, w+2*l.PadW)
	}

	fanIn := inC * l.KernelH * l.KernelW
	fanOut := l.OutChannels * l.KernelH * l.KernelW
	shape := []int{outH, outW, l.OutChannels, inC, l.KernelH, l.KernelW}
	weight, err := tensor.XavierUniform(shape, fanIn, fanOut, l.rng, tensor.CPU)
	if err != nil {
		return fmt.Errorf("weight initialization failed: %v", err)
	}
	weight.SetRequiresGrad(true)
	l.weight = weight

	if l.withBias {
		bias, err := tensor.Zeros([]int{l.OutChannels}, tensor.Float32, tensor.CPU)
		if err != nil {
			return fmt.Errorf("bias initialization failed: %v", err)
		}
		bias.SetRequiresGrad(true)
		l.bias = bias
	}
	l.expectedShape = []int{inC, h, w}
	return nil
}

func (l *LocalConv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("local convolution expects a 4D input (batch, channel, h, w), got shape %v", input.Shape)
	}
	inC, h, w := input.Shape[1], input.Shape[2], input.Shape[3]

	if l.weight == nil {
		if err := l.materialize(inC, h, w); err != nil {
			return nil, err
		}
	} else if inC != l.expectedShape[0] || h != l.expectedShape[1] || w != l.expectedShape[2] {
		return nil, fmt.Errorf("input shape (%d, %d, %d) does not match the shape (%d, %d, %d) the weights were built for",
			inC, h, w, l.expectedShape[0], l.expectedShape[1], l.expectedShape[2])
	}

	x := input
	var err error
	if l.PadH > 0 {
		if x, err = tensor.PadAxisAutograd(x, 2, l.PadH, l.PadH, tensor.PadZero); err != nil {
			return nil, err
		}
	}
	if l.PadW > 0 {
		if x, err = tensor.PadAxisAutograd(x, 3, l.PadW, l.PadW, tensor.PadZero); err != nil {
			return nil, err
		}
	}
	return tensor.ConvLocal2DAutograd(x, l.weight, l.bias, l.StrideH, l.StrideW)
}

// Weight exposes the lazily allocated weight tensor. It is nil before the
// first forward call.
func (l *LocalConv2D) Weight() *tensor.Tensor { return l.weight }

func (l *LocalConv2D) Parameters() []*tensor.Tensor {
	if l.weight == nil {
		return nil
	}
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *LocalConv2D) NamedParameters() map[string]*tensor.Tensor {
	named := make(map[string]*tensor.Tensor)
	if l.weight != nil {
		named["weight"] = l.weight
	}
	if l.bias != nil {
		named["bias"] = l.bias
	}
	return named
}

func (l *LocalConv2D) Train()           { l.training = true }
func (l *LocalConv2D) Eval()            { l.training = false }
func (l *LocalConv2D) IsTraining() bool { return l.training }
