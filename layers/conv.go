package layers

import (
	"fmt"
	"math/rand"

	"gencfd/tensor"
)

// Conv2D is a shared-weight 2D convolution over (batch, channel, h, w)
// inputs with symmetric zero padding.
type Conv2D struct {
	InChannels  int
	OutChannels int
	KernelH     int
	KernelW     int
	StrideH     int
	StrideW     int
	PadH        int
	PadW        int
	weight      *tensor.Tensor
	bias        *tensor.Tensor
	training    bool
}

// NewConv2D creates a convolution layer with Kaiming-uniform weights.
func NewConv2D(inC, outC, kernelH, kernelW, strideH, strideW, padH, padW int, withBias bool, rng *rand.Rand) (*Conv2D, error) {
	if inC <= 0 || outC <= 0 {
		return nil, fmt.Errorf("channel counts must be positive, got in=%d out=%d", inC, outC)
	}
	if kernelH <= 0 || kernelW <= 0 || strideH <= 0 || strideW <= 0 {
		return nil, fmt.Errorf("kernel (%d, %d) and stride (%d, %d) must be positive", kernelH, kernelW, strideH, strideW)
	}
	fanIn := inC * kernelH * kernelW
	weight, err := tensor.KaimingUniform([]int{outC, inC, kernelH, kernelW}, fanIn, rng, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("weight initialization failed: %v", err)
	}
	weight.SetRequiresGrad(true)

	c := &Conv2D{
		InChannels: inC, OutChannels: outC,
		KernelH: kernelH, KernelW: kernelW,
		StrideH: strideH, StrideW: strideW,
		PadH: padH, PadW: padW,
		weight: weight, training: true,
	}
	if withBias {
		bias, err := tensor.KaimingUniform([]int{outC}, fanIn, rng, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("bias initialization failed: %v", err)
		}
		bias.SetRequiresGrad(true)
		c.bias = bias
	}
	return c, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("conv2d expects a 4D input (batch, channel, h, w), got shape %v", input.Shape)
	}
	if input.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("input channels %d do not match layer channels %d", input.Shape[1], c.InChannels)
	}
	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.StrideH, c.StrideW, c.PadH, c.PadW)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) NamedParameters() map[string]*tensor.Tensor {
	named := map[string]*tensor.Tensor{"weight": c.weight}
	if c.bias != nil {
		named["bias"] = c.bias
	}
	return named
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }
