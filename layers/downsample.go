package layers

import (
	"fmt"
	"math/rand"

	"gencfd/tensor"
)

// DownsampleConv reduces each spatial axis by a fixed integer ratio using a
// strided convolution with kernel size equal to the stride, so output
// windows never overlap. The ratio tuple length (1, 2 or 3) selects the
// 1D, 2D or 3D convolution.
type DownsampleConv struct {
	InChannels  int
	OutChannels int
	Ratios      []int

	weight   *tensor.Tensor // (outC, inC, ratios...)
	bias     *tensor.Tensor
	training bool
}

// NewDownsampleConv creates a downsampling convolution with fan-in-aware
// uniform weights.
func NewDownsampleConv(inC, outC int, ratios []int, withBias bool, rng *rand.Rand) (*DownsampleConv, error) {
	if inC <= 0 || outC <= 0 {
		return nil, fmt.Errorf("channel counts must be positive, got in=%d out=%d", inC, outC)
	}
	if len(ratios) < 1 || len(ratios) > 3 {
		return nil, fmt.Errorf("ratio tuple must have length 1, 2 or 3, got %d", len(ratios))
	}
	fanIn := inC
	for _, r := range ratios {
		if r <= 0 {
			return nil, fmt.Errorf("downsampling ratios must be positive, got %v", ratios)
		}
		fanIn *= r
	}

	shape := append([]int{outC, inC}, ratios...)
	weight, err := tensor.KaimingUniform(shape, fanIn, rng, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("weight initialization failed: %v", err)
	}
	weight.SetRequiresGrad(true)

	d := &DownsampleConv{
		InChannels:  inC,
		OutChannels: outC,
		Ratios:      append([]int(nil), ratios...),
		weight:      weight,
		training:    true,
	}
	if withBias {
		bias, err := tensor.KaimingUniform([]int{outC}, fanIn, rng, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("bias initialization failed: %v", err)
		}
		bias.SetRequiresGrad(true)
		d.bias = bias
	}
	return d, nil
}

func (d *DownsampleConv) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	wantRank := len(d.Ratios) + 2
	if len(input.Shape) != wantRank {
		return nil, fmt.Errorf("downsampling by %v expects rank %d (batch, channel, spatial...), got shape %v",
			d.Ratios, wantRank, input.Shape)
	}
	if input.Shape[1] != d.InChannels {
		return nil, fmt.Errorf("input channels %d do not match layer channels %d", input.Shape[1], d.InChannels)
	}
	for i, r := range d.Ratios {
		if dim := input.Shape[2+i]; dim%r != 0 {
			return nil, fmt.Errorf("spatial dimension %d (size %d) is not divisible by ratio %d", i, dim, r)
		}
	}

	switch len(d.Ratios) {
	case 1:
		return tensor.Conv1DAutograd(input, d.weight, d.bias, d.Ratios[0], 0)
	case 2:
		return tensor.Conv2DAutograd(input, d.weight, d.bias, d.Ratios[0], d.Ratios[1], 0, 0)
	case 3:
		return tensor.Conv3DAutograd(input, d.weight, d.bias, d.Ratios[0], d.Ratios[1], d.Ratios[2])
	default:
		return nil, fmt.Errorf("unsupported ratio length %d", len(d.Ratios))
	}
}

func (d *DownsampleConv) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{d.weight}
	if d.bias != nil {
		params = append(params, d.bias)
	}
	return params
}

func (d *DownsampleConv) NamedParameters() map[string]*tensor.Tensor {
	named := map[string]*tensor.Tensor{"weight": d.weight}
	if d.bias != nil {
		named["bias"] = d.bias
	}
	return named
}

func (d *DownsampleConv) Train()           { d.training = true }
func (d *DownsampleConv) Eval()            { d.training = false }
func (d *DownsampleConv) IsTraining() bool { return d.training }
