package tensor

import (
	"fmt"
)

// ConvOutputSize computes the output length of one spatial axis using the
// standard integer convolution formula.
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in-kernel+2*padding)/stride + 1
}

func checkConvInput(input *Tensor, wantRank int) error {
	if input.DType != Float32 {
		return fmt.Errorf("convolution requires Float32 tensors, got %s", input.DType)
	}
	if len(input.Shape) != wantRank {
		return fmt.Errorf("convolution input must have rank %d (batch, channel, spatial...), got shape %v", wantRank, input.Shape)
	}
	return nil
}

// Conv1D computes a strided 1D cross-correlation.
// input is (batch, inC, w); weight is (outC, inC, k).
func Conv1D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if err := checkConvInput(input, 3); err != nil {
		return nil, err
	}
	x := input
	if padding > 0 {
		var err error
		x, err = PadAxis(x, 2, padding, padding, PadZero)
		if err != nil {
			return nil, err
		}
	}

	batch, inC, w := x.Shape[0], x.Shape[1], x.Shape[2]
	outC, k := weight.Shape[0], weight.Shape[2]
	if weight.Shape[1] != inC {
		return nil, fmt.Errorf("weight input channels %d do not match input channels %d", weight.Shape[1], inC)
	}
	outW := (w-k)/stride + 1
	if outW <= 0 {
		return nil, fmt.Errorf("kernel size %d exceeds padded input length %d", k, w)
	}

	out, err := NewTensor([]int{batch, outC, outW}, Float32, input.Device, nil)
	if err != nil {
		return nil, err
	}

	xd := x.Data.([]float32)
	wd := weight.Data.([]float32)
	od := out.Data.([]float32)
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			for ow := 0; ow < outW; ow++ {
				var sum float32
				for ic := 0; ic < inC; ic++ {
					xBase := (b*inC+ic)*w + ow*stride
					wBase := (oc*inC + ic) * k
					for kk := 0; kk < k; kk++ {
						sum += xd[xBase+kk] * wd[wBase+kk]
					}
				}
				od[(b*outC+oc)*outW+ow] = sum
			}
		}
	}
	if bias != nil {
		addChannelBias(out, bias)
	}
	return out, nil
}

// conv2DForward computes the 2D cross-correlation with no implicit padding.
func conv2DForward(x, weight, bias *Tensor, strideH, strideW int) (*Tensor, error) {
	batch, inC, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, kH, kW := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	if weight.Shape[1] != inC {
		return nil, fmt.Errorf("weight input channels %d do not match input channels %d", weight.Shape[1], inC)
	}
	outH := (h-kH)/strideH + 1
	outW := (w-kW)/strideW + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("kernel (%d, %d) exceeds padded input (%d, %d)", kH, kW, h, w)
	}

	out, err := NewTensor([]int{batch, outC, outH, outW}, Float32, x.Device, nil)
	if err != nil {
		return nil, err
	}

	xd := x.Data.([]float32)
	wd := weight.Data.([]float32)
	od := out.Data.([]float32)
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum float32
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kH; kh++ {
							xBase := ((b*inC+ic)*h+oh*strideH+kh)*w + ow*strideW
							wBase := ((oc*inC+ic)*kH + kh) * kW
							for kw := 0; kw < kW; kw++ {
								sum += xd[xBase+kw] * wd[wBase+kw]
							}
						}
					}
					od[((b*outC+oc)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}
	if bias != nil {
		addChannelBias(out, bias)
	}
	return out, nil
}

// Conv2D computes a strided 2D cross-correlation with symmetric zero padding.
// input is (batch, inC, h, w); weight is (outC, inC, kH, kW).
func Conv2D(input, weight, bias *Tensor, strideH, strideW, padH, padW int) (*Tensor, error) {
	if err := checkConvInput(input, 4); err != nil {
		return nil, err
	}
	x := input
	var err error
	if padH > 0 {
		if x, err = PadAxis(x, 2, padH, padH, PadZero); err != nil {
			return nil, err
		}
	}
	if padW > 0 {
		if x, err = PadAxis(x, 3, padW, padW, PadZero); err != nil {
			return nil, err
		}
	}
	return conv2DForward(x, weight, bias, strideH, strideW)
}

// Conv3D computes a strided 3D cross-correlation without padding.
// input is (batch, inC, d, h, w); weight is (outC, inC, kD, kH, kW).
func Conv3D(input, weight, bias *Tensor, strideD, strideH, strideW int) (*Tensor, error) {
	if err := checkConvInput(input, 5); err != nil {
		return nil, err
	}
	batch, inC := input.Shape[0], input.Shape[1]
	d, h, w := input.Shape[2], input.Shape[3], input.Shape[4]
	outC, kD, kH, kW := weight.Shape[0], weight.Shape[2], weight.Shape[3], weight.Shape[4]
	if weight.Shape[1] != inC {
		return nil, fmt.Errorf("weight input channels %d do not match input channels %d", weight.Shape[1], inC)
	}
	outD := (d-kD)/strideD + 1
	outH := (h-kH)/strideH + 1
	outW := (w-kW)/strideW + 1
	if outD <= 0 || outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("kernel (%d, %d, %d) exceeds input (%d, %d, %d)", kD, kH, kW, d, h, w)
	}

	out, err := NewTensor([]int{batch, outC, outD, outH, outW}, Float32, input.Device, nil)
	if err != nil {
		return nil, err
	}

	xd := input.Data.([]float32)
	wd := weight.Data.([]float32)
	od := out.Data.([]float32)
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			for odi := 0; odi < outD; odi++ {
				for oh := 0; oh < outH; oh++ {
					for ow := 0; ow < outW; ow++ {
						var sum float32
						for ic := 0; ic < inC; ic++ {
							for kd := 0; kd < kD; kd++ {
								for kh := 0; kh < kH; kh++ {
									xBase := (((b*inC+ic)*d+odi*strideD+kd)*h+oh*strideH+kh)*w + ow*strideW
									wBase := (((oc*inC+ic)*kD+kd)*kH + kh) * kW
									for kw := 0; kw < kW; kw++ {
										sum += xd[xBase+kw] * wd[wBase+kw]
									}
								}
							}
						}
						od[(((b*outC+oc)*outD+odi)*outH+oh)*outW+ow] = sum
					}
				}
			}
		}
	}
	if bias != nil {
		addChannelBias(out, bias)
	}
	return out, nil
}

// addChannelBias adds a per-channel bias (shape [outC]) in place to an
// output tensor of shape (batch, outC, spatial...).
func addChannelBias(out, bias *Tensor) {
	od := out.Data.([]float32)
	bd := bias.Data.([]float32)
	batch := out.Shape[0]
	outC := out.Shape[1]
	spatial := out.NumElems / (batch * outC)
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			base := (b*outC + oc) * spatial
			bv := bd[oc]
			for i := 0; i < spatial; i++ {
				od[base+i] += bv
			}
		}
	}
}
