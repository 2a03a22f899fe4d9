package tensor

import (
	"fmt"
)

// Conv2DOp is the autograd node for the shared-weight 2D convolution. The
// zero-padded input is retained for the backward pass.
type Conv2DOp struct {
	inputs  []*Tensor
	padded  *Tensor
	StrideH int
	StrideW int
	PadH    int
	PadW    int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 && len(inputs) != 3 {
		panic("Conv2DOp requires input and weight, with optional bias")
	}
	op.inputs = inputs
	input, weight := inputs[0], inputs[1]
	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}

	if err := checkConvInput(input, 4); err != nil {
		panic(fmt.Sprintf("Conv2D forward failed: %v", err))
	}
	x := input
	var err error
	if op.PadH > 0 {
		if x, err = PadAxis(x, 2, op.PadH, op.PadH, PadZero); err != nil {
			panic(fmt.Sprintf("Conv2D forward failed: %v", err))
		}
	}
	if op.PadW > 0 {
		if x, err = PadAxis(x, 3, op.PadW, op.PadW, PadZero); err != nil {
			panic(fmt.Sprintf("Conv2D forward failed: %v", err))
		}
	}
	op.padded = x

	result, err := conv2DForward(x, weight, bias, op.StrideH, op.StrideW)
	if err != nil {
		panic(fmt.Sprintf("Conv2D forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	input, weight := op.inputs[0], op.inputs[1]
	x := op.padded

	batch, inC := x.Shape[0], x.Shape[1]
	ph, pw := x.Shape[2], x.Shape[3]
	outC, kH, kW := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	outH, outW := gradOut.Shape[2], gradOut.Shape[3]

	gradXPad, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		panic(fmt.Sprintf("Conv2D backward allocation failed: %v", err))
	}
	gradW, err := Zeros(weight.Shape, Float32, weight.Device)
	if err != nil {
		panic(fmt.Sprintf("Conv2D backward allocation failed: %v", err))
	}

	xd := x.Data.([]float32)
	wd := weight.Data.([]float32)
	gOut := gradOut.Data.([]float32)
	gX := gradXPad.Data.([]float32)
	gW := gradW.Data.([]float32)

	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gOut[((b*outC+oc)*outH+oh)*outW+ow]
					if g == 0 {
						continue
					}
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kH; kh++ {
							xBase := ((b*inC+ic)*ph+oh*op.StrideH+kh)*pw + ow*op.StrideW
							wBase := ((oc*inC+ic)*kH + kh) * kW
							for kw := 0; kw < kW; kw++ {
								gX[xBase+kw] += wd[wBase+kw] * g
								gW[wBase+kw] += xd[xBase+kw] * g
							}
						}
					}
				}
			}
		}
	}

	gradInput := gradXPad
	if op.PadH > 0 || op.PadW > 0 {
		gradInput, err = Zeros(input.Shape, Float32, input.Device)
		if err != nil {
			panic(fmt.Sprintf("Conv2D backward allocation failed: %v", err))
		}
		h, w := input.Shape[2], input.Shape[3]
		gIn := gradInput.Data.([]float32)
		for b := 0; b < batch; b++ {
			for ic := 0; ic < inC; ic++ {
				for i := 0; i < h; i++ {
					srcBase := ((b*inC+ic)*ph+i+op.PadH)*pw + op.PadW
					dstBase := ((b*inC+ic)*h + i) * w
					copy(gIn[dstBase:dstBase+w], gX[srcBase:srcBase+w])
				}
			}
		}
	}

	grads := []*Tensor{gradInput, gradW}
	if len(op.inputs) == 3 {
		grads = append(grads, sumGradPerChannel(gradOut, op.inputs[2]))
	}
	return grads
}

// Conv2DAutograd runs a padded, strided 2D convolution that is recorded on
// the autograd graph. bias may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, strideH, strideW, padH, padW int) (*Tensor, error) {
	op := &Conv2DOp{StrideH: strideH, StrideW: strideW, PadH: padH, PadW: padW}
	if bias != nil {
		return applyOp(op, input, weight, bias)
	}
	return applyOp(op, input, weight)
}

// ConvLocal2D computes an unshared 2D convolution where every output
// position has its own kernel. input is (batch, inC, h, w); weight is
// (outH, outW, outC, inC, kH, kW). No implicit padding is applied.
func ConvLocal2D(input, weight, bias *Tensor, strideH, strideW int) (*Tensor, error) {
	if err := checkConvInput(input, 4); err != nil {
		return nil, err
	}
	if len(weight.Shape) != 6 {
		return nil, fmt.Errorf("local convolution weight must have rank 6 (outH, outW, outC, inC, kH, kW), got shape %v", weight.Shape)
	}

	batch, inC, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH, outW := weight.Shape[0], weight.Shape[1]
	outC, kH, kW := weight.Shape[2], weight.Shape[4], weight.Shape[5]
	if weight.Shape[3] != inC {
		return nil, fmt.Errorf("weight input channels %d do not match input channels %d", weight.Shape[3], inC)
	}
	wantH := (h-kH)/strideH + 1
	wantW := (w-kW)/strideW + 1
	if wantH != outH || wantW != outW {
		return nil, fmt.Errorf("weight spatial grid (%d, %d) does not match input-derived output (%d, %d)", outH, outW, wantH, wantW)
	}

	out, err := NewTensor([]int{batch, outC, outH, outW}, Float32, input.Device, nil)
	if err != nil {
		return nil, err
	}

	xd := input.Data.([]float32)
	wd := weight.Data.([]float32)
	od := out.Data.([]float32)
	for b := 0; b < batch; b++ {
		for i := 0; i < outH; i++ {
			for j := 0; j < outW; j++ {
				for oc := 0; oc < outC; oc++ {
					var sum float32
					for ic := 0; ic < inC; ic++ {
						wBase := ((((i*outW+j)*outC+oc)*inC + ic) * kH) * kW
						for kh := 0; kh < kH; kh++ {
							xBase := ((b*inC+ic)*h+i*strideH+kh)*w + j*strideW
							for kw := 0; kw < kW; kw++ {
								sum += xd[xBase+kw] * wd[wBase+kh*kW+kw]
							}
						}
					}
					od[((b*outC+oc)*outH+i)*outW+j] = sum
				}
			}
		}
	}
	if bias != nil {
		addChannelBias(out, bias)
	}
	return out, nil
}

// ConvLocal2DOp is the autograd node for the unshared local convolution.
type ConvLocal2DOp struct {
	inputs  []*Tensor
	StrideH int
	StrideW int
}

func (op *ConvLocal2DOp) Inputs() []*Tensor { return op.inputs }

func (op *ConvLocal2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 && len(inputs) != 3 {
		panic("ConvLocal2DOp requires input and weight, with optional bias")
	}
	op.inputs = inputs
	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}
	result, err := ConvLocal2D(inputs[0], inputs[1], bias, op.StrideH, op.StrideW)
	if err != nil {
		panic(fmt.Sprintf("ConvLocal2D forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *ConvLocal2DOp) Backward(gradOut *Tensor) []*Tensor {
	input, weight := op.inputs[0], op.inputs[1]
	batch, inC, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH, outW := weight.Shape[0], weight.Shape[1]
	outC, kH, kW := weight.Shape[2], weight.Shape[4], weight.Shape[5]

	gradX, err := Zeros(input.Shape, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("ConvLocal2D backward allocation failed: %v", err))
	}
	gradW, err := Zeros(weight.Shape, Float32, weight.Device)
	if err != nil {
		panic(fmt.Sprintf("ConvLocal2D backward allocation failed: %v", err))
	}

	xd := input.Data.([]float32)
	wd := weight.Data.([]float32)
	gOut := gradOut.Data.([]float32)
	gX := gradX.Data.([]float32)
	gW := gradW.Data.([]float32)

	for b := 0; b < batch; b++ {
		for i := 0; i < outH; i++ {
			for j := 0; j < outW; j++ {
				for oc := 0; oc < outC; oc++ {
					g := gOut[((b*outC+oc)*outH+i)*outW+j]
					if g == 0 {
						continue
					}
					for ic := 0; ic < inC; ic++ {
						wBase := ((((i*outW+j)*outC+oc)*inC + ic) * kH) * kW
						for kh := 0; kh < kH; kh++ {
							xBase := ((b*inC+ic)*h+i*op.StrideH+kh)*w + j*op.StrideW
							for kw := 0; kw < kW; kw++ {
								gX[xBase+kw] += wd[wBase+kh*kW+kw] * g
								gW[wBase+kh*kW+kw] += xd[xBase+kw] * g
							}
						}
					}
				}
			}
		}
	}

	grads := []*Tensor{gradX, gradW}
	if len(op.inputs) == 3 {
		grads = append(grads, sumGradPerChannel(gradOut, op.inputs[2]))
	}
	return grads
}

// ConvLocal2DAutograd runs the unshared local convolution recorded on the
// autograd graph. bias may be nil.
func ConvLocal2DAutograd(input, weight, bias *Tensor, strideH, strideW int) (*Tensor, error) {
	op := &ConvLocal2DOp{StrideH: strideH, StrideW: strideW}
	if bias != nil {
		return applyOp(op, input, weight, bias)
	}
	return applyOp(op, input, weight)
}
