package tensor

import (
	"fmt"
)

// Conv1DOp is the autograd node for the strided 1D convolution.
type Conv1DOp struct {
	inputs  []*Tensor
	padded  *Tensor
	Stride  int
	Padding int
}

func (op *Conv1DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv1DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 && len(inputs) != 3 {
		panic("Conv1DOp requires input and weight, with optional bias")
	}
	op.inputs = inputs
	input, weight := inputs[0], inputs[1]
	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}

	if err := checkConvInput(input, 3); err != nil {
		panic(fmt.Sprintf("Conv1D forward failed: %v", err))
	}
	x := input
	var err error
	if op.Padding > 0 {
		if x, err = PadAxis(x, 2, op.Padding, op.Padding, PadZero); err != nil {
			panic(fmt.Sprintf("Conv1D forward failed: %v", err))
		}
	}
	op.padded = x

	result, err := Conv1D(x, weight, bias, op.Stride, 0)
	if err != nil {
		panic(fmt.Sprintf("Conv1D forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *Conv1DOp) Backward(gradOut *Tensor) []*Tensor {
	input, weight := op.inputs[0], op.inputs[1]
	x := op.padded

	batch, inC, pw := x.Shape[0], x.Shape[1], x.Shape[2]
	outC, k := weight.Shape[0], weight.Shape[2]
	outW := gradOut.Shape[2]

	gradXPad, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		panic(fmt.Sprintf("Conv1D backward allocation failed: %v", err))
	}
	gradW, err := Zeros(weight.Shape, Float32, weight.Device)
	if err != nil {
		panic(fmt.Sprintf("Conv1D backward allocation failed: %v", err))
	}

	xd := x.Data.([]float32)
	wd := weight.Data.([]float32)
	gOut := gradOut.Data.([]float32)
	gX := gradXPad.Data.([]float32)
	gW := gradW.Data.([]float32)

	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			for ow := 0; ow < outW; ow++ {
				g := gOut[(b*outC+oc)*outW+ow]
				if g == 0 {
					continue
				}
				for ic := 0; ic < inC; ic++ {
					xBase := (b*inC+ic)*pw + ow*op.Stride
					wBase := (oc*inC + ic) * k
					for kk := 0; kk < k; kk++ {
						gX[xBase+kk] += wd[wBase+kk] * g
						gW[wBase+kk] += xd[xBase+kk] * g
					}
				}
			}
		}
	}

	gradInput := gradXPad
	if op.Padding > 0 {
		gradInput, err = Zeros(input.Shape, Float32, input.Device)
		if err != nil {
			panic(fmt.Sprintf("Conv1D backward allocation failed: %v", err))
		}
		w := input.Shape[2]
		gIn := gradInput.Data.([]float32)
		for b := 0; b < batch; b++ {
			for ic := 0; ic < inC; ic++ {
				srcBase := (b*inC+ic)*pw + op.Padding
				dstBase := (b*inC + ic) * w
				copy(gIn[dstBase:dstBase+w], gX[srcBase:srcBase+w])
			}
		}
	}

	grads := []*Tensor{gradInput, gradW}
	if len(op.inputs) == 3 {
		grads = append(grads, sumGradPerChannel(gradOut, op.inputs[2]))
	}
	return grads
}

// Conv1DAutograd runs a padded, strided 1D convolution recorded on the
// autograd graph. bias may be nil.
func Conv1DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	op := &Conv1DOp{Stride: stride, Padding: padding}
	if bias != nil {
		return applyOp(op, input, weight, bias)
	}
	return applyOp(op, input, weight)
}

// Conv3DOp is the autograd node for the strided 3D convolution. No implicit
// padding is applied.
type Conv3DOp struct {
	inputs  []*Tensor
	StrideD int
	StrideH int
	StrideW int
}

func (op *Conv3DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv3DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 && len(inputs) != 3 {
		panic("Conv3DOp requires input and weight, with optional bias")
	}
	op.inputs = inputs
	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}
	result, err := Conv3D(inputs[0], inputs[1], bias, op.StrideD, op.StrideH, op.StrideW)
	if err != nil {
		panic(fmt.Sprintf("Conv3D forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *Conv3DOp) Backward(gradOut *Tensor) []*Tensor {
	input, weight := op.inputs[0], op.inputs[1]
	batch, inC := input.Shape[0], input.Shape[1]
	d, h, w := input.Shape[2], input.Shape[3], input.Shape[4]
	outC, kD, kH, kW := weight.Shape[0], weight.Shape[2], weight.Shape[3], weight.Shape[4]
	outD, outH, outW := gradOut.Shape[2], gradOut.Shape[3], gradOut.Shape[4]

	gradX, err := Zeros(input.Shape, Float32, input.Device)
	if err != nil {
		panic(fmt.Sprintf("Conv3D backward allocation failed: %v", err))
	}
	gradW, err := Zeros(weight.Shape, Float32, weight.Device)
	if err != nil {
		panic(fmt.Sprintf("Conv3D backward allocation failed: %v", err))
	}

	xd := input.Data.([]float32)
	wd := weight.Data.([]float32)
	gOut := gradOut.Data.([]float32)
	gX := gradX.Data.([]float32)
	gW := gradW.Data.([]float32)

	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			for odi := 0; odi < outD; odi++ {
				for oh := 0; oh < outH; oh++ {
					for ow := 0; ow < outW; ow++ {
						g := gOut[(((b*outC+oc)*outD+odi)*outH+oh)*outW+ow]
						if g == 0 {
							continue
						}
						for ic := 0; ic < inC; ic++ {
							for kd := 0; kd < kD; kd++ {
								for kh := 0; kh < kH; kh++ {
									xBase := (((b*inC+ic)*d+odi*op.StrideD+kd)*h+oh*op.StrideH+kh)*w + ow*op.StrideW
									wBase := (((oc*inC+ic)*kD+kd)*kH + kh) * kW
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
		}
	}

	grads := []*Tensor{gradX, gradW}
	if len(op.inputs) == 3 {
		grads = append(grads, sumGradPerChannel(gradOut, op.inputs[2]))
	}
	return grads
}

// Conv3DAutograd runs a strided 3D convolution recorded on the autograd
// graph. bias may be nil.
func Conv3DAutograd(input, weight, bias *Tensor, strideD, strideH, strideW int) (*Tensor, error) {
	op := &Conv3DOp{StrideD: strideD, StrideH: strideH, StrideW: strideW}
	if bias != nil {
		return applyOp(op, input, weight, bias)
	}
	return applyOp(op, input, weight)
}

// sumGradPerChannel reduces an output gradient of shape (batch, outC,
// spatial...) to the per-channel bias gradient.
func sumGradPerChannel(gradOut, bias *Tensor) *Tensor {
	gradB, err := Zeros(bias.Shape, Float32, bias.Device)
	if err != nil {
		panic(fmt.Sprintf("bias gradient allocation failed: %v", err))
	}
	gOut := gradOut.Data.([]float32)
	gB := gradB.Data.([]float32)
	batch := gradOut.Shape[0]
	outC := gradOut.Shape[1]
	spatial := gradOut.NumElems / (batch * outC)
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			base := (b*outC + oc) * spatial
			var sum float32
			for i := 0; i < spatial; i++ {
				sum += gOut[base+i]
			}
			gB[oc] += sum
		}
	}
	return gradB
}
