package tensor

import (
	"fmt"
)

// PadMode selects how out-of-range source positions are filled when padding.
type PadMode int

const (
	// PadZero fills padded positions with zeros.
	PadZero PadMode = iota
	// PadCircular wraps around the padded axis (periodic domain).
	PadCircular
	// PadReplicate repeats the edge value (bounded domain).
	PadReplicate
)

func (m PadMode) String() string {
	switch m {
	case PadZero:
		return "zero"
	case PadCircular:
		return "circular"
	case PadReplicate:
		return "replicate"
	default:
		return "unknown"
	}
}

// padSourceIndex maps an output position along the padded axis back to a
// source position. ok is false when the position reads as zero fill.
func padSourceIndex(j, before, n int, mode PadMode) (int, bool) {
	src := j - before
	if src >= 0 && src < n {
		return src, true
	}
	switch mode {
	case PadZero:
		return 0, false
	case PadCircular:
		return ((src % n) + n) % n, true
	case PadReplicate:
		if src < 0 {
			return 0, true
		}
		return n - 1, true
	default:
		return 0, false
	}
}

// PadAxis pads a single axis of a Float32 tensor with the given mode. The
// amount of circular padding may not exceed the axis length.
func PadAxis(t *Tensor, axis, before, after int, mode PadMode) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("PadAxis requires a Float32 tensor, got %s", t.DType)
	}
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("pad axis %d out of range for shape %v", axis, t.Shape)
	}
	if before < 0 || after < 0 {
		return nil, fmt.Errorf("pad widths must be non-negative, got (%d, %d)", before, after)
	}
	n := t.Shape[axis]
	if mode == PadCircular && (before > n || after > n) {
		return nil, fmt.Errorf("circular pad widths (%d, %d) exceed axis length %d", before, after, n)
	}

	newShape := append([]int(nil), t.Shape...)
	newShape[axis] = n + before + after
	result, err := NewTensor(newShape, Float32, t.Device, nil)
	if err != nil {
		return nil, err
	}

	outer := 1
	for _, d := range t.Shape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range t.Shape[axis+1:] {
		inner *= d
	}

	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	outN := newShape[axis]
	for o := 0; o < outer; o++ {
		srcBase := o * n * inner
		dstBase := o * outN * inner
		for j := 0; j < outN; j++ {
			si, ok := padSourceIndex(j, before, n, mode)
			if !ok {
				continue // zero fill
			}
			copy(dst[dstBase+j*inner:dstBase+(j+1)*inner], src[srcBase+si*inner:srcBase+(si+1)*inner])
		}
	}
	return result, nil
}

// PadAxisOp is the autograd node for PadAxis. The backward pass accumulates
// gradients from every output position back onto the source position it was
// read from, so circular and replicate padding sum their edge contributions.
type PadAxisOp struct {
	inputs []*Tensor
	axis   int
	before int
	after  int
	mode   PadMode
}

func (op *PadAxisOp) Inputs() []*Tensor { return op.inputs }

func (op *PadAxisOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("PadAxisOp requires exactly 1 input")
	}
	op.inputs = inputs
	result, err := PadAxis(inputs[0], op.axis, op.before, op.after, op.mode)
	if err != nil {
		panic(fmt.Sprintf("PadAxis forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *PadAxisOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	grad, err := Zeros(in.Shape, Float32, in.Device)
	if err != nil {
		panic(fmt.Sprintf("PadAxisOp backward allocation failed: %v", err))
	}

	n := in.Shape[op.axis]
	outer := 1
	for _, d := range in.Shape[:op.axis] {
		outer *= d
	}
	inner := 1
	for _, d := range in.Shape[op.axis+1:] {
		inner *= d
	}
	outN := n + op.before + op.after

	gOut := gradOut.Data.([]float32)
	gIn := grad.Data.([]float32)
	for o := 0; o < outer; o++ {
		outBase := o * outN * inner
		inBase := o * n * inner
		for j := 0; j < outN; j++ {
			si, ok := padSourceIndex(j, op.before, n, op.mode)
			if !ok {
				continue
			}
			dstRow := gIn[inBase+si*inner : inBase+(si+1)*inner]
			srcRow := gOut[outBase+j*inner : outBase+(j+1)*inner]
			for i := range dstRow {
				dstRow[i] += srcRow[i]
			}
		}
	}
	return []*Tensor{grad}
}

// PadAxisAutograd pads one axis while keeping the result differentiable.
func PadAxisAutograd(t *Tensor, axis, before, after int, mode PadMode) (result *Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	op := &PadAxisOp{axis: axis, before: before, after: after, mode: mode}
	return op.Forward(t), nil
}
