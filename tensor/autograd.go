package tensor

import (
	"fmt"
)

// applyOp runs an operation's forward pass, converting internal panics into
// errors at the API boundary.
func applyOp(op Operation, inputs ...*Tensor) (result *Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return op.Forward(inputs...), nil
}

func anyRequiresGrad(tensors []*Tensor) bool {
	for _, t := range tensors {
		if t.requiresGrad {
			return true
		}
	}
	return false
}

// reduceGradientToShape sums a broadcast gradient back down to the original
// operand shape: leading broadcast axes are summed away, size-1 axes are
// summed in place.
func reduceGradientToShape(grad *Tensor, shape []int) *Tensor {
	if shapesEqual(grad.Shape, shape) {
		return grad
	}

	result, err := Zeros(shape, Float32, grad.Device)
	if err != nil {
		panic(fmt.Sprintf("gradient reduction allocation failed: %v", err))
	}

	gData := grad.Data.([]float32)
	rData := result.Data.([]float32)
	offset := len(grad.Shape) - len(shape)

	coords := make([]int, len(grad.Shape))
	for i := 0; i < grad.NumElems; i++ {
		dstIdx := 0
		for d := range shape {
			c := coords[offset+d]
			if shape[d] == 1 {
				c = 0
			}
			dstIdx += c * result.Strides[d]
		}
		rData[dstIdx] += gData[i]

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < grad.Shape[d] {
				break
			}
			coords[d] = 0
		}
	}
	return result
}

// AddOp is the autograd node for elementwise addition with broadcasting.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}
	op.inputs = inputs
	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Add forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{
		reduceGradientToShape(gradOut, op.inputs[0].Shape),
		reduceGradientToShape(gradOut, op.inputs[1].Shape),
	}
}

// SubOp is the autograd node for elementwise subtraction with broadcasting.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}
	op.inputs = inputs
	result, err := Sub(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Sub forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradB, err := Scale(gradOut, -1)
	if err != nil {
		panic(fmt.Sprintf("Sub backward failed: %v", err))
	}
	return []*Tensor{
		reduceGradientToShape(gradOut, op.inputs[0].Shape),
		reduceGradientToShape(gradB, op.inputs[1].Shape),
	}
}

// MulOp is the autograd node for elementwise multiplication with broadcasting.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}
	op.inputs = inputs
	result, err := Mul(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Mul forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := Mul(gradOut, op.inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Mul backward failed: %v", err))
	}
	gradB, err := Mul(gradOut, op.inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Mul backward failed: %v", err))
	}
	return []*Tensor{
		reduceGradientToShape(gradA, op.inputs[0].Shape),
		reduceGradientToShape(gradB, op.inputs[1].Shape),
	}
}

// ScaleOp is the autograd node for multiplication by a constant scalar.
type ScaleOp struct {
	inputs []*Tensor
	Factor float64
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ScaleOp requires exactly 1 input")
	}
	op.inputs = inputs
	result, err := Scale(inputs[0], op.Factor)
	if err != nil {
		panic(fmt.Sprintf("Scale forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Scale(gradOut, op.Factor)
	if err != nil {
		panic(fmt.Sprintf("Scale backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// ReLUOp is the autograd node for the rectified linear unit.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}
	op.inputs = inputs
	result, err := ReLU(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("ReLU forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	grad, err := NewTensor(in.Shape, Float32, in.Device, nil)
	if err != nil {
		panic(fmt.Sprintf("ReLU backward allocation failed: %v", err))
	}
	inData := in.Data.([]float32)
	gOut := gradOut.Data.([]float32)
	gIn := grad.Data.([]float32)
	for i := range inData {
		if inData[i] > 0 {
			gIn[i] = gOut[i]
		}
	}
	return []*Tensor{grad}
}

// MatMulOp is the autograd node for the 2D matrix product.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}
	op.inputs = inputs
	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("MatMul forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = anyRequiresGrad(inputs)
	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	bT, err := Transpose(b, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("MatMul backward failed: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("MatMul backward failed: %v", err))
	}
	aT, err := Transpose(a, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("MatMul backward failed: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("MatMul backward failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// SumAllOp is the autograd node for full reduction to a single element.
type SumAllOp struct {
	inputs []*Tensor
}

func (op *SumAllOp) Inputs() []*Tensor { return op.inputs }

func (op *SumAllOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SumAllOp requires exactly 1 input")
	}
	op.inputs = inputs
	result, err := SumAll(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("SumAll forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

func (op *SumAllOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	g := gradOut.Data.([]float32)[0]
	grad, err := Full(in.Shape, float64(g), Float32, in.Device)
	if err != nil {
		panic(fmt.Sprintf("SumAll backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// MeanAllOp is the autograd node for the mean over all elements.
type MeanAllOp struct {
	inputs []*Tensor
}

func (op *MeanAllOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanAllOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MeanAllOp requires exactly 1 input")
	}
	op.inputs = inputs
	in := inputs[0]
	sum, err := SumAll(in)
	if err != nil {
		panic(fmt.Sprintf("MeanAll forward failed: %v", err))
	}
	result, err := Scale(sum, 1/float64(in.NumElems))
	if err != nil {
		panic(fmt.Sprintf("MeanAll forward failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = in.requiresGrad
	return result
}

func (op *MeanAllOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	g := float64(gradOut.Data.([]float32)[0]) / float64(in.NumElems)
	grad, err := Full(in.Shape, g, Float32, in.Device)
	if err != nil {
		panic(fmt.Sprintf("MeanAll backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// AddAutograd adds two tensors and records the operation on the graph.
func AddAutograd(t1, t2 *Tensor) (*Tensor, error) {
	return applyOp(&AddOp{}, t1, t2)
}

// SubAutograd subtracts t2 from t1 and records the operation on the graph.
func SubAutograd(t1, t2 *Tensor) (*Tensor, error) {
	return applyOp(&SubOp{}, t1, t2)
}

// MulAutograd multiplies two tensors elementwise and records the operation
// on the graph.
func MulAutograd(t1, t2 *Tensor) (*Tensor, error) {
	return applyOp(&MulOp{}, t1, t2)
}

// ScaleAutograd multiplies a tensor by a constant and records the operation
// on the graph.
func ScaleAutograd(t *Tensor, factor float64) (*Tensor, error) {
	return applyOp(&ScaleOp{Factor: factor}, t)
}

// ReLUAutograd applies the rectifier and records the operation on the graph.
func ReLUAutograd(t *Tensor) (*Tensor, error) {
	return applyOp(&ReLUOp{}, t)
}

// MatMulAutograd multiplies two matrices and records the operation on the
// graph.
func MatMulAutograd(t1, t2 *Tensor) (*Tensor, error) {
	return applyOp(&MatMulOp{}, t1, t2)
}

// SumAllAutograd reduces a tensor to its scalar sum and records the
// operation on the graph.
func SumAllAutograd(t *Tensor) (*Tensor, error) {
	return applyOp(&SumAllOp{}, t)
}

// MeanAllAutograd reduces a tensor to its scalar mean and records the
// operation on the graph.
func MeanAllAutograd(t *Tensor) (*Tensor, error) {
	return applyOp(&MeanAllOp{}, t)
}

// topoSort returns the reachable graph in dependency order, leaves first.
func topoSort(t *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, node)
	}
	visit(t)
	return order
}

func accumulateGrad(dst **Tensor, src *Tensor) error {
	if *dst == nil {
		*dst = src
		return nil
	}
	if !shapesEqual((*dst).Shape, src.Shape) {
		return fmt.Errorf("gradient shape mismatch: %v vs %v", (*dst).Shape, src.Shape)
	}
	a := (*dst).Data.([]float32)
	b := src.Data.([]float32)
	for i := range a {
		a[i] += b[i]
	}
	return nil
}

// Backward runs reverse-mode differentiation from this tensor, accumulating
// gradients into every reachable tensor that requires them. The traversal is
// seeded with a gradient of ones.
func (t *Tensor) Backward() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backward pass failed: %v", r)
		}
	}()

	if t.DType != Float32 {
		return fmt.Errorf("Backward requires a Float32 tensor, got %s", t.DType)
	}

	seed, err := Ones(t.Shape, Float32, t.Device)
	if err != nil {
		return err
	}
	if err := accumulateGrad(&t.grad, seed); err != nil {
		return err
	}

	order := topoSort(t)
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}
		grads := node.creator.Backward(node.grad)
		ins := node.creator.Inputs()
		if len(grads) != len(ins) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(grads), len(ins))
		}
		for j, in := range ins {
			if grads[j] == nil {
				continue
			}
			if !in.requiresGrad && in.creator == nil {
				continue
			}
			if err := accumulateGrad(&in.grad, grads[j]); err != nil {
				return err
			}
		}
	}
	return nil
}
