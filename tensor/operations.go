package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("dtype mismatch: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("device mismatch: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

// elementwiseFloat32 applies fn pairwise after broadcasting both operands to
// a common shape.
func elementwiseFloat32(t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("elementwise ops require Float32 tensors, got %s", t1.DType)
	}

	a, b, err := BroadcastTensorsForOperation(t1, t2)
	if err != nil {
		return nil, err
	}

	result, err := NewTensor(a.Shape, a.DType, a.Device, nil)
	if err != nil {
		return nil, err
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	rData := result.Data.([]float32)
	for i := range rData {
		rData[i] = fn(aData[i], bData[i])
	}
	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwiseFloat32(t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwiseFloat32(t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwiseFloat32(t1, t2, func(a, b float32) float32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return elementwiseFloat32(t1, t2, func(a, b float32) float32 { return a / b })
}

// Scale multiplies every element by a scalar, returning a new tensor.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Scale requires a Float32 tensor, got %s", t.DType)
	}
	result, err := NewTensor(t.Shape, t.DType, t.Device, nil)
	if err != nil {
		return nil, err
	}
	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	f := float32(s)
	for i := range src {
		dst[i] = src[i] * f
	}
	return result, nil
}

func Sqrt(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sqrt requires a Float32 tensor, got %s", t.DType)
	}
	result, err := NewTensor(t.Shape, t.DType, t.Device, nil)
	if err != nil {
		return nil, err
	}
	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	for i := range src {
		dst[i] = float32(math.Sqrt(float64(src[i])))
	}
	return result, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ReLU requires a Float32 tensor, got %s", t.DType)
	}
	result, err := NewTensor(t.Shape, t.DType, t.Device, nil)
	if err != nil {
		return nil, err
	}
	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	for i := range src {
		if src[i] > 0 {
			dst[i] = src[i]
		}
	}
	return result, nil
}

// SumAll reduces every element into a shape-[1] tensor.
func SumAll(t *Tensor) (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		var sum float32
		for _, v := range data {
			sum += v
		}
		return NewTensor([]int{1}, Float32, t.Device, []float32{sum})
	case Int32:
		data := t.Data.([]int32)
		var sum int32
		for _, v := range data {
			sum += v
		}
		return NewTensor([]int{1}, Int32, t.Device, []int32{sum})
	default:
		return nil, fmt.Errorf("SumAll not supported for dtype %s", t.DType)
	}
}
