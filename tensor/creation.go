package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NewTensor creates a tensor from the given shape and data. Passing nil data
// allocates a zero-filled backing slice of the right size.
func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}

	if data == nil {
		switch dtype {
		case Float32:
			t.Data = make([]float32, t.NumElems)
		case Float16:
			t.Data = make([]uint16, t.NumElems)
		case Int32:
			t.Data = make([]int32, t.NumElems)
		default:
			return nil, fmt.Errorf("unsupported dtype: %v", dtype)
		}
		return t, nil
	}

	if err := t.setData(data); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch d := data.(type) {
	case []float32:
		if t.DType != Float32 {
			return fmt.Errorf("data type []float32 does not match tensor dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	case []uint16:
		if t.DType != Float16 {
			return fmt.Errorf("data type []uint16 does not match tensor dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	case []int32:
		if t.DType != Int32 {
			return fmt.Errorf("data type []int32 does not match tensor dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	default:
		return fmt.Errorf("unsupported data type %T", data)
	}
	return nil
}

// SetData replaces the tensor's backing data in place.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, dtype, device, nil)
}

// Ones creates a tensor filled with ones.
func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, dtype, device, nil)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = 1
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = 1
		}
	default:
		return nil, fmt.Errorf("Ones not supported for dtype %s", dtype)
	}
	return t, nil
}

// Full creates a tensor filled with the given value.
func Full(shape []int, value float64, dtype DType, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, dtype, device, nil)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = float32(value)
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = int32(value)
		}
	default:
		return nil, fmt.Errorf("Full not supported for dtype %s", dtype)
	}
	return t, nil
}

// FromScalar wraps a single value in a shape-[1] tensor.
func FromScalar(value float64, dtype DType, device DeviceType) *Tensor {
	t, err := Full([]int{1}, value, dtype, device)
	if err != nil {
		panic(fmt.Sprintf("FromScalar failed: %v", err))
	}
	return t
}

// RandUniform creates a tensor with entries drawn uniformly from [lo, hi).
func RandUniform(shape []int, lo, hi float64, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, Float32, device, nil)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = float32(lo + rng.Float64()*(hi-lo))
	}
	return t, nil
}

// XavierUniform initializes a tensor with the Glorot/Xavier uniform scheme:
// U(-b, b) with b = sqrt(6 / (fanIn + fanOut)).
func XavierUniform(shape []int, fanIn, fanOut int, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	if fanIn <= 0 || fanOut <= 0 {
		return nil, fmt.Errorf("fan counts must be positive, got fanIn=%d fanOut=%d", fanIn, fanOut)
	}
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return RandUniform(shape, -bound, bound, rng, device)
}

// KaimingUniform initializes a tensor with the fan-in-aware uniform scheme
// used for strided downsampling convolutions (negative-slope a = sqrt(5),
// which reduces to U(-b, b) with b = 1/sqrt(fanIn)).
func KaimingUniform(shape []int, fanIn int, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	if fanIn <= 0 {
		return nil, fmt.Errorf("fanIn must be positive, got %d", fanIn)
	}
	bound := 1.0 / math.Sqrt(float64(fanIn))
	return RandUniform(shape, -bound, bound, rng, device)
}
