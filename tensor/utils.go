package tensor

import (
	"fmt"
	"math"
)

// Clone makes a deep copy of the tensor data. The clone does not carry
// autograd history.
func (t *Tensor) Clone() (*Tensor, error) {
	result, err := NewTensor(t.Shape, t.DType, t.Device, nil)
	if err != nil {
		return nil, err
	}
	switch t.DType {
	case Float32:
		copy(result.Data.([]float32), t.Data.([]float32))
	case Float16:
		copy(result.Data.([]uint16), t.Data.([]uint16))
	case Int32:
		copy(result.Data.([]int32), t.Data.([]int32))
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}
	result.requiresGrad = t.requiresGrad
	return result, nil
}

// GetFloat32Data returns the underlying float32 slice.
func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

// Item extracts the single value of a one-element Float32 tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}
	switch t.DType {
	case Float32:
		return float64(t.Data.([]float32)[0]), nil
	case Int32:
		return float64(t.Data.([]int32)[0]), nil
	default:
		return 0, fmt.Errorf("Item not supported for dtype %s", t.DType)
	}
}

// At reads the element at the given multi-dimensional indices.
func (t *Tensor) At(indices ...int) (float64, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for d, i := range indices {
		if i < 0 || i >= t.Shape[d] {
			return 0, fmt.Errorf("index %d out of range for dimension %d (size %d)", i, d, t.Shape[d])
		}
		idx += i * t.Strides[d]
	}
	switch t.DType {
	case Float32:
		return float64(t.Data.([]float32)[idx]), nil
	case Int32:
		return float64(t.Data.([]int32)[idx]), nil
	default:
		return 0, fmt.Errorf("At not supported for dtype %s", t.DType)
	}
}

// SetAt writes the element at the given multi-dimensional indices.
func (t *Tensor) SetAt(value float64, indices ...int) error {
	if len(indices) != len(t.Shape) {
		return fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for d, i := range indices {
		if i < 0 || i >= t.Shape[d] {
			return fmt.Errorf("index %d out of range for dimension %d (size %d)", i, d, t.Shape[d])
		}
		idx += i * t.Strides[d]
	}
	switch t.DType {
	case Float32:
		t.Data.([]float32)[idx] = float32(value)
	case Int32:
		t.Data.([]int32)[idx] = int32(value)
	default:
		return fmt.Errorf("SetAt not supported for dtype %s", t.DType)
	}
	return nil
}

// Equal reports whether two tensors have identical shape, dtype and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	switch t.DType {
	case Float32:
		a := t.Data.([]float32)
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case Int32:
		a := t.Data.([]int32)
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case Float16:
		a := t.Data.([]uint16)
		b := other.Data.([]uint16)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// HasNonFinite reports whether a Float32 tensor contains NaN or Inf values.
func (t *Tensor) HasNonFinite() bool {
	if t.DType != Float32 {
		return false
	}
	for _, v := range t.Data.([]float32) {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// SliceBatch copies rows [start, end) along axis 0 into a new tensor.
func SliceBatch(t *Tensor, start, end int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot slice a zero-rank tensor")
	}
	if start < 0 || end > t.Shape[0] || start >= end {
		return nil, fmt.Errorf("slice [%d, %d) out of range for axis size %d", start, end, t.Shape[0])
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("SliceBatch requires a Float32 tensor, got %s", t.DType)
	}

	newShape := append([]int(nil), t.Shape...)
	newShape[0] = end - start
	result, err := NewTensor(newShape, Float32, t.Device, nil)
	if err != nil {
		return nil, err
	}
	rowSize := t.NumElems / t.Shape[0]
	src := t.Data.([]float32)
	copy(result.Data.([]float32), src[start*rowSize:end*rowSize])
	return result, nil
}

// ZeroGrad clears the gradients of all the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

// AccumulateGrad adds g into the tensor's gradient, allocating a private
// copy when no gradient exists yet.
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if !shapesEqual(t.Shape, g.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, t.Shape)
	}
	if t.grad == nil {
		c, err := g.Clone()
		if err != nil {
			return err
		}
		c.SetRequiresGrad(false)
		t.grad = c
		return nil
	}
	dst := t.grad.Data.([]float32)
	src := g.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}
