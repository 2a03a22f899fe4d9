package tensor

import (
	"fmt"
	"math"
)

// IEEE 754 half precision, stored as uint16. Go has no native float16, so
// conversion is done on the bit level. Subnormal float16 values are flushed
// to zero on conversion in both directions.

// Float32ToFloat16 converts a float32 to half precision with clamping on
// overflow and flush-to-zero on underflow.
func Float32ToFloat16(f float32) uint16 {
	if math.IsNaN(float64(f)) {
		return 0x7E00
	}
	if math.IsInf(float64(f), 1) {
		return 0x7C00
	}
	if math.IsInf(float64(f), -1) {
		return 0xFC00
	}

	bits := math.Float32bits(f)
	sign := bits & 0x80000000
	bits &= 0x7FFFFFFF

	if bits >= 0x47800000 { // >= 65504, beyond half range
		return uint16((sign >> 16) | 0x7C00)
	}
	if bits < 0x38800000 { // < 2^-14, smallest half normal
		return uint16(sign >> 16)
	}

	exp := (bits >> 23) - 127 + 15
	mantissa := bits >> 13
	return uint16((sign >> 16) | (exp << 10) | (mantissa & 0x3FF))
}

// Float16ToFloat32 converts a half-precision value back to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	mantissa := uint32(h & 0x3FF)

	if exp == 0x1F {
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000)
	}
	if exp == 0 {
		return math.Float32frombits(sign) // zero or flushed subnormal
	}

	exp32 := (exp - 15 + 127) << 23
	return math.Float32frombits(sign | exp32 | (mantissa << 13))
}

// ToFloat16 converts a Float32 tensor to half-precision storage.
func (t *Tensor) ToFloat16() (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ToFloat16 requires a Float32 tensor, got %s", t.DType)
	}
	result, err := NewTensor(t.Shape, Float16, t.Device, nil)
	if err != nil {
		return nil, err
	}
	src := t.Data.([]float32)
	dst := result.Data.([]uint16)
	for i, v := range src {
		dst[i] = Float32ToFloat16(v)
	}
	return result, nil
}

// ToFloat32 converts a Float16 tensor back to full precision.
func (t *Tensor) ToFloat32() (*Tensor, error) {
	if t.DType != Float16 {
		return nil, fmt.Errorf("ToFloat32 requires a Float16 tensor, got %s", t.DType)
	}
	result, err := NewTensor(t.Shape, Float32, t.Device, nil)
	if err != nil {
		return nil, err
	}
	src := t.Data.([]uint16)
	dst := result.Data.([]float32)
	for i, v := range src {
		dst[i] = Float16ToFloat32(v)
	}
	return result, nil
}

// RoundTripFloat16 degrades a Float32 tensor to half precision and back.
// Models use this to run forward activations at reduced precision while
// keeping Float32 storage for the autograd graph.
func RoundTripFloat16(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("RoundTripFloat16 requires a Float32 tensor, got %s", t.DType)
	}
	result, err := NewTensor(t.Shape, Float32, t.Device, nil)
	if err != nil {
		return nil, err
	}
	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	for i, v := range src {
		dst[i] = Float16ToFloat32(Float32ToFloat16(v))
	}
	return result, nil
}
