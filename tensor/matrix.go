package tensor

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// matmulBlock is the cache-blocking tile size for MatMul. Wider vector units
// keep more of the tile in flight, so larger tiles pay off there.
var matmulBlock = 64

func init() {
	if cpuid.CPU.Supports(cpuid.AVX512F) {
		matmulBlock = 128
	} else if cpuid.CPU.Supports(cpuid.AVX2) {
		matmulBlock = 96
	}
}

// MatMul computes the matrix product of two 2D Float32 tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("MatMul requires Float32 tensors, got %s", t1.DType)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("inner dimensions do not match: %v x %v", t1.Shape, t2.Shape)
	}

	m, k, n := t1.Shape[0], t1.Shape[1], t2.Shape[1]
	result, err := NewTensor([]int{m, n}, Float32, t1.Device, nil)
	if err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	c := result.Data.([]float32)

	bs := matmulBlock
	for i0 := 0; i0 < m; i0 += bs {
		iMax := min(i0+bs, m)
		for k0 := 0; k0 < k; k0 += bs {
			kMax := min(k0+bs, k)
			for i := i0; i < iMax; i++ {
				for kk := k0; kk < kMax; kk++ {
					aik := a[i*k+kk]
					if aik == 0 {
						continue
					}
					bRow := b[kk*n : kk*n+n]
					cRow := c[i*n : i*n+n]
					for j := range bRow {
						cRow[j] += aik * bRow[j]
					}
				}
			}
		}
	}
	return result, nil
}

// Transpose swaps two dimensions of a tensor.
func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) || dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("transpose dimensions (%d, %d) out of range for shape %v", dim0, dim1, t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("Transpose requires a Float32 tensor, got %s", t.DType)
	}

	newShape := append([]int(nil), t.Shape...)
	newShape[dim0], newShape[dim1] = newShape[dim1], newShape[dim0]

	result, err := NewTensor(newShape, t.DType, t.Device, nil)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	coords := make([]int, len(t.Shape))
	for srcIdx := 0; srcIdx < t.NumElems; srcIdx++ {
		dstCoords := append([]int(nil), coords...)
		dstCoords[dim0], dstCoords[dim1] = dstCoords[dim1], dstCoords[dim0]
		dstIdx := 0
		for d, c := range dstCoords {
			dstIdx += c * result.Strides[d]
		}
		dst[dstIdx] = src[srcIdx]

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < t.Shape[d] {
				break
			}
			coords[d] = 0
		}
	}
	return result, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
