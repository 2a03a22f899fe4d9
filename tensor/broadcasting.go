package tensor

import (
	"fmt"
)

// BroadcastShapes computes the broadcast result shape of two shapes following
// trailing-axis alignment rules.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxLen := len(shape1)
	if len(shape2) > maxLen {
		maxLen = len(shape2)
	}

	result := make([]int, maxLen)
	for i := 0; i < maxLen; i++ {
		d1, d2 := 1, 1
		if i < len(shape1) {
			d1 = shape1[len(shape1)-1-i]
		}
		if i < len(shape2) {
			d2 = shape2[len(shape2)-1-i]
		}

		switch {
		case d1 == d2:
			result[maxLen-1-i] = d1
		case d1 == 1:
			result[maxLen-1-i] = d2
		case d2 == 1:
			result[maxLen-1-i] = d1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", shape1, shape2)
		}
	}
	return result, nil
}

// BroadcastTensor materializes t expanded to targetShape.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t, nil
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("broadcasting not supported for dtype %s", t.DType)
	}

	// Left-pad the source shape with 1s to the target rank.
	srcShape := make([]int, len(targetShape))
	for i := range srcShape {
		srcShape[i] = 1
	}
	copy(srcShape[len(targetShape)-len(t.Shape):], t.Shape)

	for i := range targetShape {
		if srcShape[i] != targetShape[i] && srcShape[i] != 1 {
			return nil, fmt.Errorf("cannot broadcast shape %v to %v", t.Shape, targetShape)
		}
	}

	result, err := NewTensor(targetShape, t.DType, t.Device, nil)
	if err != nil {
		return nil, err
	}

	srcStrides := calculateStrides(srcShape)
	srcData := t.Data.([]float32)
	dstData := result.Data.([]float32)

	coords := make([]int, len(targetShape))
	for dstIdx := 0; dstIdx < result.NumElems; dstIdx++ {
		srcIdx := 0
		for d := range coords {
			c := coords[d]
			if srcShape[d] == 1 {
				c = 0
			}
			srcIdx += c * srcStrides[d]
		}
		dstData[dstIdx] = srcData[srcIdx]

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < targetShape[d] {
				break
			}
			coords[d] = 0
		}
	}
	return result, nil
}

// BroadcastTensorsForOperation expands both tensors to their common
// broadcast shape.
func BroadcastTensorsForOperation(a, b *Tensor) (*Tensor, *Tensor, error) {
	if shapesEqual(a.Shape, b.Shape) {
		return a, b, nil
	}
	target, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, nil, err
	}
	aOut, err := BroadcastTensor(a, target)
	if err != nil {
		return nil, nil, err
	}
	bOut, err := BroadcastTensor(b, target)
	if err != nil {
		return nil, nil, err
	}
	return aOut, bOut, nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
