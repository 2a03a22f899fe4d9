package tensor

import (
	"math"
	"testing"
)

func TestNewTensorStrides(t *testing.T) {
	tests := []struct {
		name        string
		shape       []int
		wantStrides []int
		wantElems   int
	}{
		{"vector", []int{5}, []int{1}, 5},
		{"matrix", []int{3, 4}, []int{4, 1}, 12},
		{"batch image", []int{2, 3, 8, 8}, []int{192, 64, 8, 1}, 384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := NewTensor(tt.shape, Float32, CPU, nil)
			if err != nil {
				t.Fatalf("NewTensor failed: %v", err)
			}
			if tensor.NumElems != tt.wantElems {
				t.Errorf("NumElems = %d, want %d", tensor.NumElems, tt.wantElems)
			}
			for i, s := range tt.wantStrides {
				if tensor.Strides[i] != s {
					t.Errorf("Strides[%d] = %d, want %d", i, tensor.Strides[i], s)
				}
			}
		})
	}
}

func TestNewTensorInvalidShape(t *testing.T) {
	if _, err := NewTensor([]int{2, 0, 3}, Float32, CPU, nil); err == nil {
		t.Error("expected error for zero-sized dimension")
	}
	if _, err := NewTensor([]int{-1}, Float32, CPU, nil); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestNewTensorDataMismatch(t *testing.T) {
	if _, err := NewTensor([]int{4}, Float32, CPU, []float32{1, 2}); err == nil {
		t.Error("expected error for short data slice")
	}
	if _, err := NewTensor([]int{2}, Float32, CPU, []int32{1, 2}); err == nil {
		t.Error("expected error for mismatched data type")
	}
}

func TestElementwiseOps(t *testing.T) {
	a, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{4}, Float32, CPU, []float32{4, 3, 2, 1})

	tests := []struct {
		name string
		op   func(x, y *Tensor) (*Tensor, error)
		want []float32
	}{
		{"add", Add, []float32{5, 5, 5, 5}},
		{"sub", Sub, []float32{-3, -1, 1, 3}},
		{"mul", Mul, []float32{4, 6, 6, 4}},
		{"div", Div, []float32{0.25, 2.0 / 3.0, 1.5, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op(a, b)
			if err != nil {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
			data := got.Data.([]float32)
			for i, w := range tt.want {
				if math.Abs(float64(data[i]-w)) > 1e-6 {
					t.Errorf("element %d = %g, want %g", i, data[i], w)
				}
			}
		})
	}
}

func TestBroadcastAdd(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3}, Float32, CPU, []float32{10, 20, 30})

	got, err := Add(a, b)
	if err != nil {
		t.Fatalf("broadcast add failed: %v", err)
	}
	want := []float32{11, 22, 33, 14, 25, 36}
	data := got.Data.([]float32)
	for i, w := range want {
		if data[i] != w {
			t.Errorf("element %d = %g, want %g", i, data[i], w)
		}
	}
}

func TestBroadcastShapesIncompatible(t *testing.T) {
	if _, err := BroadcastShapes([]int{2, 3}, []int{4, 3}); err == nil {
		t.Error("expected error for incompatible shapes")
	}
}

func TestMatMul(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, Float32, CPU, []float32{7, 8, 9, 10, 11, 12})

	got, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	want := []float32{58, 64, 139, 154}
	data := got.Data.([]float32)
	for i, w := range want {
		if data[i] != w {
			t.Errorf("element %d = %g, want %g", i, data[i], w)
		}
	}
}

func TestTranspose(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	got, err := Transpose(a, 0, 1)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	data := got.Data.([]float32)
	for i, w := range want {
		if data[i] != w {
			t.Errorf("element %d = %g, want %g", i, data[i], w)
		}
	}
}

func TestCloneIndependence(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})
	c, err := a.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	c.Data.([]float32)[0] = 42
	if a.Data.([]float32)[0] != 1 {
		t.Error("clone must not share the backing data")
	}
}

func TestHasNonFinite(t *testing.T) {
	clean, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	if clean.HasNonFinite() {
		t.Error("finite tensor flagged as non-finite")
	}
	withNaN, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, float32(math.NaN())})
	if !withNaN.HasNonFinite() {
		t.Error("NaN not detected")
	}
	withInf, _ := NewTensor([]int{2}, Float32, CPU, []float32{float32(math.Inf(1)), 0})
	if !withInf.HasNonFinite() {
		t.Error("Inf not detected")
	}
}

func TestSumAllAndItem(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	s, err := SumAll(a)
	if err != nil {
		t.Fatalf("SumAll failed: %v", err)
	}
	v, err := s.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if v != 10 {
		t.Errorf("sum = %g, want 10", v)
	}
	if _, err := a.Item(); err == nil {
		t.Error("Item should reject multi-element tensors")
	}
}
