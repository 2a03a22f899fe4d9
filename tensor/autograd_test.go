package tensor

import (
	"math"
	"testing"
)

func TestAddBackward(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	b, _ := NewTensor([]int{2}, Float32, CPU, []float32{3, 4})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	sum, err := AddAutograd(a, b)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	loss, err := SumAllAutograd(sum)
	if err != nil {
		t.Fatalf("SumAllAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for _, in := range []*Tensor{a, b} {
		grad := in.Grad()
		if grad == nil {
			t.Fatal("gradient missing")
		}
		for i, v := range grad.Data.([]float32) {
			if v != 1 {
				t.Errorf("grad[%d] = %g, want 1", i, v)
			}
		}
	}
}

func TestMulBackward(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{2, 3})
	b, _ := NewTensor([]int{2}, Float32, CPU, []float32{5, 7})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	prod, err := MulAutograd(a, b)
	if err != nil {
		t.Fatalf("MulAutograd failed: %v", err)
	}
	loss, err := SumAllAutograd(prod)
	if err != nil {
		t.Fatalf("SumAllAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	wantA := []float32{5, 7}
	wantB := []float32{2, 3}
	gotA := a.Grad().Data.([]float32)
	gotB := b.Grad().Data.([]float32)
	for i := range wantA {
		if gotA[i] != wantA[i] {
			t.Errorf("grad a[%d] = %g, want %g", i, gotA[i], wantA[i])
		}
		if gotB[i] != wantB[i] {
			t.Errorf("grad b[%d] = %g, want %g", i, gotB[i], wantB[i])
		}
	}
}

func TestBroadcastBackwardReduces(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 1, 1})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	sum, err := AddAutograd(a, b)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	loss, err := SumAllAutograd(sum)
	if err != nil {
		t.Fatalf("SumAllAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	gradB := b.Grad()
	if !shapesEqual(gradB.Shape, b.Shape) {
		t.Fatalf("grad shape = %v, want %v", gradB.Shape, b.Shape)
	}
	// b is used by both rows of a, so each element collects two ones.
	for i, v := range gradB.Data.([]float32) {
		if v != 2 {
			t.Errorf("grad b[%d] = %g, want 2", i, v)
		}
	}
}

func TestMatMulBackward(t *testing.T) {
	a, _ := NewTensor([]int{1, 2}, Float32, CPU, []float32{1, 2})
	b, _ := NewTensor([]int{2, 1}, Float32, CPU, []float32{3, 4})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	out, err := MatMulAutograd(a, b)
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	if err := out.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d(a@b)/da = b^T, d(a@b)/db = a^T
	wantA := []float32{3, 4}
	wantB := []float32{1, 2}
	gotA := a.Grad().Data.([]float32)
	gotB := b.Grad().Data.([]float32)
	for i := range wantA {
		if gotA[i] != wantA[i] {
			t.Errorf("grad a[%d] = %g, want %g", i, gotA[i], wantA[i])
		}
		if gotB[i] != wantB[i] {
			t.Errorf("grad b[%d] = %g, want %g", i, gotB[i], wantB[i])
		}
	}
}

func TestMeanAllBackward(t *testing.T) {
	a, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, 2, 3, 4})
	a.SetRequiresGrad(true)

	mean, err := MeanAllAutograd(a)
	if err != nil {
		t.Fatalf("MeanAllAutograd failed: %v", err)
	}
	v, _ := mean.Item()
	if v != 2.5 {
		t.Errorf("mean = %g, want 2.5", v)
	}
	if err := mean.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, g := range a.Grad().Data.([]float32) {
		if math.Abs(float64(g)-0.25) > 1e-6 {
			t.Errorf("grad[%d] = %g, want 0.25", i, g)
		}
	}
}

func TestReLUBackwardMasks(t *testing.T) {
	a, _ := NewTensor([]int{4}, Float32, CPU, []float32{-1, 0, 2, -3})
	a.SetRequiresGrad(true)

	out, err := ReLUAutograd(a)
	if err != nil {
		t.Fatalf("ReLUAutograd failed: %v", err)
	}
	loss, err := SumAllAutograd(out)
	if err != nil {
		t.Fatalf("SumAllAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	want := []float32{0, 0, 1, 0}
	for i, g := range a.Grad().Data.([]float32) {
		if g != want[i] {
			t.Errorf("grad[%d] = %g, want %g", i, g, want[i])
		}
	}
}

func TestGradAccumulatesAcrossUses(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	a.SetRequiresGrad(true)

	// loss = sum(a + a): gradient is 2 per element.
	doubled, err := AddAutograd(a, a)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	loss, err := SumAllAutograd(doubled)
	if err != nil {
		t.Fatalf("SumAllAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, g := range a.Grad().Data.([]float32) {
		if g != 2 {
			t.Errorf("grad[%d] = %g, want 2", i, g)
		}
	}
}

func TestZeroGradClears(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	a.SetRequiresGrad(true)
	loss, err := SumAllAutograd(a)
	if err != nil {
		t.Fatalf("SumAllAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if a.Grad() == nil {
		t.Fatal("gradient missing before ZeroGrad")
	}
	ZeroGrad([]*Tensor{a})
	if a.Grad() != nil {
		t.Error("gradient not cleared")
	}
}
