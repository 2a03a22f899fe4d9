package tensor

import (
	"testing"
)

func TestPadAxisModes(t *testing.T) {
	// Row vector 1 2 3 4 padded by one on each side.
	in, _ := NewTensor([]int{1, 4}, Float32, CPU, []float32{1, 2, 3, 4})

	tests := []struct {
		name string
		mode PadMode
		want []float32
	}{
		{"zero", PadZero, []float32{0, 1, 2, 3, 4, 0}},
		{"circular", PadCircular, []float32{4, 1, 2, 3, 4, 1}},
		{"replicate", PadReplicate, []float32{1, 1, 2, 3, 4, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PadAxis(in, 1, 1, 1, tt.mode)
			if err != nil {
				t.Fatalf("PadAxis failed: %v", err)
			}
			data := got.Data.([]float32)
			for i, w := range tt.want {
				if data[i] != w {
					t.Errorf("element %d = %g, want %g", i, data[i], w)
				}
			}
		})
	}
}

func TestPadAxisCircularTooWide(t *testing.T) {
	in, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})
	if _, err := PadAxis(in, 0, 4, 0, PadCircular); err == nil {
		t.Error("expected error when circular pad exceeds axis length")
	}
}

func TestPadAxisHighRank(t *testing.T) {
	// Padding must work on any axis of a rank-5 tensor, not just images.
	in, err := Ones([]int{2, 3, 4, 5, 6}, Float32, CPU)
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	got, err := PadAxis(in, 3, 2, 1, PadReplicate)
	if err != nil {
		t.Fatalf("PadAxis failed: %v", err)
	}
	want := []int{2, 3, 4, 8, 6}
	for i, d := range want {
		if got.Shape[i] != d {
			t.Fatalf("shape = %v, want %v", got.Shape, want)
		}
	}
	for _, v := range got.Data.([]float32) {
		if v != 1 {
			t.Fatal("replicate padding of a constant tensor must stay constant")
		}
	}
}

func TestPadAxisAutogradGradient(t *testing.T) {
	// Circular padding reads each source element from multiple output
	// positions, so gradients must sum across those reads.
	in, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})
	in.SetRequiresGrad(true)

	out, err := PadAxisAutograd(in, 0, 1, 1, PadCircular)
	if err != nil {
		t.Fatalf("PadAxisAutograd failed: %v", err)
	}
	sum, err := SumAllAutograd(out)
	if err != nil {
		t.Fatalf("SumAllAutograd failed: %v", err)
	}
	if err := sum.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := in.Grad()
	if grad == nil {
		t.Fatal("input gradient missing")
	}
	// Output is 3 1 2 3 1: index 0 and 2 read twice, index 1 once.
	want := []float32{2, 1, 2}
	data := grad.Data.([]float32)
	for i, w := range want {
		if data[i] != w {
			t.Errorf("grad[%d] = %g, want %g", i, data[i], w)
		}
	}
}
