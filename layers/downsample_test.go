package layers

import (
	"math/rand"
	"testing"

	"gencfd/tensor"
)

func TestDownsampleShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	tests := []struct {
		name      string
		ratios    []int
		inShape   []int
		wantShape []int
	}{
		{"1d halve", []int{2}, []int{1, 3, 8}, []int{1, 4, 4}},
		{"2d halve", []int{2, 2}, []int{2, 3, 8, 8}, []int{2, 4, 4, 4}},
		{"2d mixed", []int{2, 4}, []int{1, 1, 6, 16}, []int{1, 4, 3, 4}},
		{"3d", []int{2, 2, 2}, []int{1, 2, 4, 6, 8}, []int{1, 4, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer, err := NewDownsampleConv(tt.inShape[1], 4, tt.ratios, true, rng)
			if err != nil {
				t.Fatalf("NewDownsampleConv failed: %v", err)
			}
			input, err := tensor.RandUniform(tt.inShape, -1, 1, rng, tensor.CPU)
			if err != nil {
				t.Fatalf("RandUniform failed: %v", err)
			}
			out, err := layer.Forward(input)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			for i, d := range tt.wantShape {
				if out.Shape[i] != d {
					t.Fatalf("output shape = %v, want %v", out.Shape, tt.wantShape)
				}
			}
		})
	}
}

func TestDownsampleDivisibilityError(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	layer, err := NewDownsampleConv(1, 1, []int{2, 2}, false, rng)
	if err != nil {
		t.Fatalf("NewDownsampleConv failed: %v", err)
	}
	bad, _ := tensor.RandUniform([]int{1, 1, 7, 8}, -1, 1, rng, tensor.CPU)
	if _, err := layer.Forward(bad); err == nil {
		t.Error("expected divisibility error for spatial size 7 with ratio 2")
	}
}

func TestDownsampleRankMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(47))
	layer, err := NewDownsampleConv(1, 1, []int{2, 2}, false, rng)
	if err != nil {
		t.Fatalf("NewDownsampleConv failed: %v", err)
	}
	bad, _ := tensor.RandUniform([]int{1, 1, 8}, -1, 1, rng, tensor.CPU)
	if _, err := layer.Forward(bad); err == nil {
		t.Error("expected rank error for 1D input on a 2D downsampler")
	}
}

func TestDownsampleRejectsBadRatios(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	if _, err := NewDownsampleConv(1, 1, nil, false, rng); err == nil {
		t.Error("expected error for empty ratio tuple")
	}
	if _, err := NewDownsampleConv(1, 1, []int{2, 2, 2, 2}, false, rng); err == nil {
		t.Error("expected error for rank-4 ratio tuple")
	}
	if _, err := NewDownsampleConv(1, 1, []int{2, 0}, false, rng); err == nil {
		t.Error("expected error for zero ratio")
	}
}

func TestDownsampleMeanKernelAverages(t *testing.T) {
	// Forcing the kernel to the uniform average makes the layer a plain
	// 2x2 mean pool, which has a closed-form expected output.
	rng := rand.New(rand.NewSource(59))
	layer, err := NewDownsampleConv(1, 1, []int{2, 2}, false, rng)
	if err != nil {
		t.Fatalf("NewDownsampleConv failed: %v", err)
	}
	if err := layer.weight.SetData([]float32{0.25, 0.25, 0.25, 0.25}); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}

	input, _ := tensor.NewTensor([]int{1, 1, 2, 4}, tensor.Float32, tensor.CPU,
		[]float32{1, 3, 5, 7, 1, 3, 5, 7})
	out, err := layer.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := []float32{2, 6}
	data := out.Data.([]float32)
	for i, w := range want {
		if data[i] != w {
			t.Errorf("element %d = %g, want %g", i, data[i], w)
		}
	}
}
