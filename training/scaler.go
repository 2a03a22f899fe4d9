package training

import (
	"fmt"

	"gencfd/tensor"
)

// GradScaler guards mixed-precision training against gradient underflow
// and overflow. The loss is multiplied by a large scale factor before
// backpropagation; gradients are divided back down before the optimizer
// step. Overflow (non-finite gradients) halves the scale and skips the
// step; a long enough run of finite steps grows it back.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
}

// NewGradScaler creates a scaler with the conventional defaults:
// scale 65536, growth x2 every 2000 finite steps, backoff x0.5.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:          65536,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

// Scale returns the current loss scale factor.
func (g *GradScaler) Scale() float64 { return g.scale }

// ScaleLoss multiplies the loss by the current scale factor on the
// autograd graph, so backpropagated gradients carry the same factor.
func (g *GradScaler) ScaleLoss(loss *tensor.Tensor) (*tensor.Tensor, error) {
	scaled, err := tensor.ScaleAutograd(loss, g.scale)
	if err != nil {
		return nil, fmt.Errorf("loss scaling failed: %v", err)
	}
	return scaled, nil
}

// UnscaleGradients divides the accumulated gradients of the given
// parameters by the scale factor, in place.
func (g *GradScaler) UnscaleGradients(params []*tensor.Tensor) {
	inv := float32(1 / g.scale)
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		data := grad.Data.([]float32)
		for i := range data {
			data[i] *= inv
		}
	}
}

// CheckOverflow reports whether any parameter gradient contains a
// non-finite value.
func (g *GradScaler) CheckOverflow(params []*tensor.Tensor) bool {
	for _, p := range params {
		grad := p.Grad()
		if grad != nil && grad.HasNonFinite() {
			return true
		}
	}
	return false
}

// Update advances the scale state machine after a step: overflow shrinks
// the scale and resets the growth counter, a finite step counts toward
// the next growth.
func (g *GradScaler) Update(overflow bool) {
	if overflow {
		g.scale *= g.backoffFactor
		g.goodSteps = 0
		return
	}
	g.goodSteps++
	if g.goodSteps >= g.growthInterval {
		g.scale *= g.growthFactor
		g.goodSteps = 0
	}
}
