// Package layers provides the neural network building blocks used by the
// training engine: dense and convolutional layers, grid-aware padding
// wrappers, and sequential composition.
package layers

import (
	"fmt"
	"math/rand"

	"gencfd/tensor"
)

// Module is the interface every layer and model implements.
type Module interface {
	// Forward computes the layer output for the given input.
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	// Parameters returns all learnable tensors of the module.
	Parameters() []*tensor.Tensor
	// NamedParameters returns the learnable tensors keyed by stable names,
	// used for state snapshots and checkpointing.
	NamedParameters() map[string]*tensor.Tensor
	// Train puts the module in training mode.
	Train()
	// Eval puts the module in evaluation mode.
	Eval()
	// IsTraining reports the current mode.
	IsTraining() bool
}

// Linear is a fully connected layer computing x@W + b.
type Linear struct {
	InFeatures  int
	OutFeatures int
	weight      *tensor.Tensor // (in, out)
	bias        *tensor.Tensor // (out), nil when disabled
	training    bool
}

// NewLinear creates a dense layer with Xavier-uniform weights.
func NewLinear(inFeatures, outFeatures int, withBias bool, rng *rand.Rand) (*Linear, error) {
	if inFeatures <= 0 || outFeatures <= 0 {
		return nil, fmt.Errorf("feature counts must be positive, got in=%d out=%d", inFeatures, outFeatures)
	}
	weight, err := tensor.XavierUniform([]int{inFeatures, outFeatures}, inFeatures, outFeatures, rng, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("weight initialization failed: %v", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{InFeatures: inFeatures, OutFeatures: outFeatures, weight: weight, training: true}
	if withBias {
		bias, err := tensor.Zeros([]int{outFeatures}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("bias initialization failed: %v", err)
		}
		bias.SetRequiresGrad(true)
		l.bias = bias
	}
	return l, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("linear layer expects a 2D input (batch, features), got shape %v", input.Shape)
	}
	if input.Shape[1] != l.InFeatures {
		return nil, fmt.Errorf("input features %d do not match layer features %d", input.Shape[1], l.InFeatures)
	}
	out, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		out, err = tensor.AddAutograd(out, l.bias)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) NamedParameters() map[string]*tensor.Tensor {
	named := map[string]*tensor.Tensor{"weight": l.weight}
	if l.bias != nil {
		named["bias"] = l.bias
	}
	return named
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLU is the stateless rectifier activation.
type ReLU struct {
	training bool
}

func NewReLU() *ReLU { return &ReLU{training: true} }

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }

func (r *ReLU) NamedParameters() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{}
}

func (r *ReLU) Train()           { r.training = true }
func (r *ReLU) Eval()            { r.training = false }
func (r *ReLU) IsTraining() bool { return r.training }

// Sequential chains modules, feeding each output into the next layer.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	var err error
	for i, m := range s.modules {
		x, err = m.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %d forward failed: %v", i, err)
		}
	}
	return x, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) NamedParameters() map[string]*tensor.Tensor {
	named := make(map[string]*tensor.Tensor)
	for i, m := range s.modules {
		for name, p := range m.NamedParameters() {
			named[fmt.Sprintf("%d.%s", i, name)] = p
		}
	}
	return named
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }
