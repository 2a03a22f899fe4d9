package optimizer

import (
	"fmt"

	"gencfd/tensor"
)

// SGD is stochastic gradient descent with optional classical momentum.
type SGD struct {
	params       []*tensor.Tensor
	learningRate float64
	momentum     float64
	velocities   []*tensor.Tensor
}

// NewSGD creates an SGD optimizer. A zero momentum disables the velocity
// buffers entirely.
func NewSGD(params []*tensor.Tensor, learningRate, momentum float64) (*SGD, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", learningRate)
	}
	if momentum < 0 || momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %g", momentum)
	}
	s := &SGD{params: params, learningRate: learningRate, momentum: momentum}
	if momentum > 0 {
		s.velocities = make([]*tensor.Tensor, len(params))
		for i, p := range params {
			v, err := tensor.Zeros(p.Shape, tensor.Float32, p.Device)
			if err != nil {
				return nil, fmt.Errorf("velocity allocation failed: %v", err)
			}
			s.velocities[i] = v
		}
	}
	return s, nil
}

func (s *SGD) Step() error {
	lr := float32(s.learningRate)
	mu := float32(s.momentum)
	for i, p := range s.params {
		grad := gradData(p)
		if grad == nil {
			continue
		}
		data := p.Data.([]float32)
		if s.velocities == nil {
			for j := range data {
				data[j] -= lr * grad[j]
			}
			continue
		}
		vel := s.velocities[i].Data.([]float32)
		for j := range data {
			vel[j] = mu*vel[j] + grad[j]
			data[j] -= lr * vel[j]
		}
	}
	return nil
}

func (s *SGD) ZeroGrad() {
	tensor.ZeroGrad(s.params)
}

func (s *SGD) Parameters() []*tensor.Tensor { return s.params }

func (s *SGD) State() *State {
	state := &State{
		Type: "sgd",
		Hyper: map[string]float64{
			"learning_rate": s.learningRate,
			"momentum":      s.momentum,
		},
	}
	for i, v := range s.velocities {
		state.Tensors = append(state.Tensors, snapshotTensor(fmt.Sprintf("velocity_%d", i), v))
	}
	return state
}

func (s *SGD) LoadState(state *State) error {
	if state.Type != "sgd" {
		return fmt.Errorf("state type %q is not sgd", state.Type)
	}
	if len(state.Tensors) != len(s.velocities) {
		return fmt.Errorf("state carries %d velocity slots, optimizer has %d", len(state.Tensors), len(s.velocities))
	}
	for i, st := range state.Tensors {
		if err := restoreTensor(st, s.velocities[i]); err != nil {
			return err
		}
	}
	if lr, ok := state.Hyper["learning_rate"]; ok {
		s.learningRate = lr
	}
	if mu, ok := state.Hyper["momentum"]; ok {
		s.momentum = mu
	}
	return nil
}
