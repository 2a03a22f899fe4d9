package optimizer

import (
	"fmt"
	"math"

	"gencfd/tensor"
)

// Adam implements the Adam update rule with bias-corrected first and second
// moment estimates.
type Adam struct {
	params       []*tensor.Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	step         int
	m            []*tensor.Tensor
	v            []*tensor.Tensor
}

// NewAdam creates an Adam optimizer with the usual defaults when beta or
// epsilon values are zero: beta1=0.9, beta2=0.999, eps=1e-8.
func NewAdam(params []*tensor.Tensor, learningRate, beta1, beta2, epsilon float64) (*Adam, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", learningRate)
	}
	if beta1 == 0 {
		beta1 = 0.9
	}
	if beta2 == 0 {
		beta2 = 0.999
	}
	if epsilon == 0 {
		epsilon = 1e-8
	}
	if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got (%g, %g)", beta1, beta2)
	}

	a := &Adam{
		params:       params,
		learningRate: learningRate,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      epsilon,
		m:            make([]*tensor.Tensor, len(params)),
		v:            make([]*tensor.Tensor, len(params)),
	}
	for i, p := range params {
		m, err := tensor.Zeros(p.Shape, tensor.Float32, p.Device)
		if err != nil {
			return nil, fmt.Errorf("moment allocation failed: %v", err)
		}
		v, err := tensor.Zeros(p.Shape, tensor.Float32, p.Device)
		if err != nil {
			return nil, fmt.Errorf("moment allocation failed: %v", err)
		}
		a.m[i], a.v[i] = m, v
	}
	return a, nil
}

func (a *Adam) Step() error {
	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))
	b1 := float32(a.beta1)
	b2 := float32(a.beta2)

	for i, p := range a.params {
		grad := gradData(p)
		if grad == nil {
			continue
		}
		data := p.Data.([]float32)
		m := a.m[i].Data.([]float32)
		v := a.v[i].Data.([]float32)
		for j := range data {
			g := grad[j]
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			mHat := float64(m[j]) / bc1
			vHat := float64(v[j]) / bc2
			data[j] -= float32(a.learningRate * mHat / (math.Sqrt(vHat) + a.epsilon))
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() {
	tensor.ZeroGrad(a.params)
}

func (a *Adam) Parameters() []*tensor.Tensor { return a.params }

func (a *Adam) State() *State {
	state := &State{
		Type: "adam",
		Step: a.step,
		Hyper: map[string]float64{
			"learning_rate": a.learningRate,
			"beta1":         a.beta1,
			"beta2":         a.beta2,
			"epsilon":       a.epsilon,
		},
	}
	for i := range a.params {
		state.Tensors = append(state.Tensors, snapshotTensor(fmt.Sprintf("m_%d", i), a.m[i]))
		state.Tensors = append(state.Tensors, snapshotTensor(fmt.Sprintf("v_%d", i), a.v[i]))
	}
	return state
}

func (a *Adam) LoadState(state *State) error {
	if state.Type != "adam" {
		return fmt.Errorf("state type %q is not adam", state.Type)
	}
	if len(state.Tensors) != 2*len(a.params) {
		return fmt.Errorf("state carries %d slots, optimizer has %d", len(state.Tensors), 2*len(a.params))
	}
	for i := range a.params {
		if err := restoreTensor(state.Tensors[2*i], a.m[i]); err != nil {
			return err
		}
		if err := restoreTensor(state.Tensors[2*i+1], a.v[i]); err != nil {
			return err
		}
	}
	a.step = state.Step
	if lr, ok := state.Hyper["learning_rate"]; ok {
		a.learningRate = lr
	}
	return nil
}
