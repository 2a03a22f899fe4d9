package optimizer

import (
	"fmt"
	"math"

	"gencfd/tensor"
)

// AdamW is Adam with decoupled weight decay: the decay term is applied
// directly to the parameters instead of being folded into the gradient, so
// it does not interact with the adaptive moment scaling.
type AdamW struct {
	params       []*tensor.Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	weightDecay  float64
	step         int
	m            []*tensor.Tensor
	v            []*tensor.Tensor
}

// NewAdamW creates an AdamW optimizer. Zero beta/epsilon values fall back
// to the Adam defaults; a typical weight decay is 0.01.
func NewAdamW(params []*tensor.Tensor, learningRate, beta1, beta2, epsilon, weightDecay float64) (*AdamW, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", learningRate)
	}
	if weightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %g", weightDecay)
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

	w := &AdamW{
		params:       params,
		learningRate: learningRate,
		beta1:        beta1,
		beta2:        beta2,
		epsilon:      epsilon,
		weightDecay:  weightDecay,
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
		w.m[i], w.v[i] = m, v
	}
	return w, nil
}

func (w *AdamW) Step() error {
	w.step++
	bc1 := 1 - math.Pow(w.beta1, float64(w.step))
	bc2 := 1 - math.Pow(w.beta2, float64(w.step))
	b1 := float32(w.beta1)
	b2 := float32(w.beta2)
	decay := float32(w.learningRate * w.weightDecay)

	for i, p := range w.params {
		grad := gradData(p)
		if grad == nil {
			continue
		}
		data := p.Data.([]float32)
		m := w.m[i].Data.([]float32)
		v := w.v[i].Data.([]float32)
		for j := range data {
			g := grad[j]
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			mHat := float64(m[j]) / bc1
			vHat := float64(v[j]) / bc2
			data[j] -= float32(w.learningRate*mHat/(math.Sqrt(vHat)+w.epsilon)) + decay*data[j]
		}
	}
	return nil
}

func (w *AdamW) ZeroGrad() {
	tensor.ZeroGrad(w.params)
}

func (w *AdamW) Parameters() []*tensor.Tensor { return w.params }

func (w *AdamW) State() *State {
	state := &State{
		Type: "adamw",
		Step: w.step,
		Hyper: map[string]float64{
			"learning_rate": w.learningRate,
			"beta1":         w.beta1,
			"beta2":         w.beta2,
			"epsilon":       w.epsilon,
			"weight_decay":  w.weightDecay,
		},
	}
	for i := range w.params {
		state.Tensors = append(state.Tensors, snapshotTensor(fmt.Sprintf("m_%d", i), w.m[i]))
		state.Tensors = append(state.Tensors, snapshotTensor(fmt.Sprintf("v_%d", i), w.v[i]))
	}
	return state
}

func (w *AdamW) LoadState(state *State) error {
	if state.Type != "adamw" {
		return fmt.Errorf("state type %q is not adamw", state.Type)
	}
	if len(state.Tensors) != 2*len(w.params) {
		return fmt.Errorf("state carries %d slots, optimizer has %d", len(state.Tensors), 2*len(w.params))
	}
	for i := range w.params {
		if err := restoreTensor(state.Tensors[2*i], w.m[i]); err != nil {
			return err
		}
		if err := restoreTensor(state.Tensors[2*i+1], w.v[i]); err != nil {
			return err
		}
	}
	w.step = state.Step
	return nil
}
