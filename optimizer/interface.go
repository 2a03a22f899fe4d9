// Package optimizer implements gradient-descent parameter update rules with
// snapshotable internal state for checkpointing.
package optimizer

import (
	"fmt"

	"gencfd/tensor"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient.
	Step() error
	// ZeroGrad clears the gradients of all managed parameters.
	ZeroGrad()
	// Parameters returns the managed parameter tensors.
	Parameters() []*tensor.Tensor
	// State returns a deep copy of the optimizer's internal state.
	State() *State
	// LoadState restores internal state from a snapshot.
	LoadState(state *State) error
}

// StateTensor is one named slot of optimizer state (momentum, second
// moment, ...) in a serializable form.
type StateTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// State is a serializable snapshot of an optimizer's internal state.
type State struct {
	Type    string             `json:"type"`
	Step    int                `json:"step"`
	Hyper   map[string]float64 `json:"hyper"`
	Tensors []StateTensor      `json:"tensors,omitempty"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{Type: s.Type, Step: s.Step}
	if s.Hyper != nil {
		out.Hyper = make(map[string]float64, len(s.Hyper))
		for k, v := range s.Hyper {
			out.Hyper[k] = v
		}
	}
	if s.Tensors != nil {
		out.Tensors = make([]StateTensor, len(s.Tensors))
		for i, st := range s.Tensors {
			out.Tensors[i] = StateTensor{
				Name:  st.Name,
				Shape: append([]int(nil), st.Shape...),
				Data:  append([]float32(nil), st.Data...),
			}
		}
	}
	return out
}

// snapshotTensor captures one state slot.
func snapshotTensor(name string, t *tensor.Tensor) StateTensor {
	return StateTensor{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data.([]float32)...),
	}
}

// restoreTensor loads a state slot back into a live tensor.
func restoreTensor(st StateTensor, dst *tensor.Tensor) error {
	if dst.NumElems != len(st.Data) {
		return fmt.Errorf("state slot %q has %d elements, tensor expects %d", st.Name, len(st.Data), dst.NumElems)
	}
	copy(dst.Data.([]float32), st.Data)
	return nil
}

// gradData returns a parameter's gradient values, or nil when the parameter
// has no gradient this step.
func gradData(p *tensor.Tensor) []float32 {
	g := p.Grad()
	if g == nil {
		return nil
	}
	return g.Data.([]float32)
}
