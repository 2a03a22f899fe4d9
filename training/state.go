package training

import (
	"fmt"
	"sort"

	"gencfd/optimizer"
	"gencfd/tensor"
)

// TrainState is an immutable snapshot of training progress. Every field
// holds copies, never aliases of live model or optimizer memory, so a
// retained snapshot is never corrupted by later steps. New states are
// produced with Replace; existing states are never mutated.
type TrainState struct {
	// Step counts applied optimizer updates. Mixed-precision steps that
	// are skipped on gradient overflow do not advance it.
	Step int
	// Params is the parameter snapshot keyed by stable names.
	Params map[string]*tensor.Tensor
	// OptState is the optimizer state snapshot.
	OptState *optimizer.State
	// EMAParams is the exponential-moving-average parameter snapshot.
	// It is nil for states without EMA tracking and otherwise carries
	// exactly the same key set as Params.
	EMAParams map[string]*tensor.Tensor
	// EMADecay is fixed for the lifetime of an EMA-carrying state chain.
	EMADecay float64
}

// Changes names the fields to override when deriving a new state. Nil
// fields keep the previous state's value.
type Changes struct {
	Step      *int
	Params    map[string]*tensor.Tensor
	OptState  *optimizer.State
	EMAParams map[string]*tensor.Tensor
}

// Replace derives a new state from s with the given overrides. The
// receiver is left untouched.
func (s *TrainState) Replace(c Changes) *TrainState {
	next := &TrainState{
		Step:      s.Step,
		Params:    s.Params,
		OptState:  s.OptState,
		EMAParams: s.EMAParams,
		EMADecay:  s.EMADecay,
	}
	if c.Step != nil {
		next.Step = *c.Step
	}
	if c.Params != nil {
		next.Params = c.Params
	}
	if c.OptState != nil {
		next.OptState = c.OptState
	}
	if c.EMAParams != nil {
		next.EMAParams = c.EMAParams
	}
	return next
}

// ParamKeys returns the parameter names in sorted order.
func (s *TrainState) ParamKeys() []string {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// snapshotParams deep-copies a live named parameter set.
func snapshotParams(named map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	snap := make(map[string]*tensor.Tensor, len(named))
	for name, p := range named {
		c, err := p.Clone()
		if err != nil {
			return nil, fmt.Errorf("snapshot of parameter %q failed: %v", name, err)
		}
		c.SetRequiresGrad(false)
		snap[name] = c
	}
	return snap, nil
}

// nextEMA computes the decayed average of the previous EMA snapshot and
// the current live parameters, producing fresh tensors.
func nextEMA(prev map[string]*tensor.Tensor, live map[string]*tensor.Tensor, decay float64) (map[string]*tensor.Tensor, error) {
	if len(prev) != len(live) {
		return nil, fmt.Errorf("EMA key set (%d entries) does not match parameters (%d entries)", len(prev), len(live))
	}
	next := make(map[string]*tensor.Tensor, len(prev))
	for name, e := range prev {
		p, ok := live[name]
		if !ok {
			return nil, fmt.Errorf("EMA carries unknown parameter %q", name)
		}
		if e.NumElems != p.NumElems {
			return nil, fmt.Errorf("EMA parameter %q has %d elements, live has %d", name, e.NumElems, p.NumElems)
		}
		out, err := tensor.Zeros(e.Shape, tensor.Float32, e.Device)
		if err != nil {
			return nil, err
		}
		ed := e.Data.([]float32)
		pd := p.Data.([]float32)
		od := out.Data.([]float32)
		d := float32(decay)
		for i := range od {
			od[i] = d*ed[i] + (1-d)*pd[i]
		}
		next[name] = out
	}
	return next, nil
}

// NewTrainState builds the initial snapshot from a live model and
// optimizer. When emaDecay is positive the EMA snapshot starts as a copy
// of the initial parameters.
func NewTrainState(model Model, opt optimizer.Optimizer, emaDecay float64) (*TrainState, error) {
	if emaDecay < 0 || emaDecay >= 1 {
		return nil, fmt.Errorf("EMA decay must be in [0, 1), got %g", emaDecay)
	}
	params, err := snapshotParams(model.NamedParameters())
	if err != nil {
		return nil, err
	}
	state := &TrainState{
		Step:     0,
		Params:   params,
		OptState: opt.State(),
		EMADecay: emaDecay,
	}
	if emaDecay > 0 {
		ema, err := snapshotParams(model.NamedParameters())
		if err != nil {
			return nil, err
		}
		state.EMAParams = ema
	}
	return state, nil
}

// advanceTrainState produces the post-step snapshot: step+1, refreshed
// parameter and optimizer snapshots, and an updated EMA when present.
func advanceTrainState(prev *TrainState, model Model, opt optimizer.Optimizer) (*TrainState, error) {
	params, err := snapshotParams(model.NamedParameters())
	if err != nil {
		return nil, err
	}
	step := prev.Step + 1
	changes := Changes{
		Step:     &step,
		Params:   params,
		OptState: opt.State(),
	}
	if prev.EMAParams != nil {
		ema, err := nextEMA(prev.EMAParams, params, prev.EMADecay)
		if err != nil {
			return nil, err
		}
		changes.EMAParams = ema
	}
	return prev.Replace(changes), nil
}
