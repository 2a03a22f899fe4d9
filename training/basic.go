package training

import (
	"fmt"

	"gencfd/optimizer"
)

// BasicTrainer performs plain full-precision training: forward, backward,
// one optimizer step, then a fresh immutable state snapshot.
type BasicTrainer struct {
	model Model
	opt   optimizer.Optimizer
	state *TrainState
}

// NewBasicTrainer creates a trainer over the given model and optimizer.
func NewBasicTrainer(model Model, opt optimizer.Optimizer) (*BasicTrainer, error) {
	if model == nil || opt == nil {
		return nil, fmt.Errorf("model and optimizer must not be nil")
	}
	return &BasicTrainer{model: model, opt: opt}, nil
}

// NewDistributedTrainer wraps the replicas in a DataParallel model and
// trains it with the unchanged basic step logic; gradient averaging is the
// wrapper's concern. The optimizer must manage the first replica's
// parameters.
func NewDistributedTrainer(replicas []Model, opt optimizer.Optimizer) (*BasicTrainer, error) {
	dp, err := NewDataParallel(replicas...)
	if err != nil {
		return nil, err
	}
	return NewBasicTrainer(dp, opt)
}

// State returns the trainer's latest state snapshot.
func (t *BasicTrainer) State() *TrainState { return t.state }

func (t *BasicTrainer) InitializeTrainState() (*TrainState, error) {
	state, err := NewTrainState(t.model, t.opt, 0)
	if err != nil {
		return nil, err
	}
	t.state = state
	return state, nil
}

func (t *BasicTrainer) TrainStep(batch Batch) (map[string]float64, error) {
	if t.state == nil {
		if _, err := t.InitializeTrainState(); err != nil {
			return nil, err
		}
	}
	t.model.Train()

	loss, metrics, err := t.model.LossFn(batch)
	if err != nil {
		return nil, fmt.Errorf("loss computation failed: %v", err)
	}
	lossValue, err := loss.Item()
	if err != nil {
		return nil, fmt.Errorf("loss must be a scalar: %v", err)
	}

	t.opt.ZeroGrad()
	if err := loss.Backward(); err != nil {
		return nil, fmt.Errorf("backward pass failed: %v", err)
	}
	if err := t.opt.Step(); err != nil {
		return nil, fmt.Errorf("optimizer step failed: %v", err)
	}

	next, err := advanceTrainState(t.state, t.model, t.opt)
	if err != nil {
		return nil, fmt.Errorf("state snapshot failed: %v", err)
	}
	t.state = next

	out := map[string]float64{"loss": lossValue}
	for k, v := range metrics {
		out[k] = v
	}
	return out, nil
}

func (t *BasicTrainer) EvalStep(batch Batch) (map[string]float64, error) {
	t.model.Eval()
	metrics, err := t.model.EvalFn(batch)
	if err != nil {
		return nil, fmt.Errorf("eval failed: %v", err)
	}
	return metrics, nil
}
