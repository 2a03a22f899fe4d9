package training

import (
	"fmt"

	"gencfd/optimizer"
	"gencfd/tensor"
)

// DenoisingConfig tunes the denoising trainer beyond the basic step logic.
type DenoisingConfig struct {
	// EMADecay in (0, 1) enables EMA parameter tracking.
	EMADecay float64
	// ReducedPrecision evaluates the loss inside a half-precision compute
	// region and trains with loss-scaled gradients.
	ReducedPrecision bool
	// Device is the compute device the model lives on; it gates memory
	// tracking in the run loops.
	Device tensor.DeviceType
}

// DenoisingTrainer trains a denoiser with EMA parameter tracking and,
// optionally, loss-scaled mixed precision. On gradient overflow the
// optimizer step is skipped and the scale shrinks; the step counter and
// the EMA snapshot advance only on applied updates.
type DenoisingTrainer struct {
	model  Denoiser
	opt    optimizer.Optimizer
	scaler *GradScaler
	config DenoisingConfig
	state  *TrainState
}

// NewDenoisingTrainer creates a denoising trainer. EMADecay must be in
// (0, 1): denoising training always tracks an EMA snapshot for inference.
func NewDenoisingTrainer(model Denoiser, opt optimizer.Optimizer, config DenoisingConfig) (*DenoisingTrainer, error) {
	if model == nil || opt == nil {
		return nil, fmt.Errorf("model and optimizer must not be nil")
	}
	if config.EMADecay <= 0 || config.EMADecay >= 1 {
		return nil, fmt.Errorf("EMA decay must be in (0, 1), got %g", config.EMADecay)
	}
	t := &DenoisingTrainer{model: model, opt: opt, config: config}
	if config.ReducedPrecision {
		t.scaler = NewGradScaler()
	}
	return t, nil
}

// State returns the trainer's latest state snapshot.
func (t *DenoisingTrainer) State() *TrainState { return t.state }

// Scaler exposes the gradient scaling controller, nil in full precision.
func (t *DenoisingTrainer) Scaler() *GradScaler { return t.scaler }

func (t *DenoisingTrainer) InitializeTrainState() (*TrainState, error) {
	state, err := NewTrainState(t.model, t.opt, t.config.EMADecay)
	if err != nil {
		return nil, err
	}
	t.state = state
	return state, nil
}

func (t *DenoisingTrainer) TrainStep(batch Batch) (map[string]float64, error) {
	if t.state == nil {
		if _, err := t.InitializeTrainState(); err != nil {
			return nil, err
		}
	}
	t.model.Train()

	var (
		lossValue float64
		metrics   map[string]float64
		applied   = true
		err       error
	)
	if t.scaler != nil {
		lossValue, metrics, applied, err = t.reducedPrecisionStep(batch)
	} else {
		lossValue, metrics, err = t.fullPrecisionStep(batch)
	}
	if err != nil {
		return nil, err
	}

	if applied {
		next, err := advanceTrainState(t.state, t.model, t.opt)
		if err != nil {
			return nil, fmt.Errorf("state snapshot failed: %v", err)
		}
		t.state = next
	}

	out := map[string]float64{"loss": lossValue}
	for k, v := range metrics {
		out[k] = v
	}
	if t.scaler != nil {
		out["loss_scale"] = t.scaler.Scale()
	}
	return out, nil
}

func (t *DenoisingTrainer) fullPrecisionStep(batch Batch) (float64, map[string]float64, error) {
	loss, metrics, err := t.model.LossFn(batch)
	if err != nil {
		return 0, nil, fmt.Errorf("loss computation failed: %v", err)
	}
	lossValue, err := loss.Item()
	if err != nil {
		return 0, nil, fmt.Errorf("loss must be a scalar: %v", err)
	}

	t.opt.ZeroGrad()
	if err := loss.Backward(); err != nil {
		return 0, nil, fmt.Errorf("backward pass failed: %v", err)
	}
	if err := t.opt.Step(); err != nil {
		return 0, nil, fmt.Errorf("optimizer step failed: %v", err)
	}
	return lossValue, metrics, nil
}

// reducedPrecisionStep evaluates the loss inside a half-precision compute
// region: batch tensors and live parameters are rounded through float16
// before the forward pass, and the full-precision master weights come back
// before the optimizer update, so the update never compounds rounding. It
// reports whether the update was applied; gradient overflow skips the step
// and shrinks the scale.
func (t *DenoisingTrainer) reducedPrecisionStep(batch Batch) (float64, map[string]float64, bool, error) {
	reduced, err := reduceBatch(batch)
	if err != nil {
		return 0, nil, false, err
	}
	masters := t.degradeParams()
	restored := false
	restore := func() {
		if !restored {
			t.restoreParams(masters)
			restored = true
		}
	}
	defer restore()

	loss, metrics, err := t.model.LossFn(reduced)
	if err != nil {
		return 0, nil, false, fmt.Errorf("loss computation failed: %v", err)
	}
	lossValue, err := loss.Item()
	if err != nil {
		return 0, nil, false, fmt.Errorf("loss must be a scalar: %v", err)
	}

	t.opt.ZeroGrad()
	scaled, err := t.scaler.ScaleLoss(loss)
	if err != nil {
		return 0, nil, false, err
	}
	if err := scaled.Backward(); err != nil {
		return 0, nil, false, fmt.Errorf("backward pass failed: %v", err)
	}

	// Gradients were taken at the degraded weights; the step applies to
	// the masters.
	restore()

	params := t.opt.Parameters()
	t.scaler.UnscaleGradients(params)
	if t.scaler.CheckOverflow(params) {
		t.scaler.Update(true)
		return lossValue, metrics, false, nil
	}
	if err := t.opt.Step(); err != nil {
		return 0, nil, false, fmt.Errorf("optimizer step failed: %v", err)
	}
	t.scaler.Update(false)
	return lossValue, metrics, true, nil
}

// reduceBatch rounds every batch tensor through float16, leaving the
// caller's tensors untouched.
func reduceBatch(batch Batch) (Batch, error) {
	reduced := make(Batch, len(batch))
	for name, x := range batch {
		r, err := tensor.RoundTripFloat16(x)
		if err != nil {
			return nil, fmt.Errorf("reducing input %q: %v", name, err)
		}
		reduced[name] = r
	}
	return reduced, nil
}

// degradeParams rounds the live parameters through float16 in place and
// returns the full-precision master copies.
func (t *DenoisingTrainer) degradeParams() [][]float32 {
	params := t.opt.Parameters()
	masters := make([][]float32, len(params))
	for i, p := range params {
		data := p.Data.([]float32)
		masters[i] = append([]float32(nil), data...)
		for j, v := range data {
			data[j] = tensor.Float16ToFloat32(tensor.Float32ToFloat16(v))
		}
	}
	return masters
}

func (t *DenoisingTrainer) restoreParams(masters [][]float32) {
	for i, p := range t.opt.Parameters() {
		copy(p.Data.([]float32), masters[i])
	}
}

func (t *DenoisingTrainer) EvalStep(batch Batch) (map[string]float64, error) {
	t.model.Eval()
	metrics, err := t.model.EvalFn(batch)
	if err != nil {
		return nil, fmt.Errorf("eval failed: %v", err)
	}
	return metrics, nil
}

// InferenceFnFromState binds a state snapshot to a denoiser and returns
// the inference callable expected by external samplers. With useEMA set,
// the EMA parameter snapshot is loaded; a state without EMA parameters is
// a configuration error. Otherwise the live parameter snapshot is loaded.
func InferenceFnFromState(state *TrainState, model Denoiser, useEMA bool) (DenoiseFn, error) {
	if state == nil {
		return nil, fmt.Errorf("state must not be nil")
	}
	source := state.Params
	if useEMA {
		if state.EMAParams == nil {
			return nil, fmt.Errorf("state at step %d carries no EMA parameters", state.Step)
		}
		source = state.EMAParams
	}

	live := model.NamedParameters()
	if len(live) != len(source) {
		return nil, fmt.Errorf("state carries %d parameters, model has %d", len(source), len(live))
	}
	for name, src := range source {
		dst, ok := live[name]
		if !ok {
			return nil, fmt.Errorf("state parameter %q not found in model", name)
		}
		if dst.NumElems != src.NumElems {
			return nil, fmt.Errorf("parameter %q has %d elements in state, %d in model", name, src.NumElems, dst.NumElems)
		}
		copy(dst.Data.([]float32), src.Data.([]float32))
	}
	model.Eval()

	return func(noised, sigma *tensor.Tensor, cond Batch) (*tensor.Tensor, error) {
		return model.Denoise(noised, sigma, cond)
	}, nil
}
