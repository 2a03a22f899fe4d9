package training

import (
	"context"
	"fmt"
	"math"
	"testing"

	"gencfd/optimizer"
	"gencfd/tensor"
)

func TestDenoisingTrainerEndToEnd(t *testing.T) {
	model := newScalarModel(t, 2)
	opt, err := optimizer.NewAdam(model.Parameters(), 0.05, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	trainer, err := NewDenoisingTrainer(model, opt, DenoisingConfig{EMADecay: 0.9})
	if err != nil {
		t.Fatalf("NewDenoisingTrainer failed: %v", err)
	}

	it := &sliceIterator{batches: []Batch{targetBatch(t, 0.5, 0.5)}}
	trainMetrics, err := Train(context.Background(), trainer, it, 3, RunConfig{})
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	loss, ok := trainMetrics["loss"]
	if !ok {
		t.Fatal("train metrics missing loss")
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Errorf("loss mean = %g, want finite", loss)
	}
	if trainer.State().Step != 3 {
		t.Errorf("step = %d, want 3", trainer.State().Step)
	}

	evalMetrics, err := Eval(context.Background(), trainer, it, 2, RunConfig{})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	for i := range model.noiseLevels {
		name := fmt.Sprintf("denoise_lvl%d", i)
		v, ok := evalMetrics[name]
		if !ok {
			t.Fatalf("eval metrics missing %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s = %g, want finite", name, v)
		}
	}
}

func TestDenoisingTrainerValidatesDecay(t *testing.T) {
	model := newScalarModel(t, 1)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	if _, err := NewDenoisingTrainer(model, opt, DenoisingConfig{EMADecay: 0}); err == nil {
		t.Error("expected error for zero EMA decay")
	}
	if _, err := NewDenoisingTrainer(model, opt, DenoisingConfig{EMADecay: 1}); err == nil {
		t.Error("expected error for EMA decay of 1")
	}
}

func TestInferenceFnFromStateUsesEMA(t *testing.T) {
	model := newScalarModel(t, 3)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.25, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	trainer, err := NewDenoisingTrainer(model, opt, DenoisingConfig{EMADecay: 0.9})
	if err != nil {
		t.Fatalf("NewDenoisingTrainer failed: %v", err)
	}
	if _, err := trainer.InitializeTrainState(); err != nil {
		t.Fatalf("InitializeTrainState failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := trainer.TrainStep(targetBatch(t, 0, 0)); err != nil {
			t.Fatalf("TrainStep failed: %v", err)
		}
	}
	state := trainer.State()
	emaW := float64(state.EMAParams["w"].Data.([]float32)[0])
	liveW := float64(state.Params["w"].Data.([]float32)[0])
	if emaW == liveW {
		t.Fatal("test premise broken: EMA and live weights coincide")
	}

	infer, err := InferenceFnFromState(state, model, true)
	if err != nil {
		t.Fatalf("InferenceFnFromState failed: %v", err)
	}
	if model.IsTraining() {
		t.Error("binding an inference function must switch the model to eval mode")
	}

	noised, _ := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{1})
	sigma, _ := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{0.5})
	pred, err := infer(noised, sigma, nil)
	if err != nil {
		t.Fatalf("inference failed: %v", err)
	}
	got, _ := pred.Item()
	if math.Abs(got-emaW) > 1e-6 {
		t.Errorf("prediction = %g, want EMA weight %g applied", got, emaW)
	}

	// Live-parameter binding restores the non-EMA weights.
	infer, err = InferenceFnFromState(state, model, false)
	if err != nil {
		t.Fatalf("InferenceFnFromState failed: %v", err)
	}
	pred, err = infer(noised, sigma, nil)
	if err != nil {
		t.Fatalf("inference failed: %v", err)
	}
	got, _ = pred.Item()
	if math.Abs(got-liveW) > 1e-6 {
		t.Errorf("prediction = %g, want live weight %g applied", got, liveW)
	}
}

func TestInferenceFnMissingEMAIsFatal(t *testing.T) {
	model := newScalarModel(t, 1)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	state, err := NewTrainState(model, opt, 0) // no EMA tracking
	if err != nil {
		t.Fatalf("NewTrainState failed: %v", err)
	}
	if _, err := InferenceFnFromState(state, model, true); err == nil {
		t.Error("expected a missing-EMA error")
	}
	if _, err := InferenceFnFromState(nil, model, false); err == nil {
		t.Error("expected an error for a nil state")
	}
}
