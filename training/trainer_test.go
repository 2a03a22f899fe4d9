package training

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"gencfd/optimizer"
	"gencfd/tensor"
)

// scalarModel fits a single weight to the batch targets with a quadratic
// loss; simple enough that every trainer behavior has a closed form.
type scalarModel struct {
	w           *tensor.Tensor
	noiseLevels []float64
	lossBoost   float64 // multiplies the loss; large values force overflow
	training    bool
}

func newScalarModel(t *testing.T, initial float64) *scalarModel {
	t.Helper()
	w, err := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{float32(initial)})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	w.SetRequiresGrad(true)
	return &scalarModel{w: w, noiseLevels: []float64{0.1, 1.0}, lossBoost: 1, training: true}
}

func (m *scalarModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MulAutograd(input, m.w)
}

func (m *scalarModel) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.w} }

func (m *scalarModel) NamedParameters() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"w": m.w}
}

func (m *scalarModel) Train()           { m.training = true }
func (m *scalarModel) Eval()            { m.training = false }
func (m *scalarModel) IsTraining() bool { return m.training }

func (m *scalarModel) LossFn(batch Batch) (*tensor.Tensor, map[string]float64, error) {
	y, ok := batch["y"]
	if !ok {
		return nil, nil, fmt.Errorf("batch is missing target %q", "y")
	}
	loss, err := MSELoss(m.w, y)
	if err != nil {
		return nil, nil, err
	}
	if m.lossBoost != 1 {
		loss, err = tensor.ScaleAutograd(loss, m.lossBoost)
		if err != nil {
			return nil, nil, err
		}
	}
	return loss, map[string]float64{"w_value": m.weight()}, nil
}

func (m *scalarModel) EvalFn(batch Batch) (map[string]float64, error) {
	if m.training {
		return nil, fmt.Errorf("eval called in training mode")
	}
	out := make(map[string]float64, len(m.noiseLevels))
	for i, lvl := range m.noiseLevels {
		d := m.weight() - lvl
		out[fmt.Sprintf("denoise_lvl%d", i)] = d * d
	}
	return out, nil
}

func (m *scalarModel) Denoise(noised, sigma *tensor.Tensor, cond Batch) (*tensor.Tensor, error) {
	return tensor.Scale(noised, m.weight())
}

func (m *scalarModel) weight() float64 {
	return float64(m.w.Data.([]float32)[0])
}

// sliceIterator cycles through a fixed list of batches.
type sliceIterator struct {
	batches []Batch
	next    int
}

func (it *sliceIterator) Next() (Batch, error) {
	b := it.batches[it.next%len(it.batches)]
	it.next++
	return b, nil
}

func targetBatch(t *testing.T, values ...float32) Batch {
	t.Helper()
	y, err := tensor.NewTensor([]int{len(values)}, tensor.Float32, tensor.CPU, values)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	return Batch{"y": y}
}

// memoryRecorder captures recorded metrics in order.
type memoryRecorder struct {
	entries []recordedMetric
}

type recordedMetric struct {
	runID string
	step  int
	name  string
	value float64
}

func (r *memoryRecorder) Record(_ context.Context, runID string, step int, name string, value float64) error {
	r.entries = append(r.entries, recordedMetric{runID, step, name, value})
	return nil
}

func TestStepCountsTrainSteps(t *testing.T) {
	model := newScalarModel(t, 3)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	trainer, err := NewBasicTrainer(model, opt)
	if err != nil {
		t.Fatalf("NewBasicTrainer failed: %v", err)
	}
	initial, err := trainer.InitializeTrainState()
	if err != nil {
		t.Fatalf("InitializeTrainState failed: %v", err)
	}
	if initial.Step != 0 {
		t.Fatalf("initial step = %d, want 0", initial.Step)
	}

	batch := targetBatch(t, 1, 1, 1, 1)
	const n = 5
	for i := 0; i < n; i++ {
		if _, err := trainer.TrainStep(batch); err != nil {
			t.Fatalf("TrainStep %d failed: %v", i, err)
		}
	}
	if trainer.State().Step != n {
		t.Errorf("step after %d train steps = %d, want %d", n, trainer.State().Step, n)
	}
	if initial.Step != 0 {
		t.Error("earlier snapshot mutated by later steps")
	}
}

func TestBasicTrainerConverges(t *testing.T) {
	model := newScalarModel(t, 5)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.2, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	trainer, err := NewBasicTrainer(model, opt)
	if err != nil {
		t.Fatalf("NewBasicTrainer failed: %v", err)
	}

	it := &sliceIterator{batches: []Batch{targetBatch(t, 2, 2, 2, 2)}}
	metrics, err := Train(context.Background(), trainer, it, 50, RunConfig{})
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if math.Abs(model.weight()-2) > 1e-3 {
		t.Errorf("weight = %g, want close to target 2", model.weight())
	}
	if _, ok := metrics["loss"]; !ok {
		t.Error("train metrics must contain a loss mean")
	}
	if _, ok := metrics["loss_std"]; !ok {
		t.Error("train metrics must contain a loss deviation")
	}
}

func TestTrainRecordsMetrics(t *testing.T) {
	model := newScalarModel(t, 1)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	trainer, err := NewBasicTrainer(model, opt)
	if err != nil {
		t.Fatalf("NewBasicTrainer failed: %v", err)
	}

	rec := &memoryRecorder{}
	it := &sliceIterator{batches: []Batch{targetBatch(t, 0, 0)}}
	_, err = Train(context.Background(), trainer, it, 3, RunConfig{RunID: "run-1", Recorder: rec})
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	lossCount := 0
	for _, e := range rec.entries {
		if e.runID != "run-1" {
			t.Fatalf("recorded run ID %q, want run-1", e.runID)
		}
		if e.name == "loss" {
			lossCount++
		}
	}
	if lossCount != 3 {
		t.Errorf("recorded %d loss entries, want 3", lossCount)
	}
}

func TestMemoryTrackingSkippedWithoutAccelerator(t *testing.T) {
	model := newScalarModel(t, 1)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	trainer, err := NewBasicTrainer(model, opt)
	if err != nil {
		t.Fatalf("NewBasicTrainer failed: %v", err)
	}

	var logged []string
	cfg := RunConfig{
		TrackMemory: true,
		Device:      tensor.CPU,
		Logf: func(format string, args ...interface{}) {
			logged = append(logged, fmt.Sprintf(format, args...))
		},
	}
	it := &sliceIterator{batches: []Batch{targetBatch(t, 0)}}
	metrics, err := Train(context.Background(), trainer, it, 2, cfg)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	warned := false
	for _, line := range logged {
		if strings.Contains(line, "memory tracking") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning when memory tracking lacks an accelerator")
	}
	if _, ok := metrics["mem"]; ok {
		t.Error("memory metric must be absent without an accelerator")
	}
}

func TestRunLoopsLogSummaries(t *testing.T) {
	model := newScalarModel(t, 2)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	trainer, err := NewBasicTrainer(model, opt)
	if err != nil {
		t.Fatalf("NewBasicTrainer failed: %v", err)
	}

	var logged []string
	cfg := RunConfig{
		RunID: "run-summary",
		Logf: func(format string, args ...interface{}) {
			logged = append(logged, fmt.Sprintf(format, args...))
		},
	}
	it := &sliceIterator{batches: []Batch{targetBatch(t, 0, 0)}}
	if _, err := Train(context.Background(), trainer, it, 2, cfg); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if _, err := Eval(context.Background(), trainer, it, 1, cfg); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	foundTrain, foundEval := false, false
	for _, line := range logged {
		if strings.Contains(line, "run-summary") && strings.Contains(line, "train steps") && strings.Contains(line, "loss=") {
			foundTrain = true
		}
		if strings.Contains(line, "run-summary") && strings.Contains(line, "eval steps") && strings.Contains(line, "denoise_lvl0=") {
			foundEval = true
		}
	}
	if !foundTrain {
		t.Errorf("train summary line missing from log output: %v", logged)
	}
	if !foundEval {
		t.Errorf("eval summary line missing from log output: %v", logged)
	}
}

func TestMemoryTrackingOnAccelerator(t *testing.T) {
	model := newScalarModel(t, 1)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	trainer, err := NewBasicTrainer(model, opt)
	if err != nil {
		t.Fatalf("NewBasicTrainer failed: %v", err)
	}

	cfg := RunConfig{
		TrackMemory: true,
		Device:      tensor.Accelerator,
		Logf:        func(string, ...interface{}) {},
	}
	it := &sliceIterator{batches: []Batch{targetBatch(t, 0)}}
	metrics, err := Train(context.Background(), trainer, it, 2, cfg)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	mem, ok := metrics["mem"]
	if !ok {
		t.Fatal("memory metric missing with accelerator device")
	}
	if mem <= 0 || math.IsNaN(mem) {
		t.Errorf("memory sample = %g, want a positive byte count", mem)
	}
}

func TestEvalProducesBucketPerMetric(t *testing.T) {
	model := newScalarModel(t, 1)
	opt, err := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	trainer, err := NewBasicTrainer(model, opt)
	if err != nil {
		t.Fatalf("NewBasicTrainer failed: %v", err)
	}

	it := &sliceIterator{batches: []Batch{targetBatch(t, 0)}}
	metrics, err := Eval(context.Background(), trainer, it, 4, RunConfig{})
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	for i := range model.noiseLevels {
		name := fmt.Sprintf("denoise_lvl%d", i)
		v, ok := metrics[name]
		if !ok {
			t.Fatalf("eval metrics missing %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s = %g, want finite", name, v)
		}
	}
}

func TestRunLoopRejectsBadStepCount(t *testing.T) {
	model := newScalarModel(t, 1)
	opt, _ := optimizer.NewSGD(model.Parameters(), 0.1, 0)
	trainer, _ := NewBasicTrainer(model, opt)
	it := &sliceIterator{batches: []Batch{targetBatch(t, 0)}}
	if _, err := Train(context.Background(), trainer, it, 0, RunConfig{}); err == nil {
		t.Error("expected error for zero step count")
	}
	if _, err := Eval(context.Background(), trainer, it, -1, RunConfig{}); err == nil {
		t.Error("expected error for negative step count")
	}
}
