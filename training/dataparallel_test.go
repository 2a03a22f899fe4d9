package training

import (
	"math"
	"testing"

	"gencfd/optimizer"
)

func TestDataParallelMatchesSingleModel(t *testing.T) {
	// One step of data-parallel training over two replicas must produce
	// the same parameter update as single-model training on the full
	// batch: the shard gradients average back to the full-batch gradient.
	single := newScalarModel(t, 2)
	singleOpt, err := optimizer.NewSGD(single.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	singleTrainer, err := NewBasicTrainer(single, singleOpt)
	if err != nil {
		t.Fatalf("NewBasicTrainer failed: %v", err)
	}

	primary := newScalarModel(t, 2)
	replica := newScalarModel(t, 2)
	dpOpt, err := optimizer.NewSGD(primary.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	dpTrainer, err := NewDistributedTrainer([]Model{primary, replica}, dpOpt)
	if err != nil {
		t.Fatalf("NewDistributedTrainer failed: %v", err)
	}

	batch := targetBatch(t, 1, 2, 3, 4)
	for i := 0; i < 5; i++ {
		singleMetrics, err := singleTrainer.TrainStep(batch)
		if err != nil {
			t.Fatalf("single TrainStep failed: %v", err)
		}
		dpMetrics, err := dpTrainer.TrainStep(batch)
		if err != nil {
			t.Fatalf("data-parallel TrainStep failed: %v", err)
		}
		if math.Abs(singleMetrics["loss"]-dpMetrics["loss"]) > 1e-5 {
			t.Fatalf("step %d: loss %g vs %g", i, singleMetrics["loss"], dpMetrics["loss"])
		}
		if math.Abs(single.weight()-primary.weight()) > 1e-5 {
			t.Fatalf("step %d: weight %g vs %g", i, single.weight(), primary.weight())
		}
	}
}

func TestDataParallelBroadcastsBeforeEachCall(t *testing.T) {
	primary := newScalarModel(t, 1)
	replica := newScalarModel(t, -99) // stale replica weights
	dp, err := NewDataParallel(primary, replica)
	if err != nil {
		t.Fatalf("NewDataParallel failed: %v", err)
	}

	if _, _, err := dp.LossFn(targetBatch(t, 0, 0)); err != nil {
		t.Fatalf("LossFn failed: %v", err)
	}
	if replica.weight() != 1 {
		t.Errorf("replica weight = %g, want broadcast value 1", replica.weight())
	}
}

func TestDataParallelShardsUnevenBatches(t *testing.T) {
	primary := newScalarModel(t, 2)
	replica := newScalarModel(t, 2)
	dp, err := NewDataParallel(primary, replica)
	if err != nil {
		t.Fatalf("NewDataParallel failed: %v", err)
	}

	// 5 rows over 2 replicas: shards of 3 and 2, weighted 3/5 and 2/5.
	loss, _, err := dp.LossFn(targetBatch(t, 0, 0, 0, 0, 0))
	if err != nil {
		t.Fatalf("LossFn failed: %v", err)
	}
	v, err := loss.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if math.Abs(v-4) > 1e-6 { // (2-0)^2 on every row
		t.Errorf("loss = %g, want 4", v)
	}
}

func TestDataParallelFansOutModes(t *testing.T) {
	primary := newScalarModel(t, 1)
	replica := newScalarModel(t, 1)
	dp, err := NewDataParallel(primary, replica)
	if err != nil {
		t.Fatalf("NewDataParallel failed: %v", err)
	}

	dp.Eval()
	if primary.IsTraining() || replica.IsTraining() {
		t.Error("Eval must reach every replica")
	}
	dp.Train()
	if !primary.IsTraining() || !replica.IsTraining() {
		t.Error("Train must reach every replica")
	}
	if dp.Replicas() != 2 {
		t.Errorf("Replicas() = %d, want 2", dp.Replicas())
	}
}

func TestDataParallelEvalAveragesMetrics(t *testing.T) {
	primary := newScalarModel(t, 2)
	replica := newScalarModel(t, 2)
	dp, err := NewDataParallel(primary, replica)
	if err != nil {
		t.Fatalf("NewDataParallel failed: %v", err)
	}
	dp.Eval()

	metrics, err := dp.EvalFn(targetBatch(t, 0, 0, 0, 0))
	if err != nil {
		t.Fatalf("EvalFn failed: %v", err)
	}
	// Both replicas hold the same weight, so the weighted average equals
	// the single-model metric.
	want := (2 - 0.1) * (2 - 0.1)
	if math.Abs(metrics["denoise_lvl0"]-want) > 1e-6 {
		t.Errorf("denoise_lvl0 = %g, want %g", metrics["denoise_lvl0"], want)
	}
}

func TestDataParallelRejectsMismatchedReplicas(t *testing.T) {
	if _, err := NewDataParallel(); err == nil {
		t.Error("expected error for zero replicas")
	}
}
