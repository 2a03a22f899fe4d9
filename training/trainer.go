package training

import (
	"context"
	"fmt"
	"log"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"gencfd/tensor"
)

// RunConfig carries the optional collaborators of the run loops.
type RunConfig struct {
	// RunID labels recorded metrics. A fresh UUID is generated when empty.
	RunID string
	// Recorder persists per-step metrics when set.
	Recorder MetricRecorder
	// TrackMemory folds a heap-usage sample into the metrics each step.
	// It requires an accelerator device; otherwise tracking is skipped
	// with a warning and training continues.
	TrackMemory bool
	// Device is the compute device the trainer's model lives on.
	Device tensor.DeviceType
	// Logf overrides the default logger.
	Logf func(format string, args ...interface{})
}

func (c *RunConfig) logf(format string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (c *RunConfig) ensureRunID() {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
}

// memorySample reads the current heap allocation in bytes.
func memorySample() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc)
}

// Train drives the trainer for numSteps batches, folding the per-step
// scalar metrics into streaming accumulators, and returns the finalized
// means and standard deviations.
func Train(ctx context.Context, tr Trainer, it BatchIterator, numSteps int, cfg RunConfig) (map[string]float64, error) {
	if numSteps <= 0 {
		return nil, fmt.Errorf("step count must be positive, got %d", numSteps)
	}
	cfg.ensureRunID()

	trackMemory := cfg.TrackMemory
	if trackMemory && cfg.Device != tensor.Accelerator {
		cfg.logf("run %s: memory tracking requested without an accelerator device; skipping", cfg.RunID)
		trackMemory = false
	}

	coll := NewCollection()
	var peakMem float64
	for step := 0; step < numSteps; step++ {
		batch, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("batch %d unavailable: %v", step, err)
		}
		metrics, err := tr.TrainStep(batch)
		if err != nil {
			return nil, fmt.Errorf("train step %d failed: %v", step, err)
		}
		if trackMemory {
			mem := memorySample()
			metrics["mem"] = mem
			if mem > peakMem {
				peakMem = mem
			}
		}
		if err := foldAndRecord(ctx, coll, metrics, cfg, step); err != nil {
			return nil, err
		}
	}
	if trackMemory {
		cfg.logf("run %s: peak heap usage %s over %d steps", cfg.RunID, humanize.Bytes(uint64(peakMem)), numSteps)
	}
	cfg.logf("run %s: %d train steps, %s", cfg.RunID, numSteps, coll.Summary())
	return coll.ComputeAll(), nil
}

// Eval drives the trainer's eval step for numSteps batches with gradient
// computation disabled, producing one accumulator bucket per named metric.
func Eval(ctx context.Context, tr Trainer, it BatchIterator, numSteps int, cfg RunConfig) (map[string]float64, error) {
	if numSteps <= 0 {
		return nil, fmt.Errorf("step count must be positive, got %d", numSteps)
	}
	cfg.ensureRunID()

	coll := NewCollection()
	for step := 0; step < numSteps; step++ {
		batch, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("batch %d unavailable: %v", step, err)
		}
		metrics, err := tr.EvalStep(batch)
		if err != nil {
			return nil, fmt.Errorf("eval step %d failed: %v", step, err)
		}
		if err := foldAndRecord(ctx, coll, metrics, cfg, step); err != nil {
			return nil, err
		}
	}
	cfg.logf("run %s: %d eval steps, %s", cfg.RunID, numSteps, coll.Summary())
	return coll.ComputeAll(), nil
}

func foldAndRecord(ctx context.Context, coll *Collection, metrics map[string]float64, cfg RunConfig, step int) error {
	for name, v := range metrics {
		coll.Update(name, v)
		if cfg.Recorder != nil {
			if err := cfg.Recorder.Record(ctx, cfg.RunID, step, name, v); err != nil {
				return fmt.Errorf("recording metric %q at step %d failed: %v", name, step, err)
			}
		}
	}
	return nil
}
