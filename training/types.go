// Package training implements the training engine: streaming metric
// accumulation, immutable training state snapshots with optional EMA
// parameters, loss-scaled mixed precision, and the basic, data-parallel
// and denoising trainers with their shared run loops.
package training

import (
	"context"

	"gencfd/tensor"
)

// Batch maps input names to tensors, as produced by a data loader.
type Batch map[string]*tensor.Tensor

// BatchIterator yields batches one at a time. The run loops pull eagerly
// and block on Next; there is no prefetching here.
type BatchIterator interface {
	Next() (Batch, error)
}

// Model is the collaborator trainers drive. Beyond the usual module
// surface it exposes a loss for training and named evaluation metrics.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	NamedParameters() map[string]*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool

	// LossFn computes the training loss for a batch, plus any auxiliary
	// scalar diagnostics.
	LossFn(batch Batch) (*tensor.Tensor, map[string]float64, error)
	// EvalFn computes named evaluation metrics for a batch under
	// inference mode.
	EvalFn(batch Batch) (map[string]float64, error)
}

// Denoiser is a model that predicts the clean signal from a noised input
// at a given noise level, with optional conditioning inputs.
type Denoiser interface {
	Model
	Denoise(noised, sigma *tensor.Tensor, cond Batch) (*tensor.Tensor, error)
}

// DenoiseFn is the inference signature handed to external samplers and
// integrators: (noised state, noise level, optional conditioning) to
// prediction.
type DenoiseFn func(noised, sigma *tensor.Tensor, cond Batch) (*tensor.Tensor, error)

// MetricRecorder persists per-step scalar metrics for a run. Implementations
// live in the storage package.
type MetricRecorder interface {
	Record(ctx context.Context, runID string, step int, name string, value float64) error
}

// Trainer is the capability set the run loops are written against.
type Trainer interface {
	// InitializeTrainState builds the initial immutable state snapshot.
	InitializeTrainState() (*TrainState, error)
	// TrainStep consumes one batch and returns per-step scalar metrics,
	// at minimum "loss".
	TrainStep(batch Batch) (map[string]float64, error)
	// EvalStep consumes one batch under inference mode and returns named
	// evaluation metrics.
	EvalStep(batch Batch) (map[string]float64, error)
}
