package training

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"gencfd/tensor"
)

// DataParallel replicates a model across a fixed set of replicas and
// shards each batch along axis 0. The wrapper, not the trainer, owns
// gradient synchronization: backpropagation runs per replica and the
// shard gradients are summed onto the first replica's parameters, which
// is the replica the optimizer must manage. Parameters are broadcast from
// that primary replica to the others before every sharded call.
type DataParallel struct {
	replicas []Model
	training bool
}

// NewDataParallel wraps the given replicas. The first replica is the
// primary: its parameters are the canonical ones. All replicas must have
// identical parameter layouts.
func NewDataParallel(replicas ...Model) (*DataParallel, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("at least one replica is required")
	}
	primary := replicas[0].Parameters()
	for i, r := range replicas[1:] {
		params := r.Parameters()
		if len(params) != len(primary) {
			return nil, fmt.Errorf("replica %d has %d parameters, primary has %d", i+1, len(params), len(primary))
		}
		for k, p := range params {
			if p.NumElems != primary[k].NumElems {
				return nil, fmt.Errorf("replica %d parameter %d has %d elements, primary has %d",
					i+1, k, p.NumElems, primary[k].NumElems)
			}
		}
	}
	return &DataParallel{replicas: replicas, training: true}, nil
}

// Replicas returns the number of model replicas.
func (d *DataParallel) Replicas() int { return len(d.replicas) }

// broadcastParams copies the primary replica's parameter values into every
// other replica.
func (d *DataParallel) broadcastParams() {
	primary := d.replicas[0].Parameters()
	for _, r := range d.replicas[1:] {
		for k, p := range r.Parameters() {
			copy(p.Data.([]float32), primary[k].Data.([]float32))
		}
	}
}

// shardBatch splits every tensor of the batch into near-equal contiguous
// row ranges, one per replica. Replicas beyond the row count receive no
// shard.
func (d *DataParallel) shardBatch(batch Batch) ([]Batch, []float64, error) {
	rows := -1
	for name, t := range batch {
		if len(t.Shape) == 0 {
			return nil, nil, fmt.Errorf("batch entry %q has no batch axis", name)
		}
		if rows == -1 {
			rows = t.Shape[0]
		} else if t.Shape[0] != rows {
			return nil, nil, fmt.Errorf("batch entry %q has %d rows, others have %d", name, t.Shape[0], rows)
		}
	}
	if rows <= 0 {
		return nil, nil, fmt.Errorf("batch is empty")
	}

	n := len(d.replicas)
	if n > rows {
		n = rows
	}
	base := rows / n
	extra := rows % n

	shards := make([]Batch, 0, n)
	weights := make([]float64, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		shard := make(Batch, len(batch))
		for name, t := range batch {
			s, err := tensor.SliceBatch(t, start, start+size)
			if err != nil {
				return nil, nil, fmt.Errorf("sharding batch entry %q failed: %v", name, err)
			}
			shard[name] = s
		}
		shards = append(shards, shard)
		weights = append(weights, float64(size)/float64(rows))
		start += size
	}
	return shards, weights, nil
}

// gradSyncOp defers the per-replica backward passes until the combined
// loss is backpropagated, so the trainer's zero-grad call cannot wipe the
// synchronized gradients. It is a graph leaf: the replica graphs hang off
// the stored shard losses, not off the op's inputs.
type gradSyncOp struct {
	dp      *DataParallel
	losses  []*tensor.Tensor
	weights []float64
	value   float64
}

func (op *gradSyncOp) Inputs() []*tensor.Tensor { return nil }

func (op *gradSyncOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	out := tensor.FromScalar(op.value, tensor.Float32, tensor.CPU)
	out.SetCreator(op)
	out.SetRequiresGrad(true)
	return out
}

func (op *gradSyncOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	g := float64(gradOut.Data.([]float32)[0])

	// Stale shard gradients from earlier steps must not leak in. The
	// primary's gradients are managed by the optimizer's zero-grad.
	for _, r := range op.dp.replicas[1:] {
		tensor.ZeroGrad(r.Parameters())
	}

	var eg errgroup.Group
	for i := range op.losses {
		i := i
		eg.Go(func() error {
			scaled, err := tensor.ScaleAutograd(op.losses[i], op.weights[i]*g)
			if err != nil {
				return err
			}
			return scaled.Backward()
		})
	}
	if err := eg.Wait(); err != nil {
		panic(fmt.Sprintf("replica backward failed: %v", err))
	}

	// Barrier reached: fold every replica's shard gradient into the
	// primary before any optimizer update can run.
	primary := op.dp.replicas[0].Parameters()
	for _, r := range op.dp.replicas[1:] {
		for k, p := range r.Parameters() {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			if err := primary[k].AccumulateGrad(grad); err != nil {
				panic(fmt.Sprintf("gradient synchronization failed: %v", err))
			}
		}
	}
	return nil
}

// LossFn shards the batch, runs every replica's loss in parallel, and
// returns a scalar whose backward pass performs the synchronized
// per-replica backpropagation. Scalar diagnostics are averaged with the
// same shard weights as the loss.
func (d *DataParallel) LossFn(batch Batch) (*tensor.Tensor, map[string]float64, error) {
	d.broadcastParams()
	shards, weights, err := d.shardBatch(batch)
	if err != nil {
		return nil, nil, err
	}

	losses := make([]*tensor.Tensor, len(shards))
	metricsPer := make([]map[string]float64, len(shards))
	var eg errgroup.Group
	for i := range shards {
		i := i
		eg.Go(func() error {
			loss, metrics, err := d.replicas[i].LossFn(shards[i])
			if err != nil {
				return fmt.Errorf("replica %d loss failed: %v", i, err)
			}
			losses[i] = loss
			metricsPer[i] = metrics
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	var lossValue float64
	merged := make(map[string]float64)
	for i, loss := range losses {
		v, err := loss.Item()
		if err != nil {
			return nil, nil, fmt.Errorf("replica %d loss must be a scalar: %v", i, err)
		}
		lossValue += weights[i] * v
		for k, mv := range metricsPer[i] {
			merged[k] += weights[i] * mv
		}
	}

	op := &gradSyncOp{dp: d, losses: losses, weights: weights, value: lossValue}
	return op.Forward(), merged, nil
}

// EvalFn shards the batch across replicas and averages the named metrics
// with the shard weights.
func (d *DataParallel) EvalFn(batch Batch) (map[string]float64, error) {
	d.broadcastParams()
	shards, weights, err := d.shardBatch(batch)
	if err != nil {
		return nil, err
	}

	metricsPer := make([]map[string]float64, len(shards))
	var eg errgroup.Group
	for i := range shards {
		i := i
		eg.Go(func() error {
			metrics, err := d.replicas[i].EvalFn(shards[i])
			if err != nil {
				return fmt.Errorf("replica %d eval failed: %v", i, err)
			}
			metricsPer[i] = metrics
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]float64)
	for i, metrics := range metricsPer {
		for k, v := range metrics {
			merged[k] += weights[i] * v
		}
	}
	return merged, nil
}

func (d *DataParallel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return d.replicas[0].Forward(input)
}

func (d *DataParallel) Parameters() []*tensor.Tensor {
	return d.replicas[0].Parameters()
}

func (d *DataParallel) NamedParameters() map[string]*tensor.Tensor {
	return d.replicas[0].NamedParameters()
}

func (d *DataParallel) Train() {
	d.training = true
	for _, r := range d.replicas {
		r.Train()
	}
}

func (d *DataParallel) Eval() {
	d.training = false
	for _, r := range d.replicas {
		r.Eval()
	}
}

func (d *DataParallel) IsTraining() bool { return d.training }
