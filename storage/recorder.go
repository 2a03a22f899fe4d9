package storage

import "context"

// Recorder adapts a Store to the training.MetricRecorder interface.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Record(ctx context.Context, runID string, step int, name string, value float64) error {
	return r.store.RecordMetric(ctx, MetricPoint{
		RunID: runID,
		Step:  step,
		Name:  name,
		Value: value,
	})
}
