// Package storage persists training-run metrics so experiments can be
// compared after the fact. An in-memory store backs tests and throwaway
// runs; the SQLite store backs anything worth keeping.
package storage

import (
	"context"
	"time"
)

// MetricPoint is a single recorded scalar for a run.
type MetricPoint struct {
	RunID      string
	Step       int
	Name       string
	Value      float64
	RecordedAt time.Time
}

// RunInfo summarizes a training run known to the store.
type RunInfo struct {
	ID        string
	StartedAt time.Time
}

// Store records and retrieves per-run training metrics. Implementations
// must be safe for concurrent use.
type Store interface {
	// Init prepares the backing storage. It must be called before any
	// other method and is idempotent.
	Init(ctx context.Context) error

	// RecordMetric appends one metric point, registering the run on
	// first sight.
	RecordMetric(ctx context.Context, point MetricPoint) error

	// Metrics returns every point recorded for the named metric of a
	// run, in recording order. An unknown run or name yields an empty
	// slice, not an error.
	Metrics(ctx context.Context, runID, name string) ([]MetricPoint, error)

	// Runs lists every run the store has seen, ordered by start time.
	Runs(ctx context.Context) ([]RunInfo, error)

	// Close releases the backing storage.
	Close() error
}
