package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps metrics in process memory. It satisfies Store for
// tests and short-lived runs where nothing needs to outlive the process.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]time.Time
	points []MetricPoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]time.Time)}
}

func (s *MemoryStore) Init(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) RecordMetric(ctx context.Context, point MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if point.RecordedAt.IsZero() {
		point.RecordedAt = time.Now().UTC()
	}
	if _, ok := s.runs[point.RunID]; !ok {
		s.runs[point.RunID] = point.RecordedAt
	}
	s.points = append(s.points, point)
	return nil
}

func (s *MemoryStore) Metrics(ctx context.Context, runID, name string) ([]MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MetricPoint
	for _, p := range s.points {
		if p.RunID == runID && p.Name == name {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) Runs(ctx context.Context) ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RunInfo, 0, len(s.runs))
	for id, started := range s.runs {
		out = append(out, RunInfo{ID: id, StartedAt: started})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
