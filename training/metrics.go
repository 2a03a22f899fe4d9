package training

import (
	"fmt"
	"math"
	"sort"
)

// Accumulator tracks a streaming mean and standard deviation using
// Welford's online algorithm, so no sample history is retained.
type Accumulator struct {
	count int64
	mean  float64
	m2    float64
}

// Update folds one sample into the accumulator.
func (a *Accumulator) Update(v float64) {
	a.count++
	delta := v - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (v - a.mean)
}

// Count returns the number of samples folded so far.
func (a *Accumulator) Count() int64 { return a.count }

// Mean returns the running mean, or NaN before any sample.
func (a *Accumulator) Mean() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.mean
}

// Std returns the running population standard deviation. A single sample
// has zero deviation; no samples yield NaN.
func (a *Accumulator) Std() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return math.Sqrt(a.m2 / float64(a.count))
}

// Collection groups named accumulator buckets, one per metric, preserving
// first-seen order for reporting.
type Collection struct {
	buckets map[string]*Accumulator
	order   []string
}

// NewCollection creates an empty metric collection.
func NewCollection() *Collection {
	return &Collection{buckets: make(map[string]*Accumulator)}
}

// Update folds a sample into the named bucket, creating it on first use.
func (c *Collection) Update(name string, v float64) {
	acc, ok := c.buckets[name]
	if !ok {
		acc = &Accumulator{}
		c.buckets[name] = acc
		c.order = append(c.order, name)
	}
	acc.Update(v)
}

// Get returns the named accumulator, or nil when the bucket does not exist.
func (c *Collection) Get(name string) *Accumulator {
	return c.buckets[name]
}

// Names returns the bucket names in first-seen order.
func (c *Collection) Names() []string {
	return append([]string(nil), c.order...)
}

// ComputeAll finalizes every bucket into "<name>" (mean) and "<name>_std"
// entries.
func (c *Collection) ComputeAll() map[string]float64 {
	out := make(map[string]float64, 2*len(c.buckets))
	for name, acc := range c.buckets {
		out[name] = acc.Mean()
		out[name+"_std"] = acc.Std()
	}
	return out
}

// Summary renders the finalized metrics as a stable single-line report.
func (c *Collection) Summary() string {
	names := append([]string(nil), c.order...)
	sort.Strings(names)
	s := ""
	for i, name := range names {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%.6g", name, c.buckets[name].Mean())
	}
	return s
}
