// Package streamaggr maintains sum, sum of squares and count over a trailing
// time window of a value stream, so mean/variance/stddev are O(1) per update.
//
// Timestamps fed must be monotonic non-decreasing. Eviction binary-searches
// the retained-times array, which is only sorted under that precondition;
// feeding out of order produces an undefined retained set.
package streamaggr

import (
	"errors"
	"math"
	"sort"
	"time"
)

const (
	defaultCapacity = 1 << 20

	// timeOffset disambiguates samples sitting exactly on the window edge:
	// a sample with timestamp == now - window is evicted, not retained.
	timeOffset = 0.1
)

var (
	ErrEmptyWindow = errors.New("no samples in window")
	ErrCapacity    = errors.New("backing array full of live samples")
)

type Aggr struct {
	times  []int64
	values []float64
	// retained window is [start, end)
	start, end int
	window     int64 // milliseconds
	sum        float64
	sum2       float64
	count      int
}

// New creates an aggregator over a trailing window with the default capacity.
// The window is truncated to millisecond resolution.
func New(window time.Duration) *Aggr {
	return NewWithCapacity(window, defaultCapacity)
}

func NewWithCapacity(window time.Duration, capacity int) *Aggr {
	return &Aggr{
		times:  make([]int64, capacity),
		values: make([]float64, capacity),
		window: window.Milliseconds(),
	}
}

// Feed inserts one sample (timestamp in milliseconds) and evicts every
// retained sample that fell out of the window. The running sums are updated by
// adding the new sample and subtracting the evicted ones, so they equal the
// sums over exactly the retained window at all times.
func (a *Aggr) Feed(timestamp int64, value float64) error {
	if a.end == len(a.times) {
		if err := a.compact(); err != nil {
			return err
		}
	}

	a.times[a.end] = timestamp
	a.values[a.end] = value
	a.end++
	a.sum += value
	a.sum2 += value * value
	a.count++

	cut := float64(timestamp) + timeOffset - float64(a.window)
	evict := sort.Search(a.end-a.start, func(i int) bool {
		return float64(a.times[a.start+i]) >= cut
	})
	for i := a.start; i < a.start+evict; i++ {
		a.sum -= a.values[i]
		a.sum2 -= a.values[i] * a.values[i]
	}
	a.count -= evict
	a.start += evict

	return nil
}

// compact shifts the live window to the front of the backing arrays.
func (a *Aggr) compact() error {
	if a.start == 0 {
		return ErrCapacity
	}
	n := copy(a.times, a.times[a.start:a.end])
	copy(a.values, a.values[a.start:a.end])
	a.start = 0
	a.end = n
	return nil
}

func (a *Aggr) Count() int {
	return a.count
}

func (a *Aggr) Sum() (float64, error) {
	if a.count == 0 {
		return 0, ErrEmptyWindow
	}
	return a.sum, nil
}

// Sum2 returns the sum of squared sample values in the window.
func (a *Aggr) Sum2() (float64, error) {
	if a.count == 0 {
		return 0, ErrEmptyWindow
	}
	return a.sum2, nil
}

func (a *Aggr) Mean() (float64, error) {
	if a.count == 0 {
		return 0, ErrEmptyWindow
	}
	return a.sum / float64(a.count), nil
}

// Variance returns the population variance E[X^2] - E[X]^2 of the window.
func (a *Aggr) Variance() (float64, error) {
	mean, err := a.Mean()
	if err != nil {
		return 0, err
	}
	return a.sum2/float64(a.count) - mean*mean, nil
}

func (a *Aggr) StdDev() (float64, error) {
	v, err := a.Variance()
	if err != nil {
		return 0, err
	}
	return math.Sqrt(v), nil
}
