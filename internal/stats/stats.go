// Package stats keeps summary statistics over the most recent speed samples.
package stats

import (
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const DefaultWindow = 1000

type Summary struct {
	Count   int     `json:"count"`
	Current float64 `json:"current"`
	Mean    float64 `json:"mean"`
	Median  float64 `json:"median"`
	StdDev  float64 `json:"stddev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Window is a ring of the last samples. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	current float64
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{samples: make([]float64, size)}
}

func (w *Window) Add(speed float64) {
	w.mu.Lock()
	w.samples[w.next] = speed
	w.next++
	if w.next == len(w.samples) {
		w.next, w.full = 0, true
	}
	w.current = speed
	w.mu.Unlock()
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.len()
}

func (w *Window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// Summary of the samples in the window. The zero Summary if there are none.
func (w *Window) Summary() Summary {
	w.mu.Lock()
	data := slices.Clone(w.samples[:w.len()])
	current := w.current
	w.mu.Unlock()

	if len(data) == 0 {
		return Summary{}
	}

	sum := Summary{
		Count:   len(data),
		Current: current,
		Min:     floats.Min(data),
		Max:     floats.Max(data),
	}
	sum.Mean, sum.StdDev = stat.MeanStdDev(data, nil)
	if len(data) < 2 {
		sum.StdDev = 0
	}

	slices.Sort(data)
	sum.Median = median(data)
	return sum
}

// median of sorted data. Even counts average the two middle values.
func median(data []float64) float64 {
	n := len(data)
	if n%2 == 1 {
		return data[n/2]
	}
	return (data[n/2-1] + data[n/2]) / 2
}
