package analyzer

import (
	"github.com/montanaflynn/stats"

	"perftrace-mcp/internal/perf"
	"perftrace-mcp/internal/stacks"
)

// Category is the kind of CPU activity a sample landed in.
type Category string

const (
	CategoryRegular Category = "Regular CPU"
	CategoryISR     Category = "ISR"
	CategoryIdle    Category = "Idle"
)

const (
	irqExitFrame = "kernel.kallsyms!irq_exit"
	idleSymbol   = "native_safe_halt"

	// Weights outside (median*lowOutlier, median*highOutlier) are reset to the median.
	lowOutlier  = 0.5
	highOutlier = 1.3
)

// Sample is a CPU sample with the time it is estimated to represent.
type Sample struct {
	Event
	Weight   float64 // milliseconds
	Category Category
}

// SelectSamples returns the events whose name marks them as CPU samples, in
// trace order.
func SelectSamples(events []Event, names []string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == perf.KindSample && containsName(names, ev.EventName) {
			out = append(out, ev)
		}
	}
	return out
}

// BuildSamples pairs each sample with its weight and category.
func BuildSamples(cache *stacks.Cache, samples []Event) []Sample {
	weights := EstimateWeights(samples)
	out := make([]Sample, len(samples))
	for i, ev := range samples {
		out[i] = Sample{
			Event:    ev,
			Weight:   weights[i],
			Category: Categorize(cache, ev.Stack),
		}
	}
	return out
}

// Categorize classifies a sample by its stack.
func Categorize(cache *stacks.Cache, h stacks.Handle) Category {
	if cache.Contains(h, irqExitFrame) {
		return CategoryISR
	}
	if f, ok := cache.Frame(h); ok && f.Symbol == idleSymbol {
		return CategoryIdle
	}
	return CategoryRegular
}

type lastSample struct {
	index     int
	timestamp float64
}

// EstimateWeights assigns every sample the time until the next sample on the
// same CPU. The last sample of each CPU gets the median of those gaps, and any
// weight far from the median is replaced by it to absorb sampling jitter.
func EstimateWeights(samples []Event) []float64 {
	weights := make([]float64, len(samples))
	var finalized []float64

	last := make(map[int]lastSample)
	for i, s := range samples {
		if prev, ok := last[s.CPU]; ok {
			weights[prev.index] = s.Timestamp - prev.timestamp
			finalized = append(finalized, weights[prev.index])
		}
		last[s.CPU] = lastSample{index: i, timestamp: s.Timestamp}
	}

	med := median(finalized)
	for _, s := range last {
		weights[s.index] = med
	}

	for i, w := range weights {
		if w <= med*lowOutlier || w >= med*highOutlier {
			weights[i] = med
		}
	}
	return weights
}

// median averages the two middle values for even counts and is 0 for no values.
func median(values []float64) float64 {
	m, err := stats.Median(stats.Float64Data(values))
	if err != nil {
		return 0
	}
	return m
}
