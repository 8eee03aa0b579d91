package inferbench

import (
	"math"
	"slices"
	"time"
)

type number interface {
	~int64 | ~float64
}

// Stats summarises a sample of durations or rates.
type Stats[T number] struct {
	Min    T `json:"min"`
	Max    T `json:"max"`
	Mean   T `json:"mean"`
	Median T `json:"median"`
	P95    T `json:"p95"`
}

type (
	DurationStats = Stats[time.Duration]
	FloatStats    = Stats[float64]
)

// describe computes Stats for vals. An empty sample gives zero Stats.
func describe[T number](vals []T) Stats[T] {
	n := len(vals)
	if n == 0 {
		return Stats[T]{}
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)

	var sum T
	for _, v := range sorted {
		sum += v
	}
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return Stats[T]{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / T(n),
		Median: median,
		P95:    sorted[rank(n, 95)],
	}
}

// rank is the nearest-rank index of the pct-th percentile in a sorted
// sample of n values.
func rank(n, pct int) int {
	if n <= 0 {
		return 0
	}
	return min(max((n*pct+99)/100-1, 0), n-1)
}

func pluck[T any](samples []Sample, fn func(Sample) T) []T {
	out := make([]T, len(samples))
	for i, s := range samples {
		out[i] = fn(s)
	}
	return out
}

// succeeded drops failed samples.
func succeeded(samples []Sample) []Sample {
	return slices.DeleteFunc(slices.Clone(samples), func(s Sample) bool { return s.Error != "" })
}

// labelled keeps the samples recorded under label.
func labelled(samples []Sample, label string) []Sample {
	return slices.DeleteFunc(slices.Clone(samples), func(s Sample) bool { return s.Label != label })
}

// summarize aggregates the samples of one workload. Repeat workloads also
// compare their warm runs with the cold ones.
func summarize(w Workload, samples []Sample) Summary {
	cold := labelled(samples, w.Name)
	ok := succeeded(cold)
	sum := Summary{Name: w.Name, Runs: len(ok), Errors: len(cold) - len(ok)}
	if len(ok) == 0 {
		return sum
	}

	sum.TTFT = describe(pluck(ok, func(s Sample) time.Duration { return s.TTFT }))
	sum.Duration = describe(pluck(ok, func(s Sample) time.Duration { return s.Duration }))
	sum.PromptTPS = describe(pluck(ok, func(s Sample) float64 { return s.PromptTPS }))
	sum.GenerationTPS = describe(pluck(ok, func(s Sample) float64 { return s.GenerationTPS }))

	var generated, chunks float64
	var gaps []time.Duration
	for _, s := range ok {
		generated += float64(s.OutputTokens)
		sum.PeakRSSBytes = max(sum.PeakRSSBytes, s.RSSBytes)
		if s.Chunks > 0 {
			chunks += float64(s.Chunks)
			gaps = append(gaps, s.AvgChunkGap)
		}
	}
	sum.AvgOutputTokens = generated / float64(len(ok))
	if len(gaps) > 0 {
		sum.Streamed = true
		sum.AvgChunks = chunks / float64(len(gaps))
		sum.ChunkGap = describe(gaps)
	}

	if w.Repeat && sum.TTFT.Mean > 0 {
		if warm := succeeded(labelled(samples, w.Name+warmSuffix)); len(warm) > 0 {
			warmTTFT := describe(pluck(warm, func(s Sample) time.Duration { return s.TTFT }))
			gain := float64(sum.TTFT.Mean-warmTTFT.Mean) / float64(sum.TTFT.Mean) * 100
			sum.WarmTTFTGainPct = math.Round(gain*10) / 10
		}
	}
	return sum
}
