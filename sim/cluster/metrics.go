package cluster

import (
	"math"
	"slices"
	"time"
)

// StepTimes summarizes the wall time of a run's steps.
type StepTimes struct {
	Count int
	Mean  time.Duration
	Min   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// NewStepTimes summarizes samples; the zero value when there are none.
func NewStepTimes(samples []time.Duration) StepTimes {
	if len(samples) == 0 {
		return StepTimes{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return StepTimes{
		Count: len(sorted),
		Mean:  total / time.Duration(len(sorted)),
		Min:   sorted[0],
		P50:   quantile(sorted, 0.50),
		P95:   quantile(sorted, 0.95),
		P99:   quantile(sorted, 0.99),
		Max:   sorted[len(sorted)-1],
	}
}

// quantile interpolates between the two samples around rank q*(n-1).
// sorted must be ascending and non-empty.
func quantile(sorted []time.Duration, q float64) time.Duration {
	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + time.Duration(math.Round(frac*float64(sorted[lo+1]-sorted[lo])))
}

// RunSummary aggregates a whole run.
type RunSummary struct {
	Namespace string
	Run       uint64
	Workers   int
	Agents    int

	FirstStep uint64
	LastStep  uint64
	Steps     int

	StepTime StepTimes

	Writes        int
	Unchanged     int
	QueuedRemote  int
	Failures      int
	RemoteLookups int64
	CacheHits     int64

	// Canceled is set when the run stopped early at a step boundary.
	Canceled bool

	Reports []StepReport
}

func (s *RunSummary) add(r StepReport) {
	if s.Steps == 0 {
		s.FirstStep = r.Step
	}
	s.LastStep = r.Step
	s.Steps++
	s.Writes += r.Writes
	s.Unchanged += r.Unchanged
	s.QueuedRemote += r.QueuedRemote
	s.Failures += len(r.Failures)
	s.RemoteLookups += r.RemoteLookups
	s.CacheHits += r.CacheHits
	s.Reports = append(s.Reports, r)
}

func (s *RunSummary) finalize() {
	samples := make([]time.Duration, 0, len(s.Reports))
	for _, r := range s.Reports {
		samples = append(samples, r.Duration)
	}
	s.StepTime = NewStepTimes(samples)
}
