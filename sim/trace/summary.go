package trace

import "time"

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalSteps       int
	TotalWrites      int
	TotalFailures    int
	MeanStepDuration time.Duration
	MaxStepDuration  time.Duration
	CrossShardShare  float64 // remote updates / all queued updates
	CacheHitRate     float64 // cache hits / remote population lookups
	// Stragglers counts, per shard, the steps in which that shard was the
	// busiest. Only filled at TraceLevelShards.
	Stragglers map[int]int
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		Stragglers: make(map[int]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalSteps = len(st.Steps)
	var total time.Duration
	var local, remote int
	var lookups, hits int64
	for _, s := range st.Steps {
		summary.TotalWrites += s.Writes
		summary.TotalFailures += s.Failures
		total += s.Duration
		if s.Duration > summary.MaxStepDuration {
			summary.MaxStepDuration = s.Duration
		}
		local += s.QueuedLocal
		remote += s.QueuedRemote
		lookups += s.RemoteLookups
		hits += s.CacheHits
	}
	if len(st.Steps) > 0 {
		summary.MeanStepDuration = total / time.Duration(len(st.Steps))
	}
	if local+remote > 0 {
		summary.CrossShardShare = float64(remote) / float64(local+remote)
	}
	if lookups+hits > 0 {
		summary.CacheHitRate = float64(hits) / float64(lookups+hits)
	}

	// Busiest shard per step; ties go to the lowest shard.
	busiest := make(map[uint64]ShardRecord)
	for _, r := range st.Shards {
		cur, ok := busiest[r.Step]
		if !ok || r.Busy() > cur.Busy() || (r.Busy() == cur.Busy() && r.Shard < cur.Shard) {
			busiest[r.Step] = r
		}
	}
	for _, r := range busiest {
		summary.Stragglers[r.Shard]++
	}

	return summary
}
