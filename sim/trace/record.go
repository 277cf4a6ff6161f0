package trace

import "time"

// StepRecord captures the aggregate outcome of one step.
type StepRecord struct {
	Step          uint64
	Duration      time.Duration
	Decided       int
	QueuedLocal   int
	QueuedRemote  int
	Writes        int
	Unchanged     int
	Failures      int
	RemoteLookups int64
	CacheHits     int64
}

// ShardRecord captures one shard's share of a step.
type ShardRecord struct {
	Step       uint64
	Shard      int
	Agents     int
	Sent       int // updates shipped to other shards
	Received   int // updates drained from other shards
	Writes     int
	Failures   int
	DecideTime time.Duration
	UpdateTime time.Duration
}

// Busy is the time the shard spent deciding and updating.
func (r ShardRecord) Busy() time.Duration { return r.DecideTime + r.UpdateTime }
