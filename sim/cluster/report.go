package cluster

import (
	"fmt"
	"time"

	"github.com/agentgrid/agentgrid/sim"
)

// AgentFailure records one agent whose decide or update did not complete.
type AgentFailure struct {
	Agent  sim.AgentID `json:"agent"`
	Phase  Phase       `json:"phase"`
	Reason string      `json:"reason"`
}

// ShardReport is what one worker reports for one step.
type ShardReport struct {
	Shard ShardID `json:"shard"`
	Step  uint64  `json:"step"`

	Agents  int `json:"agents"`
	Decided int `json:"decided"`

	// Queue routing
	QueuedLocal  int `json:"queued_local"`
	QueuedRemote int `json:"queued_remote"`
	Received     int `json:"received"`

	// Update phase
	Updated   int `json:"updated"`
	Writes    int `json:"writes"`
	Unchanged int `json:"unchanged"`

	// Population view
	RemoteLookups int64 `json:"remote_lookups"`
	CacheHits     int64 `json:"cache_hits"`

	Failures []AgentFailure `json:"failures,omitempty"`

	DecideTime time.Duration `json:"decide_time"`
	UpdateTime time.Duration `json:"update_time"`
}

// StepReport aggregates the shard reports of one completed step.
type StepReport struct {
	Step   uint64        `json:"step"`
	Shards []ShardReport `json:"shards"`

	Decided       int   `json:"decided"`
	QueuedLocal   int   `json:"queued_local"`
	QueuedRemote  int   `json:"queued_remote"`
	Updated       int   `json:"updated"`
	Writes        int   `json:"writes"`
	Unchanged     int   `json:"unchanged"`
	RemoteLookups int64 `json:"remote_lookups"`
	CacheHits     int64 `json:"cache_hits"`

	Failures []AgentFailure `json:"failures,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// aggregateReports builds the step report from per-shard reports, ordered
// by shard.
func aggregateReports(step uint64, shards []ShardReport, elapsed time.Duration) StepReport {
	r := StepReport{Step: step, Shards: shards, Duration: elapsed}
	for _, s := range shards {
		r.Decided += s.Decided
		r.QueuedLocal += s.QueuedLocal
		r.QueuedRemote += s.QueuedRemote
		r.Updated += s.Updated
		r.Writes += s.Writes
		r.Unchanged += s.Unchanged
		r.RemoteLookups += s.RemoteLookups
		r.CacheHits += s.CacheHits
		r.Failures = append(r.Failures, s.Failures...)
	}
	return r
}

// StepError is returned by Manager.Run when a step could not complete.
// Shard is -1 when the failure is on the manager side.
type StepError struct {
	Step  uint64
	Shard ShardID
	Err   error
}

func (e *StepError) Error() string {
	if e.Shard < 0 {
		return fmt.Sprintf("step %d: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %d shard %d: %v", e.Step, e.Shard, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// stepFailed builds a StepError that wraps sim.ErrStepFailed.
func stepFailed(step uint64, shard ShardID, format string, args ...any) *StepError {
	return &StepError{
		Step:  step,
		Shard: shard,
		Err:   fmt.Errorf("%w: %s", sim.ErrStepFailed, fmt.Sprintf(format, args...)),
	}
}
