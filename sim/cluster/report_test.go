package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentgrid/agentgrid/sim"
)

func TestStepError_MessageAndUnwrap(t *testing.T) {
	shardErr := stepFailed(7, 2, "no %s ack within %s", AckDecided, time.Second)
	assert.Equal(t, "step 7 shard 2: step failed: no decided ack within 1s", shardErr.Error())
	assert.ErrorIs(t, shardErr, sim.ErrStepFailed)

	managerErr := &StepError{Step: 3, Shard: -1, Err: errors.New("boom")}
	assert.Equal(t, "step 3: boom", managerErr.Error())
}

func TestAggregateReports_SumsShards(t *testing.T) {
	// GIVEN two shard reports
	shards := []ShardReport{
		{Shard: 0, Decided: 3, QueuedLocal: 2, Writes: 2, Unchanged: 1, CacheHits: 4,
			Failures: []AgentFailure{{Agent: 1, Phase: PhaseDeciding}}},
		{Shard: 1, Decided: 2, QueuedRemote: 5, Writes: 1, RemoteLookups: 3,
			Failures: []AgentFailure{{Agent: 2, Phase: PhaseUpdating}}},
	}

	// WHEN aggregated
	r := aggregateReports(9, shards, time.Millisecond)

	// THEN totals are the sums and failures keep shard order
	assert.Equal(t, uint64(9), r.Step)
	assert.Equal(t, 5, r.Decided)
	assert.Equal(t, 2, r.QueuedLocal)
	assert.Equal(t, 5, r.QueuedRemote)
	assert.Equal(t, 3, r.Writes)
	assert.Equal(t, 1, r.Unchanged)
	assert.Equal(t, int64(3), r.RemoteLookups)
	assert.Equal(t, int64(4), r.CacheHits)
	assert.Equal(t, []AgentFailure{{Agent: 1, Phase: PhaseDeciding}, {Agent: 2, Phase: PhaseUpdating}}, r.Failures)
	assert.Equal(t, time.Millisecond, r.Duration)
}

func TestIsValidFailurePolicy(t *testing.T) {
	assert.True(t, IsValidFailurePolicy(""))
	assert.True(t, IsValidFailurePolicy("skip"))
	assert.True(t, IsValidFailurePolicy("abort"))
	assert.False(t, IsValidFailurePolicy("retry"))
}
