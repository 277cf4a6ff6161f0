package cluster

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/sim"
)

func TestUpdates_Queue_ConcurrentSafe(t *testing.T) {
	// GIVEN one handle shared by goroutines of a single decide call
	h := newUpdates[int](1)

	// WHEN 100 updates are queued concurrently
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Queue(2, i)
		}()
	}
	wg.Wait()

	// THEN none is lost
	assert.Equal(t, 100, h.Len())
}

func TestUpdateQueue_Merge_PreservesCompletionOrder(t *testing.T) {
	// GIVEN two decide handles addressing the same target
	a := newUpdates[string](1)
	a.Queue(5, "a1")
	a.Queue(5, "a2")
	b := newUpdates[string](2)
	b.Queue(5, "b1")

	// WHEN b completes before a
	q := &updateQueue[string]{}
	q.merge(b)
	q.merge(a)

	// THEN the target sees b's updates first, then a's in queue order
	r := q.partition(0, map[sim.AgentID]ShardID{5: 0})
	if diff := cmp.Diff([]string{"b1", "a1", "a2"}, r.local[5]); diff != "" {
		t.Errorf("local order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, q.len())
	assert.Equal(t, 0, a.Len(), "merge drains the handle")
}

func TestUpdateQueue_Partition_RoutesByOwner(t *testing.T) {
	// GIVEN owners across three shards and a queue touching all of them
	owners := map[sim.AgentID]ShardID{1: 0, 2: 1, 3: 2, 4: 1}
	h := newUpdates[int](1)
	h.Queue(1, 10) // local
	h.Queue(2, 20) // shard 1
	h.Queue(4, 40) // shard 1
	h.Queue(3, 30) // shard 2
	h.Queue(9, 90) // unknown
	q := &updateQueue[int]{}
	q.merge(h)

	// WHEN partitioned from shard 0
	r := q.partition(0, owners)

	// THEN every update lands in exactly one bucket, order preserved
	assert.Equal(t, map[sim.AgentID][]int{1: {10}}, r.local)
	require.Len(t, r.remote[1], 2)
	assert.Equal(t, sim.AgentID(2), r.remote[1][0].target)
	assert.Equal(t, sim.AgentID(4), r.remote[1][1].target)
	require.Len(t, r.remote[2], 1)
	assert.Equal(t, 30, r.remote[2][0].update)
	require.Len(t, r.unknown, 1)
	assert.Equal(t, sim.AgentID(1), r.unknown[0].from)
	assert.Equal(t, sim.AgentID(9), r.unknown[0].target)
}

func TestUpdateQueue_MergeEmptyHandle_NoEntries(t *testing.T) {
	q := &updateQueue[int]{}
	q.merge(newUpdates[int](1))
	assert.Equal(t, 0, q.len())
}
