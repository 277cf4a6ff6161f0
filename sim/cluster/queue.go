package cluster

import (
	"sync"

	"github.com/agentgrid/agentgrid/sim"
)

type queued[U any] struct {
	from   sim.AgentID
	target sim.AgentID
	update U
}

// Updates is the write-only handle given to one decide call.
//
// Thread-safety: safe for concurrent use, so a decide call may fan out.
type Updates[U any] struct {
	from    sim.AgentID
	mu      sync.Mutex
	entries []queued[U]
}

func newUpdates[U any](from sim.AgentID) *Updates[U] {
	return &Updates[U]{from: from}
}

// Queue addresses update to target. It takes effect only in the update phase
// of the step, on the shard owning target.
func (u *Updates[U]) Queue(target sim.AgentID, update U) {
	u.mu.Lock()
	u.entries = append(u.entries, queued[U]{from: u.from, target: target, update: update})
	u.mu.Unlock()
}

// Len returns the number of updates queued through this handle.
func (u *Updates[U]) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}

// updateQueue accumulates the handles of one shard's decide phase. Handles
// are merged as their decide call completes, which fixes the per-target
// order inside the shard.
type updateQueue[U any] struct {
	mu      sync.Mutex
	entries []queued[U]
}

func (q *updateQueue[U]) merge(h *Updates[U]) {
	h.mu.Lock()
	entries := h.entries
	h.entries = nil
	h.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	q.entries = append(q.entries, entries...)
	q.mu.Unlock()
}

func (q *updateQueue[U]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// routed is the result of partitioning a queue at the phase boundary.
type routed[U any] struct {
	local   map[sim.AgentID][]U
	remote  map[ShardID][]queued[U]
	unknown []queued[U]
}

// partition splits the queue by target owner. Order is preserved within
// every local target and every remote shard.
func (q *updateQueue[U]) partition(self ShardID, owners map[sim.AgentID]ShardID) routed[U] {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := routed[U]{
		local:  make(map[sim.AgentID][]U),
		remote: make(map[ShardID][]queued[U]),
	}
	for _, e := range q.entries {
		owner, ok := owners[e.target]
		switch {
		case !ok:
			r.unknown = append(r.unknown, e)
		case owner == self:
			r.local[e.target] = append(r.local[e.target], e.update)
		default:
			r.remote[owner] = append(r.remote[owner], e)
		}
	}
	return r
}
