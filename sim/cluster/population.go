package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/store"
)

// Population is the read-only view of the whole population given to decide.
//
// Lookups of local agents read the shard's committed in-memory state. Remote
// agents are fetched from the store once per step and memoized, so repeated
// lookups of one id within a step return the same value even if its owner
// commits in between.
//
// Thread-safety: safe for concurrent use by parallel decide calls.
type Population[S any] struct {
	shard  ShardID
	local  map[sim.AgentID]S
	owners map[sim.AgentID]ShardID
	ids    []sim.AgentID

	store store.Store
	keys  sim.Keyspace
	codec sim.Codec
	retry store.RetryConfig
	log   logrus.FieldLogger

	step  uint64
	mu    sync.Mutex
	cache map[sim.AgentID]S

	remoteLookups atomic.Int64
	cacheHits     atomic.Int64
}

// Lookup resolves id to its last committed state.
func (p *Population[S]) Lookup(ctx context.Context, id sim.AgentID) (S, error) {
	var zero S
	owner, ok := p.owners[id]
	if !ok {
		return zero, fmt.Errorf("lookup agent %d: %w", id, sim.ErrAgentNotFound)
	}
	if owner == p.shard {
		s, ok := p.local[id]
		if !ok {
			return zero, fmt.Errorf("lookup agent %d: %w", id, sim.ErrAgentNotFound)
		}
		return s, nil
	}

	p.mu.Lock()
	if s, ok := p.cache[id]; ok {
		p.mu.Unlock()
		p.cacheHits.Add(1)
		return s, nil
	}
	p.mu.Unlock()

	p.remoteLookups.Add(1)
	var raw []byte
	var found bool
	err := store.Retry(ctx, p.retry, fmt.Sprintf("lookup agent %d", id), p.log, func(ctx context.Context) error {
		var err error
		raw, found, err = p.store.Get(ctx, p.keys.Agent(id))
		return err
	})
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, fmt.Errorf("lookup agent %d: %w", id, sim.ErrAgentNotFound)
	}
	var s S
	if err := p.codec.Unmarshal(raw, &s); err != nil {
		return zero, fmt.Errorf("lookup agent %d: %w", id, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// A concurrent fetch of the same id may have landed first; keep its value.
	if prev, ok := p.cache[id]; ok {
		return prev, nil
	}
	p.cache[id] = s
	return s, nil
}

// Count returns the size of the whole population for this run.
func (p *Population[S]) Count() int { return len(p.ids) }

// IDs returns every agent id of the run in ascending order. The slice is
// shared; callers must not modify it.
func (p *Population[S]) IDs() []sim.AgentID { return p.ids }

// IsLocal reports whether id is owned by the calling shard.
func (p *Population[S]) IsLocal(id sim.AgentID) bool {
	owner, ok := p.owners[id]
	return ok && owner == p.shard
}

// Step returns the step being decided.
func (p *Population[S]) Step() uint64 { return p.step }

// reset drops the remote cache at the start of a decide phase.
func (p *Population[S]) reset(step uint64) {
	p.mu.Lock()
	p.step = step
	p.cache = make(map[sim.AgentID]S)
	p.mu.Unlock()
	p.remoteLookups.Store(0)
	p.cacheHits.Store(0)
}
