package cluster

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/agentgrid/agentgrid/sim"
)

// Assigner maps unpinned agents to shards at the start of a run.
type Assigner interface {
	Name() string
	// Shard returns the owner of id, the seq-th unpinned agent in ascending
	// id order, for a run with the given number of workers.
	Shard(id sim.AgentID, seq int, workers int) ShardID
}

// RoundRobin deals agents to shards in ascending id order.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "round-robin" }

func (RoundRobin) Shard(_ sim.AgentID, seq int, workers int) ShardID {
	return ShardID(seq % workers)
}

// HashAssigner places an agent by hashing its id, so placement does not
// depend on which other agents exist.
type HashAssigner struct{}

func (HashAssigner) Name() string { return "hash" }

func (HashAssigner) Shard(id sim.AgentID, _ int, workers int) ShardID {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	_, _ = h.Write(buf[:])
	return ShardID(h.Sum64() % uint64(workers))
}

// ValidAssigners maps accepted assigner names.
var ValidAssigners = map[string]bool{
	"":            true, // empty defaults to round-robin
	"round-robin": true,
	"hash":        true,
}

// NewAssigner returns the assigner registered under name.
func NewAssigner(name string) (Assigner, error) {
	switch name {
	case "", "round-robin":
		return RoundRobin{}, nil
	case "hash":
		return HashAssigner{}, nil
	default:
		return nil, fmt.Errorf("unknown assigner %q", name)
	}
}

// Assignment is the shard membership of one run, stored under the run's
// assignment key so every worker derives the same ownership.
type Assignment struct {
	Run     uint64          `json:"run"`
	Workers int             `json:"workers"`
	Shards  [][]sim.AgentID `json:"shards"`
}

// Owners returns the owning shard of every assigned agent.
func (a Assignment) Owners() map[sim.AgentID]ShardID {
	owners := make(map[sim.AgentID]ShardID)
	for shard, ids := range a.Shards {
		for _, id := range ids {
			owners[id] = ShardID(shard)
		}
	}
	return owners
}

// IDs returns every assigned agent in ascending order.
func (a Assignment) IDs() []sim.AgentID {
	var ids []sim.AgentID
	for _, members := range a.Shards {
		ids = append(ids, members...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// assign places pinned agents on their pinned shard and deals the rest with
// a. Members of every shard are sorted ascending.
func assign(ids []sim.AgentID, pins map[sim.AgentID]ShardID, workers int, a Assigner) (Assignment, error) {
	if workers < 1 {
		return Assignment{}, fmt.Errorf("assign: workers must be >= 1, got %d", workers)
	}
	sorted := make([]sim.AgentID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	shards := make([][]sim.AgentID, workers)
	seq := 0
	for _, id := range sorted {
		if pin, ok := pins[id]; ok {
			if int(pin) >= workers {
				return Assignment{}, fmt.Errorf("assign: agent %d pinned to shard %d but run has %d workers", id, pin, workers)
			}
			shards[pin] = append(shards[pin], id)
			continue
		}
		shard := a.Shard(id, seq, workers)
		seq++
		shards[shard] = append(shards[shard], id)
	}
	return Assignment{Workers: workers, Shards: shards}, nil
}
