package sim

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible simulation run.
// Two runs with the same SimulationKey, population and worker count MUST
// produce identical committed states.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// === Subsystem Constants ===

const (
	// SubsystemSpawn is the RNG subsystem for generating initial populations.
	// Uses master seed directly so --seed alone reproduces a population.
	SubsystemSpawn = "spawn"

	// SubsystemDecide is the prefix for per-agent decide streams.
	SubsystemDecide = "decide"
)

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula:
//   - For SubsystemSpawn: uses masterSeed directly
//   - For all other subsystems: masterSeed XOR fnv1a64(subsystemName)
//   - For ForAgent: masterSeed XOR fnv1a64(SubsystemDecide, step, id)
//
// Thread-safety: ForSubsystem is NOT thread-safe. ForAgent returns a fresh
// *rand.Rand on every call and is safe to call from parallel decide calls.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}

	var derivedSeed int64
	if name == SubsystemSpawn {
		derivedSeed = int64(p.key)
	} else {
		derivedSeed = int64(p.key) ^ fnv1a64(name)
	}

	rng := rand.New(rand.NewSource(derivedSeed))
	p.subsystems[name] = rng
	return rng
}

// ForAgent returns an RNG private to one agent's decide call in one step.
// The stream depends only on (key, step, id), so results do not depend on
// which shard owns the agent or on decide scheduling order.
func (p *PartitionedRNG) ForAgent(step uint64, id AgentID) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(SubsystemDecide))
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], step)
	binary.LittleEndian.PutUint64(buf[8:], uint64(id))
	_, _ = h.Write(buf[:])
	return rand.New(rand.NewSource(int64(p.key) ^ int64(h.Sum64())))
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
