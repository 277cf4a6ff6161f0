package demo

import (
	"context"
	"fmt"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/cluster"
)

// OpinionState is an agent's position on a single axis in [0, 1] and how
// many times it has been listened to.
type OpinionState struct {
	Opinion float64 `json:"opinion"`
	Heard   int     `json:"heard"`
}

// OpinionUpdate either shifts the receiver's opinion or records that the
// receiver was heard by someone.
type OpinionUpdate struct {
	Shift float64 `json:"shift,omitempty"`
	Heard bool    `json:"heard,omitempty"`
}

// OpinionWorld holds how strongly a listener moves toward a speaker.
// Influence decays every round.
type OpinionWorld struct {
	Round     uint64  `json:"round"`
	Influence float64 `json:"influence"`
	Decay     float64 `json:"decay"`
}

// DefaultOpinionWorld starts at half influence decaying 1% per round.
func DefaultOpinionWorld() OpinionWorld {
	return OpinionWorld{Influence: 0.5, Decay: 0.99}
}

// Opinion is the gossip simulation. Every step each agent picks one other
// agent, moves toward that agent's committed opinion and tells it it was
// heard. Choices depend only on the seed, the step and the agent id.
type Opinion struct {
	rng *sim.PartitionedRNG
}

// NewOpinion creates the gossip simulation with a seed.
func NewOpinion(seed int64) *Opinion {
	return &Opinion{rng: sim.NewPartitionedRNG(sim.NewSimulationKey(seed))}
}

func (o *Opinion) Decide(ctx context.Context, agent sim.Agent[OpinionState], world OpinionWorld,
	pop *cluster.Population[OpinionState], updates *cluster.Updates[OpinionUpdate]) error {
	ids := pop.IDs()
	if len(ids) < 2 {
		return nil
	}
	rng := o.rng.ForAgent(pop.Step(), agent.ID)
	peer := ids[rng.Intn(len(ids))]
	for peer == agent.ID {
		peer = ids[rng.Intn(len(ids))]
	}
	other, err := pop.Lookup(ctx, peer)
	if err != nil {
		return fmt.Errorf("listening to agent %d: %w", peer, err)
	}
	if shift := (other.Opinion - agent.State.Opinion) * world.Influence; shift != 0 {
		updates.Queue(agent.ID, OpinionUpdate{Shift: shift})
	}
	updates.Queue(peer, OpinionUpdate{Heard: true})
	return nil
}

func (o *Opinion) Update(state *OpinionState, updates []OpinionUpdate) bool {
	changed := false
	for _, u := range updates {
		if u.Shift != 0 {
			state.Opinion = clamp01(state.Opinion + u.Shift)
			changed = true
		}
		if u.Heard {
			state.Heard++
			changed = true
		}
	}
	return changed
}

// UpdateWorld advances the round and decays influence.
func (o *Opinion) UpdateWorld(world OpinionWorld, _ cluster.StepReport) (OpinionWorld, bool) {
	world.Round++
	world.Influence *= world.Decay
	return world, true
}

// OpinionPopulation draws n opinions uniformly from the seed's spawn stream.
func OpinionPopulation(seed int64, n int) []OpinionState {
	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(seed)).ForSubsystem(sim.SubsystemSpawn)
	states := make([]OpinionState, n)
	for i := range states {
		states[i].Opinion = rng.Float64()
	}
	return states
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
