package demo

import (
	"context"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/cluster"
)

// HealthState is the state of a health agent. Dormant agents never queue
// updates, so their committed state is never rewritten.
type HealthState struct {
	Health  int  `json:"health"`
	Dormant bool `json:"dormant,omitempty"`
}

// ChangeHealth is the only health update.
type ChangeHealth struct {
	Delta int `json:"delta"`
}

// HealthWorld carries the per-step delta.
type HealthWorld struct {
	Delta int `json:"delta"`
}

// DefaultHealthWorld raises health by 10 per step.
func DefaultHealthWorld() HealthWorld { return HealthWorld{Delta: 10} }

// Health is the counter simulation.
type Health struct{}

func (Health) Decide(_ context.Context, agent sim.Agent[HealthState], world HealthWorld,
	_ *cluster.Population[HealthState], updates *cluster.Updates[ChangeHealth]) error {
	if agent.State.Dormant {
		return nil
	}
	updates.Queue(agent.ID, ChangeHealth{Delta: world.Delta})
	return nil
}

func (Health) Update(state *HealthState, updates []ChangeHealth) bool {
	delta := 0
	for _, u := range updates {
		delta += u.Delta
	}
	state.Health += delta
	return delta != 0
}

// HealthPopulation returns n active agents at zero health followed by
// dormant agents at zero health.
func HealthPopulation(n, dormant int) []HealthState {
	states := make([]HealthState, 0, n+dormant)
	for i := 0; i < n; i++ {
		states = append(states, HealthState{})
	}
	for i := 0; i < dormant; i++ {
		states = append(states, HealthState{Dormant: true})
	}
	return states
}
