package cluster

import (
	"context"

	"github.com/agentgrid/agentgrid/sim"
)

// Simulation is the user-supplied transition logic. S is the agent state, W
// the world and U the update type; all three must round-trip through the
// run's sim.Codec.
//
// Decide may run in parallel for agents of the same shard. It sees only
// committed state through pop and can only emit updates through updates;
// returning an error fails that agent's decide for the step.
//
// Update applies the updates queued for one agent in one step, in queue
// order, and reports whether state changed. Unchanged agents are not written,
// and any in-place edits made before returning false are discarded.
type Simulation[S, W, U any] interface {
	Decide(ctx context.Context, agent sim.Agent[S], world W, pop *Population[S], updates *Updates[U]) error
	Update(state *S, updates []U) bool
}

// WorldUpdater is implemented by simulations that advance the world between
// steps. UpdateWorld runs on the manager after every worker has committed the
// step; the returned world is frozen for the next decide phase when changed
// is true.
type WorldUpdater[W any] interface {
	UpdateWorld(world W, report StepReport) (next W, changed bool)
}
