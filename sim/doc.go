// Package sim provides the shared model for agentgrid's sharded agent-based
// simulations.
//
// # Reading Guide
//
// Start with these files to understand the data model:
//   - agent.go: AgentID identity scheme and the Agent value
//   - keys.go: deterministic store keys and pub/sub channels per run namespace
//   - codec.go: how State, World and Update values cross shard boundaries
//   - errors.go: the error taxonomy shared by every layer
//   - rng.go: seed partitioning so randomized simulations replay per agent
//
// # Architecture
//
// The sim package holds pure types; behaviour lives in sub-packages:
//   - sim/store/: the shared store contract (key/value + pub/sub) and backends
//     (in-memory, SQLite, websocket remote)
//   - sim/cluster/: the two-phase decide/update engine (update queue,
//     population view, worker and manager)
//   - sim/trace/: per-step phase and barrier records
//   - sim/demo/: built-in simulations used by the CLI and end-to-end tests
//   - sim/internal/testutil/: golden dataset loader for reference runs
//
// # Key Interfaces
//
//   - Codec: marshal/unmarshal of every value written to the store
//   - store.Store: Get/Set/Publish/Subscribe against the shared store
//   - cluster.Simulation: user decide/update logic
package sim
