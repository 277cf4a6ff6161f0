// Package demo holds the simulations shipped with agentgrid. They back the
// CLI and the end-to-end tests of the engine.
//
//   - health.go: every agent raises its own health by a fixed delta each step
//   - opinion.go: agents read a random peer's opinion and drift toward it,
//     which exercises remote lookups and cross-shard updates
package demo
