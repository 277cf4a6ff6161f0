package sim

import "errors"

var (
	// ErrAgentNotFound is returned by lookups of an id that was never spawned
	// or has no committed state. Recoverable by the caller's decide logic.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrStoreUnavailable marks a transient failure to reach the shared store.
	// Store adapters never retry; callers decide the retry policy.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSerialization marks a malformed state, world or update payload.
	ErrSerialization = errors.New("serialization error")

	// ErrStepFailed marks a worker that could not complete a step within its
	// retry budget. The manager aborts the run when it sees one.
	ErrStepFailed = errors.New("step failed")
)
