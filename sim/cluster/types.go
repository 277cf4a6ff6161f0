package cluster

// Identity types
type ShardID int

// Phase is a worker's position in the per-step state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDeciding   Phase = "deciding"
	PhaseExchanging Phase = "exchanging"
	PhaseUpdating   Phase = "updating"
)

// FailurePolicy selects how a worker treats per-agent failures.
type FailurePolicy string

const (
	// FailureSkip logs the failure, counts it in the step report and skips
	// the agent for that phase.
	FailureSkip FailurePolicy = "skip"
	// FailureAbort fails the step for the worker's shard, which aborts the run.
	FailureAbort FailurePolicy = "abort"
)

// ValidFailurePolicies maps accepted failure policy names.
var ValidFailurePolicies = map[string]bool{
	"":                   true, // empty defaults to skip
	string(FailureSkip):  true,
	string(FailureAbort): true,
}

// IsValidFailurePolicy returns true if name is a recognized failure policy.
func IsValidFailurePolicy(name string) bool {
	return ValidFailurePolicies[name]
}
