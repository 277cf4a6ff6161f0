// Package trace records per-step and per-shard execution data of a run for
// offline analysis of stragglers and cross-shard traffic.
// This package has no dependencies on sim/ or sim/cluster/; it stores pure data types.
package trace

// TraceLevel controls the verbosity of step tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelSteps captures one record per completed step.
	TraceLevelSteps TraceLevel = "steps"
	// TraceLevelShards additionally captures one record per shard per step.
	TraceLevelShards TraceLevel = "shards"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:   true,
	TraceLevelSteps:  true,
	TraceLevelShards: true,
	"":               true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// SimulationTrace collects step records during a run.
// Not safe for concurrent use; the manager records from its step loop only.
type SimulationTrace struct {
	Config TraceConfig
	Steps  []StepRecord
	Shards []ShardRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config: config,
		Steps:  make([]StepRecord, 0),
		Shards: make([]ShardRecord, 0),
	}
}

// RecordStep appends a step record.
func (st *SimulationTrace) RecordStep(record StepRecord) {
	st.Steps = append(st.Steps, record)
}

// RecordShard appends a shard record.
func (st *SimulationTrace) RecordShard(record ShardRecord) {
	st.Shards = append(st.Shards, record)
}
