package sim

import (
	"fmt"
	"strconv"
)

// AgentID identifies an agent for the lifetime of a manager. IDs are
// allocated monotonically starting at 1 and are never reused; the zero value
// is never a valid agent.
type AgentID uint64

// String returns the decimal form used in store keys.
func (id AgentID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseAgentID parses the decimal form produced by String.
func ParseAgentID(s string) (AgentID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing agent id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("parsing agent id %q: zero is not a valid agent id", s)
	}
	return AgentID(v), nil
}

// Agent pairs an id with the agent's state. State is owned by exactly one
// shard for the duration of a run.
type Agent[S any] struct {
	ID    AgentID `json:"id"`
	State S       `json:"state"`
}
