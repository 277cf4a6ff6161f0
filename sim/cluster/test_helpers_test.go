package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/store"
)

// testState is the state used by the in-package test simulations.
type testState struct {
	Value    int           `json:"value"`
	Idle     bool          `json:"idle,omitempty"`
	Calls    int           `json:"calls,omitempty"`
	Received []sim.AgentID `json:"received,omitempty"`
	Seen     []int         `json:"seen,omitempty"`
}

type testWorld struct {
	Delta int `json:"delta"`
}

type testUpdate struct {
	From  sim.AgentID `json:"from"`
	Delta int         `json:"delta"`
	Seen  *int        `json:"seen,omitempty"`
}

// selfSim queues world.Delta for every non-idle agent, addressed to itself.
type selfSim struct{}

func (selfSim) Decide(_ context.Context, a sim.Agent[testState], w testWorld,
	_ *Population[testState], q *Updates[testUpdate]) error {
	if !a.State.Idle {
		q.Queue(a.ID, testUpdate{From: a.ID, Delta: w.Delta})
	}
	return nil
}

func (selfSim) Update(s *testState, us []testUpdate) bool {
	before := s.Value
	for _, u := range us {
		s.Value += u.Delta
	}
	return s.Value != before
}

// pushSim has every agent except target send one update to target. The
// target records each call and every sender in delivery order.
type pushSim struct {
	target sim.AgentID
}

func (p pushSim) Decide(_ context.Context, a sim.Agent[testState], _ testWorld,
	_ *Population[testState], q *Updates[testUpdate]) error {
	if a.ID != p.target {
		q.Queue(p.target, testUpdate{From: a.ID, Delta: 1})
	}
	return nil
}

func (pushSim) Update(s *testState, us []testUpdate) bool {
	s.Calls++
	for _, u := range us {
		s.Value += u.Delta
		s.Received = append(s.Received, u.From)
	}
	return true
}

// watchSim: watcher reads watched twice per step and records what it saw;
// watched increments itself every step.
type watchSim struct {
	watcher, watched sim.AgentID
}

func (w watchSim) Decide(ctx context.Context, a sim.Agent[testState], _ testWorld,
	pop *Population[testState], q *Updates[testUpdate]) error {
	switch a.ID {
	case w.watched:
		q.Queue(a.ID, testUpdate{From: a.ID, Delta: 1})
	case w.watcher:
		first, err := pop.Lookup(ctx, w.watched)
		if err != nil {
			return err
		}
		second, err := pop.Lookup(ctx, w.watched)
		if err != nil {
			return err
		}
		if first.Value != second.Value {
			return errors.New("lookups within one step disagree")
		}
		seen := first.Value
		q.Queue(a.ID, testUpdate{From: a.ID, Seen: &seen})
	}
	return nil
}

func (watchSim) Update(s *testState, us []testUpdate) bool {
	for _, u := range us {
		s.Value += u.Delta
		if u.Seen != nil {
			s.Seen = append(s.Seen, *u.Seen)
		}
	}
	return true
}

// faultySim fails decide for failDecide, panics in update for panicUpdate,
// sends to an unknown agent from strayFrom, and otherwise behaves like selfSim.
type faultySim struct {
	failDecide  sim.AgentID
	panicUpdate sim.AgentID
	strayFrom   sim.AgentID
}

func (f faultySim) Decide(_ context.Context, a sim.Agent[testState], w testWorld,
	_ *Population[testState], q *Updates[testUpdate]) error {
	if a.ID == f.failDecide {
		return errors.New("refusing to decide")
	}
	if a.ID == f.strayFrom {
		q.Queue(sim.AgentID(9999), testUpdate{From: a.ID, Delta: 1})
	}
	// A negative delta makes Update panic for that agent.
	delta := w.Delta
	if a.ID == f.panicUpdate {
		delta = -1
	}
	q.Queue(a.ID, testUpdate{From: a.ID, Delta: delta})
	return nil
}

func (faultySim) Update(s *testState, us []testUpdate) bool {
	for _, u := range us {
		if u.Delta < 0 {
			panic("negative delta")
		}
		s.Value += u.Delta
	}
	return true
}

// scribbleSim queues one self update per agent. Decide fails unless the agent
// still holds Seen == [1]; Update overwrites Seen[0] and reports no change.
type scribbleSim struct{}

func (scribbleSim) Decide(_ context.Context, a sim.Agent[testState], _ testWorld,
	_ *Population[testState], q *Updates[testUpdate]) error {
	if len(a.State.Seen) != 1 || a.State.Seen[0] != 1 {
		return fmt.Errorf("agent %d sees %v", a.ID, a.State.Seen)
	}
	q.Queue(a.ID, testUpdate{From: a.ID})
	return nil
}

func (scribbleSim) Update(s *testState, _ []testUpdate) bool {
	if len(s.Seen) > 0 {
		s.Seen[0] = 99
	}
	return false
}

// worldSim is selfSim plus a world that grows its delta by one every step.
type worldSim struct{ selfSim }

func (worldSim) UpdateWorld(w testWorld, _ StepReport) (testWorld, bool) {
	w.Delta++
	return w, true
}

// fastRun is a RunConfig with short timeouts and a tiny retry budget.
func fastRun(steps, workers int) RunConfig {
	return RunConfig{
		Steps:             steps,
		Workers:           workers,
		DecideParallelism: 1,
		ExchangeTimeout:   2 * time.Second,
		BarrierTimeout:    5 * time.Second,
		Retry: store.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}
}

func newTestManager(t *testing.T, st store.Store) *Manager[testState, testWorld, testUpdate] {
	t.Helper()
	return NewManager[testState, testWorld, testUpdate](st, ManagerConfig{
		Namespace: "test-" + t.Name(),
		Retry:     store.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
}

func spawnN(t *testing.T, m *Manager[testState, testWorld, testUpdate], n int) []sim.AgentID {
	t.Helper()
	ids, err := m.Spawns(context.Background(), make([]testState, n))
	require.NoError(t, err)
	require.Len(t, ids, n)
	return ids
}

func mustLookup(t *testing.T, m *Manager[testState, testWorld, testUpdate], id sim.AgentID) testState {
	t.Helper()
	s, err := m.Lookup(context.Background(), id)
	require.NoError(t, err)
	return s
}

// hookedStore is a Memory store with optional hooks run before Set and
// Publish. A Publish hook error is returned instead of publishing.
type hookedStore struct {
	*store.Memory
	beforeSet     func(key string)
	beforePublish func(channel string) error
}

func (s *hookedStore) Set(ctx context.Context, key string, value []byte) error {
	if s.beforeSet != nil {
		s.beforeSet(key)
	}
	return s.Memory.Set(ctx, key, value)
}

func (s *hookedStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if s.beforePublish != nil {
		if err := s.beforePublish(channel); err != nil {
			return err
		}
	}
	return s.Memory.Publish(ctx, channel, payload)
}
