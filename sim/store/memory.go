package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// errOutage is the cause reported while a Memory store simulates an outage.
var errOutage = errors.New("simulated outage")

// Memory is an in-process Store. It backs single-process runs and tests.
//
// Thread-safety: safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]int
	broker *broker

	down   atomic.Bool
	closed atomic.Bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string][]byte),
		sets:   make(map[string]int),
		broker: newBroker(),
	}
}

// SetUnavailable makes every subsequent operation fail with
// sim.ErrStoreUnavailable until called again with false. Existing
// subscriptions stay open but receive nothing while the store is down.
func (m *Memory) SetUnavailable(down bool) {
	m.down.Store(down)
}

// SetCount returns how many times key has been written.
func (m *Memory) SetCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets[key]
}

func (m *Memory) check(op string) error {
	if m.closed.Load() {
		return unavailable(op, errClosed)
	}
	if m.down.Load() {
		return unavailable(op, errOutage)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.check("memory get"); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := m.check("memory set"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	m.sets[key]++
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := m.check("memory publish"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.broker.publish(channel, payload) {
		return unavailable("memory publish", errClosed)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := m.check("memory subscribe"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := m.broker.subscribe(channel)
	if !ok {
		return nil, unavailable("memory subscribe", errClosed)
	}
	return p, nil
}

func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.broker.close()
	return nil
}
