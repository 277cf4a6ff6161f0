package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/sim"
)

// storeContract runs the behaviors every backend must share.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing key", func(t *testing.T) {
		v, found, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k", []byte("v1")))
		require.NoError(t, s.Set(ctx, "k", []byte("v2")))
		v, found, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("v2"), v)
	})

	t.Run("publish reaches subscribers in order", func(t *testing.T) {
		sub, err := s.Subscribe(ctx, "ch")
		require.NoError(t, err)
		defer sub.Close()

		for _, p := range []string{"a", "b", "c"} {
			require.NoError(t, s.Publish(ctx, "ch", []byte(p)))
		}
		require.NoError(t, s.Publish(ctx, "other", []byte("x")))

		var got []string
		for len(got) < 3 {
			select {
			case msg := <-sub.Messages():
				got = append(got, string(msg))
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out after %v", got)
			}
		}
		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("closed subscription closes its channel", func(t *testing.T) {
		sub, err := s.Subscribe(ctx, "gone")
		require.NoError(t, err)
		require.NoError(t, sub.Close())
		select {
		case _, ok := <-sub.Messages():
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("messages channel not closed")
		}
	})
}

func TestMemory_Contract(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	storeContract(t, m)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	// GIVEN a stored value
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("abc")))

	// WHEN the caller mutates the returned slice
	v, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	v[0] = 'z'

	// THEN the stored value is unaffected
	again, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemory_SetUnavailable_FailsWithStoreUnavailable(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("v")))

	m.SetUnavailable(true)
	_, _, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, sim.ErrStoreUnavailable)
	assert.ErrorIs(t, m.Set(ctx, "k", nil), sim.ErrStoreUnavailable)
	assert.ErrorIs(t, m.Publish(ctx, "ch", nil), sim.ErrStoreUnavailable)
	_, err = m.Subscribe(ctx, "ch")
	assert.ErrorIs(t, err, sim.ErrStoreUnavailable)

	m.SetUnavailable(false)
	v, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestMemory_SetCount(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	assert.Equal(t, 0, m.SetCount("k"))
	require.NoError(t, m.Set(ctx, "k", []byte("1")))
	require.NoError(t, m.Set(ctx, "k", []byte("2")))
	assert.Equal(t, 2, m.SetCount("k"))
}

func TestMemory_Close_ClosesSubscriptions(t *testing.T) {
	m := NewMemory()
	sub, err := m.Subscribe(context.Background(), "ch")
	require.NoError(t, err)

	require.NoError(t, m.Close())

	_, ok := <-sub.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, m.Set(context.Background(), "k", nil), sim.ErrStoreUnavailable)
	assert.NoError(t, sub.Close(), "closing an already shut subscription is a no-op")
}

func TestMemory_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	// GIVEN a subscriber that never reads
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	sub, err := m.Subscribe(ctx, "ch")
	require.NoError(t, err)
	defer sub.Close()

	// WHEN many messages are published
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = m.Publish(ctx, "ch", []byte{byte(i)})
		}
	}()

	// THEN publishing completes without a reader
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	first := <-sub.Messages()
	assert.Equal(t, []byte{0}, first)
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Set(ctx, "k", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, sim.ErrStoreUnavailable)
}
