// Package store defines the shared store contract that cross-shard state and
// update exchange go through, plus the backends agentgrid ships with.
//
// The contract is deliberately small: independent per-key Get/Set and
// channel Publish/Subscribe. Nothing here retries; a failure to reach the
// backing service is reported as an error wrapping sim.ErrStoreUnavailable
// and the caller (worker or manager) applies its own policy via Retry.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentgrid/agentgrid/sim"
)

// Store is a key/value store with publish/subscribe.
//
// Implementations must be safe for concurrent use. Each key is independently
// consistent; no multi-key transactions are assumed.
type Store interface {
	// Get returns the value stored under key. found is false when the key
	// has never been set.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set overwrites the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
	// Publish delivers payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts receiving payloads published to channel after the
	// call returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Close releases the store and closes all subscriptions it created.
	Close() error
}

// Subscription is a live channel subscription. Messages arrive in the order
// they were published by any single publisher and are never dropped while
// the subscription is open. The Messages channel is closed after Close or
// when the underlying store goes away.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// unavailable wraps err as a store outage for operation op.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, sim.ErrStoreUnavailable, err)
}

// errClosed is reported for operations on a closed store.
var errClosed = errors.New("store closed")
