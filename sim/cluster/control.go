package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentgrid/agentgrid/sim"
	"github.com/agentgrid/agentgrid/sim/store"
)

// CommandKind names a manager-to-worker command.
type CommandKind string

const (
	CommandLoad      CommandKind = "load"
	CommandDecide    CommandKind = "decide"
	CommandUpdate    CommandKind = "update"
	CommandTerminate CommandKind = "terminate"
)

// Command is published by the manager on the control channel. World carries
// the encoded world snapshot for decide commands.
type Command struct {
	Run   uint64      `json:"run"`
	Step  uint64      `json:"step"`
	Kind  CommandKind `json:"kind"`
	World []byte      `json:"world,omitempty"`
}

// AckKind names a worker-to-manager acknowledgement.
type AckKind string

const (
	AckReady      AckKind = "ready"
	AckDecided    AckKind = "decided"
	AckUpdated    AckKind = "updated"
	AckTerminated AckKind = "terminated"
)

// Ack answers a command. A non-empty Error fails the step for Shard.
type Ack struct {
	Run    uint64      `json:"run"`
	Shard  ShardID     `json:"shard"`
	Step   uint64      `json:"step"`
	Kind   AckKind     `json:"kind"`
	Report ShardReport `json:"report"`
	Error  string      `json:"error,omitempty"`
}

// EnvelopeUpdate is one encoded update addressed to an agent of the
// receiving shard.
type EnvelopeUpdate struct {
	Target  sim.AgentID `json:"target"`
	Payload []byte      `json:"payload"`
}

// Envelope carries every update one shard produced for another in one step.
// Exactly one envelope is sent per (step, source, destination), possibly
// empty, so the receiver knows when delivery is complete.
type Envelope struct {
	Run     uint64           `json:"run"`
	Step    uint64           `json:"step"`
	From    ShardID          `json:"from"`
	Updates []EnvelopeUpdate `json:"updates,omitempty"`
}

// publish encodes v and publishes it with retry.
func publish(ctx context.Context, st store.Store, codec sim.Codec, retry store.RetryConfig,
	log logrus.FieldLogger, channel string, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return store.Retry(ctx, retry, "publish "+channel, log, func(ctx context.Context) error {
		return st.Publish(ctx, channel, payload)
	})
}

// barrier is the manager side of the step rendezvous: it collects one ack
// per shard for a (run, step, kind) triple from the ack channel.
type barrier struct {
	acks    store.Subscription
	codec   sim.Codec
	log     logrus.FieldLogger
	run     uint64
	workers int

	// abort, when closed, ends every wait with errWorkersStopped.
	abort <-chan struct{}
}

// errWorkersStopped reports that the manager's local workers exited while a
// barrier was waiting on them.
var errWorkersStopped = errors.New("local workers stopped")

// await blocks until every shard acked (step, kind), a shard acked with an
// error, or timeout elapsed. Stale and duplicate acks are ignored. When
// resend is non-nil it is called every resendEvery until the barrier
// completes. The returned acks are ordered by shard.
func (b *barrier) await(step uint64, kind AckKind, timeout time.Duration,
	resend func(), resendEvery time.Duration) ([]Ack, error) {
	got := make([]Ack, b.workers)
	seen := make([]bool, b.workers)
	remaining := b.workers

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	var tick <-chan time.Time
	if resend != nil {
		t := time.NewTicker(resendEvery)
		defer t.Stop()
		tick = t.C
	}

	for remaining > 0 {
		select {
		case msg, ok := <-b.acks.Messages():
			if !ok {
				return nil, stepFailed(step, -1, "ack channel closed waiting for %s", kind)
			}
			var ack Ack
			if err := b.codec.Unmarshal(msg, &ack); err != nil {
				b.log.Warnf("dropping undecodable ack: %v", err)
				continue
			}
			if ack.Run != b.run || ack.Step != step || ack.Kind != kind {
				continue
			}
			if ack.Shard < 0 || int(ack.Shard) >= b.workers || seen[ack.Shard] {
				continue
			}
			if ack.Error != "" {
				return nil, stepFailed(step, ack.Shard, "%s", ack.Error)
			}
			seen[ack.Shard] = true
			got[ack.Shard] = ack
			remaining--
		case <-b.abort:
			return nil, &StepError{Step: step, Shard: -1, Err: fmt.Errorf("%w: %w", sim.ErrStepFailed, errWorkersStopped)}
		case <-tick:
			resend()
		case <-deadline.C:
			missing := ShardID(-1)
			for shard, ok := range seen {
				if !ok {
					missing = ShardID(shard)
					break
				}
			}
			return nil, stepFailed(step, missing, "no %s ack within %s", kind, timeout)
		}
	}
	return got, nil
}
