package store

import (
	"errors"

	"github.com/agentgrid/agentgrid/sim"
)

// Frame ops exchanged between Remote and Server. Every request carries an id
// echoed by its result; message frames carry the client-chosen subscription id.
const (
	opGet         = "get"
	opSet         = "set"
	opPublish     = "publish"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opResult      = "result"
	opMessage     = "message"
)

type frame struct {
	ID          uint64 `json:"id,omitempty"`
	Op          string `json:"op"`
	Key         string `json:"key,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Sub         uint64 `json:"sub,omitempty"`
	Value       []byte `json:"value,omitempty"`
	Found       bool   `json:"found,omitempty"`
	Error       string `json:"error,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// resultErr rebuilds the error carried by a result frame.
func (f frame) resultErr(op string) error {
	if f.Error == "" {
		return nil
	}
	if f.Unavailable {
		return unavailable("remote "+op, errors.New(f.Error))
	}
	return errors.New(f.Error)
}

func errorFrame(id uint64, err error) frame {
	return frame{
		ID:          id,
		Op:          opResult,
		Error:       err.Error(),
		Unavailable: errors.Is(err, sim.ErrStoreUnavailable),
	}
}
