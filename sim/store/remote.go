package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const remoteWriteTimeout = 5 * time.Second

// Remote is a Store client talking to a Server over one websocket.
// Losing the connection makes every later operation fail with
// sim.ErrStoreUnavailable and closes all open subscriptions.
type Remote struct {
	conn *websocket.Conn
	log  logrus.FieldLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	subs    map[uint64]*pipe
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// DialRemote connects to a store server at url (ws://host:port/ws).
func DialRemote(ctx context.Context, url string, log logrus.FieldLogger) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, unavailable("remote dial", err)
	}
	conn.SetReadLimit(64 << 20)
	r := &Remote{
		conn:    conn,
		log:     log,
		pending: make(map[uint64]chan frame),
		subs:    make(map[uint64]*pipe),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *Remote) readLoop() {
	defer close(r.done)
	for {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			r.fail(err)
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			r.log.Warnf("remote store: dropping malformed frame: %v", err)
			continue
		}
		switch f.Op {
		case opMessage:
			r.mu.Lock()
			p := r.subs[f.Sub]
			r.mu.Unlock()
			if p != nil {
				p.push(f.Value)
			}
		case opResult:
			r.mu.Lock()
			ch := r.pending[f.ID]
			delete(r.pending, f.ID)
			r.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		}
	}
}

// fail records the connection error and releases every waiter.
func (r *Remote) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	pending := r.pending
	subs := r.subs
	r.pending = make(map[uint64]chan frame)
	r.subs = make(map[uint64]*pipe)
	r.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, p := range subs {
		p.shutdown()
	}
}

func (r *Remote) connErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		return errClosed
	}
	return r.err
}

func (r *Remote) write(f frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(remoteWriteTimeout))
	return r.conn.WriteJSON(f)
}

func (r *Remote) request(ctx context.Context, f frame) (frame, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return frame{}, unavailable("remote "+f.Op, err)
	}
	r.nextID++
	f.ID = r.nextID
	ch := make(chan frame, 1)
	r.pending[f.ID] = ch
	r.mu.Unlock()

	forget := func() {
		r.mu.Lock()
		delete(r.pending, f.ID)
		r.mu.Unlock()
	}

	if err := r.write(f); err != nil {
		forget()
		return frame{}, unavailable("remote "+f.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, unavailable("remote "+f.Op, r.connErr())
		}
		return resp, resp.resultErr(f.Op)
	case <-r.done:
		select {
		case resp, ok := <-ch:
			if ok {
				return resp, resp.resultErr(f.Op)
			}
		default:
		}
		return frame{}, unavailable("remote "+f.Op, r.connErr())
	case <-ctx.Done():
		forget()
		return frame{}, ctx.Err()
	}
}

func (r *Remote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := r.request(ctx, frame{Op: opGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (r *Remote) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.request(ctx, frame{Op: opSet, Key: key, Value: value})
	return err
}

func (r *Remote) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := r.request(ctx, frame{Op: opPublish, Channel: channel, Value: payload})
	return err
}

// Subscribe registers the subscription locally before asking the server,
// so no message published after the call returns can be missed.
func (r *Remote) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, unavailable("remote subscribe", err)
	}
	r.nextID++
	id := r.nextID
	p := newPipe(func(*pipe) { r.unsubscribe(id) })
	r.subs[id] = p
	r.mu.Unlock()

	if _, err := r.request(ctx, frame{Op: opSubscribe, Channel: channel, Sub: id}); err != nil {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		p.shutdown()
		return nil, err
	}
	return p, nil
}

func (r *Remote) unsubscribe(id uint64) {
	r.mu.Lock()
	_, live := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if !live {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
	defer cancel()
	if _, err := r.request(ctx, frame{Op: opUnsubscribe, Sub: id}); err != nil {
		r.log.Debugf("remote store: unsubscribe %d: %v", id, err)
	}
}

// Close closes the connection and every subscription. It does not affect
// the server's backend.
func (r *Remote) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		if r.err == nil {
			r.err = errClosed
		}
		r.mu.Unlock()
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		_ = r.conn.Close()
		<-r.done
	})
	return nil
}

var _ Store = (*Remote)(nil)

