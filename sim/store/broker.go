package store

import (
	"sync"
)

// broker is the in-process pub/sub used by the Memory and SQLite backends.
type broker struct {
	mu     sync.Mutex
	subs   map[string]map[*pipe]struct{}
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[*pipe]struct{})}
}

func (b *broker) publish(channel string, payload []byte) bool {
	msg := append([]byte(nil), payload...)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	for p := range b.subs[channel] {
		p.push(msg)
	}
	return true
}

func (b *broker) subscribe(channel string) (*pipe, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	p := newPipe(func(p *pipe) { b.remove(channel, p) })
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*pipe]struct{})
	}
	b.subs[channel][p] = struct{}{}
	return p, true
}

func (b *broker) remove(channel string, p *pipe) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[channel], p)
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

func (b *broker) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*pipe
	for _, set := range b.subs {
		for p := range set {
			all = append(all, p)
		}
	}
	b.subs = make(map[string]map[*pipe]struct{})
	b.mu.Unlock()

	for _, p := range all {
		p.shutdown()
	}
}

// pipe is an unbounded FIFO feeding a channel. Publishers never block on a
// slow subscriber; the queue grows instead.
type pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	out      chan []byte
	done     chan struct{}
	finished chan struct{}
	onClose  func(*pipe)
}

func newPipe(onClose func(*pipe)) *pipe {
	p := &pipe{
		out:      make(chan []byte),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		onClose:  onClose,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.pump()
	return p
}

func (p *pipe) push(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, msg)
	p.cond.Signal()
}

func (p *pipe) pump() {
	defer close(p.finished)
	defer close(p.out)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		msg := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case p.out <- msg:
		case <-p.done:
			return
		}
	}
}

// shutdown stops the pump without unregistering; used when the owner is
// already tearing down its registry.
func (p *pipe) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	close(p.done)
	<-p.finished
}

func (p *pipe) Messages() <-chan []byte { return p.out }

func (p *pipe) Close() error {
	if p.onClose != nil {
		p.onClose(p)
	}
	p.shutdown()
	return nil
}
