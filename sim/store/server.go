package store

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server exposes a backend Store to Remote clients over websocket, so that
// workers in other processes share one store. Requests on a connection are
// served in arrival order.
type Server struct {
	backend Store
	log     logrus.FieldLogger

	upgrader websocket.Upgrader
}

// NewServer wraps backend. The server never closes the backend.
func NewServer(backend Store, log logrus.FieldLogger) *Server {
	return &Server{
		backend: backend,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http handler upgrading requests to store sessions.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			s.log.Debugf("store server: upgrade failed: %v", err)
			return
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan frame, 256)
	var wg sync.WaitGroup

	// Writer goroutine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-out:
				b, err := json.Marshal(f)
				if err != nil {
					s.log.Errorf("store server: encoding frame: %v", err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	send := func(f frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	subs := make(map[uint64]Subscription)

	// Reader loop.
	conn.SetReadLimit(64 << 20)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.log.Warnf("store server: dropping malformed frame: %v", err)
			continue
		}
		resp := s.handle(ctx, f, subs, send, &wg)
		if !send(resp) {
			break
		}
	}

	// Cleanup.
	for _, sub := range subs {
		_ = sub.Close()
	}
	cancel()
	wg.Wait()
	_ = conn.Close()
}

func (s *Server) handle(ctx context.Context, f frame, subs map[uint64]Subscription, send func(frame) bool, wg *sync.WaitGroup) frame {
	switch f.Op {
	case opGet:
		v, found, err := s.backend.Get(ctx, f.Key)
		if err != nil {
			return errorFrame(f.ID, err)
		}
		return frame{ID: f.ID, Op: opResult, Value: v, Found: found}
	case opSet:
		if err := s.backend.Set(ctx, f.Key, f.Value); err != nil {
			return errorFrame(f.ID, err)
		}
	case opPublish:
		if err := s.backend.Publish(ctx, f.Channel, f.Value); err != nil {
			return errorFrame(f.ID, err)
		}
	case opSubscribe:
		if _, dup := subs[f.Sub]; dup {
			return frame{ID: f.ID, Op: opResult}
		}
		sub, err := s.backend.Subscribe(ctx, f.Channel)
		if err != nil {
			return errorFrame(f.ID, err)
		}
		subs[f.Sub] = sub
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for msg := range sub.Messages() {
				if !send(frame{Op: opMessage, Sub: id, Value: msg}) {
					return
				}
			}
		}(f.Sub)
	case opUnsubscribe:
		if sub, ok := subs[f.Sub]; ok {
			_ = sub.Close()
			delete(subs, f.Sub)
		}
	default:
		return frame{ID: f.ID, Op: opResult, Error: "unknown op " + f.Op}
	}
	return frame{ID: f.ID, Op: opResult}
}
