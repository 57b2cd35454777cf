package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrModelClosed is returned when writing to a model socket that has gone away.
var ErrModelClosed = errors.New("model socket closed")

// Conn is the subset of *websocket.Conn the relay drives. Reads happen on one
// goroutine per socket; writes are serialized by the relay.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ModelDialer opens a fresh model socket for one call.
type ModelDialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to ModelDialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// socket serializes writes to one connection and closes it at most once.
type socket struct {
	conn      Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSocket(conn Conn) *socket {
	return &socket{conn: conn}
}

func (s *socket) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		// A writer stuck on a dead peer must not keep the socket open.
		if s.writeMu.TryLock() {
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
		}
		_ = s.conn.Close()
	})
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent)
}
