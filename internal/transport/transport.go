// Package transport defines the socket contract the protocol engine drives
// and ships two implementations: a gorilla/websocket client and an
// in-memory network for tests.
//
// A Dialer starts a connection attempt and returns immediately. The outcome
// is reported through the Listener: OnOpen once the socket is usable, then
// OnMessage per frame, then OnClose exactly once. OnError precedes OnClose
// when the socket fails rather than closing cleanly.
//
// Listener callbacks for one Conn are delivered sequentially from a single
// goroutine, in the order the events happened.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotOpen is returned by Send when the socket is not in the open state.
	ErrNotOpen = errors.New("transport: connection is not open")

	// ErrClosedByPeer is reported to OnClose when the remote side goes away.
	ErrClosedByPeer = errors.New("transport: connection closed by peer")
)

// Listener receives socket lifecycle events. Nil funcs are skipped.
type Listener struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
	OnError   func(err error)
}

func (l Listener) open() {
	if l.OnOpen != nil {
		l.OnOpen()
	}
}

func (l Listener) message(data []byte) {
	if l.OnMessage != nil {
		l.OnMessage(data)
	}
}

func (l Listener) close(err error) {
	if l.OnClose != nil {
		l.OnClose(err)
	}
}

func (l Listener) error(err error) {
	if l.OnError != nil {
		l.OnError(err)
	}
}

// Conn is one socket owned by the engine.
type Conn interface {
	// Send transmits one text frame. Returns ErrNotOpen unless open.
	Send(data []byte) error

	// Close shuts the socket down. Safe to call more than once.
	Close() error

	// IsOpen reports whether Send would currently be attempted.
	IsOpen() bool
}

// Dialer opens connections. It plays the role of a socket constructor.
type Dialer interface {
	Dial(ctx context.Context, url string, l Listener) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string, l Listener) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	return f(ctx, url, l)
}
