package engine

import "github.com/roach88/ddp/internal/wire"

// Handlers are the application's lifecycle hooks. Nil funcs are skipped.
//
// Every handler runs on the Run goroutine, strictly ordered with message
// processing. A handler may call any non-blocking Engine method; it must
// not call CallContext, which waits on the loop it is blocking.
type Handlers struct {
	// OnConnected fires after the server accepts the handshake.
	OnConnected func(session string)

	// OnDisconnected fires whenever an open or opening connection ends.
	// err is nil for an explicit Disconnect.
	OnDisconnected func(err error)

	// OnFailed fires on a socket error and on a fatal version negotiation
	// failure.
	OnFailed func(err error)

	// OnSocketError fires when the transport reports an error.
	OnSocketError func(err error)

	// OnSocketClosed fires when the transport closes without an explicit
	// Disconnect.
	OnSocketClosed func(err error)

	// OnMessage fires for every decoded inbound message before it is routed.
	OnMessage func(msg wire.Message)
}

func (h Handlers) connected(session string) {
	if h.OnConnected != nil {
		h.OnConnected(session)
	}
}

func (h Handlers) disconnected(err error) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(err)
	}
}

func (h Handlers) failed(err error) {
	if h.OnFailed != nil {
		h.OnFailed(err)
	}
}

func (h Handlers) socketError(err error) {
	if h.OnSocketError != nil {
		h.OnSocketError(err)
	}
}

func (h Handlers) socketClosed(err error) {
	if h.OnSocketClosed != nil {
		h.OnSocketClosed(err)
	}
}

func (h Handlers) message(msg wire.Message) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}
