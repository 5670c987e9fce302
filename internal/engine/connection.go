package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/roach88/ddp/internal/transport"
	"github.com/roach88/ddp/internal/wire"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// ordinal is the value exported by the connection_state gauge.
func (s State) ordinal() int {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateClosed:
		return 3
	default:
		return 0
	}
}

// Connection state machine events.
const (
	eventDial      = "dial"
	eventHandshake = "handshake"
	eventDrop      = "drop"
	eventClose     = "close"
)

func newConnectionFSM(onEnter func(from, to State, event string)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateDisconnected), string(StateClosed)}, Dst: string(StateConnecting)},
			{Name: eventHandshake, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventDrop, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: eventClose, Src: []string{string(StateConnecting), string(StateConnected), string(StateDisconnected)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				onEnter(State(ev.Src), State(ev.Dst), ev.Event)
			},
		},
	)
}

func (e *Engine) enterState(from, to State, event string) {
	e.metrics.SetState(to.ordinal())
	e.logger.Debug("connection state changed", "from", from, "to", to, "event", event)
}

// transition fires a state machine event. Callers check the source state
// first, so a rejected event is a bug worth logging loudly.
func (e *Engine) transition(event string) {
	from := e.fsm.Current()
	// transitions never depend on the loop context, which is cancelled
	// before the shutdown transition runs
	if err := e.fsm.Event(context.Background(), event); err != nil {
		e.logger.Error("invalid state transition", "event", event, "from", from, "error", err)
	}
}

func (e *Engine) handleConnect(url string) {
	if state := e.State(); state == StateConnecting || state == StateConnected {
		e.logger.Info("connect ignored: already connecting or connected", "state", state)
		return
	}
	if url == "" {
		url = e.cfg.Endpoint()
	}
	e.cancelReconnect()
	e.dial(url)
}

// dial starts a connection attempt. Listener callbacks are tagged with a
// fresh generation so events from earlier sockets are dropped.
func (e *Engine) dial(url string) {
	e.url = url
	e.connGen++
	gen := e.connGen
	e.transition(eventDial)

	l := transport.Listener{
		OnOpen: func() {
			e.queue.Enqueue(Event{Type: EventTypeOpen, Gen: gen})
		},
		OnMessage: func(data []byte) {
			e.queue.Enqueue(Event{Type: EventTypeFrame, Gen: gen, Data: data})
		},
		OnError: func(err error) {
			e.queue.Enqueue(Event{Type: EventTypeSocketError, Gen: gen, Err: err})
		},
		OnClose: func(err error) {
			e.queue.Enqueue(Event{Type: EventTypeSocketClose, Gen: gen, Err: err})
		},
	}

	e.logger.Info("connecting", "url", url, "version", e.version)
	conn, err := e.dialer.Dial(e.ctx, url, l)
	if err != nil {
		e.conn = nil
		e.handleSocketError(fmt.Errorf("dial %s: %w", url, err))
		return
	}
	e.conn = conn
}

func (e *Engine) handleOpen() {
	e.opened = true
	e.logger.Debug("socket open, sending handshake", "version", e.version)
	if err := e.send(wire.NewConnect(e.version, wire.SupportedVersions)); err != nil {
		e.logger.Warn("handshake not sent", "error", err)
	}
}

func (e *Engine) handleSocketError(err error) {
	state := e.State()
	e.logger.Warn("socket error", "state", state, "error", err)

	e.teardown(err)
	if state == StateConnecting {
		e.handlers.failed(fmt.Errorf("socket error before the connection was established: %w", err))
	} else {
		e.handlers.failed(err)
	}
	e.handlers.socketError(err)
	e.settle(err, true)
}

func (e *Engine) handleSocketClose(err error) {
	e.logger.Info("socket closed", "state", e.State(), "error", err)

	e.teardown(err)
	e.handlers.socketClosed(err)
	e.settle(err, true)
}

func (e *Engine) handleDisconnect(needReconnect bool) {
	switch e.State() {
	case StateClosed:
		e.logger.Info("disconnect ignored: already closed")
		return

	case StateDisconnected:
		if needReconnect {
			e.logger.Info("disconnect ignored: already disconnected")
			return
		}
		// a reconnect may still be scheduled from the last drop
		e.cancelReconnect()
		e.resetReconnect()
		e.transition(eventClose)
		return
	}

	e.logger.Info("disconnecting", "reconnect", needReconnect)
	e.teardown(nil)
	e.settle(nil, needReconnect)
}

// teardown ends the current socket and everything tied to it: the
// heartbeat, any reconnect timer, the session and the pending requests.
func (e *Engine) teardown(cause error) {
	e.detach()
	e.stopHeartbeat()
	e.cancelReconnect()
	e.setSession("")
	e.failPending(cause)
}

// settle moves to Disconnected (scheduling a reconnect) or Closed, then
// notifies the application.
func (e *Engine) settle(cause error, reconnect bool) {
	if reconnect {
		e.transition(eventDrop)
	} else {
		e.transition(eventClose)
		e.resetReconnect()
	}
	e.handlers.disconnected(cause)
	if reconnect {
		e.scheduleReconnect()
	}
}

// detach stops listening to the current socket and closes it.
func (e *Engine) detach() {
	e.connGen++
	e.opened = false
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		e.logger.Debug("socket close failed", "error", err)
	}
	e.conn = nil
}

// failPending terminates every outstanding request, oldest first.
func (e *Engine) failPending(cause error) {
	if len(e.pending) == 0 {
		return
	}
	reqs := e.pending.ordered()
	e.pending = make(pendingTable)
	e.metrics.SetPending(0)
	e.publish()

	e.logger.Info("failing pending requests", "count", len(reqs))
	for _, r := range reqs {
		r.fail(newDisconnectedError(r.id, cause))
	}
}

// send encodes and writes one frame. Nothing is written before the
// transport reported open, so the handshake is always the first frame.
func (e *Engine) send(m wire.Message) error {
	if e.conn == nil || !e.opened || !e.conn.IsOpen() {
		return transport.ErrNotOpen
	}
	data, err := e.codec.Encode(m)
	if err != nil {
		return err
	}
	if err := e.conn.Send(data); err != nil {
		return err
	}
	e.metrics.Sent(m.Msg)
	e.logger.Debug("sent", "msg", m.Msg, "id", m.ID)
	return nil
}

func (e *Engine) handleRequest(r *pendingRequest) {
	if err := e.send(r.frame); err != nil {
		e.logger.Warn("request not sent", "id", r.id, "kind", r.kind, "error", err)
		r.fail(newSendFailedError(r.id, err))
		return
	}
	e.pending[r.id] = r
	e.metrics.SetPending(len(e.pending))
	e.publish()
}

func (e *Engine) handleUnsubscribe(id string) {
	if err := e.send(wire.NewUnsub(id)); err != nil {
		e.logger.Warn("unsub not sent", "id", id, "error", err)
	}
}

func (e *Engine) handlePing() {
	if err := e.send(wire.NewPing("")); err != nil {
		e.logger.Warn("ping not sent", "error", err)
	}
}

// startHeartbeat (re)arms the ping timer.
func (e *Engine) startHeartbeat() {
	e.stopHeartbeat()
	e.armHeartbeat()
}

func (e *Engine) armHeartbeat() {
	e.pingGen++
	gen := e.pingGen
	e.pingTimer = time.AfterFunc(e.cfg.PingInterval, func() {
		e.queue.Enqueue(Event{Type: EventTypeHeartbeat, Gen: gen})
	})
}

// stopHeartbeat cancels the ping timer. Bumping the generation discards a
// tick that fired but is still queued.
func (e *Engine) stopHeartbeat() {
	if e.pingTimer != nil {
		e.pingTimer.Stop()
		e.pingTimer = nil
	}
	e.pingGen++
}

func (e *Engine) handleHeartbeat() {
	e.pingTimer = nil
	if e.State() != StateConnected {
		return
	}
	e.handlePing()
	e.armHeartbeat()
}

// scheduleReconnect arms the reconnect timer with linear backoff:
// interval + attempt*step.
func (e *Engine) scheduleReconnect() {
	e.cancelReconnect()

	e.reconnect.Attempt++
	e.reconnect.NextDelay = time.Duration(e.reconnect.Attempt) * e.cfg.ReconnectStep
	e.publish()
	delay := e.cfg.ReconnectInterval + e.reconnect.NextDelay

	e.reconnectGen++
	gen := e.reconnectGen
	e.reconnectTimer = time.AfterFunc(delay, func() {
		e.queue.Enqueue(Event{Type: EventTypeReconnect, Gen: gen})
	})
	e.metrics.ReconnectScheduled()
	e.logger.Info("reconnect scheduled", "attempt", e.reconnect.Attempt, "delay", delay)
}

func (e *Engine) cancelReconnect() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.reconnectGen++
}

func (e *Engine) resetReconnect() {
	e.reconnect = ReconnectState{}
	e.publish()
}

func (e *Engine) handleReconnect() {
	e.reconnectTimer = nil
	if e.State() != StateDisconnected {
		return
	}
	e.logger.Info("reconnecting", "url", e.url, "attempt", e.reconnect.Attempt)
	e.dial(e.url)
}
