package engine

import (
	"github.com/roach88/ddp/internal/collection"
	"github.com/roach88/ddp/internal/wire"
)

// handleFrame decodes one inbound frame and routes it. Frames are handled
// strictly in arrival order; a malformed frame is logged and dropped.
func (e *Engine) handleFrame(data []byte) {
	msg, err := e.codec.Decode(data)
	if err != nil {
		e.logger.Warn("dropping undecodable frame", "bytes", len(data), "error", err)
		return
	}
	e.metrics.Received(msg.Msg)
	e.handlers.message(msg)
	e.route(msg)
}

// route is the single dispatch point for inbound messages.
func (e *Engine) route(msg wire.Message) {
	switch msg.Msg {
	case wire.MsgConnected:
		e.handleConnected(msg)
	case wire.MsgFailed:
		e.handleFailed(msg)

	case wire.MsgResult:
		e.handleResult(msg)
	case wire.MsgUpdated:
		e.handleUpdated(msg)
	case wire.MsgNoSub:
		e.handleNoSub(msg)
	case wire.MsgReady:
		e.handleReady(msg)

	case wire.MsgAdded, wire.MsgChanged, wire.MsgRemoved:
		e.handleDocument(msg)

	case wire.MsgPing:
		if err := e.send(wire.NewPong(msg.ID)); err != nil {
			e.logger.Warn("pong not sent", "id", msg.ID, "error", err)
		}
	case wire.MsgPong:
		// reserved for liveness tracking

	case wire.MsgError:
		e.logger.Warn("server reported error", "reason", msg.Reason, "offending", msg.OffendingMessage)
	case wire.MsgServerID, wire.MsgBeep:
		e.logger.Debug("ignoring message", "msg", msg.Msg)
	default:
		e.logger.Warn("cannot handle message", "msg", msg.Msg)
	}
}

// handleConnected completes the handshake. Accepted only while connecting.
func (e *Engine) handleConnected(msg wire.Message) {
	if e.State() != StateConnecting {
		e.logger.Info("unexpected connected message", "state", e.State())
		return
	}
	e.transition(eventHandshake)
	e.setSession(msg.Session)
	e.resetReconnect()
	e.cancelReconnect()
	e.startHeartbeat()

	e.logger.Info("connected", "session", msg.Session, "version", e.version)
	e.handlers.connected(msg.Session)
}

// handleFailed retries the handshake with the server's proposed version
// when the client supports it, and gives up otherwise.
func (e *Engine) handleFailed(msg wire.Message) {
	if e.State() != StateConnecting {
		e.logger.Info("unexpected failed message", "state", e.State())
		return
	}

	offered := msg.Version
	if wire.IsSupportedVersion(offered) && offered != e.version {
		e.logger.Info("server proposed protocol version, retrying handshake", "from", e.version, "to", offered)
		e.version = offered
		e.publish()
		// the server usually closes after failed; the reconnect then
		// starts from the recorded version
		if err := e.send(wire.NewConnect(offered, wire.SupportedVersions)); err != nil {
			e.logger.Debug("handshake retry not sent", "error", err)
		}
		return
	}

	err := newNegotiationError(offered)
	e.logger.Warn("version negotiation failed", "offered", offered, "current", e.version)
	e.teardown(err)
	e.handlers.failed(err)
	e.settle(err, false)
}

func (e *Engine) handleResult(msg wire.Message) {
	r, ok := e.pending[msg.ID]
	if !ok || r.kind != kindMethod {
		e.logger.Debug("result for unknown method", "id", msg.ID)
		return
	}

	var err error
	if msg.Error != nil {
		err = msg.Error
	}
	if !r.resolve(msg.Result, err) {
		e.logger.Debug("duplicate result", "id", msg.ID)
		return
	}
	e.release(r)
}

func (e *Engine) handleUpdated(msg wire.Message) {
	for _, id := range msg.Methods {
		r, ok := e.pending[id]
		if !ok || r.kind != kindMethod {
			continue
		}
		if r.updated(nil) {
			e.release(r)
		}
	}
}

func (e *Engine) handleNoSub(msg wire.Message) {
	r, ok := e.pending[msg.ID]
	if !ok || r.kind != kindSubscription {
		e.logger.Debug("nosub for unknown subscription", "id", msg.ID)
		return
	}

	var err error = newSubscriptionStoppedError(msg.ID)
	if msg.Error != nil {
		err = msg.Error
	}
	r.settle(err)
	e.release(r)
}

func (e *Engine) handleReady(msg wire.Message) {
	for _, id := range msg.Subs {
		r, ok := e.pending[id]
		if !ok || r.kind != kindSubscription {
			continue
		}
		r.settle(nil)
		e.release(r)
	}
}

// release drops r from the pending table once it has nothing left to wait
// for.
func (e *Engine) release(r *pendingRequest) {
	if !r.done() {
		return
	}
	delete(e.pending, r.id)
	e.metrics.SetPending(len(e.pending))
	e.publish()
}

// handleDocument applies added, changed and removed to the store. Both
// added and changed store the document as {_id, fields...}.
func (e *Engine) handleDocument(msg wire.Message) {
	if msg.Collection == "" || msg.ID == "" {
		e.logger.Warn("malformed document message", "msg", msg.Msg, "collection", msg.Collection, "id", msg.ID)
		return
	}

	if msg.Msg == wire.MsgRemoved {
		e.store.RemoveItem(msg.Collection, msg.ID)
		return
	}

	doc := make(collection.Document, len(msg.Fields)+1)
	for k, v := range msg.Fields {
		doc[k] = v
	}
	doc[collection.IDField] = msg.ID

	var err error
	if msg.Msg == wire.MsgAdded {
		err = e.store.InsertItem(msg.Collection, doc)
	} else {
		err = e.store.UpdateItem(msg.Collection, msg.ID, doc)
	}
	if err != nil {
		e.logger.Warn("document not applied", "msg", msg.Msg, "collection", msg.Collection, "id", msg.ID, "error", err)
	}
}
