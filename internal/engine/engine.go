package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/roach88/ddp/internal/collection"
	"github.com/roach88/ddp/internal/config"
	"github.com/roach88/ddp/internal/metrics"
	"github.com/roach88/ddp/internal/transport"
	"github.com/roach88/ddp/internal/wire"
)

// Engine is the single-writer DDP protocol engine.
//
// The engine owns one transport connection at a time, drives the
// handshake, heartbeat and reconnect state machine, multiplexes method
// calls and subscriptions over the connection, and routes collection
// mutations into its Store.
//
// CRITICAL: All mutations happen in the single-writer Run loop goroutine.
// Public methods enqueue events; transport listeners and timers do the same.
//
// Thread-safety model:
//   - Connect, Disconnect, Call, Subscribe, ...: safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - State, Session, Reconnect: safe from any goroutine
//
// INVARIANTS:
//   - Request ids are never reused
//   - Every pending request gets exactly one terminal callback
//   - At most one heartbeat timer and one reconnect timer are armed
type Engine struct {
	cfg      config.Config
	dialer   transport.Dialer
	codec    wire.Codec
	store    *collection.Store
	handlers Handlers
	metrics  *metrics.Metrics
	logger   *slog.Logger

	queue   *eventQueue
	ids     *IDGenerator
	fsm     *fsm.FSM
	running atomic.Bool
	done    chan struct{}

	// Loop-owned state. Touched only from the Run goroutine.
	ctx            context.Context
	conn           transport.Conn
	connGen        uint64
	opened         bool
	url            string
	version        string
	pending        pendingTable
	pingTimer      *time.Timer
	pingGen        uint64
	reconnectTimer *time.Timer
	reconnectGen   uint64
	reconnect      ReconnectState

	// Copies published for readers on other goroutines.
	statusMu sync.RWMutex
	status   status
}

type status struct {
	session   string
	version   string
	pending   int
	reconnect ReconnectState
}

// ReconnectState tracks consecutive unintended disconnects.
type ReconnectState struct {
	// Attempt counts unintended disconnects since the last successful
	// handshake.
	Attempt int

	// NextDelay is the extra wait added to the base reconnect interval.
	NextDelay time.Duration
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithCodec sets the frame codec. Default: wire.EJSON.
func WithCodec(codec wire.Codec) EngineOption {
	return func(e *Engine) {
		e.codec = codec
	}
}

// WithStore routes collection mutations into s instead of a fresh store.
func WithStore(s *collection.Store) EngineOption {
	return func(e *Engine) {
		e.store = s
	}
}

// WithHandlers installs lifecycle hooks.
func WithHandlers(h Handlers) EngineOption {
	return func(e *Engine) {
		e.handlers = h
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an Engine. cfg is validated and resolved once here.
// The dialer plays the role of the socket constructor and is required.
func New(cfg config.Config, dialer transport.Dialer, opts ...EngineOption) (*Engine, error) {
	if dialer == nil {
		return nil, errors.New("engine: dialer is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		dialer:  dialer,
		codec:   wire.EJSON{},
		logger:  slog.Default(),
		queue:   newEventQueue(),
		ids:     NewIDGenerator(),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		version: cfg.DDPVersion,
		pending: make(pendingTable),
	}
	e.fsm = newConnectionFSM(e.enterState)

	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = collection.New(collection.WithLogger(e.logger))
	}

	e.metrics.SetState(StateDisconnected.ordinal())
	e.publish()
	return e, nil
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled, then closes the connection and fails
// every outstanding request with an ENGINE_STOPPED error.
//
// CRITICAL: Must be called from exactly ONE goroutine, once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: Run called more than once")
	}
	defer close(e.done)

	e.ctx = ctx
	e.logger.Info("engine starting", "url", e.cfg.Endpoint(), "version", e.version)

	for {
		if event, ok := e.queue.TryDequeue(); ok {
			e.processEvent(event)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.shutdown()
			return ctx.Err()

		case <-e.queue.Wait():
			// Signal received - loop back to TryDequeue
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// processEvent routes an event to its handler.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (e *Engine) processEvent(ev Event) {
	switch ev.Type {
	case EventTypeConnect:
		e.handleConnect(ev.URL)
	case EventTypeDisconnect:
		e.handleDisconnect(ev.Reconnect)
	case EventTypeRequest:
		e.handleRequest(ev.Request)
	case EventTypeUnsubscribe:
		e.handleUnsubscribe(ev.ID)
	case EventTypePing:
		e.handlePing()

	case EventTypeOpen, EventTypeFrame, EventTypeSocketError, EventTypeSocketClose:
		if e.conn == nil || ev.Gen != e.connGen {
			e.logger.Debug("dropping event from stale connection", "type", ev.Type, "gen", ev.Gen)
			return
		}
		switch ev.Type {
		case EventTypeOpen:
			e.handleOpen()
		case EventTypeFrame:
			e.handleFrame(ev.Data)
		case EventTypeSocketError:
			e.handleSocketError(ev.Err)
		case EventTypeSocketClose:
			e.handleSocketClose(ev.Err)
		}

	case EventTypeHeartbeat:
		if ev.Gen == e.pingGen {
			e.handleHeartbeat()
		}
	case EventTypeReconnect:
		if ev.Gen == e.reconnectGen {
			e.handleReconnect()
		}

	default:
		e.logger.Error("unknown event type", "type", int(ev.Type))
	}
}

// shutdown releases everything the loop owns. Called once, from Run.
func (e *Engine) shutdown() {
	rest := e.queue.Close()
	live := e.conn != nil

	e.stopHeartbeat()
	e.cancelReconnect()
	e.detach()

	for _, r := range e.pending.ordered() {
		delete(e.pending, r.id)
		r.fail(newStoppedError(r.id))
	}
	for _, ev := range rest {
		if ev.Type == EventTypeRequest {
			ev.Request.fail(newStoppedError(ev.Request.id))
		}
	}

	if e.fsm.Can(eventClose) {
		e.transition(eventClose)
	}
	e.publish()
	if live {
		e.handlers.disconnected(nil)
	}
}

// enqueue submits ev to the loop. Returns false once the engine stopped.
func (e *Engine) enqueue(ev Event) bool {
	if !e.queue.Enqueue(ev) {
		e.logger.Debug("engine stopped, event dropped", "type", ev.Type)
		return false
	}
	return true
}

// Connect opens a connection to url, or to the configured endpoint when
// url is empty. A no-op while already connecting or connected.
func (e *Engine) Connect(url string) {
	e.enqueue(Event{Type: EventTypeConnect, URL: url})
}

// Disconnect closes the connection. With needReconnect an automatic
// reconnect is scheduled; without it any pending reconnect is cancelled
// and the engine ends Closed.
func (e *Engine) Disconnect(needReconnect bool) {
	e.enqueue(Event{Type: EventTypeDisconnect, Reconnect: needReconnect})
}

// Close is Disconnect(false).
func (e *Engine) Close() {
	e.Disconnect(false)
}

// Ping sends an explicit heartbeat.
func (e *Engine) Ping() {
	e.enqueue(Event{Type: EventTypePing})
}

// Call invokes a server method and returns the request id.
//
// onResult fires exactly once. onUpdate, when set, fires once the server
// reports the method's writes as applied. If the frame cannot be sent both
// fire with a SEND_FAILED error.
func (e *Engine) Call(method string, params []any, onResult ResultFunc, onUpdate UpdateFunc) string {
	return e.call(method, params, nil, onResult, onUpdate)
}

// CallWithRandomSeed is Call with a randomSeed attached, letting the server
// reproduce client-simulated ids.
func (e *Engine) CallWithRandomSeed(method string, params []any, seed any, onResult ResultFunc, onUpdate UpdateFunc) string {
	return e.call(method, params, seed, onResult, onUpdate)
}

func (e *Engine) call(method string, params []any, seed any, onResult ResultFunc, onUpdate UpdateFunc) string {
	id := e.ids.Next()
	r := newMethodRequest(id, wire.NewMethod(id, method, params, seed), onResult, onUpdate)
	if !e.enqueue(Event{Type: EventTypeRequest, Request: r}) {
		r.fail(newStoppedError(id))
	}
	return id
}

// CallContext calls method and waits for its result.
//
// Must not be called from a handler or callback: those run on the loop
// that would deliver the result.
func (e *Engine) CallContext(ctx context.Context, method string, params ...any) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	e.Call(method, params, func(result any, err error) {
		ch <- outcome{result: result, err: err}
	}, nil)

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe opens a subscription and returns its id. onReady, when set,
// fires once: nil on ready, an error on nosub or failure.
func (e *Engine) Subscribe(name string, params []any, onReady SubscriptionFunc) string {
	id := e.ids.Next()
	r := newSubscriptionRequest(id, wire.NewSub(id, name, params), onReady)
	if !e.enqueue(Event{Type: EventTypeRequest, Request: r}) {
		r.fail(newStoppedError(id))
	}
	return id
}

// Unsubscribe sends unsub for id. The local record is released by the
// server's nosub or ready, not here.
func (e *Engine) Unsubscribe(id string) {
	e.enqueue(Event{Type: EventTypeUnsubscribe, ID: id})
}

// NewRandomSeed returns a fresh seed for CallWithRandomSeed.
func NewRandomSeed() string {
	return uuid.NewString()
}

// State returns the connection state.
func (e *Engine) State() State {
	return State(e.fsm.Current())
}

// Session returns the current session token, or "" when not connected.
func (e *Engine) Session() string {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status.session
}

// Version returns the protocol version used for the next handshake.
func (e *Engine) Version() string {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status.version
}

// Pending returns the number of outstanding requests.
func (e *Engine) Pending() int {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status.pending
}

// Reconnect returns the reconnect backoff state.
func (e *Engine) Reconnect() ReconnectState {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status.reconnect
}

// ReconnectDelay returns the wait before the next automatic reconnect.
func (e *Engine) ReconnectDelay() time.Duration {
	return e.cfg.ReconnectInterval + e.Reconnect().NextDelay
}

// Store returns the collection store fed by this engine.
func (e *Engine) Store() *collection.Store {
	return e.store
}

// Observe is shorthand for Store().Observe.
func (e *Engine) Observe(name string) collection.Observable {
	return e.store.Observe(name)
}

// Item is shorthand for Store().GetItem.
func (e *Engine) Item(name, id string) (collection.Document, bool) {
	return e.store.GetItem(name, id)
}

// publish copies loop-owned status for other goroutines.
func (e *Engine) publish() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status.version = e.version
	e.status.pending = len(e.pending)
	e.status.reconnect = e.reconnect
}

func (e *Engine) setSession(session string) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status.session = session
}
