// Package engine implements the DDP protocol engine.
//
// The engine opens a transport connection, negotiates a protocol version,
// multiplexes method calls and subscriptions over one id space, keeps the
// connection alive with pings and reconnects with linear backoff after
// unintended drops. Collection messages are applied to a collection.Store.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every state change happens in one goroutine, Run. API calls, transport
// listeners and timers only enqueue events. This ensures:
// - Inbound messages are processed strictly in arrival order
// - Timer callbacks never interleave with a message handler
// - Connection state, the pending table and collections need no locks
//
// Event Processing Flow:
// 1. Events enqueued to FIFO queue (API requests, socket events, timer ticks)
// 2. Engine.Run() dequeues events one at a time
// 3. processEvent() drops stale socket and timer events by generation
// 4. Handlers advance the connection FSM and call application callbacks
//
// Connection States:
//
//	disconnected --dial--> connecting --handshake--> connected
//	connecting, connected --drop--> disconnected
//	connecting, connected, disconnected --close--> closed
//	closed --dial--> connecting
//
// Requests:
// Call and Subscribe allocate ids "1", "2", ... atomically and return them
// at once. Each request is a tagged record in the pending table until its
// terminal response. A disconnect fails every outstanding record, so each
// caller observes exactly one terminal outcome.
package engine
