package transport

import (
	"context"
	"errors"
	"sync"
)

// memoryBuffer bounds the per-connection event and inbound frame queues.
const memoryBuffer = 1024

// MemoryNetwork is an in-process Dialer. Each Dial produces a client Conn
// and a server-side Peer that tests pick up with Accept.
type MemoryNetwork struct {
	mu     sync.Mutex
	refuse error
	peers  chan *Peer
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(chan *Peer, 64)}
}

// Refuse makes subsequent dials fail with err. Pass nil to accept again.
func (n *MemoryNetwork) Refuse(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refuse = err
}

// Dial opens a connection. The client is open as soon as OnOpen fires.
func (n *MemoryNetwork) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	c := &memConn{
		events: make(chan func(), memoryBuffer),
		done:   make(chan struct{}),
	}
	go c.deliver()

	n.mu.Lock()
	refuse := n.refuse
	n.mu.Unlock()

	if refuse != nil {
		c.fail(l, refuse)
		return c, nil
	}

	p := &Peer{
		url:      url,
		client:   c,
		listener: l,
		received: make(chan []byte, memoryBuffer),
		gone:     make(chan struct{}),
	}
	c.peer = p

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.push(l.open)

	select {
	case n.peers <- p:
	case <-ctx.Done():
	}
	return c, nil
}

// Accept waits for the next dialed connection.
func (n *MemoryNetwork) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-n.peers:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memConn struct {
	mu     sync.Mutex
	open   bool
	closed bool
	peer   *Peer
	events chan func()
	done   chan struct{}
}

func (c *memConn) deliver() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			// drain what was queued before the terminal event
			for {
				select {
				case fn := <-c.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (c *memConn) push(fn func()) {
	c.events <- fn
}

// finish marks the connection closed and queues the terminal events.
// Returns false if it was already closed.
func (c *memConn) finish(terminal ...func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()

	for _, fn := range terminal {
		c.push(fn)
	}
	close(c.done)
	if c.peer != nil {
		close(c.peer.gone)
	}
	return true
}

func (c *memConn) fail(l Listener, err error) {
	c.finish(func() { l.error(err) }, func() { l.close(err) })
}

func (c *memConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.closed {
		return ErrNotOpen
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.peer.received <- frame
	return nil
}

func (c *memConn) Close() error {
	var l Listener
	if c.peer != nil {
		l = c.peer.listener
	}
	c.finish(func() { l.close(nil) })
	return nil
}

func (c *memConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// Peer is the server end of a memory connection.
type Peer struct {
	url      string
	client   *memConn
	listener Listener
	received chan []byte
	gone     chan struct{}
}

// URL returns the url the client dialed.
func (p *Peer) URL() string { return p.url }

// Received yields frames sent by the client.
func (p *Peer) Received() <-chan []byte { return p.received }

// Gone is closed once the connection has ended from either side.
func (p *Peer) Gone() <-chan struct{} { return p.gone }

// Send delivers a frame to the client.
func (p *Peer) Send(data []byte) error {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()
	if !p.client.open || p.client.closed {
		return ErrNotOpen
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	l := p.listener
	p.client.push(func() { l.message(frame) })
	return nil
}

// Close ends the connection cleanly from the server side.
func (p *Peer) Close() {
	l := p.listener
	p.client.finish(func() { l.close(ErrClosedByPeer) })
}

// Fail ends the connection with a socket error.
func (p *Peer) Fail(err error) {
	if err == nil {
		err = errors.New("transport: simulated failure")
	}
	p.client.fail(p.listener, err)
}
