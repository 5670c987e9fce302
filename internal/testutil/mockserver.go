package testutil

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/ddp/internal/transport"
	"github.com/roach88/ddp/internal/wire"
)

// MethodFunc answers a method call. A non-nil error is sent as the result's
// error field.
type MethodFunc func(params []any) (any, *wire.Error)

// PublicationFunc answers a subscription with the documents to send as
// added before ready, or an error to send as nosub.
type PublicationFunc func(params []any) ([]Doc, *wire.Error)

// Doc is one document a publication sends.
type Doc struct {
	Collection string
	ID         string
	Fields     map[string]any
}

// ErrConnClosed is returned by ServerConn.Next once the connection is gone
// and every received frame has been read.
var ErrConnClosed = errors.New("testutil: connection closed")

// MockServer is a scripted DDP server on the in-memory transport.
//
// Out of the box it behaves like a minimal Meteor server:
//   - connect: connected with session "S1", "S2", ... per connection
//   - ping: pong echoing the id
//   - method: result then updated; login returns "mock_session_id"
//   - sub: one added document test_<name> in collection <name>, then ready
//   - unsub: nosub
//
// HandleMethod, Publish, Hold, Silent and AcceptVersions change the script.
type MockServer struct {
	network  *transport.MemoryNetwork
	sessions *SessionSequence

	mu       sync.Mutex
	methods  map[string]MethodFunc
	pubs     map[string]PublicationFunc
	held     map[string]bool
	versions []string
	silent   bool
	conns    []*ServerConn

	accepted chan *ServerConn
	wg       sync.WaitGroup
}

// NewMockServer creates a server. Call Start before the client dials.
func NewMockServer() *MockServer {
	s := &MockServer{
		network:  transport.NewMemoryNetwork(),
		sessions: NewSessionSequence(""),
		methods:  make(map[string]MethodFunc),
		pubs:     make(map[string]PublicationFunc),
		held:     make(map[string]bool),
		versions: slices.Clone(wire.SupportedVersions),
		accepted: make(chan *ServerConn, 64),
	}
	s.methods["login"] = func([]any) (any, *wire.Error) {
		return "mock_session_id", nil
	}
	return s
}

// Dialer returns the transport clients dial.
func (s *MockServer) Dialer() transport.Dialer {
	return s.network
}

// Network exposes the transport, e.g. to refuse dials.
func (s *MockServer) Network() *transport.MemoryNetwork {
	return s.network
}

// HandleMethod scripts the answer to a method.
func (s *MockServer) HandleMethod(name string, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = fn
}

// Publish scripts the answer to a subscription.
func (s *MockServer) Publish(name string, fn PublicationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubs[name] = fn
}

// Hold makes the server record calls to the named methods and
// subscriptions without ever answering them.
func (s *MockServer) Hold(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		s.held[name] = true
	}
}

// AcceptVersions sets the protocol versions the server accepts, most
// preferred first. A connect with any other version gets failed carrying
// the first one.
func (s *MockServer) AcceptVersions(versions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = versions
}

// Silent stops the server from answering connect, leaving clients stuck
// in the handshake.
func (s *MockServer) Silent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Start accepts and serves connections until ctx is done.
func (s *MockServer) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			peer, err := s.network.Accept(ctx)
			if err != nil {
				return
			}
			c := newServerConn(peer)
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			s.accepted <- c

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(ctx, c)
			}()
		}
	}()
}

// Wait blocks until every server goroutine has exited.
func (s *MockServer) Wait() {
	s.wg.Wait()
}

// NextConn waits for the next accepted connection.
func (s *MockServer) NextConn(ctx context.Context) (*ServerConn, error) {
	select {
	case c := <-s.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Conns returns every connection accepted so far, oldest first.
func (s *MockServer) Conns() []*ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conns)
}

// Latest returns the newest connection, or nil.
func (s *MockServer) Latest() *ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Frames returns every raw frame received from clients, connection by
// connection.
func (s *MockServer) Frames() []string {
	var frames []string
	for _, c := range s.Conns() {
		frames = append(frames, c.Frames()...)
	}
	return frames
}

func (s *MockServer) serve(ctx context.Context, c *ServerConn) {
	defer close(c.msgs)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.peer.Received():
			s.handle(c, data)
		case <-c.peer.Gone():
			for {
				select {
				case data := <-c.peer.Received():
					s.handle(c, data)
				default:
					return
				}
			}
		}
	}
}

func (s *MockServer) handle(c *ServerConn, data []byte) {
	c.record(data)
	m, err := wire.EJSON{}.Decode(data)
	if err != nil {
		return
	}
	c.msgs <- m

	s.mu.Lock()
	versions := s.versions
	silent := s.silent
	method := s.methods[m.Method]
	pub := s.pubs[m.Name]
	held := (m.Msg == wire.MsgMethod && s.held[m.Method]) || (m.Msg == wire.MsgSub && s.held[m.Name])
	s.mu.Unlock()

	if held {
		return
	}

	switch m.Msg {
	case wire.MsgConnect:
		if silent {
			return
		}
		if !slices.Contains(versions, m.Version) {
			_ = c.Send(wire.Message{Msg: wire.MsgFailed, Version: versions[0]})
			return
		}
		session := s.sessions.Next()
		c.setSession(session)
		_ = c.Send(wire.Message{Msg: wire.MsgConnected, Session: session})

	case wire.MsgPing:
		_ = c.Send(wire.NewPong(m.ID))

	case wire.MsgMethod:
		var result any
		var werr *wire.Error
		if method != nil {
			result, werr = method(m.Params)
		}
		_ = c.Send(wire.Message{Msg: wire.MsgResult, ID: m.ID, Result: result, Error: werr})
		_ = c.Send(wire.Message{Msg: wire.MsgUpdated, Methods: []string{m.ID}})

	case wire.MsgSub:
		docs := []Doc{{
			Collection: m.Name,
			ID:         "test_" + m.Name,
			Fields:     map[string]any{"full_name": "Test", "email": "test@test.com"},
		}}
		var werr *wire.Error
		if pub != nil {
			docs, werr = pub(m.Params)
		}
		if werr != nil {
			_ = c.Send(wire.Message{Msg: wire.MsgNoSub, ID: m.ID, Error: werr})
			return
		}
		for _, d := range docs {
			_ = c.Send(wire.Message{Msg: wire.MsgAdded, Collection: d.Collection, ID: d.ID, Fields: d.Fields})
		}
		_ = c.Send(wire.Message{Msg: wire.MsgReady, Subs: []string{m.ID}})

	case wire.MsgUnsub:
		_ = c.Send(wire.Message{Msg: wire.MsgNoSub, ID: m.ID})
	}
}

// ServerConn is the server side of one client connection.
type ServerConn struct {
	peer *transport.Peer
	msgs chan wire.Message

	mu      sync.Mutex
	frames  []string
	session string
}

func newServerConn(peer *transport.Peer) *ServerConn {
	return &ServerConn{peer: peer, msgs: make(chan wire.Message, 1024)}
}

func (c *ServerConn) record(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(data))
}

func (c *ServerConn) setSession(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// URL returns the url the client dialed.
func (c *ServerConn) URL() string {
	return c.peer.URL()
}

// Session returns the session granted on this connection, or "".
func (c *ServerConn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Frames returns the raw frames received so far.
func (c *ServerConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.frames)
}

// Next returns the next decoded client message.
func (c *ServerConn) Next(ctx context.Context) (wire.Message, error) {
	select {
	case m, ok := <-c.msgs:
		if !ok {
			return wire.Message{}, ErrConnClosed
		}
		return m, nil
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

// Expect skips client messages until one of type msg arrives.
func (c *ServerConn) Expect(ctx context.Context, msg string) (wire.Message, error) {
	for {
		m, err := c.Next(ctx)
		if err != nil {
			return wire.Message{}, err
		}
		if m.Msg == msg {
			return m, nil
		}
	}
}

// Send pushes a message to the client.
func (c *ServerConn) Send(m wire.Message) error {
	data, err := wire.EJSON{}.Encode(m)
	if err != nil {
		return err
	}
	return c.peer.Send(data)
}

// SendRaw pushes bytes to the client unchanged.
func (c *ServerConn) SendRaw(data []byte) error {
	return c.peer.Send(data)
}

// Close ends the connection cleanly.
func (c *ServerConn) Close() {
	c.peer.Close()
}

// Fail ends the connection with a socket error.
func (c *ServerConn) Fail(err error) {
	c.peer.Fail(err)
}

// Gone is closed once the connection has ended.
func (c *ServerConn) Gone() <-chan struct{} {
	return c.peer.Gone()
}
