package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ddp/internal/collection"
	"github.com/roach88/ddp/internal/config"
	"github.com/roach88/ddp/internal/metrics"
	"github.com/roach88/ddp/internal/testutil"
	"github.com/roach88/ddp/internal/wire"
)

const waitFor = 2 * time.Second

// recorder captures lifecycle callbacks in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   map[string][]error
	msgs   []string
}

func newRecorder() *recorder {
	return &recorder{errs: make(map[string][]error)}
}

func (r *recorder) add(event string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.errs[event] = append(r.errs[event], err)
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnected:    func(session string) { r.add("connected:"+session, nil) },
		OnDisconnected: func(err error) { r.add("disconnected", err) },
		OnFailed:       func(err error) { r.add("failed", err) },
		OnSocketError:  func(err error) { r.add("socket_error", err) },
		OnSocketClosed: func(err error) { r.add("socket_closed", err) },
		OnMessage: func(msg wire.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.msgs = append(r.msgs, msg.Msg)
		},
	}
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) errors(event string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs[event]...)
}

func (r *recorder) count(event string) int {
	return len(r.errors(event))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.URL = "mem://ddp"
	cfg.PingInterval = time.Hour
	cfg.ReconnectInterval = time.Hour
	cfg.ReconnectStep = time.Minute
	return cfg
}

type fixture struct {
	t      *testing.T
	srv    *testutil.MockServer
	eng    *Engine
	rec    *recorder
	cancel context.CancelFunc
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...EngineOption) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	srv := testutil.NewMockServer()
	srv.Start(ctx)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rec := newRecorder()
	opts = append([]EngineOption{
		WithHandlers(rec.handlers()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	eng, err := New(cfg, srv.Dialer(), opts...)
	require.NoError(t, err)
	go func() { _ = eng.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-eng.Done()
		srv.Wait()
	})
	return &fixture{t: t, srv: srv, eng: eng, rec: rec, cancel: cancel}
}

func (f *fixture) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	f.t.Cleanup(cancel)
	return ctx
}

func (f *fixture) nextConn() *testutil.ServerConn {
	f.t.Helper()
	conn, err := f.srv.NextConn(f.ctx())
	require.NoError(f.t, err)
	return conn
}

func (f *fixture) waitState(want State) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.eng.State() == want }, waitFor, time.Millisecond,
		"state %s, want %s", f.eng.State(), want)
}

func (f *fixture) connectedCount() int {
	n := 0
	for _, ev := range f.rec.log() {
		if strings.HasPrefix(ev, "connected:") {
			n++
		}
	}
	return n
}

// connect dials and waits until OnConnected has run.
func (f *fixture) connect() *testutil.ServerConn {
	f.t.Helper()
	before := f.connectedCount()
	f.eng.Connect("")
	conn := f.nextConn()
	require.Eventually(f.t, func() bool { return f.connectedCount() > before }, waitFor, time.Millisecond)
	return conn
}

// sync waits until every event enqueued before it has been processed. While
// connected it costs one round trip to the server.
func (f *fixture) sync() {
	f.t.Helper()
	done := make(chan struct{})
	f.eng.Call("sync", nil, func(any, error) { close(done) }, nil)
	select {
	case <-done:
	case <-time.After(waitFor):
		f.t.Fatal("engine loop did not drain")
	}
}

func TestNew_RequiresDialer(t *testing.T) {
	_, err := New(testConfig(), nil)
	assert.ErrorContains(t, err, "dialer is required")
}

func TestNew_ValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DDPVersion = "2"
	_, err := New(cfg, testutil.NewMockServer().Dialer())
	assert.ErrorContains(t, err, `ddp_version "2"`)
}

func TestEngine_RunOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.connect() // the fixture's Run owns the loop

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := f.eng.Run(ctx)
	assert.ErrorContains(t, err, "more than once")
}

func TestEngine_StopWhileIdleReportsNoDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.sync()

	f.cancel()
	<-f.eng.Done()
	assert.Zero(t, f.rec.count("disconnected"))
}

func TestEngine_HandshakeIsFirstFrame(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	assert.Equal(t, "mem://ddp", conn.URL())
	frames := conn.Frames()
	require.NotEmpty(t, frames)
	assert.Equal(t, `{"msg":"connect","version":"1","support":["1","pre2","pre1"]}`, frames[0])

	require.Eventually(t, func() bool { return f.rec.count("connected:S1") == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "S1", f.eng.Session())
	assert.Equal(t, "1", f.eng.Version())
}

func TestEngine_ConnectUsesExplicitURL(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.Connect("mem://other")
	conn := f.nextConn()
	assert.Equal(t, "mem://other", conn.URL())
}

func TestEngine_ConnectWhileConnectedIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()

	f.eng.Connect("")
	f.eng.Connect("mem://elsewhere")
	f.sync()

	assert.Len(t, f.srv.Conns(), 1)
	assert.Equal(t, StateConnected, f.eng.State())
	require.Eventually(t, func() bool { return f.eng.Pending() == 0 }, waitFor, time.Millisecond)
}

func TestEngine_HeartbeatSendsPing(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.PingInterval = 10 * time.Millisecond })
	conn := f.connect()

	m, err := conn.Expect(f.ctx(), wire.MsgPing)
	require.NoError(t, err)
	assert.Empty(t, m.ID)

	// the timer re-arms after each tick
	_, err = conn.Expect(f.ctx(), wire.MsgPing)
	require.NoError(t, err)
}

func TestEngine_ExplicitPing(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	f.eng.Ping()
	_, err := conn.Expect(f.ctx(), wire.MsgPing)
	require.NoError(t, err)
}

func TestEngine_AnswersServerPing(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	require.NoError(t, conn.Send(wire.Message{Msg: wire.MsgPing, ID: "abc"}))
	m, err := conn.Expect(f.ctx(), wire.MsgPong)
	require.NoError(t, err)
	assert.Equal(t, "abc", m.ID)
}

func TestEngine_CallContextLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()

	result, err := f.eng.CallContext(f.ctx(), "login", map[string]any{"user": map[string]any{"username": "a"}, "password": "p"})
	require.NoError(t, err)
	assert.Equal(t, "mock_session_id", result)
}

func TestEngine_CallFiresResultThenUpdate(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	var mu sync.Mutex
	var order []string
	updated := make(chan struct{})
	id := f.eng.Call("login", []any{"x"}, func(result any, err error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, fmt.Sprintf("result:%v:%v", result, err))
	}, func(err error) {
		mu.Lock()
		order = append(order, fmt.Sprintf("updated:%v", err))
		mu.Unlock()
		close(updated)
	})
	assert.Equal(t, "1", id)

	select {
	case <-updated:
	case <-time.After(waitFor):
		t.Fatal("updated not delivered")
	}
	mu.Lock()
	assert.Equal(t, []string{"result:mock_session_id:<nil>", "updated:<nil>"}, order)
	mu.Unlock()

	m, err := conn.Expect(f.ctx(), wire.MsgMethod)
	require.NoError(t, err)
	assert.Equal(t, "login", m.Method)
	assert.Equal(t, []any{"x"}, m.Params)
	require.Eventually(t, func() bool { return f.eng.Pending() == 0 }, waitFor, time.Millisecond)
}

func TestEngine_ServerErrorResult(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.HandleMethod("fail", func([]any) (any, *wire.Error) {
		return nil, &wire.Error{Code: "403", Reason: "forbidden"}
	})
	f.connect()

	_, err := f.eng.CallContext(f.ctx(), "fail")
	var werr *wire.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "forbidden", werr.Reason)
}

func TestEngine_CallWithRandomSeed(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	seed := NewRandomSeed()
	_, err := uuid.Parse(seed)
	require.NoError(t, err)

	done := make(chan struct{})
	f.eng.CallWithRandomSeed("insert", []any{map[string]any{"a": 1.0}}, seed, func(any, error) { close(done) }, nil)
	<-done

	m, err := conn.Expect(f.ctx(), wire.MsgMethod)
	require.NoError(t, err)
	assert.Equal(t, seed, m.RandomSeed)
}

func TestEngine_IDsShareOneSpace(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()

	assert.Equal(t, "1", f.eng.Call("a", nil, nil, nil))
	assert.Equal(t, "2", f.eng.Subscribe("b", nil, nil))
	assert.Equal(t, "3", f.eng.Call("c", nil, nil, nil))
}

func TestEngine_SubscriptionPopulatesStore(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()

	ready := make(chan error, 1)
	f.eng.Subscribe("users", nil, func(err error) { ready <- err })

	select {
	case err := <-ready:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("ready not delivered")
	}

	// added precedes ready, so the document is already stored
	snap := f.eng.Observe("users").Current()
	require.Len(t, snap, 1)
	assert.Equal(t, collection.Document{
		"_id":       "test_users",
		"full_name": "Test",
		"email":     "test@test.com",
	}, snap[0])

	doc, ok := f.eng.Item("users", "test_users")
	require.True(t, ok)
	assert.Equal(t, "Test", doc["full_name"])
	assert.Equal(t, 0, f.eng.Pending())
}

func TestEngine_ChangedReplacesAndRemovedDeletes(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	var mu sync.Mutex
	var seen []collection.Snapshot
	cancel := f.eng.Observe("chats").Subscribe(func(s collection.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})
	defer cancel()

	require.NoError(t, conn.Send(wire.Message{Msg: wire.MsgAdded, Collection: "chats", ID: "c1", Fields: map[string]any{"title": "a", "unread": 1.0}}))
	require.NoError(t, conn.Send(wire.Message{Msg: wire.MsgChanged, Collection: "chats", ID: "c1", Fields: map[string]any{"title": "b"}}))
	require.NoError(t, conn.Send(wire.Message{Msg: wire.MsgRemoved, Collection: "chats", ID: "c1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen[0])
	assert.Equal(t, collection.Snapshot{{"_id": "c1", "title": "a", "unread": 1.0}}, seen[1])
	assert.Equal(t, collection.Snapshot{{"_id": "c1", "title": "b"}}, seen[2])
	assert.Empty(t, seen[3])
}

func TestEngine_MalformedDocumentIgnored(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	require.NoError(t, conn.Send(wire.Message{Msg: wire.MsgAdded, Collection: "users"}))
	require.NoError(t, conn.SendRaw([]byte(`not json`)))
	require.NoError(t, conn.SendRaw([]byte(`{"msg":"mystery"}`)))
	f.sync()

	assert.Empty(t, f.eng.Observe("users").Current())
	assert.Equal(t, StateConnected, f.eng.State())
}

func TestEngine_OnMessageSeesEveryDecodedMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()
	_, err := f.eng.CallContext(f.ctx(), "login")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return len(f.rec.msgs) >= 3
	}, waitFor, time.Millisecond)
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, []string{"connected", "result", "updated"}, f.rec.msgs[:3])
}

func TestEngine_SendFailsBeforeOpen(t *testing.T) {
	f := newFixture(t, nil)

	results := make(chan error, 1)
	updates := make(chan error, 1)
	readies := make(chan error, 1)
	f.eng.Call("login", nil, func(_ any, err error) { results <- err }, func(err error) { updates <- err })
	f.eng.Subscribe("users", nil, func(err error) { readies <- err })

	for _, ch := range []chan error{results, updates, readies} {
		select {
		case err := <-ch:
			assert.True(t, IsSendFailed(err), "got %v", err)
		case <-time.After(waitFor):
			t.Fatal("callback not delivered")
		}
	}
	assert.Equal(t, 0, f.eng.Pending())
}

func TestEngine_DisconnectFailsEveryPendingRequestOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.Hold("slow", "feed")
	f.connect()

	var mu sync.Mutex
	var got []string
	var errs []error
	record := func(tag string, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, tag)
		errs = append(errs, err)
	}

	f.eng.Call("slow", nil, func(_ any, err error) { record("result:1", err) }, func(err error) { record("updated:1", err) })
	f.eng.Call("slow", nil, func(_ any, err error) { record("result:2", err) }, nil)
	f.eng.Subscribe("feed", nil, func(err error) { record("ready:3", err) })
	require.Eventually(t, func() bool { return f.eng.Pending() == 3 }, waitFor, time.Millisecond)

	f.eng.Disconnect(false)
	f.waitState(StateClosed)
	f.sync()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"result:1", "updated:1", "result:2", "ready:3"}, got)
	for _, err := range errs {
		assert.True(t, IsDisconnected(err), "got %v", err)
	}
	assert.Equal(t, 0, f.eng.Pending())
	assert.Equal(t, 1, f.rec.count("disconnected"))
	assert.Nil(t, f.rec.errors("disconnected")[0])
	assert.Empty(t, f.eng.Session())
	assert.Zero(t, f.eng.Reconnect().Attempt)
}

func TestEngine_DisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()

	f.eng.Close()
	f.waitState(StateClosed)
	f.eng.Close()
	f.eng.Disconnect(true)
	f.sync()

	assert.Equal(t, StateClosed, f.eng.State())
	assert.Equal(t, 1, f.rec.count("disconnected"))
}

func TestEngine_DisconnectWithReconnectSchedulesOne(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()

	f.eng.Disconnect(true)
	f.waitState(StateDisconnected)
	f.eng.Disconnect(true)
	f.sync()

	assert.Equal(t, ReconnectState{Attempt: 1, NextDelay: time.Minute}, f.eng.Reconnect())
	assert.Equal(t, time.Hour+time.Minute, f.eng.ReconnectDelay())

	// closing from Disconnected cancels the scheduled reconnect
	f.eng.Close()
	f.waitState(StateClosed)
	f.sync()
	assert.Zero(t, f.eng.Reconnect().Attempt)
	assert.Equal(t, 1, f.rec.count("disconnected"))
}

func TestEngine_ServerCloseReportsAndReconnects(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.ReconnectInterval = 10 * time.Millisecond
		cfg.ReconnectStep = 5 * time.Millisecond
	})
	conn := f.connect()

	conn.Close()
	second := f.nextConn()
	require.Eventually(t, func() bool { return f.connectedCount() == 2 }, waitFor, time.Millisecond)

	assert.Equal(t, "S2", second.Session())
	assert.Equal(t, "S2", f.eng.Session())
	assert.Equal(t, ReconnectState{}, f.eng.Reconnect())
	assert.Equal(t, []string{"connected:S1", "socket_closed", "disconnected", "connected:S2"}, f.rec.log())
}

func TestEngine_SocketErrorReportsFailure(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	boom := errors.New("boom")
	conn.Fail(boom)
	f.waitState(StateDisconnected)
	f.sync()

	// close after the error belongs to a detached socket and is ignored
	assert.Equal(t, []string{"connected:S1", "failed", "socket_error", "disconnected"}, f.rec.log())
	assert.ErrorIs(t, f.rec.errors("failed")[0], boom)
	assert.ErrorIs(t, f.rec.errors("disconnected")[0], boom)
	assert.Equal(t, 1, f.eng.Reconnect().Attempt)
}

func TestEngine_ReconnectBackoffGrowsLinearly(t *testing.T) {
	f := newFixture(t, nil)
	refused := errors.New("connection refused")
	f.srv.Network().Refuse(refused)

	f.eng.Connect("")
	require.Eventually(t, func() bool { return f.eng.Reconnect().Attempt == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, time.Minute, f.eng.Reconnect().NextDelay)

	f.eng.Connect("")
	require.Eventually(t, func() bool { return f.eng.Reconnect().Attempt == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, 2*time.Minute, f.eng.Reconnect().NextDelay)
	assert.Equal(t, time.Hour+2*time.Minute, f.eng.ReconnectDelay())

	errs := f.rec.errors("failed")
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], refused)
	assert.Contains(t, errs[0].Error(), "before the connection was established")

	f.srv.Network().Refuse(nil)
	f.connect()
	assert.Equal(t, ReconnectState{}, f.eng.Reconnect())
}

func TestEngine_FailedRetriesOfferedVersion(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.AcceptVersions("pre2", "pre1")
	conn := f.connect()

	assert.Equal(t, "pre2", f.eng.Version())
	frames := conn.Frames()
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, `{"msg":"connect","version":"1","support":["1","pre2","pre1"]}`, frames[0])
	assert.Equal(t, `{"msg":"connect","version":"pre2","support":["1","pre2","pre1"]}`, frames[1])
}

func TestEngine_FailedWithUnsupportedVersionIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.AcceptVersions("2")

	f.eng.Connect("")
	f.waitState(StateClosed)
	f.sync()

	errs := f.rec.errors("failed")
	require.Len(t, errs, 1)
	assert.True(t, IsNegotiationFailed(errs[0]))
	assert.Equal(t, []string{"failed", "disconnected"}, f.rec.log())
	assert.Zero(t, f.eng.Reconnect().Attempt)
}

func TestEngine_FailedWithCurrentVersionIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.Silent(true)

	f.eng.Connect("")
	conn := f.nextConn()
	_, err := conn.Expect(f.ctx(), wire.MsgConnect)
	require.NoError(t, err)

	require.NoError(t, conn.Send(wire.Message{Msg: wire.MsgFailed, Version: "1"}))
	f.waitState(StateClosed)
	f.sync()
	assert.True(t, IsNegotiationFailed(f.rec.errors("failed")[0]))
}

func TestEngine_ConnectedIgnoredOutsideHandshake(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect()

	require.NoError(t, conn.Send(wire.Message{Msg: wire.MsgConnected, Session: "other"}))
	f.sync()
	assert.Equal(t, "S1", f.eng.Session())
	assert.Equal(t, 1, f.rec.count("connected:S1"))
}

func TestEngine_NoSubWithoutErrorStopsSubscription(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.Hold("feed")
	f.connect()

	ready := make(chan error, 1)
	id := f.eng.Subscribe("feed", nil, func(err error) { ready <- err })
	require.Eventually(t, func() bool { return f.eng.Pending() == 1 }, waitFor, time.Millisecond)

	// the mock answers unsub with a bare nosub
	f.eng.Unsubscribe(id)

	select {
	case err := <-ready:
		assert.True(t, hasCode(err, ErrCodeSubscriptionStopped), "got %v", err)
	case <-time.After(waitFor):
		t.Fatal("nosub not delivered")
	}
	require.Eventually(t, func() bool { return f.eng.Pending() == 0 }, waitFor, time.Millisecond)
}

func TestEngine_NoSubCarriesServerError(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.Publish("secret", func([]any) ([]testutil.Doc, *wire.Error) {
		return nil, &wire.Error{Code: "403", Reason: "denied"}
	})
	f.connect()

	ready := make(chan error, 1)
	f.eng.Subscribe("secret", nil, func(err error) { ready <- err })

	err := <-ready
	var werr *wire.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "denied", werr.Reason)
}

func TestEngine_StopFailsPendingAndLateRequests(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.Hold("slow")
	f.connect()

	inflight := make(chan error, 1)
	f.eng.Call("slow", nil, func(_ any, err error) { inflight <- err }, nil)
	require.Eventually(t, func() bool { return f.eng.Pending() == 1 }, waitFor, time.Millisecond)

	f.cancel()
	<-f.eng.Done()

	assert.True(t, IsEngineStopped(<-inflight))
	assert.Equal(t, StateClosed, f.eng.State())
	assert.Equal(t, []string{"connected:S1", "disconnected"}, f.rec.log())
	assert.Nil(t, f.rec.errors("disconnected")[0])

	late := make(chan error, 1)
	f.eng.Call("late", nil, func(_ any, err error) { late <- err }, nil)
	assert.True(t, IsEngineStopped(<-late))

	_, err := f.eng.CallContext(context.Background(), "late")
	assert.True(t, IsEngineStopped(err))
}

func TestEngine_WithStoreSharesCollections(t *testing.T) {
	store := collection.New()
	f := newFixture(t, nil, WithStore(store))
	f.connect()

	ready := make(chan error, 1)
	f.eng.Subscribe("users", nil, func(err error) { ready <- err })
	require.NoError(t, <-ready)

	assert.Same(t, store, f.eng.Store())
	_, ok := store.GetItem("users", "test_users")
	assert.True(t, ok)
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, nil, WithMetrics(metrics.New(reg)))
	f.connect()

	updated := make(chan struct{})
	f.eng.Call("login", nil, nil, func(error) { close(updated) })
	<-updated
	require.Eventually(t, func() bool { return f.eng.Pending() == 0 }, waitFor, time.Millisecond)

	expected := `
# HELP ddp_connection_state Connection state (0=disconnected, 1=connecting, 2=connected, 3=closed)
# TYPE ddp_connection_state gauge
ddp_connection_state 2
# HELP ddp_messages_sent_total Total number of outbound messages by msg type
# TYPE ddp_messages_sent_total counter
ddp_messages_sent_total{msg="connect"} 1
ddp_messages_sent_total{msg="method"} 1
# HELP ddp_pending_requests Method calls and subscriptions awaiting a terminal response
# TYPE ddp_pending_requests gauge
ddp_pending_requests 0
`
	require.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"ddp_connection_state", "ddp_messages_sent_total", "ddp_pending_requests"))

	require.Eventually(t, func() bool {
		n, err := promtest.GatherAndCount(reg, "ddp_messages_received_total")
		return err == nil && n == 3
	}, waitFor, time.Millisecond)
}
