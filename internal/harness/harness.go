package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/roach88/ddp/internal/config"
	"github.com/roach88/ddp/internal/engine"
	"github.com/roach88/ddp/internal/testutil"
	"github.com/roach88/ddp/internal/wire"
)

// harnessURL is the endpoint the engine dials on the in-memory network.
const harnessURL = "mem://harness"

// Harness executes one scenario against a fresh mock server and engine.
type Harness struct {
	server  *testutil.MockServer
	engine  *engine.Engine
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	events    []string
	connected int
	subs      map[string]chan error
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against its own mock server and engine. Heartbeats and
// automatic reconnects are pushed out of reach so the only frames sent are
// the ones the steps cause.
//
// Execution flow:
// 1. Script the mock server and start it
// 2. Start the engine loop
// 3. Execute steps until the first failed expectation
// 4. Stop the engine and collect frames and lifecycle events
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a parent context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := testutil.NewMockServer()
	scriptServer(srv, scenario.Server)
	srv.Start(ctx)

	cfg := config.Default()
	cfg.URL = harnessURL
	cfg.PingInterval = time.Hour
	cfg.ReconnectInterval = time.Hour
	if scenario.Version != "" {
		cfg.DDPVersion = scenario.Version
	}

	h := &Harness{
		server:  srv,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		timeout: scenario.Timeout,
		subs:    make(map[string]chan error),
	}
	if h.timeout == 0 {
		h.timeout = DefaultTimeout
	}

	eng, err := engine.New(cfg, srv.Dialer(),
		engine.WithLogger(h.logger),
		engine.WithHandlers(h.handlers()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	h.engine = eng
	go func() { _ = eng.Run(ctx) }()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step); err != nil {
			result.AddError(err.Error())
			break
		}
		h.logger.Info("step completed", "step", i)
	}

	cancel()
	<-eng.Done()
	srv.Wait()

	result.Frames = srv.Frames()
	result.Events = h.log()
	return result, nil
}

// scriptServer applies the scenario's server script.
func scriptServer(srv *testutil.MockServer, script ServerScript) {
	if len(script.Versions) > 0 {
		srv.AcceptVersions(script.Versions...)
	}
	srv.Hold(script.Hold...)

	for name, m := range script.Methods {
		m := m
		srv.HandleMethod(name, func([]any) (any, *wire.Error) {
			return m.Result, m.Error.wire()
		})
	}
	for name, p := range script.Publications {
		p := p
		srv.Publish(name, func([]any) ([]testutil.Doc, *wire.Error) {
			docs := make([]testutil.Doc, len(p.Docs))
			for i, d := range p.Docs {
				docs[i] = testutil.Doc{Collection: d.Collection, ID: d.ID, Fields: d.Fields}
			}
			return docs, p.Error.wire()
		})
	}
}

func (e *ErrorScript) wire() *wire.Error {
	if e == nil {
		return nil
	}
	return &wire.Error{Code: e.Code, Reason: e.Reason}
}

func (h *Harness) handlers() engine.Handlers {
	return engine.Handlers{
		OnConnected: func(session string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.connected++
			h.events = append(h.events, "connected session="+session)
		},
		OnDisconnected: func(err error) { h.record("disconnected", err) },
		OnFailed:       func(err error) { h.record("failed", err) },
		OnSocketError:  func(err error) { h.record("socket_error", err) },
		OnSocketClosed: func(err error) { h.record("socket_closed", err) },
	}
}

// record appends a lifecycle event. Engine errors render as their code so
// traces don't depend on message wording.
func (h *Harness) record(event string, err error) {
	if err != nil {
		var ee *engine.Error
		if errors.As(err, &ee) {
			event += " error=" + string(ee.Code)
		} else {
			event += " error=" + err.Error()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *Harness) log() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.events...)
}

func (h *Harness) connectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// executeStep runs one step, waiting for its outcome where it has one.
func (h *Harness) executeStep(ctx context.Context, i int, step Step) error {
	switch {
	case step.Connect != nil:
		return h.connect(ctx, i, step.Connect)
	case step.Disconnect != nil:
		return h.disconnect(ctx, i, step.Disconnect)
	case step.Call != nil:
		return h.call(ctx, i, step.Call)
	case step.Subscribe != nil:
		return h.subscribe(ctx, i, step.Subscribe)
	case step.Unsubscribe != nil:
		return h.unsubscribe(ctx, i, step.Unsubscribe)
	case step.Ping != nil:
		h.engine.Ping()
		return nil
	case step.Server != nil:
		return h.push(i, step.Server)
	case step.ExpectSent != nil:
		return h.expectSent(ctx, i, step.ExpectSent)
	case step.ExpectCollection != nil:
		return h.expectCollection(ctx, i, step.ExpectCollection)
	}
	return fmt.Errorf("steps[%d]: empty step", i)
}

func (h *Harness) connect(ctx context.Context, i int, s *ConnectStep) error {
	before := h.connectedCount()
	h.engine.Connect(s.URL)

	if s.Expect == ExpectClosed {
		return h.waitState(ctx, i, "connect", engine.StateClosed)
	}
	if !h.waitUntil(ctx, func() bool { return h.connectedCount() > before }) {
		return h.fail(i, "connect", "connected", "state "+string(h.engine.State()))
	}
	return nil
}

func (h *Harness) disconnect(ctx context.Context, i int, s *DisconnectStep) error {
	h.engine.Disconnect(s.Reconnect)
	want := engine.StateClosed
	if s.Reconnect {
		want = engine.StateDisconnected
	}
	return h.waitState(ctx, i, "disconnect", want)
}

func (h *Harness) waitState(ctx context.Context, i int, kind string, want engine.State) error {
	if !h.waitUntil(ctx, func() bool { return h.engine.State() == want }) {
		return h.fail(i, kind, "state "+string(want), "state "+string(h.engine.State()))
	}
	return nil
}

func (h *Harness) call(ctx context.Context, i int, s *CallStep) error {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	h.engine.Call(s.Method, s.Params, func(result any, err error) {
		ch <- outcome{result: result, err: err}
	}, nil)

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-ch:
	case <-timer.C:
		return h.fail(i, "call", "result for "+s.Method, "no result")
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := checkError(o.err, s.ExpectError); err != "" {
		return h.fail(i, "call", expectedError(s.ExpectError), err)
	}
	if s.ExpectResult != nil && !valuesEqual(normalize(o.result), normalize(s.ExpectResult)) {
		return h.fail(i, "call", describe(s.ExpectResult), describe(o.result))
	}
	return nil
}

func (h *Harness) subscribe(ctx context.Context, i int, s *SubscribeStep) error {
	ch := make(chan error, 1)
	id := h.engine.Subscribe(s.Name, s.Params, func(err error) { ch <- err })
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	if s.NoWait {
		return nil
	}
	return h.awaitSubscription(ctx, i, "subscribe", ch, s.ExpectError)
}

func (h *Harness) unsubscribe(ctx context.Context, i int, s *UnsubscribeStep) error {
	h.mu.Lock()
	ch, ok := h.subs[s.ID]
	h.mu.Unlock()
	if !ok {
		return h.fail(i, "unsubscribe", "subscription "+s.ID, "no such subscription")
	}

	h.engine.Unsubscribe(s.ID)
	if s.ExpectError == "" {
		return nil
	}
	return h.awaitSubscription(ctx, i, "unsubscribe", ch, s.ExpectError)
}

func (h *Harness) awaitSubscription(ctx context.Context, i int, kind string, ch chan error, expectErr string) error {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		if msg := checkError(err, expectErr); msg != "" {
			return h.fail(i, kind, expectedError(expectErr), msg)
		}
		return nil
	case <-timer.C:
		return h.fail(i, kind, expectedError(expectErr), "no answer")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Harness) push(i int, msg map[string]any) error {
	conn := h.server.Latest()
	if conn == nil {
		return h.fail(i, "server", "an open connection", "none accepted")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("steps[%d]: encode server message: %w", i, err)
	}
	if err := conn.SendRaw(data); err != nil {
		return fmt.Errorf("steps[%d]: send server message: %w", i, err)
	}
	return nil
}

func (h *Harness) expectSent(ctx context.Context, i int, fields map[string]any) error {
	if !h.waitUntil(ctx, func() bool {
		_, ok := findSent(h.server.Frames(), fields)
		return ok
	}) {
		return h.fail(i, "expect_sent", "frame containing "+describe(fields), "not sent")
	}
	return nil
}

func (h *Harness) expectCollection(ctx context.Context, i int, c *CollectionExpect) error {
	obs := h.engine.Observe(c.Name)
	if !h.waitUntil(ctx, func() bool { return snapshotMatches(obs.Current(), c.Docs) }) {
		return h.fail(i, "expect_collection", describe(c.Docs), describe(obs.Current()))
	}
	return nil
}

// waitUntil polls cond until it holds or the step timeout expires.
func (h *Harness) waitUntil(ctx context.Context, cond func() bool) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return cond()
		case <-ticker.C:
		}
	}
}

func (h *Harness) fail(i int, kind, expected, actual string) error {
	return &AssertionError{
		Step:     i,
		Type:     kind,
		Expected: expected,
		Actual:   actual,
		Frames:   h.server.Frames(),
	}
}

// checkError returns a description of the mismatch, or "" when err matches
// the expectation. An empty expectation means no error.
func checkError(err error, want string) string {
	switch {
	case want == "" && err == nil:
		return ""
	case want == "":
		return "error " + err.Error()
	case err == nil:
		return "no error"
	case !strings.Contains(err.Error(), want):
		return "error " + err.Error()
	}
	return ""
}

func expectedError(want string) string {
	if want == "" {
		return "no error"
	}
	return fmt.Sprintf("error containing %q", want)
}
