package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chat-sync/internal/config"
	"github.com/chat-sync/internal/eventbus"
	"github.com/chat-sync/internal/protocol"
	"github.com/chat-sync/internal/session"
	"github.com/chat-sync/internal/transport/transporttest"
)

const waitFor = 2 * time.Second

type switchableSession struct {
	mu  sync.Mutex
	cur session.Session
}

func (s *switchableSession) Current(ctx context.Context) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Identity == "" {
		return session.Session{}, session.ErrNoSession
	}
	return s.cur, nil
}

func (s *switchableSession) login(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = session.Session{Identity: identity, Token: "token-" + identity}
}

type recordingRegistrar struct {
	calls chan string
}

func (r *recordingRegistrar) Register(ctx context.Context, identity string) error {
	r.calls <- identity
	return nil
}

func testConfig() config.ConnectionConfig {
	cfg := config.Default().Connection
	cfg.AcquireTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.MaxRetries = 3
	return cfg
}

type harness struct {
	server    *transporttest.Server
	sessions  *switchableSession
	bus       *eventbus.Bus
	registrar *recordingRegistrar
	manager   *Manager
}

func newHarness(t *testing.T, cfg config.ConnectionConfig) *harness {
	h := &harness{
		server:    transporttest.NewServer(),
		sessions:  &switchableSession{},
		registrar: &recordingRegistrar{calls: make(chan string, 16)},
	}
	logger := zaptest.NewLogger(t)
	h.bus = eventbus.New(logger)
	h.manager = NewManager(cfg, "ws://test/ws", h.server, h.sessions, h.bus,
		WithRegistrar(h.registrar),
		WithLogger(logger),
	)
	t.Cleanup(func() {
		h.manager.Release(context.Background(), "")
	})
	return h
}

func TestAcquireHandshake(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")

	conn, err := h.manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, "alice", conn.Identity())

	wire := h.server.Last()
	assert.Equal(t, []string{protocol.EventAuthenticate, protocol.EventAnnounceOnline}, wire.Events())
	assert.Equal(t, "Bearer token-alice", wire.Header().Get("Authorization"))

	var auth protocol.AuthenticatePayload
	require.True(t, wire.LastPayload(protocol.EventAuthenticate, &auth))
	assert.Equal(t, "alice", auth.Identity)
	assert.Equal(t, "token-alice", auth.Token)

	select {
	case id := <-h.registrar.calls:
		assert.Equal(t, "alice", id)
	case <-time.After(waitFor):
		t.Fatal("registrar was not called")
	}
}

func TestAcquireEmptyIdentityUsesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")

	conn, err := h.manager.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "alice", conn.Identity())
}

func TestAcquireUnauthenticated(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.manager.Acquire(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// A session for someone else is never substituted.
	h.sessions.login("bob")
	_, err = h.manager.Acquire(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 0, h.server.Dials())
}

func TestAcquireIsSingleFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*Connection, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.manager.Acquire(context.Background(), "alice")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, h.server.Dials())

	again, err := h.manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	assert.Same(t, results[0], again)
	assert.Equal(t, 1, h.server.Dials())
}

func TestAcquireCancelledCallerDoesNotFailOthers(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = 5 * time.Second
	h := newHarness(t, cfg)
	h.sessions.login("alice")
	h.server.SetAuth(transporttest.AuthSilent, "")

	impatient, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := h.manager.Acquire(impatient, "alice")
		first <- err
	}()

	type result struct {
		conn *Connection
		err  error
	}
	second := make(chan result, 1)
	require.Eventually(t, func() bool { return h.server.Dials() == 1 }, waitFor, 5*time.Millisecond)
	go func() {
		conn, err := h.manager.Acquire(context.Background(), "alice")
		second <- result{conn, err}
	}()

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("cancelled caller did not return")
	}

	// The other caller is still waiting on the same attempt.
	select {
	case r := <-second:
		t.Fatalf("second caller returned early: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}

	h.server.Last().Emit(protocol.EventAuthenticated, nil)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, StateConnected, r.conn.State())
	case <-time.After(waitFor):
		t.Fatal("second caller never resolved")
	}
	assert.Equal(t, 1, h.server.Dials())
}

func TestAcquireDifferentIdentityReplacesConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")

	first, err := h.manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	firstWire := h.server.Last()

	h.sessions.login("bob")
	second, err := h.manager.Acquire(context.Background(), "bob")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, StateTerminated, first.State())
	assert.True(t, firstWire.Closed())
	assert.Equal(t, protocol.EventAnnounceOffline, firstWire.Events()[len(firstWire.Events())-1])

	var offline protocol.AnnouncePayload
	require.True(t, firstWire.LastPayload(protocol.EventAnnounceOffline, &offline))
	assert.Equal(t, "alice", offline.Identity)

	assert.Equal(t, 2, h.server.Dials())
	assert.Equal(t, "bob", h.manager.Identity())
}

func TestAcquireAuthenticationFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")
	h.server.SetAuth(transporttest.AuthReject, "token revoked")

	_, err := h.manager.Acquire(context.Background(), "alice")
	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, "token revoked", authErr.Reason)

	assert.Equal(t, 1, h.server.Dials())
	assert.Equal(t, StateTerminated, h.manager.Current().State())
}

func TestAcquireTimeoutReturnsPendingConnection(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.sessions.login("alice")
	h.server.SetAuth(transporttest.AuthSilent, "")

	conn, err := h.manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticating, conn.State())

	// Late confirmation still completes the handshake.
	h.server.Last().Emit(protocol.EventAuthenticated, nil)
	require.Eventually(t, func() bool { return conn.State() == StateConnected }, waitFor, 5*time.Millisecond)
}

func TestReconnectKeepsSubscriptions(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")

	deltas := make(chan string, 4)
	h.bus.On(protocol.EventPresenceDelta, func(ev protocol.Event) {
		deltas <- ev.(protocol.PresenceDelta).UserID
	})

	conn, err := h.manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	h.server.Last().Emit(protocol.EventPresenceDelta, map[string]interface{}{"userId": "u1", "isOnline": true})
	assert.Equal(t, "u1", <-deltas)

	h.server.Last().Drop()
	require.Eventually(t, func() bool {
		return h.server.Dials() == 2 && conn.State() == StateConnected
	}, waitFor, 5*time.Millisecond)

	second := h.server.Last()
	assert.Equal(t, []string{protocol.EventAuthenticate, protocol.EventAnnounceOnline}, second.Events())
	assert.Equal(t, 0, conn.Retries())

	second.Emit(protocol.EventPresenceDelta, map[string]interface{}{"userId": "u2", "isOnline": false})
	select {
	case id := <-deltas:
		assert.Equal(t, "u2", id)
	case <-time.After(waitFor):
		t.Fatal("subscription lost across reconnect")
	}
	assert.Same(t, conn, h.manager.Current())
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")
	h.server.SetDialErr(errors.New("connection refused"))

	var states []string
	var mu sync.Mutex
	h.bus.On(protocol.EventConnectionStateChanged, func(ev protocol.Event) {
		mu.Lock()
		states = append(states, ev.(protocol.ConnectionStateChanged).State)
		mu.Unlock()
	})

	_, err := h.manager.Acquire(context.Background(), "alice")
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Equal(t, StateTerminated, h.manager.Current().State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, string(StateTerminated), states[len(states)-1])
	assert.Contains(t, states, string(StateReconnecting))
}

func TestSendRequiresConnection(t *testing.T) {
	h := newHarness(t, testConfig())

	err := h.manager.Send(context.Background(), protocol.EventMarkRead, protocol.MarkReadPayload{MessageID: "1"})
	assert.ErrorIs(t, err, ErrNotConnected)

	h.sessions.login("alice")
	_, err = h.manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	require.NoError(t, h.manager.Send(context.Background(), protocol.EventMarkRead, protocol.MarkReadPayload{MessageID: "1"}))
	var p protocol.MarkReadPayload
	require.True(t, h.server.Last().LastPayload(protocol.EventMarkRead, &p))
	assert.Equal(t, "1", p.MessageID)
}

func TestRelease(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")

	conn, err := h.manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	wire := h.server.Last()

	// Not the current identity: ignored.
	require.NoError(t, h.manager.Release(context.Background(), "bob"))
	assert.Equal(t, StateConnected, conn.State())

	require.NoError(t, h.manager.Release(context.Background(), "alice"))
	assert.Equal(t, StateTerminated, conn.State())
	assert.True(t, wire.Closed())
	assert.Equal(t, protocol.EventAnnounceOffline, wire.Events()[len(wire.Events())-1])
	assert.Nil(t, h.manager.Current())
	assert.Equal(t, 1, h.server.Dials())

	err = h.manager.Send(context.Background(), protocol.EventMarkRead, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sessions.login("alice")

	got := make(chan protocol.Event, 2)
	h.bus.On(protocol.EventChatRemoved, func(ev protocol.Event) { got <- ev })

	_, err := h.manager.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	wire := h.server.Last()
	wire.Push(`{"event":"chat_removed","payload":{}}`)
	wire.Push(`not json at all`)
	wire.Emit(protocol.EventChatRemoved, map[string]string{"chatId": "42"})

	select {
	case ev := <-got:
		assert.Equal(t, "42", ev.(protocol.ChatRemoved).Chat.ID)
	case <-time.After(waitFor):
		t.Fatal("valid frame after malformed ones was not delivered")
	}
	assert.Len(t, got, 0)
}

func TestBackoffSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = 500 * time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Second
	b := newBackOff(cfg, clockwork.NewFakeClock())

	for n := 1; n <= 40; n++ {
		want := cfg.RetryMaxDelay
		if n < 6 {
			want = cfg.RetryBaseDelay << (n - 1)
		}
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, want/2, "attempt %d", n)
		assert.LessOrEqual(t, d, want+want/2+time.Nanosecond, "attempt %d", n)
	}

	b.Reset()
	d := b.NextBackOff()
	assert.GreaterOrEqual(t, d, cfg.RetryBaseDelay/2)
	assert.LessOrEqual(t, d, cfg.RetryBaseDelay+cfg.RetryBaseDelay/2+time.Nanosecond)
}
