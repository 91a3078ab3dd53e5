// Package connection owns the single realtime connection of the process.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chat-sync/internal/config"
	"github.com/chat-sync/internal/eventbus"
	"github.com/chat-sync/internal/protocol"
	"github.com/chat-sync/internal/session"
	"github.com/chat-sync/internal/transport"
)

type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateTerminated     State = "terminated"
)

// Registrar is told about every successful login, e.g. to register the
// device's push token.
type Registrar interface {
	Register(ctx context.Context, identity string) error
}

type Option func(*Manager)

func WithRegistrar(r Registrar) Option {
	return func(m *Manager) { m.registrar = r }
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager hands out the process wide connection. At most one Connection is
// live at a time; acquiring for another identity replaces it.
type Manager struct {
	cfg       config.ConnectionConfig
	url       string
	dialer    transport.Dialer
	sessions  session.Provider
	bus       *eventbus.Bus
	registrar Registrar
	clock     clockwork.Clock
	logger    *zap.Logger

	flight    singleflight.Group
	acquireMu sync.Mutex

	mu      sync.Mutex
	current *Connection
}

func NewManager(cfg config.ConnectionConfig, url string, dialer transport.Dialer, sessions session.Provider, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		url:      url,
		dialer:   dialer,
		sessions: sessions,
		bus:      bus,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bus is the event bus shared by every consumer of this manager.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// Current returns the live connection, or nil.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Identity is the identity of the live connection, or "".
func (m *Manager) Identity() string {
	if c := m.Current(); c != nil {
		return c.identity
	}
	return ""
}

// Acquire returns the connection for identity, creating it if needed. An
// empty identity means "whoever the session provider says is logged in".
//
// Concurrent calls for one identity share a single attempt. The call returns
// once the connection is Connected or AcquireTimeout has passed, whichever
// comes first; in the latter case the connection may still be
// authenticating. Cancelling ctx abandons only this caller's wait: the
// shared attempt carries on for everyone else.
func (m *Manager) Acquire(ctx context.Context, identity string) (*Connection, error) {
	sess, err := m.resolve(ctx, identity)
	if err != nil {
		return nil, err
	}

	shared := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(sess.Identity, func() (interface{}, error) {
		return m.acquire(shared, sess)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) resolve(ctx context.Context, identity string) (session.Session, error) {
	sess, err := m.sessions.Current(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if identity != "" && sess.Identity != identity {
		return session.Session{}, fmt.Errorf("%w: no session for %s", ErrUnauthenticated, identity)
	}
	return sess, nil
}

func (m *Manager) acquire(ctx context.Context, sess session.Session) (*Connection, error) {
	m.acquireMu.Lock()

	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()

	if prev != nil && prev.identity == sess.Identity && prev.State() != StateTerminated {
		m.acquireMu.Unlock()
		return m.waitReady(ctx, prev)
	}

	if prev != nil {
		if prev.identity != sess.Identity {
			m.logger.Info("switching identity",
				zap.String("from", prev.identity),
				zap.String("to", sess.Identity),
			)
		}
		prev.shutdown(ctx)
	}

	c := newConnection(m, sess)
	m.mu.Lock()
	m.current = c
	m.mu.Unlock()
	go c.run()

	m.acquireMu.Unlock()
	return m.waitReady(ctx, c)
}

func (m *Manager) waitReady(ctx context.Context, c *Connection) (*Connection, error) {
	expired := make(chan struct{})
	t := m.clock.AfterFunc(m.cfg.AcquireTimeout, func() { close(expired) })
	defer t.Stop()

	select {
	case <-c.ready:
		if err := c.readyErr(); err != nil {
			return nil, err
		}
		return c, nil
	case <-expired:
		m.logger.Warn("acquire timed out, returning connection still in progress",
			zap.String("identity", c.identity),
			zap.String("state", string(c.State())),
		)
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release announces identity offline and closes its connection. Releasing an
// identity that is not the current one does nothing.
func (m *Manager) Release(ctx context.Context, identity string) error {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	m.mu.Lock()
	c := m.current
	if c == nil || (identity != "" && c.identity != identity) {
		m.mu.Unlock()
		return nil
	}
	m.current = nil
	m.mu.Unlock()

	return c.shutdown(ctx)
}

// Send writes one event on the current connection.
func (m *Manager) Send(ctx context.Context, name string, payload interface{}) error {
	c := m.Current()
	if c == nil {
		return &ConnectionError{Op: "send", Err: ErrNotConnected}
	}
	return c.Send(ctx, name, payload)
}

// newBackOff is the reconnect schedule: exponential from RetryBaseDelay,
// capped at RetryMaxDelay, each wait randomised by half either way. It never
// gives up on its own; MaxRetries does that.
func newBackOff(cfg config.ConnectionConfig, clk clockwork.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBaseDelay
	b.MaxInterval = cfg.RetryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()
	return b
}

// Connection is one identity's session with the server, including any
// reconnects it goes through.
type Connection struct {
	identity string
	token    string
	m        *Manager

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ready     chan struct{}
	readyOnce sync.Once

	retry *backoff.ExponentialBackOff

	mu       sync.Mutex
	state    State
	retries  int
	conn     transport.Conn
	startErr error

	writeMu sync.Mutex
}

func newConnection(m *Manager, sess session.Session) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		identity: sess.Identity,
		token:    sess.Token,
		m:        m,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		retry:    newBackOff(m.cfg, m.clock),
		state:    StateDisconnected,
	}
}

func (c *Connection) Identity() string { return c.identity }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries is the number of consecutive failed attempts since the last
// successful handshake.
func (c *Connection) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Send encodes and writes one event. Writes are serialised.
func (c *Connection) Send(ctx context.Context, name string, payload interface{}) error {
	data, err := protocol.Encode(name, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return &ConnectionError{Op: "send", Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(conn, name, data)
}

func (c *Connection) write(conn transport.Conn, name string, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteMessage(data); err != nil {
		return &ConnectionError{Op: "send " + name, Err: err}
	}
	return nil
}

func (c *Connection) sendOn(conn transport.Conn, name string, payload interface{}) error {
	data, err := protocol.Encode(name, payload)
	if err != nil {
		return err
	}
	return c.write(conn, name, data)
}

func (c *Connection) readyErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startErr
}

func (c *Connection) resolveReady(err error) {
	c.readyOnce.Do(func() {
		c.mu.Lock()
		c.startErr = err
		c.mu.Unlock()
		close(c.ready)
	})
}

func (c *Connection) setState(s State, retry int, cause error) {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.retries = retry
	c.mu.Unlock()

	c.m.logger.Debug("connection state changed",
		zap.String("identity", c.identity),
		zap.String("state", string(s)),
		zap.Int("retry", retry),
		zap.Error(cause),
	)
	c.m.bus.Publish(protocol.ConnectionStateChanged{
		Identity: c.identity,
		State:    string(s),
		Retry:    retry,
		Err:      cause,
	})
}

func (c *Connection) run() {
	defer close(c.done)

	attempt := 0
	for {
		connected, err := c.connectOnce(attempt)
		if c.ctx.Err() != nil {
			return
		}

		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			c.m.logger.Warn("authentication rejected",
				zap.String("identity", c.identity),
				zap.String("reason", authErr.Reason),
			)
			c.setState(StateTerminated, attempt, err)
			c.resolveReady(err)
			return
		}

		if connected {
			attempt = 0
			c.retry.Reset()
		}
		attempt++
		if attempt > c.m.cfg.MaxRetries {
			c.m.logger.Error("giving up on connection",
				zap.String("identity", c.identity),
				zap.Int("attempts", attempt-1),
				zap.Error(err),
			)
			c.setState(StateTerminated, attempt-1, err)
			c.resolveReady(err)
			return
		}

		c.setState(StateReconnecting, attempt, err)
		if !c.sleep(c.retry.NextBackOff()) {
			return
		}
	}
}

func (c *Connection) sleep(d time.Duration) bool {
	wake := make(chan struct{})
	t := c.m.clock.AfterFunc(d, func() { close(wake) })
	defer t.Stop()

	select {
	case <-wake:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// connectOnce dials, authenticates and then pumps frames until the transport
// drops. It reports whether the handshake completed.
func (c *Connection) connectOnce(attempt int) (connected bool, err error) {
	c.setState(StateConnecting, attempt, nil)

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, err := c.m.dialer.Dial(c.ctx, c.m.url, header)
	if err != nil {
		return false, &ConnectionError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return false, nil
	}
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.setState(StateAuthenticating, attempt, nil)
	if err := c.sendOn(conn, protocol.EventAuthenticate, protocol.AuthenticatePayload{
		Identity: c.identity,
		Token:    c.token,
	}); err != nil {
		return false, err
	}

	handshake := c.m.clock.AfterFunc(c.m.cfg.HandshakeTimeout, func() {
		c.m.logger.Warn("handshake timed out", zap.String("identity", c.identity))
		conn.Close()
	})
	defer handshake.Stop()

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return connected, nil
			}
			return connected, &ConnectionError{Op: "read", Err: err}
		}

		ev, err := protocol.Decode(frame)
		if err != nil {
			c.m.logger.Warn("dropping malformed event", zap.Error(err))
			continue
		}

		if !connected {
			switch e := ev.(type) {
			case protocol.AuthenticationFailed:
				return false, &AuthenticationError{Identity: c.identity, Reason: e.Reason}
			case protocol.Authenticated:
				handshake.Stop()
				if err := c.announceOnline(conn); err != nil {
					return false, err
				}
				connected = true
			}
		}

		c.m.bus.Dispatch(ev)
	}
}

func (c *Connection) announceOnline(conn transport.Conn) error {
	if err := c.sendOn(conn, protocol.EventAnnounceOnline, protocol.NewAnnounce(c.identity, c.m.clock.Now())); err != nil {
		return err
	}
	c.setState(StateConnected, 0, nil)
	c.resolveReady(nil)

	if c.m.registrar != nil {
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.m.cfg.HandshakeTimeout)
			defer cancel()
			if err := c.m.registrar.Register(ctx, c.identity); err != nil {
				c.m.logger.Warn("push registration failed",
					zap.String("identity", c.identity),
					zap.Error(err),
				)
			}
		}()
	}
	return nil
}

// shutdown announces the identity offline when possible, then tears the
// connection down and waits for its goroutine to exit.
func (c *Connection) shutdown(ctx context.Context) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn != nil && state == StateConnected {
		if err := c.sendOn(conn, protocol.EventAnnounceOffline, protocol.NewAnnounce(c.identity, c.m.clock.Now())); err != nil {
			c.m.logger.Warn("failed to announce offline",
				zap.String("identity", c.identity),
				zap.Error(err),
			)
		}
	}

	c.cancel()
	// A dial may have completed between the read above and cancel.
	c.mu.Lock()
	conn = c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.setState(StateTerminated, 0, nil)
	c.resolveReady(&ConnectionError{Op: "acquire", Err: errReleased})
	return err
}
