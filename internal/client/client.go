// Package client wires the connection manager, event bus and the state
// components into one headless chat client.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/call"
	"github.com/chat-sync/internal/config"
	"github.com/chat-sync/internal/connection"
	"github.com/chat-sync/internal/eventbus"
	"github.com/chat-sync/internal/messages"
	"github.com/chat-sync/internal/models"
	"github.com/chat-sync/internal/presence"
	"github.com/chat-sync/internal/protocol"
	"github.com/chat-sync/internal/session"
	"github.com/chat-sync/internal/store"
	"github.com/chat-sync/internal/transport"
)

// Deps are the collaborators a Client is built from. Registrar, Clock and
// Logger are optional.
type Deps struct {
	Connection config.ConnectionConfig
	URL        string
	Dialer     transport.Dialer
	Sessions   session.Provider
	Store      store.Store
	Registrar  connection.Registrar
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

type Client struct {
	bus      *eventbus.Bus
	manager  *connection.Manager
	presence *presence.Tracker
	messages *messages.Synchronizer
	calls    *call.Coordinator
	clock    clockwork.Clock
	logger   *zap.Logger

	attached []*eventbus.Group

	bindMu sync.Mutex

	mu       sync.Mutex
	identity string
	sweeper  func()
	members  map[models.ChatKey][]string
}

func New(d Deps) *Client {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Store == nil {
		d.Store = store.NewMemory()
	}

	bus := eventbus.New(d.Logger.Named("bus"))
	opts := []connection.Option{
		connection.WithClock(d.Clock),
		connection.WithLogger(d.Logger.Named("connection")),
	}
	if d.Registrar != nil {
		opts = append(opts, connection.WithRegistrar(d.Registrar))
	}
	manager := connection.NewManager(d.Connection, d.URL, d.Dialer, d.Sessions, bus, opts...)

	c := &Client{
		bus:     bus,
		manager: manager,
		presence: presence.NewTracker(bus,
			presence.WithClock(d.Clock),
			presence.WithLogger(d.Logger.Named("presence")),
		),
		messages: messages.NewSynchronizer(manager, d.Store, d.Store, bus,
			messages.WithClock(d.Clock),
			messages.WithLogger(d.Logger.Named("messages")),
		),
		calls: call.NewCoordinator(manager, bus,
			call.WithClock(d.Clock),
			call.WithLogger(d.Logger.Named("call")),
		),
		clock:   d.Clock,
		logger:  d.Logger,
		members: make(map[models.ChatKey][]string),
	}

	own := bus.NewGroup()
	// Runs on the reader goroutine before any frame of the new session is
	// dispatched.
	own.On(protocol.EventConnectionStateChanged, func(ev protocol.Event) {
		if e, ok := ev.(protocol.ConnectionStateChanged); ok && e.State == string(connection.StateAuthenticating) {
			c.bind(e.Identity)
		}
	})
	own.On(protocol.EventChatRemoved, func(ev protocol.Event) {
		if e, ok := ev.(protocol.ChatRemoved); ok {
			c.untrackChat(e.Chat)
		}
	})
	c.attached = []*eventbus.Group{
		c.presence.Attach(),
		c.messages.Attach(),
		c.calls.Attach(),
		own,
	}
	return c
}

func (c *Client) Bus() *eventbus.Bus                 { return c.bus }
func (c *Client) Manager() *connection.Manager       { return c.manager }
func (c *Client) Presence() *presence.Tracker        { return c.presence }
func (c *Client) Messages() *messages.Synchronizer   { return c.messages }
func (c *Client) Calls() *call.Coordinator           { return c.calls }
func (c *Client) Identity() string                   { return c.manager.Identity() }
func (c *Client) Connection() *connection.Connection { return c.manager.Current() }

// Start connects as identity (or the logged in session when empty) and
// starts the typing sweep. Calling Start again with another identity
// switches the connection over and drops everything held for the previous
// one.
func (c *Client) Start(ctx context.Context, identity string) error {
	conn, err := c.manager.Acquire(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	c.bind(conn.Identity())

	c.mu.Lock()
	if c.sweeper == nil {
		c.sweeper = c.presence.AcquireSweeper()
	}
	c.mu.Unlock()

	c.logger.Info("client started",
		zap.String("identity", conn.Identity()),
		zap.String("state", string(conn.State())),
	)
	return nil
}

// Stop announces the identity offline, closes the connection and stops the
// typing sweep. Subscriptions stay in place for a later Start.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	identity := c.identity
	release := c.sweeper
	c.sweeper = nil
	c.mu.Unlock()

	if release != nil {
		release()
	}
	if err := c.manager.Release(ctx, identity); err != nil {
		return fmt.Errorf("failed to stop client: %w", err)
	}
	return nil
}

// Close stops the client and detaches every component from the bus.
func (c *Client) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	for _, g := range c.attached {
		g.Release()
	}
	return err
}

// Subscribe registers handler for the given event names. Releasing the
// returned group removes only these subscriptions.
func (c *Client) Subscribe(handler eventbus.Handler, names ...string) *eventbus.Group {
	g := c.bus.NewGroup()
	for _, name := range names {
		g.On(name, handler)
	}
	return g
}

// LoadChats seeds the chat list and tracks presence for the people in it:
// the peer of a personal chat and the members of a group.
func (c *Client) LoadChats(ctx context.Context, summaries []models.ChatSummary) error {
	if err := c.messages.Load(ctx, summaries); err != nil {
		return err
	}

	for _, s := range summaries {
		c.trackChat(s)
	}
	return nil
}

// OpenChat merges fetched history into a chat's timeline.
func (c *Client) OpenChat(ctx context.Context, key models.ChatKey, history []models.MessageRecord) ([]models.MessageRecord, error) {
	return c.messages.OpenChat(ctx, key, history)
}

// Typing returns an outgoing typing signal driver for one chat input.
func (c *Client) Typing(chat models.ChatKey, displayName string) *presence.TypingSender {
	return presence.NewTypingSender(c.manager, c.clock, c.logger.Named("typing"), chat, c.Identity(), displayName)
}

// bind points every component at identity. Moving to a different identity
// resets them first.
func (c *Client) bind(identity string) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	prev := c.identity
	c.identity = identity
	if prev != "" && prev != identity {
		c.members = make(map[models.ChatKey][]string)
	}
	c.mu.Unlock()

	if prev == identity {
		return
	}
	if prev != "" {
		c.logger.Info("identity changed, dropping client state",
			zap.String("from", prev),
			zap.String("to", identity),
		)
		c.messages.Reset()
		c.presence.Reset()
		c.calls.Reset()
	}
	c.presence.SetIdentity(identity)
	c.messages.SetIdentity(identity)
	c.calls.SetIdentity(identity)
}

func (c *Client) trackChat(s models.ChatSummary) {
	var people []string
	if s.Key.Kind == models.ChatKindPersonal {
		people = []string{s.Key.ID}
	} else {
		people = append(people, s.Members...)
	}

	c.mu.Lock()
	prev, seen := c.members[s.Key]
	c.members[s.Key] = people
	c.mu.Unlock()

	if seen {
		c.presence.Untrack(prev...)
	}
	c.presence.Track(people...)
}

func (c *Client) untrackChat(key models.ChatKey) {
	c.mu.Lock()
	people, ok := c.members[key]
	delete(c.members, key)
	c.mu.Unlock()

	if ok {
		c.presence.Untrack(people...)
	}
}
