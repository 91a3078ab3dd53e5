// Package transporttest provides an in-memory server for exercising code
// that talks through transport.Dialer.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/chat-sync/internal/protocol"
	"github.com/chat-sync/internal/transport"
)

var ErrClosed = errors.New("transporttest: connection closed")

type AuthMode int

const (
	// AuthAccept answers authenticate with authenticated.
	AuthAccept AuthMode = iota
	// AuthReject answers authenticate with authentication_failed.
	AuthReject
	// AuthSilent never answers.
	AuthSilent
)

// Server accepts dials and answers the authenticate handshake.
type Server struct {
	mu      sync.Mutex
	auth    AuthMode
	reason  string
	dialErr error
	conns   []*Conn
	dialed  chan *Conn
}

func NewServer() *Server {
	return &Server{dialed: make(chan *Conn, 64)}
}

func (s *Server) SetAuth(mode AuthMode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = mode
	s.reason = reason
}

// SetDialErr makes every following dial fail with err, or succeed again when
// err is nil.
func (s *Server) SetDialErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

func (s *Server) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &Conn{
		server: s,
		header: header,
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	select {
	case s.dialed <- c:
	default:
	}
	return c, nil
}

// Dials counts successful dials.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Conns returns every connection dialed so far, oldest first.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Last returns the most recent connection, or nil.
func (s *Server) Last() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Dialed delivers connections as they are created.
func (s *Server) Dialed() <-chan *Conn { return s.dialed }

func (s *Server) authMode() (AuthMode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth, s.reason
}

// Conn is the client side of one fake connection. Frames written by the
// client are recorded; the test pushes server frames with Emit or Push.
type Conn struct {
	server *Server
	header http.Header
	in     chan []byte

	mu   sync.Mutex
	sent []protocol.Envelope

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()

	if env.Event == protocol.EventAuthenticate {
		var p protocol.AuthenticatePayload
		json.Unmarshal(env.Payload, &p)
		switch mode, reason := c.server.authMode(); mode {
		case AuthAccept:
			c.Emit(protocol.EventAuthenticated, map[string]string{"identity": p.Identity})
		case AuthReject:
			c.Emit(protocol.EventAuthenticationFailed, map[string]string{"reason": reason})
		}
	}
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Drop simulates the server going away.
func (c *Conn) Drop() { c.Close() }

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) Header() http.Header { return c.header }

// Push queues a raw frame for the client.
func (c *Conn) Push(frame string) {
	c.in <- []byte(frame)
}

// Emit queues an encoded event for the client.
func (c *Conn) Emit(name string, payload interface{}) {
	raw, err := protocol.Encode(name, payload)
	if err != nil {
		panic(err)
	}
	c.in <- raw
}

// Sent returns the envelopes the client wrote, in order.
func (c *Conn) Sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

// Events returns the names of the events the client wrote, in order.
func (c *Conn) Events() []string {
	var names []string
	for _, env := range c.Sent() {
		names = append(names, env.Event)
	}
	return names
}

// LastPayload decodes the payload of the most recent event called name into
// v and reports whether one was found.
func (c *Conn) LastPayload(name string, v interface{}) bool {
	sent := c.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Event == name {
			return json.Unmarshal(sent[i].Payload, v) == nil
		}
	}
	return false
}
