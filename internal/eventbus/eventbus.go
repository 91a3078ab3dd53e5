// Package eventbus fans inbound and local events out to any number of
// consumers. Subscriptions are keyed by event name, not by connection, so
// they survive reconnects untouched.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/protocol"
)

type Handler func(protocol.Event)

// Subscription is the handle returned by On. Every registration gets its own
// handle, even when the same function is registered twice.
type Subscription struct {
	ID    string
	Event string

	bus  *Bus
	once sync.Once
}

// Unsubscribe removes this registration only. Calling it more than once is a
// no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s) })
}

type entry struct {
	sub     *Subscription
	handler Handler
}

type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]entry),
		logger:   logger,
	}
}

// On registers handler for the named event.
func (b *Bus) On(name string, handler Handler) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), Event: name, bus: b}

	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], entry{sub: sub, handler: handler})
	b.mu.Unlock()

	return sub
}

// Off is Unsubscribe spelled from the bus side.
func (b *Bus) Off(sub *Subscription) {
	sub.Unsubscribe()
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[sub.Event]
	for i, e := range list {
		if e.sub == sub {
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, sub.Event)
			} else {
				b.handlers[sub.Event] = next
			}
			return
		}
	}
}

// Dispatch delivers ev to the handlers registered for its name when Dispatch
// was called, in registration order, on the calling goroutine. Handlers added
// or removed during delivery take effect from the next event.
func (b *Bus) Dispatch(ev protocol.Event) {
	name := ev.Name()

	b.mu.RLock()
	list := b.handlers[name]
	b.mu.RUnlock()

	for _, e := range list {
		b.deliver(name, e, ev)
	}
}

// Publish is used by the core to announce local state changes.
func (b *Bus) Publish(ev protocol.Event) {
	b.Dispatch(ev)
}

func (b *Bus) deliver(name string, e entry, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", name),
				zap.String("subscription", e.sub.ID),
				zap.Any("panic", r),
			)
		}
	}()
	e.handler(ev)
}

// Count reports how many handlers are registered for name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Group collects the subscriptions of one consumer so they can be released
// together when the consumer goes away.
type Group struct {
	bus  *Bus
	mu   sync.Mutex
	subs []*Subscription
}

func (b *Bus) NewGroup() *Group {
	return &Group{bus: b}
}

func (g *Group) On(name string, handler Handler) *Subscription {
	sub := g.bus.On(name, handler)
	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
	return sub
}

// Release unsubscribes everything in the group. Safe to call repeatedly.
func (g *Group) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
