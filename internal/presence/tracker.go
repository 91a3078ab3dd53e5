// Package presence tracks contact online status and the ephemeral "is typing"
// state of every chat.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/eventbus"
	"github.com/chat-sync/internal/models"
	"github.com/chat-sync/internal/protocol"
)

const (
	// DecayWindow is how long a typing entry lives without a fresh signal.
	DecayWindow = 1500 * time.Millisecond
	// SweepInterval is the period of the stale typing sweep.
	SweepInterval = time.Second
)

type Option func(*Tracker)

func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

type Tracker struct {
	bus    *eventbus.Bus
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	self    string
	tracked map[string]int
	online  map[string]bool
	typing  map[models.ChatKey]map[string]models.TypingEntry

	sweepMu   sync.Mutex
	sweepRefs int
	sweepStop chan struct{}
}

func NewTracker(bus *eventbus.Bus, opts ...Option) *Tracker {
	t := &Tracker{
		bus:     bus,
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		tracked: make(map[string]int),
		online:  make(map[string]bool),
		typing:  make(map[models.ChatKey]map[string]models.TypingEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attach subscribes the tracker to the inbound presence and typing events.
func (t *Tracker) Attach() *eventbus.Group {
	g := t.bus.NewGroup()
	g.On(protocol.EventPresenceSnapshot, func(ev protocol.Event) {
		if e, ok := ev.(protocol.PresenceSnapshot); ok {
			t.ApplySnapshot(e.Contacts)
		}
	})
	g.On(protocol.EventPresenceDelta, func(ev protocol.Event) {
		if e, ok := ev.(protocol.PresenceDelta); ok {
			t.ApplyDelta(e.UserID, e.IsOnline)
		}
	})
	typing := func(ev protocol.Event) {
		e, ok := ev.(protocol.TypingSignal)
		if !ok {
			return
		}
		if e.Started {
			t.SetTyping(e.Chat, e.UserID, e.DisplayName)
		} else {
			t.ClearTyping(e.Chat, e.UserID)
		}
	}
	g.On(protocol.EventTypingStart, typing)
	g.On(protocol.EventTypingStop, typing)
	return g
}

// SetIdentity records the local identity; its own typing echoes are ignored.
func (t *Tracker) SetIdentity(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = identity
}

// Reset drops tracked contacts, their presence and every typing entry. The
// sweep keeps running for its holders.
func (t *Tracker) Reset() {
	t.mu.Lock()
	users := make([]string, 0, len(t.online))
	for id := range t.online {
		users = append(users, id)
	}
	chats := make([]models.ChatKey, 0, len(t.typing))
	for chat := range t.typing {
		chats = append(chats, chat)
	}
	t.tracked = make(map[string]int)
	t.online = make(map[string]bool)
	t.typing = make(map[models.ChatKey]map[string]models.TypingEntry)
	t.mu.Unlock()

	for _, id := range users {
		t.publishPresence(id)
	}
	for _, chat := range chats {
		t.publishTyping(chat)
	}
}

// Track registers contacts that have a chat entry. Presence for anyone else
// is dropped. Calls are counted, so two chats with the same member need two
// Untrack calls.
func (t *Tracker) Track(userIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range userIDs {
		if id != "" {
			t.tracked[id]++
		}
	}
}

func (t *Tracker) Untrack(userIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range userIDs {
		if t.tracked[id] <= 1 {
			delete(t.tracked, id)
			delete(t.online, id)
		} else {
			t.tracked[id]--
		}
	}
}

// ApplySnapshot merges a batch of statuses received after (re)connect.
// Contacts not in the list keep their state.
func (t *Tracker) ApplySnapshot(list []models.ContactPresence) {
	var changed []string

	t.mu.Lock()
	for _, c := range list {
		if t.setOnline(c.UserID, c.IsOnline) {
			changed = append(changed, c.UserID)
		}
	}
	t.mu.Unlock()

	for _, id := range changed {
		t.publishPresence(id)
	}
}

// ApplyDelta flips one contact. A nil isOnline leaves the state unchanged.
func (t *Tracker) ApplyDelta(userID string, isOnline *bool) {
	t.mu.Lock()
	changed := t.setOnline(userID, isOnline)
	t.mu.Unlock()

	if changed {
		t.publishPresence(userID)
	}
}

func (t *Tracker) setOnline(userID string, isOnline *bool) bool {
	if isOnline == nil {
		return false
	}
	if _, ok := t.tracked[userID]; !ok {
		return false
	}
	prev, seen := t.online[userID]
	t.online[userID] = *isOnline
	return !seen || prev != *isOnline
}

// IsOnline reports the last known status; known is false when nothing has
// been received for the contact yet.
func (t *Tracker) IsOnline(userID string) (online, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	online, known = t.online[userID]
	return online, known
}

// Online lists the tracked contacts currently online, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, on := range t.online {
		if on {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) SetTyping(chat models.ChatKey, userID, displayName string) {
	t.mu.Lock()
	if userID == "" || userID == t.self {
		t.mu.Unlock()
		return
	}
	users, ok := t.typing[chat]
	if !ok {
		users = make(map[string]models.TypingEntry)
		t.typing[chat] = users
	}
	_, existed := users[userID]
	users[userID] = models.TypingEntry{
		UserID:      userID,
		DisplayName: displayName,
		LastSignal:  t.clock.Now(),
	}
	t.mu.Unlock()

	if !existed {
		t.publishTyping(chat)
	}
}

func (t *Tracker) ClearTyping(chat models.ChatKey, userID string) {
	t.mu.Lock()
	removed := t.removeTyping(chat, userID)
	t.mu.Unlock()

	if removed {
		t.publishTyping(chat)
	}
}

func (t *Tracker) removeTyping(chat models.ChatKey, userID string) bool {
	users, ok := t.typing[chat]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, chat)
	}
	return true
}

// SweepExpiredTyping drops every entry whose last signal is more than
// DecayWindow before now and returns how many were removed.
func (t *Tracker) SweepExpiredTyping(now time.Time) int {
	changed := make(map[models.ChatKey]bool)
	removed := 0

	t.mu.Lock()
	for chat, users := range t.typing {
		for id, e := range users {
			if now.Sub(e.LastSignal) > DecayWindow {
				t.removeTyping(chat, id)
				changed[chat] = true
				removed++
			}
		}
	}
	t.mu.Unlock()

	for chat := range changed {
		t.publishTyping(chat)
	}
	return removed
}

// Typing returns the users typing in chat, ordered by user id. Stale
// entries are hidden even before the sweep removes them.
func (t *Tracker) Typing(chat models.ChatKey) []models.TypingEntry {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []models.TypingEntry
	for _, e := range t.typing[chat] {
		if now.Sub(e.LastSignal) <= DecayWindow {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// AcquireSweeper starts the periodic sweep if it is not running and returns
// a release func. The sweep stops when every holder has released.
func (t *Tracker) AcquireSweeper() (release func()) {
	t.sweepMu.Lock()
	t.sweepRefs++
	if t.sweepRefs == 1 {
		t.sweepStop = make(chan struct{})
		go t.sweepLoop(t.clock.NewTicker(SweepInterval), t.sweepStop)
	}
	t.sweepMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.sweepMu.Lock()
			defer t.sweepMu.Unlock()
			t.sweepRefs--
			if t.sweepRefs == 0 {
				close(t.sweepStop)
				t.sweepStop = nil
			}
		})
	}
}

// Sweeping reports whether the periodic sweep is running.
func (t *Tracker) Sweeping() bool {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()
	return t.sweepRefs > 0
}

func (t *Tracker) sweepLoop(ticker clockwork.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if n := t.SweepExpiredTyping(t.clock.Now()); n > 0 {
				t.logger.Debug("swept stale typing entries", zap.Int("removed", n))
			}
		}
	}
}

func (t *Tracker) publishPresence(userID string) {
	t.bus.Publish(protocol.Changed{Topic: protocol.EventPresenceChanged, UserID: userID})
}

func (t *Tracker) publishTyping(chat models.ChatKey) {
	t.bus.Publish(protocol.Changed{Topic: protocol.EventTypingChanged, Chat: chat})
}
