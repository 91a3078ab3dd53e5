// Package messages reconciles message delivery, send acknowledgements and
// read receipts into the ordered chat list and per-chat timelines.
package messages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/eventbus"
	"github.com/chat-sync/internal/models"
	"github.com/chat-sync/internal/protocol"
	"github.com/chat-sync/internal/store"
)

var ErrUnknownChat = errors.New("unknown chat")

// Sender writes one event on the shared connection.
type Sender interface {
	Send(ctx context.Context, name string, payload interface{}) error
}

type Option func(*Synchronizer)

func WithClock(c clockwork.Clock) Option {
	return func(s *Synchronizer) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// Draft is an outgoing message before the server has assigned it an id.
type Draft struct {
	Type    models.ContentType
	Text    string
	Media   *models.MediaDescriptor
	ReplyTo string
}

type chatState struct {
	summary  models.ChatSummary
	timeline []models.MessageRecord
	pins     []models.PinnedMessage
}

type readState struct {
	read    bool
	readers map[string]struct{}
}

type Synchronizer struct {
	sender Sender
	reads  store.ReadCache
	pins   store.PinStore
	bus    *eventbus.Bus
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	self     string
	chats    map[models.ChatKey]*chatState
	seen     map[string]models.ChatKey
	receipts map[string]*readState
	pending  map[string]models.ChatKey
}

func NewSynchronizer(sender Sender, reads store.ReadCache, pins store.PinStore, bus *eventbus.Bus, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		sender:   sender,
		reads:    reads,
		pins:     pins,
		bus:      bus,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		chats:    make(map[models.ChatKey]*chatState),
		seen:     make(map[string]models.ChatKey),
		receipts: make(map[string]*readState),
		pending:  make(map[string]models.ChatKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach subscribes the synchronizer to the inbound message events.
func (s *Synchronizer) Attach() *eventbus.Group {
	g := s.bus.NewGroup()
	g.On(protocol.EventMessageIncoming, func(ev protocol.Event) {
		if e, ok := ev.(protocol.MessageIncoming); ok {
			s.ApplyIncoming(e.Message)
		}
	})
	g.On(protocol.EventMessageSendAck, func(ev protocol.Event) {
		if e, ok := ev.(protocol.MessageSendAck); ok {
			s.ApplySentEcho(e.ClientID, e.Message)
		}
	})
	g.On(protocol.EventReadReceiptUpdated, func(ev protocol.Event) {
		if e, ok := ev.(protocol.ReadReceiptUpdated); ok {
			s.ApplyReadReceipt(e.Receipt)
		}
	})
	g.On(protocol.EventChatRemoved, func(ev protocol.Event) {
		if e, ok := ev.(protocol.ChatRemoved); ok {
			s.RemoveChat(e.Chat)
		}
	})
	g.On(protocol.EventUnreadCountReset, func(ev protocol.Event) {
		if e, ok := ev.(protocol.UnreadCountReset); ok {
			s.ResetUnread(e.Chat, e.Count)
		}
	})
	g.On(protocol.EventMessagePinned, func(ev protocol.Event) {
		if e, ok := ev.(protocol.MessagePinned); ok {
			s.ApplyMessagePinned(e.Pin)
		}
	})
	g.On(protocol.EventMessageUnpinned, func(ev protocol.Event) {
		if e, ok := ev.(protocol.MessageUnpinned); ok {
			s.ApplyMessageUnpinned(e.Chat, e.MessageID)
		}
	})
	return g
}

func (s *Synchronizer) SetIdentity(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = identity
}

func (s *Synchronizer) identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Reset forgets every chat, timeline, receipt and pending send held in
// memory. Persisted read ids and pins are untouched.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.chats = make(map[models.ChatKey]*chatState)
	s.seen = make(map[string]models.ChatKey)
	s.receipts = make(map[string]*readState)
	s.pending = make(map[string]models.ChatKey)
	s.mu.Unlock()

	s.publishList(models.ChatKey{})
}

// Load seeds the chat list from fetched summaries and restores local pins.
// Timelines already held are kept.
func (s *Synchronizer) Load(ctx context.Context, summaries []models.ChatSummary) error {
	pinned, err := s.pins.Pins(ctx, s.identity())
	if err != nil {
		return fmt.Errorf("failed to restore pinned chats: %w", err)
	}

	s.mu.Lock()
	for _, sum := range summaries {
		c := s.chat(sum.Key)
		prev := c.summary
		c.summary = sum
		c.summary.Pinned = false
		c.summary.PinnedAt = nil
		if prev.LastMessageAt.After(sum.LastMessageAt) {
			copyLast(&c.summary, prev)
		}
		if c.summary.UnreadCount < 0 {
			c.summary.UnreadCount = 0
		}
	}
	for key, at := range pinned {
		if c, ok := s.chats[key]; ok {
			at := at
			c.summary.Pinned = true
			c.summary.PinnedAt = &at
		}
	}
	s.mu.Unlock()

	s.publishList(models.ChatKey{})
	return nil
}

// OpenChat merges fetched history into the chat's timeline, restoring read
// flags from the read cache, and returns the timeline.
func (s *Synchronizer) OpenChat(ctx context.Context, key models.ChatKey, history []models.MessageRecord) ([]models.MessageRecord, error) {
	ids, err := s.reads.ReadIDs(ctx, s.identity(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to load read cache for %s: %w", key, err)
	}
	cached := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		cached[id] = struct{}{}
	}

	s.mu.Lock()
	c := s.chat(key)
	for _, msg := range history {
		msg.Chat = key
		if _, ok := cached[msg.ID]; ok {
			s.markRead(msg.ID)
		}
		if msg.Read {
			s.markRead(msg.ID)
		}
		s.insert(c, msg)
	}
	s.refreshLastRead(c)
	out := append([]models.MessageRecord(nil), c.timeline...)
	s.mu.Unlock()

	s.publishTimeline(key)
	s.publishList(key)
	return out, nil
}

// ApplyIncoming adds a message from someone else (or from this identity on
// another device). Duplicates are ignored. It reports whether the message
// was new.
func (s *Synchronizer) ApplyIncoming(msg models.MessageRecord) bool {
	s.mu.Lock()
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}
	c := s.chat(msg.Chat)
	s.insert(c, msg)
	if msg.SenderID != s.self {
		c.summary.UnreadCount++
	}
	s.mu.Unlock()

	s.publishTimeline(msg.Chat)
	s.publishList(msg.Chat)
	return true
}

// ApplySentEcho applies the acknowledgement of a local send. The server does
// not echo our own messages back, so this is the only place they enter the
// timeline. The read flag always starts false whatever the ack says; only a
// read receipt can set it.
func (s *Synchronizer) ApplySentEcho(clientID string, msg models.MessageRecord) bool {
	s.mu.Lock()
	if clientID != "" {
		if key, ok := s.pending[clientID]; ok {
			delete(s.pending, clientID)
			if msg.Chat.ID == "" {
				msg.Chat = key
			}
		}
	}
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	if msg.SenderID == "" {
		msg.SenderID = s.self
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}
	msg.Read = false
	c := s.chat(msg.Chat)
	s.insert(c, msg)
	s.mu.Unlock()

	s.publishTimeline(msg.Chat)
	s.publishList(msg.Chat)
	return true
}

// ApplyReadReceipt records readers of a message. Read state only ever moves
// forward: an isRead=false or an empty reader list never undoes an earlier
// read. Receipts for messages not seen yet are kept and applied when the
// message arrives.
func (s *Synchronizer) ApplyReadReceipt(r models.ReadReceipt) {
	s.mu.Lock()
	st := s.receipt(r.MessageID)
	wasRead, readers := st.read, len(st.readers)
	for _, id := range r.ReaderIDs {
		st.readers[id] = struct{}{}
	}
	if len(st.readers) > 0 || (r.IsRead != nil && *r.IsRead) {
		st.read = true
	}
	changed := st.read != wasRead || len(st.readers) != readers

	key, known := s.seen[r.MessageID]
	if !known && r.Chat.ID != "" {
		key = r.Chat
	}
	if changed && known {
		c := s.chats[key]
		if c != nil {
			for i := range c.timeline {
				if c.timeline[i].ID == r.MessageID {
					c.timeline[i].Read = st.read
				}
			}
			s.refreshLastRead(c)
		}
	}
	persist := changed && st.read && !wasRead && key.ID != ""
	owner := s.self
	s.mu.Unlock()

	if !changed {
		return
	}
	if persist {
		if err := s.reads.AddReadIDs(context.Background(), owner, key, []string{r.MessageID}); err != nil {
			s.logger.Warn("failed to persist read receipt",
				zap.String("chat", key.String()),
				zap.String("message", r.MessageID),
				zap.Error(err),
			)
		}
	}
	if known {
		s.publishTimeline(key)
		s.publishList(key)
	}
}

// MarkVisible is called when messages scroll into view. Every id that is not
// read yet and was not written by us gets a mark_read and is persisted to
// the read cache. It returns the ids that were marked.
func (s *Synchronizer) MarkVisible(ctx context.Context, key models.ChatKey, ids []string) ([]string, error) {
	s.mu.Lock()
	c, ok := s.chats[key]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownChat
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var marked []string
	for i := range c.timeline {
		m := &c.timeline[i]
		if _, ok := want[m.ID]; !ok || m.Read || m.SenderID == s.self {
			continue
		}
		m.Read = true
		s.markRead(m.ID)
		marked = append(marked, m.ID)
	}
	if len(marked) > 0 {
		s.refreshLastRead(c)
		c.summary.UnreadCount -= len(marked)
		if c.summary.UnreadCount < 0 {
			c.summary.UnreadCount = 0
		}
	}
	owner := s.self
	s.mu.Unlock()

	if len(marked) == 0 {
		return nil, nil
	}

	for _, id := range marked {
		err := s.sender.Send(ctx, protocol.EventMarkRead, protocol.MarkReadPayload{
			MessageID: id,
			ChatID:    key.ID,
			ChatKind:  key.Kind,
		})
		if err != nil {
			s.logger.Warn("failed to send mark_read",
				zap.String("chat", key.String()),
				zap.String("message", id),
				zap.Error(err),
			)
		}
	}

	s.publishTimeline(key)
	s.publishList(key)

	if err := s.reads.AddReadIDs(ctx, owner, key, marked); err != nil {
		return marked, fmt.Errorf("failed to persist read ids for %s: %w", key, err)
	}
	return marked, nil
}

func (s *Synchronizer) RemoveChat(key models.ChatKey) {
	s.mu.Lock()
	c, ok := s.chats[key]
	if ok {
		for _, m := range c.timeline {
			delete(s.seen, m.ID)
			delete(s.receipts, m.ID)
		}
		delete(s.chats, key)
	}
	s.mu.Unlock()

	if ok {
		s.publishList(key)
	}
}

// ResetUnread overwrites the unread counter with the server's value.
func (s *Synchronizer) ResetUnread(key models.ChatKey, count int) {
	if count < 0 {
		count = 0
	}

	s.mu.Lock()
	c, ok := s.chats[key]
	if ok {
		c.summary.UnreadCount = count
	}
	s.mu.Unlock()

	if ok {
		s.publishList(key)
	}
}

// PinChat pins key at the current time and persists it.
func (s *Synchronizer) PinChat(ctx context.Context, key models.ChatKey) error {
	s.mu.Lock()
	_, ok := s.chats[key]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownChat
	}

	at := s.clock.Now()
	if err := s.pins.SetPin(ctx, s.identity(), key, at); err != nil {
		return fmt.Errorf("failed to pin %s: %w", key, err)
	}

	s.mu.Lock()
	if c, ok := s.chats[key]; ok {
		c.summary.Pinned = true
		c.summary.PinnedAt = &at
	}
	s.mu.Unlock()

	s.publishList(key)
	return nil
}

func (s *Synchronizer) UnpinChat(ctx context.Context, key models.ChatKey) error {
	if err := s.pins.DeletePin(ctx, s.identity(), key); err != nil {
		return fmt.Errorf("failed to unpin %s: %w", key, err)
	}

	s.mu.Lock()
	c, ok := s.chats[key]
	if ok {
		c.summary.Pinned = false
		c.summary.PinnedAt = nil
	}
	s.mu.Unlock()

	if ok {
		s.publishList(key)
	}
	return nil
}

// PinMessage pins a message in its chat. Pins scoped to everyone are sent to
// the server; owner-only pins stay on this device.
func (s *Synchronizer) PinMessage(ctx context.Context, key models.ChatKey, messageID string, scope models.PinScope) (models.PinnedMessage, error) {
	if scope == "" {
		scope = models.PinScopeAll
	}

	s.mu.Lock()
	c, ok := s.chats[key]
	if !ok {
		s.mu.Unlock()
		return models.PinnedMessage{}, ErrUnknownChat
	}
	pin := models.PinnedMessage{
		MessageID: messageID,
		Chat:      key,
		Scope:     scope,
		PinnedBy:  s.self,
		PinnedAt:  s.clock.Now(),
	}
	s.setPin(c, pin)
	s.mu.Unlock()

	if scope == models.PinScopeAll {
		err := s.sender.Send(ctx, protocol.EventMessagePin, protocol.PinPayload{
			MessageID: messageID,
			ChatID:    key.ID,
			ChatKind:  key.Kind,
			Scope:     scope,
			PinnedAt:  pin.PinnedAt.UnixMilli(),
		})
		if err != nil {
			s.mu.Lock()
			if c, ok := s.chats[key]; ok {
				s.removePin(c, messageID)
			}
			s.mu.Unlock()
			return models.PinnedMessage{}, fmt.Errorf("failed to pin message: %w", err)
		}
	}

	s.publishTimeline(key)
	return pin, nil
}

func (s *Synchronizer) UnpinMessage(ctx context.Context, key models.ChatKey, messageID string) error {
	s.mu.Lock()
	c, ok := s.chats[key]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownChat
	}
	removed, found := s.removePin(c, messageID)
	s.mu.Unlock()

	if !found {
		return nil
	}
	if removed.Scope == models.PinScopeAll {
		err := s.sender.Send(ctx, protocol.EventMessageUnpin, protocol.PinPayload{
			MessageID: messageID,
			ChatID:    key.ID,
			ChatKind:  key.Kind,
		})
		if err != nil {
			s.logger.Warn("failed to send message_unpin", zap.String("message", messageID), zap.Error(err))
		}
	}

	s.publishTimeline(key)
	return nil
}

// ApplyMessagePinned handles a pin made by another participant.
func (s *Synchronizer) ApplyMessagePinned(pin models.PinnedMessage) {
	if pin.PinnedAt.IsZero() {
		pin.PinnedAt = s.clock.Now()
	}

	s.mu.Lock()
	c, ok := s.chats[pin.Chat]
	if ok {
		s.setPin(c, pin)
	}
	s.mu.Unlock()

	if ok {
		s.publishTimeline(pin.Chat)
	}
}

func (s *Synchronizer) ApplyMessageUnpinned(key models.ChatKey, messageID string) {
	s.mu.Lock()
	var found bool
	if c, ok := s.chats[key]; ok {
		_, found = s.removePin(c, messageID)
	}
	s.mu.Unlock()

	if found {
		s.publishTimeline(key)
	}
}

// SendMessage emits message_send and returns the client id the server will
// echo in its acknowledgement.
func (s *Synchronizer) SendMessage(ctx context.Context, key models.ChatKey, d Draft) (string, error) {
	if d.Type == "" {
		d.Type = models.ContentTypeText
	}
	if d.Text == "" && d.Media == nil {
		return "", errors.New("empty message")
	}

	clientID := uuid.NewString()
	s.mu.Lock()
	s.pending[clientID] = key
	s.mu.Unlock()

	err := s.sender.Send(ctx, protocol.EventMessageSend, protocol.MessageSendPayload{
		ClientID: clientID,
		ChatID:   key.ID,
		ChatKind: key.Kind,
		Type:     d.Type,
		Text:     d.Text,
		Media:    d.Media,
		ReplyTo:  d.ReplyTo,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, clientID)
		s.mu.Unlock()
		return "", err
	}
	return clientID, nil
}

// ChatList returns the chats in display order: pinned by pin time, newest
// first, then the rest by last message time, newest first. A divider entry
// separates the two groups when both are present.
func (s *Synchronizer) ChatList() []models.ChatListEntry {
	chats := s.Chats()

	entries := make([]models.ChatListEntry, 0, len(chats)+1)
	for i := range chats {
		if i > 0 && chats[i-1].Pinned && !chats[i].Pinned {
			entries = append(entries, models.ChatListEntry{Divider: true})
		}
		entries = append(entries, models.ChatListEntry{Chat: &chats[i]})
	}
	return entries
}

// Chats returns the sorted summaries without the divider.
func (s *Synchronizer) Chats() []models.ChatSummary {
	s.mu.Lock()
	out := make([]models.ChatSummary, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.summary)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

func (s *Synchronizer) Chat(key models.ChatKey) (models.ChatSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[key]
	if !ok {
		return models.ChatSummary{}, false
	}
	return c.summary, true
}

func (s *Synchronizer) Timeline(key models.ChatKey) []models.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[key]
	if !ok {
		return nil
	}
	return append([]models.MessageRecord(nil), c.timeline...)
}

func (s *Synchronizer) Unread(key models.ChatKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[key]; ok {
		return c.summary.UnreadCount
	}
	return 0
}

// PinnedMessages returns the pins of a chat, most recent first.
func (s *Synchronizer) PinnedMessages(key models.ChatKey) []models.PinnedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[key]
	if !ok {
		return nil
	}
	out := append([]models.PinnedMessage(nil), c.pins...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PinnedAt.After(out[j].PinnedAt) })
	return out
}

func less(a, b *models.ChatSummary) bool {
	if a.Pinned != b.Pinned {
		return a.Pinned
	}
	if a.Pinned {
		at, bt := pinTime(a), pinTime(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
	} else if !a.LastMessageAt.Equal(b.LastMessageAt) {
		return a.LastMessageAt.After(b.LastMessageAt)
	}
	return a.Key.String() < b.Key.String()
}

func pinTime(c *models.ChatSummary) time.Time {
	if c.PinnedAt == nil {
		return time.Time{}
	}
	return *c.PinnedAt
}

// chat returns the state for key, creating an empty chat if needed. Callers
// hold s.mu.
func (s *Synchronizer) chat(key models.ChatKey) *chatState {
	c, ok := s.chats[key]
	if !ok {
		c = &chatState{summary: models.ChatSummary{Key: key}}
		s.chats[key] = c
	}
	return c
}

func (s *Synchronizer) receipt(id string) *readState {
	st, ok := s.receipts[id]
	if !ok {
		st = &readState{readers: make(map[string]struct{})}
		s.receipts[id] = st
	}
	return st
}

func (s *Synchronizer) markRead(id string) {
	s.receipt(id).read = true
}

// insert places msg in the timeline by creation time and moves the chat's
// last-message fields forward if msg is the newest. Callers hold s.mu and
// have checked msg is not a duplicate.
func (s *Synchronizer) insert(c *chatState, msg models.MessageRecord) {
	if _, dup := s.seen[msg.ID]; dup {
		return
	}
	if st, ok := s.receipts[msg.ID]; ok && st.read {
		msg.Read = true
	}

	i := sort.Search(len(c.timeline), func(i int) bool {
		return c.timeline[i].CreatedAt.After(msg.CreatedAt)
	})
	c.timeline = append(c.timeline, models.MessageRecord{})
	copy(c.timeline[i+1:], c.timeline[i:])
	c.timeline[i] = msg
	s.seen[msg.ID] = msg.Chat

	sum := &c.summary
	if sum.LastMessageID == "" || !msg.CreatedAt.Before(sum.LastMessageAt) {
		sum.LastMessageID = msg.ID
		sum.LastMessageText = msg.Preview()
		sum.LastSenderID = msg.SenderID
		sum.LastMessageAt = msg.CreatedAt
		sum.LastMessageRead = msg.Read
		sum.LastMessageReaders = 0
		s.refreshLastRead(c)
	}
}

// refreshLastRead recomputes the read fields of the last message from the
// receipt state. They never go back to unread.
func (s *Synchronizer) refreshLastRead(c *chatState) {
	sum := &c.summary
	st, ok := s.receipts[sum.LastMessageID]
	if !ok {
		return
	}
	if st.read {
		sum.LastMessageRead = true
	}
	if n := len(st.readers); n > sum.LastMessageReaders {
		sum.LastMessageReaders = n
	}
}

func (s *Synchronizer) setPin(c *chatState, pin models.PinnedMessage) {
	for i := range c.pins {
		if c.pins[i].MessageID == pin.MessageID {
			c.pins[i] = pin
			return
		}
	}
	c.pins = append(c.pins, pin)
}

func (s *Synchronizer) removePin(c *chatState, messageID string) (models.PinnedMessage, bool) {
	for i, p := range c.pins {
		if p.MessageID == messageID {
			c.pins = append(c.pins[:i], c.pins[i+1:]...)
			return p, true
		}
	}
	return models.PinnedMessage{}, false
}

func copyLast(dst *models.ChatSummary, src models.ChatSummary) {
	dst.LastMessageID = src.LastMessageID
	dst.LastMessageText = src.LastMessageText
	dst.LastSenderID = src.LastSenderID
	dst.LastMessageAt = src.LastMessageAt
	dst.LastMessageRead = src.LastMessageRead
	dst.LastMessageReaders = src.LastMessageReaders
}

func (s *Synchronizer) publishList(key models.ChatKey) {
	s.bus.Publish(protocol.Changed{Topic: protocol.EventChatListChanged, Chat: key})
}

func (s *Synchronizer) publishTimeline(key models.ChatKey) {
	s.bus.Publish(protocol.Changed{Topic: protocol.EventTimelineChanged, Chat: key})
}
