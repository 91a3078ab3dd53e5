package protocol

import (
	"time"

	"github.com/chat-sync/internal/models"
)

// Outbound events
const (
	EventAuthenticate    = "authenticate"
	EventAnnounceOnline  = "announce_online"
	EventAnnounceOffline = "announce_offline"
	EventMessageSend     = "message_send"
	EventMarkRead        = "mark_read"
	EventMessagePin      = "message_pin"
	EventMessageUnpin    = "message_unpin"
	EventCallInitiate    = "call_initiate"
)

// Inbound events
const (
	EventAuthenticated        = "authenticated"
	EventAuthenticationFailed = "authentication_failed"
	EventPresenceSnapshot     = "presence_snapshot"
	EventPresenceDelta        = "presence_delta"
	EventMessageIncoming      = "message_incoming"
	EventMessageSendAck       = "message_send_ack"
	EventReadReceiptUpdated   = "read_receipt_updated"
	EventChatRemoved          = "chat_removed"
	EventUnreadCountReset     = "unread_count_reset"
	EventMessagePinned        = "message_pinned"
	EventMessageUnpinned      = "message_unpinned"
	EventCallIncoming         = "call_incoming"
)

// Events that travel in both directions
const (
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventCallAccepted   = "call_accepted"
	EventCallRejected   = "call_rejected"
	EventCallEnded      = "call_ended"
	EventCallMissed     = "call_missed"
	EventCallMuteToggle = "call_mute_toggle"
)

// Local events, published on the bus by the core itself and never sent
const (
	EventConnectionStateChanged = "connection_state_changed"
	EventPresenceChanged        = "presence_changed"
	EventTypingChanged          = "typing_changed"
	EventChatListChanged        = "chat_list_changed"
	EventTimelineChanged        = "timeline_changed"
	EventCallStateChanged       = "call_state_changed"
)

// Event is a normalized inbound or local event. Handlers type-switch on the
// concrete type.
type Event interface {
	Name() string
}

type Authenticated struct {
	Identity string
}

func (Authenticated) Name() string { return EventAuthenticated }

type AuthenticationFailed struct {
	Reason string
}

func (AuthenticationFailed) Name() string { return EventAuthenticationFailed }

type PresenceSnapshot struct {
	Contacts []models.ContactPresence
}

func (PresenceSnapshot) Name() string { return EventPresenceSnapshot }

// PresenceDelta flips one contact. A nil IsOnline means the field was absent
// and prior state must be kept.
type PresenceDelta struct {
	UserID   string
	IsOnline *bool
}

func (PresenceDelta) Name() string { return EventPresenceDelta }

type TypingSignal struct {
	Started     bool
	Chat        models.ChatKey
	UserID      string
	DisplayName string
}

func (t TypingSignal) Name() string {
	if t.Started {
		return EventTypingStart
	}
	return EventTypingStop
}

type MessageIncoming struct {
	Message models.MessageRecord
}

func (MessageIncoming) Name() string { return EventMessageIncoming }

// MessageSendAck confirms a local send. SenderID may be empty on the wire;
// the synchronizer fills in the local identity.
type MessageSendAck struct {
	ClientID string
	Message  models.MessageRecord
}

func (MessageSendAck) Name() string { return EventMessageSendAck }

type ReadReceiptUpdated struct {
	Receipt models.ReadReceipt
}

func (ReadReceiptUpdated) Name() string { return EventReadReceiptUpdated }

type ChatRemoved struct {
	Chat models.ChatKey
}

func (ChatRemoved) Name() string { return EventChatRemoved }

type UnreadCountReset struct {
	Chat  models.ChatKey
	Count int
}

func (UnreadCountReset) Name() string { return EventUnreadCountReset }

type MessagePinned struct {
	Pin models.PinnedMessage
}

func (MessagePinned) Name() string { return EventMessagePinned }

type MessageUnpinned struct {
	Chat      models.ChatKey
	MessageID string
}

func (MessageUnpinned) Name() string { return EventMessageUnpinned }

// CallSignal carries every call_* event; Kind holds the event name.
type CallSignal struct {
	Kind   string
	CallID string
	FromID string
	Media  models.MediaKind
	Reason string
	Muted  *bool
	At     time.Time
}

func (c CallSignal) Name() string { return c.Kind }

// Unknown wraps a frame whose name has no typed decoder, so extension
// consumers can still subscribe to it by name.
type Unknown struct {
	EventName string
	Payload   []byte
}

func (u Unknown) Name() string { return u.EventName }

// ConnectionStateChanged drives the connectivity indicator.
type ConnectionStateChanged struct {
	Identity string
	State    string
	Retry    int
	Err      error
}

func (ConnectionStateChanged) Name() string { return EventConnectionStateChanged }

// Changed tells consumers that shared state under Topic moved and should be
// re-read. Only the fields relevant to the topic are set.
type Changed struct {
	Topic  string
	Chat   models.ChatKey
	UserID string
	CallID string
}

func (c Changed) Name() string { return c.Topic }
