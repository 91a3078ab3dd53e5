package models

import (
	"fmt"
	"strings"
	"time"
)

// ChatKind distinguishes personal (1:1) from group conversations
type ChatKind string

const (
	ChatKindPersonal ChatKind = "personal"
	ChatKindGroup    ChatKind = "group"
)

// ParseChatKind maps the kind spellings seen on the wire to a ChatKind.
func ParseChatKind(s string) (ChatKind, bool) {
	switch strings.ToLower(s) {
	case "personal", "private", "individual", "direct", "user":
		return ChatKindPersonal, true
	case "group", "room":
		return ChatKindGroup, true
	default:
		return "", false
	}
}

// ChatKey addresses a conversation by {kind, id}
type ChatKey struct {
	Kind ChatKind `json:"kind"`
	ID   string   `json:"id"`
}

func PersonalChat(id string) ChatKey { return ChatKey{Kind: ChatKindPersonal, ID: id} }
func GroupChat(id string) ChatKey    { return ChatKey{Kind: ChatKindGroup, ID: id} }

// String renders the key as "{kind}-{id}", the form used by the pin store.
func (k ChatKey) String() string {
	return fmt.Sprintf("%s-%s", k.Kind, k.ID)
}

// ParseChatKey is the inverse of ChatKey.String.
func ParseChatKey(s string) (ChatKey, error) {
	kind, id, ok := strings.Cut(s, "-")
	if !ok || id == "" {
		return ChatKey{}, fmt.Errorf("invalid chat key %q", s)
	}
	k, ok := ParseChatKind(kind)
	if !ok {
		return ChatKey{}, fmt.Errorf("invalid chat kind in key %q", s)
	}
	return ChatKey{Kind: k, ID: id}, nil
}

// ChatSummary is one row of the chat list
type ChatSummary struct {
	Key             ChatKey   `json:"key"`
	Title           string    `json:"title,omitempty"`
	LastMessageID   string    `json:"last_message_id,omitempty"`
	LastMessageText string    `json:"last_message_text,omitempty"`
	LastSenderID    string    `json:"last_sender_id,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at"`
	// LastMessageRead only carries meaning when the local identity sent the
	// last message.
	LastMessageRead    bool       `json:"last_message_read"`
	LastMessageReaders int        `json:"last_message_readers,omitempty"`
	UnreadCount        int        `json:"unread_count"`
	Pinned             bool       `json:"pinned"`
	PinnedAt           *time.Time `json:"pinned_at,omitempty"`
	Members            []string   `json:"members,omitempty"`
}

// ChatListEntry is either a chat row or the divider between pinned and
// unpinned rows.
type ChatListEntry struct {
	Divider bool         `json:"divider,omitempty"`
	Chat    *ChatSummary `json:"chat,omitempty"`
}

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeVideo ContentType = "video"
	ContentTypeAudio ContentType = "audio"
	ContentTypeFile  ContentType = "file"
)

// MediaDescriptor points at an already uploaded attachment
type MediaDescriptor struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessageRecord is a message as held in a chat timeline
type MessageRecord struct {
	ID        string           `json:"id"`
	Chat      ChatKey          `json:"chat"`
	SenderID  string           `json:"sender_id"`
	Type      ContentType      `json:"type"`
	Text      string           `json:"text,omitempty"`
	Media     *MediaDescriptor `json:"media,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
	ReplyTo   string           `json:"reply_to,omitempty"`
}

// Preview is the text shown in the chat list for a message.
func (m MessageRecord) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if m.Media != nil {
		return "[" + string(m.Type) + "]"
	}
	return ""
}

// TypingEntry records the last typing signal from a user in a chat
type TypingEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	LastSignal  time.Time `json:"last_signal"`
}

// ReadReceipt reports readers of a message. Group chats carry reader ids,
// personal chats a single flag.
type ReadReceipt struct {
	MessageID string   `json:"message_id"`
	Chat      ChatKey  `json:"chat"`
	ReaderIDs []string `json:"reader_ids,omitempty"`
	IsRead    *bool    `json:"is_read,omitempty"`
}

// ContactPresence is one element of a presence snapshot
type ContactPresence struct {
	UserID   string `json:"user_id"`
	IsOnline *bool  `json:"is_online"`
}

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

type CallState string

const (
	CallStateIdle            CallState = "idle"
	CallStateRingingOutgoing CallState = "ringing_outgoing"
	CallStateRingingIncoming CallState = "ringing_incoming"
	CallStateConnected       CallState = "connected"
	CallStateEnded           CallState = "ended"
	CallStateRejected        CallState = "rejected"
	CallStateMissed          CallState = "missed"
	CallStateTerminated      CallState = "terminated"
)

// Terminal reports whether no further transition may leave the state.
func (s CallState) Terminal() bool {
	switch s {
	case CallStateEnded, CallStateRejected, CallStateMissed, CallStateTerminated:
		return true
	default:
		return false
	}
}

// Ringing reports whether the call is waiting for an answer.
func (s CallState) Ringing() bool {
	return s == CallStateRingingOutgoing || s == CallStateRingingIncoming
}

// Call end reasons
const (
	CallReasonNormal    = "normal"
	CallReasonRejected  = "rejected"
	CallReasonCancelled = "cancelled"
	CallReasonTimeout   = "timeout"
	CallReasonBusy      = "busy"
	CallReasonOffline   = "offline"
)

// CallSession is the signaling-level view of one call attempt
type CallSession struct {
	ID          string     `json:"id"`
	InitiatorID string     `json:"initiator_id"`
	PeerID      string     `json:"peer_id"`
	Media       MediaKind  `json:"media"`
	State       CallState  `json:"state"`
	LocalMuted  bool       `json:"local_muted"`
	RemoteMuted bool       `json:"remote_muted"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Duration is the time spent Connected, measured up to now for a live call.
func (c CallSession) Duration(now time.Time) time.Duration {
	if c.ConnectedAt == nil {
		return 0
	}
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	if end.Before(*c.ConnectedAt) {
		return 0
	}
	return end.Sub(*c.ConnectedAt)
}

type PinScope string

const (
	PinScopeAll   PinScope = "all"
	PinScopeOwner PinScope = "owner"
)

// PinnedMessage is a message promoted inside a chat until unpinned
type PinnedMessage struct {
	MessageID string    `json:"message_id"`
	Chat      ChatKey   `json:"chat"`
	Scope     PinScope  `json:"scope"`
	PinnedBy  string    `json:"pinned_by,omitempty"`
	PinnedAt  time.Time `json:"pinned_at"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
