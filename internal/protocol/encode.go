package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chat-sync/internal/models"
)

// Envelope is the frame written to the wire.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload in an envelope. A nil payload produces a bare event.
func Encode(name string, payload interface{}) ([]byte, error) {
	env := Envelope{Event: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

type AuthenticatePayload struct {
	Identity string `json:"identity"`
	Token    string `json:"token,omitempty"`
}

// AnnouncePayload is used by announce_online and announce_offline.
type AnnouncePayload struct {
	Identity  string `json:"identity"`
	Timestamp int64  `json:"timestamp"`
}

func NewAnnounce(identity string, at time.Time) AnnouncePayload {
	return AnnouncePayload{Identity: identity, Timestamp: at.UnixMilli()}
}

type TypingPayload struct {
	ChatID      string          `json:"chatId"`
	ChatKind    models.ChatKind `json:"chatKind"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
}

type MessageSendPayload struct {
	ClientID string                  `json:"clientId"`
	ChatID   string                  `json:"chatId"`
	ChatKind models.ChatKind         `json:"chatKind"`
	Type     models.ContentType      `json:"contentType"`
	Text     string                  `json:"text,omitempty"`
	Media    *models.MediaDescriptor `json:"media,omitempty"`
	ReplyTo  string                  `json:"replyTo,omitempty"`
}

type MarkReadPayload struct {
	MessageID string          `json:"messageId"`
	ChatID    string          `json:"chatId"`
	ChatKind  models.ChatKind `json:"chatKind"`
}

type PinPayload struct {
	MessageID string          `json:"messageId"`
	ChatID    string          `json:"chatId"`
	ChatKind  models.ChatKind `json:"chatKind"`
	Scope     models.PinScope `json:"scope,omitempty"`
	PinnedAt  int64           `json:"pinnedAt,omitempty"`
}

// CallPayload is shared by every outbound call_* event.
type CallPayload struct {
	CallID    string           `json:"callId"`
	PeerID    string           `json:"peerId,omitempty"`
	Media     models.MediaKind `json:"mediaKind,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Muted     *bool            `json:"muted,omitempty"`
	Timestamp int64            `json:"timestamp"`
}
