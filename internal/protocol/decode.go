package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/chat-sync/internal/models"
)

// MalformedEventError reports a frame that cannot be turned into its typed
// event. The frame is dropped; handlers never see it.
type MalformedEventError struct {
	Event string
	Field string
}

func (e *MalformedEventError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed event %q", e.Event)
	}
	return fmt.Sprintf("malformed event %q: missing %s", e.Event, e.Field)
}

// Field name variants seen across server versions, canonical name first.
var (
	nameKeys        = []string{"event", "type", "name"}
	payloadKeys     = []string{"payload", "data"}
	identityKeys    = []string{"identity", "userId", "user_id", "id"}
	reasonKeys      = []string{"reason", "message", "error"}
	userKeys        = []string{"userId", "user_id", "uid", "id"}
	onlineKeys      = []string{"isOnline", "is_online", "online"}
	snapshotKeys    = []string{"users", "contacts", "list", "onlineUsers", "online_users"}
	chatKeyKeys     = []string{"chatKey", "chat_key"}
	chatIDKeys      = []string{"chatId", "chat_id", "conversationId", "conversation_id", "roomId", "room_id"}
	chatKindKeys    = []string{"chatKind", "chat_kind", "chatType", "chat_type", "kind"}
	isGroupKeys     = []string{"isGroup", "is_group"}
	displayNameKeys = []string{"displayName", "display_name", "name", "username"}
	messageIDKeys   = []string{"id", "messageId", "message_id", "_id"}
	clientIDKeys    = []string{"clientId", "client_id", "tempId", "temp_id"}
	senderKeys      = []string{"senderId", "sender_id", "from", "fromId", "userId"}
	textKeys        = []string{"text", "body", "content.text", "content.body"}
	contentTypeKeys = []string{"contentType", "content_type", "messageType", "message_type", "content.type"}
	mediaURLKeys    = []string{"media.url", "content.media.url", "fileLink", "file_link", "fileUrl", "file_url"}
	mediaMimeKeys   = []string{"media.mimeType", "media.mime_type", "content.media.mimeType", "mimeType"}
	mediaSizeKeys   = []string{"media.size", "content.media.size", "fileSize", "file_size"}
	createdKeys     = []string{"createdAt", "created_at", "timestamp", "ts", "time"}
	replyKeys       = []string{"replyTo", "reply_to", "replyToId", "metadata.replyTo"}
	readerKeys      = []string{"readerIds", "reader_ids", "readBy", "read_by"}
	isReadKeys      = []string{"isRead", "is_read", "read", "seen"}
	countKeys       = []string{"count", "unreadCount", "unread_count"}
	scopeKeys       = []string{"scope", "visibility"}
	pinnedAtKeys    = []string{"pinnedAt", "pinned_at", "timestamp"}
	pinnedByKeys    = []string{"pinnedBy", "pinned_by", "userId"}
	callIDKeys      = []string{"callId", "call_id", "id", "conversationId"}
	callFromKeys    = []string{"from", "fromId", "callerId", "caller_id", "userId", "endedBy", "acceptedBy", "rejectedBy"}
	mediaKindKeys   = []string{"mediaKind", "media_kind", "media", "callType", "call_type"}
	mutedKeys       = []string{"muted", "isMuted", "is_muted"}
)

// Decode normalizes one inbound frame into its typed event. It runs exactly
// once per frame, before dispatch.
func Decode(frame []byte) (Event, error) {
	if !gjson.ValidBytes(frame) {
		return nil, &MalformedEventError{Event: "?", Field: "valid json"}
	}
	root := gjson.ParseBytes(frame)

	name := first(root, nameKeys...).String()
	if name == "" {
		return nil, &MalformedEventError{Event: "?", Field: "event name"}
	}

	p := first(root, payloadKeys...)
	if !p.Exists() {
		p = root
	}

	switch name {
	case EventAuthenticated:
		return Authenticated{Identity: first(p, identityKeys...).String()}, nil
	case EventAuthenticationFailed:
		return AuthenticationFailed{Reason: first(p, reasonKeys...).String()}, nil
	case EventPresenceSnapshot:
		return decodePresenceSnapshot(p)
	case EventPresenceDelta:
		return decodePresenceDelta(p)
	case EventTypingStart, EventTypingStop:
		return decodeTyping(name, p)
	case EventMessageIncoming:
		msg, err := decodeMessage(name, p, true)
		if err != nil {
			return nil, err
		}
		return MessageIncoming{Message: msg}, nil
	case EventMessageSendAck:
		msg, err := decodeMessage(name, p, false)
		if err != nil {
			return nil, err
		}
		return MessageSendAck{ClientID: first(p, clientIDKeys...).String(), Message: msg}, nil
	case EventReadReceiptUpdated:
		return decodeReadReceipt(p)
	case EventChatRemoved:
		chat, ok := chatKey(p)
		if !ok {
			return nil, &MalformedEventError{Event: name, Field: "chatId"}
		}
		return ChatRemoved{Chat: chat}, nil
	case EventUnreadCountReset:
		chat, ok := chatKey(p)
		if !ok {
			return nil, &MalformedEventError{Event: name, Field: "chatId"}
		}
		count := int(first(p, countKeys...).Int())
		if count < 0 {
			count = 0
		}
		return UnreadCountReset{Chat: chat, Count: count}, nil
	case EventMessagePinned:
		return decodePinned(p)
	case EventMessageUnpinned:
		chat, ok := chatKey(p)
		if !ok {
			return nil, &MalformedEventError{Event: name, Field: "chatId"}
		}
		id := first(p, messageIDKeys...).String()
		if id == "" {
			return nil, &MalformedEventError{Event: name, Field: "messageId"}
		}
		return MessageUnpinned{Chat: chat, MessageID: id}, nil
	case EventCallIncoming, EventCallAccepted, EventCallRejected, EventCallEnded, EventCallMissed, EventCallMuteToggle:
		return decodeCall(name, p)
	default:
		return Unknown{EventName: name, Payload: []byte(p.Raw)}, nil
	}
}

func decodePresenceSnapshot(p gjson.Result) (Event, error) {
	list := p
	if !list.IsArray() {
		list = first(p, snapshotKeys...)
	}
	if !list.IsArray() {
		return nil, &MalformedEventError{Event: EventPresenceSnapshot, Field: "contact list"}
	}

	snap := PresenceSnapshot{}
	for _, item := range list.Array() {
		// A bare id in the list means "online".
		if item.Type == gjson.String || item.Type == gjson.Number {
			online := true
			snap.Contacts = append(snap.Contacts, models.ContactPresence{UserID: item.String(), IsOnline: &online})
			continue
		}
		id := first(item, userKeys...).String()
		if id == "" {
			continue
		}
		snap.Contacts = append(snap.Contacts, models.ContactPresence{UserID: id, IsOnline: onlineFlag(item)})
	}
	return snap, nil
}

func decodePresenceDelta(p gjson.Result) (Event, error) {
	id := first(p, userKeys...).String()
	if id == "" {
		return nil, &MalformedEventError{Event: EventPresenceDelta, Field: "userId"}
	}
	return PresenceDelta{UserID: id, IsOnline: onlineFlag(p)}, nil
}

func onlineFlag(p gjson.Result) *bool {
	if b := boolean(first(p, onlineKeys...)); b != nil {
		return b
	}
	switch strings.ToLower(p.Get("status").String()) {
	case "online", "active":
		v := true
		return &v
	case "offline", "away", "inactive":
		v := false
		return &v
	}
	return nil
}

func decodeTyping(name string, p gjson.Result) (Event, error) {
	chat, ok := chatKey(p)
	if !ok {
		return nil, &MalformedEventError{Event: name, Field: "chatId"}
	}
	user := first(p, userKeys...).String()
	if user == "" {
		return nil, &MalformedEventError{Event: name, Field: "userId"}
	}
	return TypingSignal{
		Started:     name == EventTypingStart,
		Chat:        chat,
		UserID:      user,
		DisplayName: first(p, displayNameKeys...).String(),
	}, nil
}

func decodeMessage(name string, p gjson.Result, senderRequired bool) (models.MessageRecord, error) {
	id := first(p, messageIDKeys...).String()
	if id == "" {
		return models.MessageRecord{}, &MalformedEventError{Event: name, Field: "id"}
	}
	chat, ok := chatKey(p)
	if !ok {
		return models.MessageRecord{}, &MalformedEventError{Event: name, Field: "chatId"}
	}
	sender := first(p, senderKeys...).String()
	if sender == "" && senderRequired {
		return models.MessageRecord{}, &MalformedEventError{Event: name, Field: "senderId"}
	}

	msg := models.MessageRecord{
		ID:        id,
		Chat:      chat,
		SenderID:  sender,
		Type:      models.ContentTypeText,
		Text:      first(p, textKeys...).String(),
		CreatedAt: timestamp(first(p, createdKeys...)),
		ReplyTo:   first(p, replyKeys...).String(),
	}
	if c := p.Get("content"); c.Type == gjson.String && msg.Text == "" {
		msg.Text = c.String()
	}
	if ct := first(p, contentTypeKeys...).String(); ct != "" {
		msg.Type = models.ContentType(strings.ToLower(ct))
	}
	if url := first(p, mediaURLKeys...).String(); url != "" {
		msg.Media = &models.MediaDescriptor{
			URL:      url,
			MimeType: first(p, mediaMimeKeys...).String(),
			Size:     first(p, mediaSizeKeys...).Int(),
		}
	}
	return msg, nil
}

func decodeReadReceipt(p gjson.Result) (Event, error) {
	id := first(p, "messageId", "message_id", "id").String()
	if id == "" {
		return nil, &MalformedEventError{Event: EventReadReceiptUpdated, Field: "messageId"}
	}

	r := models.ReadReceipt{MessageID: id}
	if chat, ok := chatKey(p); ok {
		r.Chat = chat
	}
	if readers := first(p, readerKeys...); readers.IsArray() {
		r.ReaderIDs = []string{}
		for _, reader := range readers.Array() {
			if s := reader.String(); s != "" {
				r.ReaderIDs = append(r.ReaderIDs, s)
			}
		}
	}
	r.IsRead = boolean(first(p, isReadKeys...))

	if r.ReaderIDs == nil && r.IsRead == nil {
		return nil, &MalformedEventError{Event: EventReadReceiptUpdated, Field: "readerIds or isRead"}
	}
	return ReadReceiptUpdated{Receipt: r}, nil
}

func decodePinned(p gjson.Result) (Event, error) {
	chat, ok := chatKey(p)
	if !ok {
		return nil, &MalformedEventError{Event: EventMessagePinned, Field: "chatId"}
	}
	id := first(p, messageIDKeys...).String()
	if id == "" {
		return nil, &MalformedEventError{Event: EventMessagePinned, Field: "messageId"}
	}

	scope := models.PinScopeAll
	switch strings.ToLower(first(p, scopeKeys...).String()) {
	case "owner", "owner-only", "owner_only", "self", "private":
		scope = models.PinScopeOwner
	}

	return MessagePinned{Pin: models.PinnedMessage{
		MessageID: id,
		Chat:      chat,
		Scope:     scope,
		PinnedBy:  first(p, pinnedByKeys...).String(),
		PinnedAt:  timestamp(first(p, pinnedAtKeys...)),
	}}, nil
}

func decodeCall(name string, p gjson.Result) (Event, error) {
	id := first(p, callIDKeys...).String()
	if id == "" {
		return nil, &MalformedEventError{Event: name, Field: "callId"}
	}

	sig := CallSignal{
		Kind:   name,
		CallID: id,
		FromID: first(p, callFromKeys...).String(),
		Media:  models.MediaKindAudio,
		Reason: first(p, "reason").String(),
		Muted:  boolean(first(p, mutedKeys...)),
		At:     timestamp(first(p, createdKeys...)),
	}
	if strings.EqualFold(first(p, mediaKindKeys...).String(), string(models.MediaKindVideo)) {
		sig.Media = models.MediaKindVideo
	}
	if name == EventCallIncoming && sig.FromID == "" {
		return nil, &MalformedEventError{Event: name, Field: "from"}
	}
	if name == EventCallMuteToggle && sig.Muted == nil {
		return nil, &MalformedEventError{Event: name, Field: "muted"}
	}
	return sig, nil
}

// chatKey resolves the chat address from either a combined key or an
// id + kind pair. Kind defaults to personal.
func chatKey(p gjson.Result) (models.ChatKey, bool) {
	if raw := first(p, chatKeyKeys...).String(); raw != "" {
		if k, err := models.ParseChatKey(raw); err == nil {
			return k, true
		}
	}

	id := first(p, chatIDKeys...).String()
	if id == "" {
		return models.ChatKey{}, false
	}

	kind := models.ChatKindPersonal
	if k, ok := models.ParseChatKind(first(p, chatKindKeys...).String()); ok {
		kind = k
	} else if g := boolean(first(p, isGroupKeys...)); g != nil && *g {
		kind = models.ChatKindGroup
	}
	return models.ChatKey{Kind: kind, ID: id}, true
}

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if v := r.Get(path); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func boolean(v gjson.Result) *bool {
	var b bool
	switch v.Type {
	case gjson.True:
		b = true
	case gjson.False:
		b = false
	case gjson.Number:
		b = v.Int() != 0
	case gjson.String:
		switch strings.ToLower(v.Str) {
		case "true", "1", "yes":
			b = true
		case "false", "0", "no":
			b = false
		default:
			return nil
		}
	default:
		return nil
	}
	return &b
}

// timestamp accepts unix seconds, unix milliseconds or RFC 3339. Unknown
// values yield the zero time and callers substitute their clock.
func timestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t
		}
	}
	return time.Time{}
}
