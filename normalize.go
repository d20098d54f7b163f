package chatsync

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// legacyEvents maps older wire names onto the current ones. Both carry the
// same payloads.
var legacyEvents = map[string]string{
	"nuevo_mensaje":            EventNewMessage,
	EventMessageStatusUpdate:   EventMessageStatus,
	"mensaje_actualizado":      EventMessageStatus,
	"conversacion_actualizada": EventConversationUpdated,
	"conversacion_leida":       EventConversationRead,
}

var errUnknownEvent = errors.New("unknown event")

// Normalizer maps provider-specific payloads onto canonical events and fans
// them out to typed listeners.
type Normalizer struct {
	self    map[string]struct{}
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time

	newMessage         *listeners[NewMessage]
	statusUpdate       *listeners[StatusUpdate]
	conversationUpdate *listeners[ConversationUpdate]
	conversationRead   *listeners[ConversationRead]
}

// NewNormalizer creates a Normalizer. selfIdentities are the phone numbers
// or channel ids of this account; they decide the direction of payloads
// that do not state it.
func NewNormalizer(selfIdentities []string, opts ...Option) *Normalizer {
	o := newOptions("normalizer", opts)
	n := &Normalizer{
		self:    make(map[string]struct{}, len(selfIdentities)),
		log:     o.log,
		metrics: o.metrics,
		now:     o.now,
	}
	for _, id := range selfIdentities {
		if id = NormalizeIdentity(id); id != "" {
			n.self[id] = struct{}{}
		}
	}
	n.newMessage = newListeners[NewMessage]("new_message", &n.log)
	n.statusUpdate = newListeners[StatusUpdate]("status_update", &n.log)
	n.conversationUpdate = newListeners[ConversationUpdate]("conversation_update", &n.log)
	n.conversationRead = newListeners[ConversationRead]("conversation_read", &n.log)
	return n
}

// OnNewMessage registers a handler for new and echoed messages.
func (n *Normalizer) OnNewMessage(h func(NewMessage)) Subscription {
	return n.newMessage.add(h)
}

// OnStatusUpdate registers a handler for delivery status changes.
func (n *Normalizer) OnStatusUpdate(h func(StatusUpdate)) Subscription {
	return n.statusUpdate.add(h)
}

// OnConversationUpdate registers a handler for conversation metadata patches.
func (n *Normalizer) OnConversationUpdate(h func(ConversationUpdate)) Subscription {
	return n.conversationUpdate.add(h)
}

// OnConversationRead registers a handler for read receipts from other
// clients.
func (n *Normalizer) OnConversationRead(h func(ConversationRead)) Subscription {
	return n.conversationRead.add(h)
}

// Handle normalizes raw and delivers the result to listeners. Payloads that
// cannot be mapped are logged and dropped.
func (n *Normalizer) Handle(raw RawEvent) {
	ev, err := n.Normalize(raw)
	if err != nil {
		if errors.Is(err, errUnknownEvent) {
			n.metrics.eventDropped("unknown")
			n.log.Debug().Str("event", raw.Event).Msg("ignoring unknown event")
			return
		}
		n.metrics.eventDropped("malformed")
		n.log.Warn().Err(err).Str("event", raw.Event).Msg("dropping malformed event")
		return
	}

	switch e := ev.(type) {
	case NewMessage:
		n.newMessage.emit(e)
	case StatusUpdate:
		n.statusUpdate.emit(e)
	case ConversationUpdate:
		n.conversationUpdate.emit(e)
	case ConversationRead:
		n.conversationRead.emit(e)
	}
}

// Normalize maps one wire event onto its canonical shape.
func (n *Normalizer) Normalize(raw RawEvent) (Event, error) {
	name := raw.Event
	if alias, ok := legacyEvents[name]; ok {
		name = alias
	}

	switch name {
	case EventNewMessage:
		p, err := decodeObject(raw.Data)
		if err != nil {
			return nil, err
		}
		m, err := n.NormalizeMessage(p, "")
		if err != nil {
			return nil, err
		}
		return NewMessage{Message: m}, nil

	case EventMessageStatus:
		p, err := decodeObject(raw.Data)
		if err != nil {
			return nil, err
		}
		id := firstString(p, "message_id", "messageId", "id", "sid")
		if id == "" {
			return nil, malformed("status update without message id")
		}
		status, ok := ParseStatus(strOr(p, "status", ""))
		if !ok || status == StatusNone {
			return nil, malformed("status update %s: unknown status %q", id, strOr(p, "status", ""))
		}
		return StatusUpdate{MessageID: id, Status: status}, nil

	case EventConversationUpdated:
		p, err := decodeObject(raw.Data)
		if err != nil {
			return nil, err
		}
		return normalizeConversationUpdate(p)

	case EventConversationRead:
		id := decodeBareString(raw.Data)
		if id == "" {
			if p, err := decodeObject(raw.Data); err == nil {
				id = firstString(p, "conversation_id", "conversationId", "id")
			}
		}
		if id == "" {
			return nil, malformed("conversation read without conversation id")
		}
		return ConversationRead{ConversationID: NormalizeIdentity(id)}, nil
	}

	return nil, errors.Wrapf(errUnknownEvent, "%q", raw.Event)
}

// NormalizeMessage maps a canonical, Twilio- or Whapi-shaped message
// payload onto a Message. hint is used when the payload does not name its
// provider.
func (n *Normalizer) NormalizeMessage(p map[string]any, hint Source) (Message, error) {
	source := detectSource(p, hint)

	id := firstString(p, "id", "sid", "message_id")
	if id == "" {
		return Message{}, malformed("message without id")
	}

	direction := n.direction(p)

	convID := firstString(p, "conversation_id", "conversationId", "chat_id")
	if convID == "" {
		if direction == Outbound {
			convID = strOr(p, "to", "")
		} else {
			convID = strOr(p, "from", "")
		}
	}
	convID = NormalizeIdentity(convID)
	if convID == "" {
		return Message{}, malformed("message %s without conversation id", id)
	}

	ts, ok := firstTime(p, "timestamp", "date_sent", "date_created", "created_at")
	if !ok {
		ts = n.now()
		n.log.Debug().Str("message", id).Msg("message without timestamp, using local clock")
	}

	m := Message{
		ID:             id,
		ConversationID: convID,
		Direction:      direction,
		Body:           bodyOf(p),
		Timestamp:      ts,
		MediaURL:       optString(p, "media_url"),
		Source:         source,
	}

	if direction == Outbound {
		raw := strOr(p, "status", "")
		status, ok := ParseStatus(raw)
		if !ok || status == StatusNone {
			if raw != "" {
				n.log.Debug().Str("message", id).Str("status", raw).Msg("unknown status, assuming sent")
			}
			status = StatusSent
		}
		m.Status = status
	}
	return m, nil
}

func (n *Normalizer) direction(p map[string]any) Direction {
	if d, ok := p["direction"].(string); ok {
		switch {
		case strings.HasPrefix(d, "outbound"):
			return Outbound
		case strings.HasPrefix(d, "inbound"):
			return Inbound
		}
	}
	if fromMe, ok := p["from_me"].(bool); ok {
		if fromMe {
			return Outbound
		}
		return Inbound
	}
	if _, ok := n.self[NormalizeIdentity(strOr(p, "from", ""))]; ok {
		return Outbound
	}
	return Inbound
}

func detectSource(p map[string]any, hint Source) Source {
	switch Source(strOr(p, "source", "")) {
	case SourceTwilio:
		return SourceTwilio
	case SourceWhapi:
		return SourceWhapi
	}
	if _, ok := p["sid"]; ok {
		return SourceTwilio
	}
	if _, ok := p["from_me"]; ok {
		return SourceWhapi
	}
	return hint
}

func normalizeConversationUpdate(p map[string]any) (ConversationUpdate, error) {
	id := NormalizeIdentity(firstString(p, "conversation_id", "conversationId", "id"))
	if id == "" {
		return ConversationUpdate{}, malformed("conversation update without id")
	}
	u := ConversationUpdate{
		ConversationID:    id,
		Name:              optString(p, "name", "nombre"),
		Phone:             optString(p, "phone", "numero"),
		ProfilePictureURL: optString(p, "profile_pic_url", "profile_picture", "profilePictureUrl"),
		LastMessage:       optString(p, "last_message", "lastMessage"),
	}
	if ts, ok := firstTime(p, "last_message_time", "lastMessageTime"); ok {
		u.LastMessageTime = &ts
	}
	return u, nil
}

// NormalizeConversation maps one entry of the conversations snapshot.
func NormalizeConversation(id string, p map[string]any) (Conversation, error) {
	if id == "" {
		id = firstString(p, "id", "conversation_id")
	}
	id = NormalizeIdentity(id)
	if id == "" {
		return Conversation{}, malformed("conversation without id")
	}
	c := Conversation{
		ID:                id,
		Name:              firstString(p, "name", "nombre"),
		Phone:             firstString(p, "phone", "numero"),
		LastMessage:       optString(p, "last_message"),
		ProfilePictureURL: optString(p, "profile_pic_url", "profile_picture"),
		UnreadCount:       intOr(p, "unread_count", intOr(p, "message_count", 0)),
		Source:            Source(strOr(p, "source", "")),
	}
	if c.Phone == "" {
		c.Phone = id
	}
	if c.Name == "" {
		c.Name = placeholderName(id)
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if ts, ok := firstTime(p, "last_message_time"); ok {
		c.LastMessageTime = &ts
	}
	return c, nil
}

// NormalizeIdentity strips transport decorations from a phone number or
// chat id so that both providers agree on one key.
func NormalizeIdentity(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "whatsapp:")
	s = strings.TrimSuffix(s, "@s.whatsapp.net")
	s = strings.TrimSuffix(s, "@c.us")
	return strings.TrimPrefix(s, "+")
}

func placeholderName(id string) string {
	if r := []rune(id); len(r) > 4 {
		id = string(r[len(r)-4:])
	}
	return "User " + id
}

// ============================================================================
// Helpers
// ============================================================================

func decodeObject(data json.RawMessage) (map[string]any, error) {
	var p map[string]any
	if err := json.Unmarshal(data, &p); err != nil || p == nil {
		return nil, malformed("payload is not an object")
	}
	return p, nil
}

func decodeBareString(data json.RawMessage) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		return ""
	}
	var s string
	if json.Unmarshal(data, &s) != nil {
		return ""
	}
	return s
}

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := strOr(m, k, ""); v != "" {
			return v
		}
	}
	return ""
}

// optString returns nil when none of keys holds a non-empty string, so that
// absent and null fields never overwrite existing state.
func optString(m map[string]any, keys ...string) *string {
	if v := firstString(m, keys...); v != "" {
		return &v
	}
	return nil
}

func bodyOf(p map[string]any) *string {
	if v, ok := p["body"].(string); ok {
		return &v
	}
	if text, ok := p["text"].(map[string]any); ok {
		if v, ok := text["body"].(string); ok {
			return &v
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func firstTime(m map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		if t, ok := parseTime(m[k]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return unixTime(t), true
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return unixTime(f), true
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// unixTime accepts both seconds and milliseconds.
func unixTime(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
