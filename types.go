package chatsync

import (
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return "http " + strconv.Itoa(e.StatusCode) + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// Direction tells whether a message was received or sent by this account.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status is the delivery status of an outbound message. Inbound messages
// carry StatusNone.
type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ParseStatus maps canonical and provider-specific status strings onto a
// Status. The second return value is false for unknown strings.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return StatusNone, true
	case "pending":
		return StatusPending, true
	case "sent", "queued", "accepted", "sending", "scheduled":
		return StatusSent, true
	case "delivered", "device":
		return StatusDelivered, true
	case "read", "played", "viewed":
		return StatusRead, true
	case "failed", "undelivered", "canceled", "error":
		return StatusFailed, true
	case "received", "receiving":
		return StatusNone, true
	}
	return StatusNone, false
}

// Source is the upstream messaging provider. It is presentational only and
// never influences reconciliation.
type Source string

const (
	SourceTwilio Source = "twilio"
	SourceWhapi  Source = "whapi"
)

// LocalIDPrefix marks ids minted for optimistic messages.
const LocalIDPrefix = "local-"

// ============================================================================
// Messages
// ============================================================================

// Message is a single chat message as held by the MessageEngine.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Direction      Direction `json:"direction"`
	Body           *string   `json:"body"`
	Timestamp      time.Time `json:"timestamp"`
	Status         Status    `json:"status,omitempty"`
	MediaURL       *string   `json:"media_url,omitempty"`
	Source         Source    `json:"source,omitempty"`
}

// IsLocal reports whether m is an unconfirmed optimistic placeholder.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// Text returns the body, or "(media)" for non-text messages.
func (m Message) Text() string {
	if m.Body == nil {
		return mediaPlaceholder
	}
	return *m.Body
}

const mediaPlaceholder = "(media)"

func sameBody(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Phone             string     `json:"phone"`
	LastMessage       *string    `json:"last_message"`
	LastMessageTime   *time.Time `json:"last_message_time"`
	ProfilePictureURL *string    `json:"profile_pic_url"`
	UnreadCount       int        `json:"unread_count"`
	Source            Source     `json:"source"`
}

// ============================================================================
// Canonical Events
// ============================================================================

// Event is one of NewMessage, StatusUpdate, ConversationUpdate or
// ConversationRead.
type Event interface {
	isEvent()
}

// NewMessage announces a message in any conversation.
type NewMessage struct {
	Message
}

// StatusUpdate changes the status of a previously delivered message.
type StatusUpdate struct {
	MessageID string
	Status    Status
}

// ConversationUpdate is a sparse patch; nil fields are left untouched.
type ConversationUpdate struct {
	ConversationID    string
	Name              *string
	Phone             *string
	ProfilePictureURL *string
	LastMessage       *string
	LastMessageTime   *time.Time
}

// ConversationRead resets the unread counter of a conversation.
type ConversationRead struct {
	ConversationID string
}

func (NewMessage) isEvent()         {}
func (StatusUpdate) isEvent()       {}
func (ConversationUpdate) isEvent() {}
func (ConversationRead) isEvent()   {}

// LoadState describes the outcome of the most recent snapshot load.
type LoadState string

const (
	LoadIdle    LoadState = "idle"
	LoadLoading LoadState = "loading"
	LoadLoaded  LoadState = "loaded"
	LoadFailed  LoadState = "failed"
)
