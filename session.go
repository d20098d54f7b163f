package chatsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Backend is the REST surface a Session needs. *Client implements it.
type Backend interface {
	MessageFetcher
	MessageSender
	ConversationFetcher
	MarkAsRead(ctx context.Context, conversationID string) error
}

// PushRegistrar stores a device token for remote notifications. A Backend
// that also implements it enables Session.RegisterPushToken.
type PushRegistrar interface {
	RegisterPushToken(ctx context.Context, token string) error
}

// Stream is the live connection a Session drives. *ConnectionManager
// implements it.
type Stream interface {
	ConnectionController
	Disconnect()
	OnStateChange(func(ConnState)) Subscription
	OnEvent(func(RawEvent)) Subscription
	JoinChannel(ctx context.Context, conversationID string)
	LeaveChannel(ctx context.Context, conversationID string)
	SendTyping(ctx context.Context, conversationID string, isTyping bool)
}

// Notification is a local alert for an inbound message received while the
// app is in the background.
type Notification struct {
	ConversationID string
	Title          string
	Body           string
}

// Notifier shows local notifications. It is called on the stream's read
// goroutine and should return quickly.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Self lists this account's phone numbers and channel ids.
	Self []string
}

// Session wires a Backend and a Stream to the sync components and routes
// normalized events to them.
type Session struct {
	backend  Backend
	conn     Stream
	notifier Notifier
	log      zerolog.Logger

	normalizer *Normalizer
	engine     *MessageEngine
	directory  *Directory
	lifecycle  *LifecycleTrigger

	mu   sync.Mutex
	ctx  context.Context
	subs []Subscription
}

// NewSession builds the sync components and subscribes them to conn. opts
// are passed to every component.
func NewSession(backend Backend, conn Stream, cfg SessionConfig, opts ...Option) *Session {
	o := newOptions("session", opts)
	s := &Session{
		backend:    backend,
		conn:       conn,
		notifier:   o.notifier,
		log:        o.log,
		normalizer: NewNormalizer(cfg.Self, opts...),
		engine:     NewMessageEngine(backend, backend, opts...),
		directory:  NewDirectory(backend, opts...),
		lifecycle:  NewLifecycleTrigger(conn, opts...),
		ctx:        context.Background(),
	}

	n := s.normalizer
	s.subs = []Subscription{
		conn.OnEvent(n.Handle),
		conn.OnStateChange(s.onStateChange),
		n.OnNewMessage(s.onNewMessage),
		n.OnStatusUpdate(s.engine.ApplyStatusUpdate),
		n.OnConversationUpdate(s.directory.ApplyConversationUpdate),
		n.OnConversationRead(s.directory.ApplyConversationRead),
	}
	return s
}

// Normalizer returns the normalizer fed by the live stream.
func (s *Session) Normalizer() *Normalizer { return s.normalizer }

// Engine returns the message engine of the open conversation.
func (s *Session) Engine() *MessageEngine { return s.engine }

// Directory returns the conversation list.
func (s *Session) Directory() *Directory { return s.directory }

// Lifecycle returns the trigger that reconnects on foreground and network
// changes.
func (s *Session) Lifecycle() *LifecycleTrigger { return s.lifecycle }

// IsConnected reports whether the live stream is up.
func (s *Session) IsConnected() bool { return s.conn.IsConnected() }

// ConversationID returns the open conversation, or "".
func (s *Session) ConversationID() string { return s.engine.ConversationID() }

// Conversations returns a copy of the sorted conversation list.
func (s *Session) Conversations() []Conversation { return s.directory.Conversations() }

// Messages returns a copy of the open conversation's messages.
func (s *Session) Messages() []Message { return s.engine.Messages() }

// Start connects and loads the conversation list. The connection keeps
// retrying in the background even if the load fails.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.conn.Connect(ctx)
	_, err := s.directory.LoadSnapshot(ctx)
	return err
}

// OpenConversation switches the live channel to conversationID, loads its
// history and marks it read. Marking read is best effort. The id may carry
// provider decorations such as "whatsapp:+".
func (s *Session) OpenConversation(ctx context.Context, conversationID string) ([]Message, error) {
	conversationID = NormalizeIdentity(conversationID)
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	if prev := s.engine.ConversationID(); prev != "" && prev != conversationID {
		s.conn.LeaveChannel(ctx, prev)
	}
	s.conn.JoinChannel(ctx, conversationID)

	msgs, err := s.engine.LoadSnapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.backend.MarkAsRead(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("mark as read failed")
	} else {
		s.directory.ApplyConversationRead(ConversationRead{ConversationID: conversationID})
	}
	return msgs, nil
}

// CloseConversation leaves the open conversation's channel.
func (s *Session) CloseConversation(ctx context.Context) {
	id := s.engine.ConversationID()
	if id == "" {
		return
	}
	s.conn.LeaveChannel(ctx, id)
	s.engine.Close()
}

// Send optimistically sends body to the open conversation.
func (s *Session) Send(ctx context.Context, body string) (Message, error) {
	id := s.engine.ConversationID()
	if id == "" {
		return Message{}, ErrNoConversation
	}
	return s.engine.SendOptimistic(ctx, id, body), nil
}

// Typing forwards a typing indicator for the open conversation.
func (s *Session) Typing(ctx context.Context, isTyping bool) {
	if id := s.engine.ConversationID(); id != "" {
		s.conn.SendTyping(ctx, id, isTyping)
	}
}

// RegisterPushToken forwards token when the backend supports push.
func (s *Session) RegisterPushToken(ctx context.Context, token string) error {
	r, ok := s.backend.(PushRegistrar)
	if !ok {
		return errors.New("backend does not support push tokens")
	}
	return r.RegisterPushToken(ctx, token)
}

// Stop disconnects, detaches every listener and waits for in-flight sends.
func (s *Session) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.conn.Disconnect()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.engine.WaitSends()
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// onStateChange rejoins the open conversation after every (re)connect.
// Events missed while disconnected are not replayed.
func (s *Session) onStateChange(state ConnState) {
	if state != StateConnected {
		return
	}
	if id := s.engine.ConversationID(); id != "" {
		s.conn.JoinChannel(s.context(), id)
	}
}

func (s *Session) onNewMessage(ev NewMessage) {
	s.directory.ApplyNewMessage(ev)
	s.engine.ApplyNewMessage(ev)

	if ev.Direction != Inbound || s.notifier == nil || s.lifecycle.Foreground() {
		return
	}
	title := placeholderName(ev.ConversationID)
	if c, ok := s.directory.Get(ev.ConversationID); ok && c.Name != "" {
		title = c.Name
	}
	n := Notification{ConversationID: ev.ConversationID, Title: title, Body: ev.Text()}
	if err := s.notifier.Notify(s.context(), n); err != nil {
		s.log.Warn().Err(err).Str("conversation", ev.ConversationID).Msg("local notification failed")
	}
}
