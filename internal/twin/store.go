// Package twin is an in-memory stand-in for the chat backend: the REST API,
// the websocket event stream and admin hooks to simulate provider traffic.
package twin

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Conversation is the backend's record of one chat.
type Conversation struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"nombre" yaml:"name"`
	Phone          string `json:"numero" yaml:"phone"`
	ProfilePicture string `json:"profile_picture,omitempty" yaml:"profile_picture"`
	Source         string `json:"source" yaml:"source"`
	Unread         int    `json:"message_count" yaml:"unread"`
}

// Message is the backend's canonical message record.
type Message struct {
	ID             string    `json:"id" yaml:"id"`
	ConversationID string    `json:"conversation_id" yaml:"-"`
	Direction      string    `json:"direction" yaml:"direction"`
	Body           *string   `json:"body" yaml:"body"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	Status         string    `json:"status,omitempty" yaml:"status"`
	MediaURL       string    `json:"media_url,omitempty" yaml:"media_url"`
	Source         string    `json:"source,omitempty" yaml:"-"`
}

// Seed is the YAML fixture format accepted by LoadSeed.
type Seed struct {
	Self          string       `yaml:"self"`
	Conversations []SeedThread `yaml:"conversations"`
}

// SeedThread is one conversation and its history in a Seed.
type SeedThread struct {
	Conversation `yaml:",inline"`
	Messages     []Message `yaml:"messages"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading seed %s", path)
	}
	return ParseSeed(data)
}

// ParseSeed parses YAML seed data.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "parsing seed")
	}
	for i, c := range s.Conversations {
		if c.ID == "" {
			return nil, errors.Errorf("seed conversation %d: id is required", i)
		}
	}
	return &s, nil
}

// Store holds all twin state in memory.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	lastMessage   map[string]Message
	pushTokens    map[string]struct{}
	counter       atomic.Uint64
	now           func() time.Time
}

// NewStore creates an empty store.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{now: now}
	s.Reset()
	return s
}

// Reset clears all state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*Conversation)
	s.messages = make(map[string][]Message)
	s.lastMessage = make(map[string]Message)
	s.pushTokens = make(map[string]struct{})
}

// Apply loads a seed on top of the current state.
func (s *Store) Apply(seed *Seed) {
	for _, t := range seed.Conversations {
		c := t.Conversation
		if c.Phone == "" {
			c.Phone = c.ID
		}
		s.mu.Lock()
		s.conversations[c.ID] = &c
		s.mu.Unlock()
		for _, m := range t.Messages {
			m.ConversationID = c.ID
			if m.ID == "" {
				m.ID = s.NextID()
			}
			if m.Timestamp.IsZero() {
				m.Timestamp = s.now()
			}
			s.append(m, false)
		}
	}
}

// NextID returns a message id of the form "SM000001".
func (s *Store) NextID() string {
	return fmt.Sprintf("SM%06d", s.counter.Add(1))
}

func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// AddMessage stores m, creating its conversation when needed, and returns
// the updated conversation.
func (s *Store) AddMessage(m Message) Conversation {
	return s.append(m, m.Direction == "inbound")
}

func (s *Store) append(m Message, countUnread bool) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		c = &Conversation{ID: m.ConversationID, Phone: m.ConversationID, Source: m.Source}
		s.conversations[c.ID] = c
	}
	if countUnread {
		c.Unread++
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	if last, ok := s.lastMessage[m.ConversationID]; !ok || !m.Timestamp.Before(last.Timestamp) {
		s.lastMessage[m.ConversationID] = m
	}
	return *c
}

// SetStatus updates a message status and reports whether it was found.
func (s *Store) SetStatus(id, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conv, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				msgs[i].Status = status
				s.messages[conv] = msgs
				return true
			}
		}
	}
	return false
}

// MarkRead zeroes the unread counter.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return false
	}
	c.Unread = 0
	return true
}

// Patch applies non-empty fields of p to the conversation.
func (s *Store) Patch(id string, p Conversation) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	if p.Name != "" {
		c.Name = p.Name
	}
	if p.Phone != "" {
		c.Phone = p.Phone
	}
	if p.ProfilePicture != "" {
		c.ProfilePicture = p.ProfilePicture
	}
	return *c, true
}

// ConversationView is a conversation as served by the list endpoint.
type ConversationView struct {
	Conversation
	LastMessage     *string    `json:"last_message"`
	LastMessageTime *time.Time `json:"last_message_time"`
}

// Conversations returns up to limit conversations, most recent first.
func (s *Store) Conversations(limit int) []ConversationView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConversationView, 0, len(s.conversations))
	for id, c := range s.conversations {
		v := ConversationView{Conversation: *c}
		if m, ok := s.lastMessage[id]; ok {
			text := "(media)"
			if m.Body != nil {
				text = *m.Body
			}
			ts := m.Timestamp
			v.LastMessage, v.LastMessageTime = &text, &ts
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageTime, out[j].LastMessageTime
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Messages returns the history of one conversation in insertion order.
func (s *Store) Messages(conversationID string) ([]Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, false
	}
	return append([]Message(nil), s.messages[conversationID]...), true
}

// AddPushToken records a device token.
func (s *Store) AddPushToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushTokens[token] = struct{}{}
}

// PushTokens lists registered device tokens, sorted.
func (s *Store) PushTokens() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pushTokens))
	for t := range s.pushTokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
