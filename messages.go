package chatsync

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ReconcileWindow is how far apart a server echo and its optimistic
// placeholder may be timestamped and still be merged.
const ReconcileWindow = 5 * time.Second

// MessageFetcher loads the message history of one conversation.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// MessageSender delivers an outbound text. The confirmed message arrives
// later as a NewMessage event.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, body string) error
}

// MessageEngine holds the message sequence of the open conversation and
// merges snapshots, optimistic sends and live events into it.
//
// Live events are never re-sorted; they are appended in arrival order.
// Listeners registered with OnChange run while the engine's write lock is
// held and must not call mutating methods.
type MessageEngine struct {
	fetcher MessageFetcher
	sender  MessageSender
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	convID  string
	state   LoadState
	loadErr error
	loadSeq uint64
	// base is the sequence at the start of an in-flight load and
	// buffered the events that arrived since.
	base     []Message
	buffered []Event

	view  *view[Message]
	sends sync.WaitGroup
}

// NewMessageEngine creates an engine with no open conversation.
func NewMessageEngine(fetcher MessageFetcher, sender MessageSender, opts ...Option) *MessageEngine {
	o := newOptions("messages", opts)
	e := &MessageEngine{
		fetcher: fetcher,
		sender:  sender,
		log:     o.log,
		metrics: o.metrics,
		now:     o.now,
		newID:   o.newID,
		state:   LoadIdle,
	}
	e.view = newView[Message]("messages", &e.log)
	return e
}

// Messages returns a copy of the current sequence.
func (e *MessageEngine) Messages() []Message {
	return e.view.snapshot()
}

// ConversationID returns the open conversation, or "" when none is open.
func (e *MessageEngine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convID
}

// LoadState returns the outcome of the latest snapshot load and its error.
func (e *MessageEngine) LoadState() (LoadState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.loadErr
}

// OnChange registers h to receive every newly published sequence.
func (e *MessageEngine) OnChange(h func([]Message)) Subscription {
	return e.view.changes.add(h)
}

// LoadSnapshot opens conversationID and replaces the held sequence with the
// server history, sorted by timestamp. Events for the conversation that
// arrive while the fetch is in flight are applied on top of the result. On
// failure they are applied on top of the previous sequence instead and the
// load state becomes LoadFailed.
func (e *MessageEngine) LoadSnapshot(ctx context.Context, conversationID string) ([]Message, error) {
	conversationID = NormalizeIdentity(conversationID)
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	e.mu.Lock()
	e.loadSeq++
	seq := e.loadSeq
	if e.convID != conversationID {
		e.convID = conversationID
		e.view.publish(nil)
	}
	e.state = LoadLoading
	e.loadErr = nil
	e.base = e.view.load()
	e.buffered = nil
	e.mu.Unlock()

	e.log.Debug().Str("conversation", conversationID).Msg("loading messages")
	fetched, err := e.fetcher.FetchMessages(ctx, conversationID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if seq != e.loadSeq {
		return nil, ErrLoadSuperseded
	}

	events := e.buffered
	list := e.base
	e.base, e.buffered = nil, nil

	if err != nil {
		err = errors.Wrapf(err, "load messages of %s", conversationID)
		e.state, e.loadErr = LoadFailed, err
		e.log.Warn().Err(err).Int("buffered", len(events)).Msg("message snapshot failed")
		e.view.publish(e.replay(list, events))
		return nil, err
	}

	list = make([]Message, 0, len(fetched)+len(events))
	for _, m := range fetched {
		if m.ConversationID == "" || m.ConversationID == conversationID {
			m.ConversationID = conversationID
			list = append(list, m)
		}
	}
	slices.SortStableFunc(list, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	list = e.replay(list, events)

	e.state = LoadLoaded
	e.view.publish(list)
	e.log.Debug().Str("conversation", conversationID).Int("messages", len(list)).Msg("messages loaded")
	return slices.Clone(list), nil
}

// Close forgets the open conversation. Pending loads are discarded.
func (e *MessageEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadSeq++
	e.convID = ""
	e.state = LoadIdle
	e.loadErr = nil
	e.base, e.buffered = nil, nil
	e.view.publish(nil)
}

// SendOptimistic appends a pending outbound message to conversationID and
// hands the body to the sender in the background. If the sender fails the
// placeholder is marked failed; it is never removed. The send is not
// cancelled when ctx is.
func (e *MessageEngine) SendOptimistic(ctx context.Context, conversationID, body string) Message {
	conversationID = NormalizeIdentity(conversationID)
	m := Message{
		ID:             e.newID(),
		ConversationID: conversationID,
		Direction:      Outbound,
		Body:           &body,
		Timestamp:      e.now(),
		Status:         StatusPending,
	}

	e.mu.Lock()
	if conversationID == e.convID {
		if e.state == LoadLoading {
			e.buffered = append(e.buffered, NewMessage{Message: m})
		}
		e.view.publish(append(slices.Clone(e.view.load()), m))
	}
	e.mu.Unlock()

	sendCtx := context.WithoutCancel(ctx)
	e.sends.Add(1)
	go func() {
		defer e.sends.Done()
		if err := e.sender.SendMessage(sendCtx, conversationID, body); err != nil {
			e.metrics.sendFailed()
			e.log.Warn().Err(err).Str("conversation", conversationID).Str("message", m.ID).Msg("send failed")
			e.ApplyStatusUpdate(StatusUpdate{MessageID: m.ID, Status: StatusFailed})
		}
	}()
	return m
}

// WaitSends blocks until every background send has returned.
func (e *MessageEngine) WaitSends() {
	e.sends.Wait()
}

// ApplyNewMessage merges a live message. Messages for other conversations
// are ignored, as is a replay of an id already confirmed. An outbound
// message replaces, in place, the earliest pending placeholder with the
// same body timestamped within ReconcileWindow; anything else is appended.
func (e *MessageEngine) ApplyNewMessage(ev NewMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.convID == "" || ev.ConversationID != e.convID {
		return
	}
	if e.state == LoadLoading {
		e.buffered = append(e.buffered, ev)
		return
	}
	if next, changed := e.merge(e.view.load(), ev.Message); changed {
		e.view.publish(next)
	}
}

// ApplyStatusUpdate overwrites the status of the message with exactly this
// id. Unknown ids are ignored.
func (e *MessageEngine) ApplyStatusUpdate(ev StatusUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == LoadLoading {
		e.buffered = append(e.buffered, ev)
		return
	}
	if next, changed := setStatus(e.view.load(), ev); changed {
		e.view.publish(next)
	}
}

func (e *MessageEngine) replay(list []Message, events []Event) []Message {
	for _, ev := range events {
		switch ev := ev.(type) {
		case NewMessage:
			list, _ = e.merge(list, ev.Message)
		case StatusUpdate:
			list, _ = setStatus(list, ev)
		}
	}
	return list
}

// merge never modifies list; it returns a new slice when something changed.
func (e *MessageEngine) merge(list []Message, m Message) ([]Message, bool) {
	for i := range list {
		if list[i].ID != m.ID {
			continue
		}
		if list[i].Status != StatusPending {
			e.metrics.duplicate()
			e.log.Debug().Str("message", m.ID).Msg("ignoring duplicate message")
			return list, false
		}
		next := slices.Clone(list)
		next[i] = m
		return next, true
	}

	if m.Direction == Outbound {
		if i := reconcileIndex(list, m); i >= 0 {
			next := slices.Clone(list)
			e.log.Debug().Str("local", next[i].ID).Str("message", m.ID).Msg("reconciled optimistic message")
			next[i] = m
			e.metrics.reconciled()
			return next, true
		}
	}

	e.metrics.appended()
	return append(slices.Clone(list), m), true
}

// reconcileIndex finds the earliest pending placeholder m confirms, or -1.
func reconcileIndex(list []Message, m Message) int {
	for i, c := range list {
		if c.Direction != Outbound || c.Status != StatusPending || !sameBody(c.Body, m.Body) {
			continue
		}
		if absDuration(c.Timestamp.Sub(m.Timestamp)) < ReconcileWindow {
			return i
		}
	}
	return -1
}

func setStatus(list []Message, ev StatusUpdate) ([]Message, bool) {
	for i := range list {
		if list[i].ID == ev.MessageID {
			if list[i].Status == ev.Status {
				return list, false
			}
			next := slices.Clone(list)
			next[i].Status = ev.Status
			return next, true
		}
	}
	return list, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
