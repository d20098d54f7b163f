package chatsync

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ConversationFetcher loads the full conversation list.
type ConversationFetcher interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
}

// Directory holds the conversation list, most recently active first.
// Conversations without any message time sort last. Every mutation
// publishes a newly sorted list.
type Directory struct {
	fetcher ConversationFetcher
	log     zerolog.Logger

	mu       sync.Mutex
	state    LoadState
	loadErr  error
	loadSeq  uint64
	base     []Conversation
	buffered []Event

	view *view[Conversation]
}

// NewDirectory creates an empty directory backed by fetcher.
func NewDirectory(fetcher ConversationFetcher, opts ...Option) *Directory {
	o := newOptions("directory", opts)
	d := &Directory{
		fetcher: fetcher,
		log:     o.log,
		state:   LoadIdle,
	}
	d.view = newView[Conversation]("conversations", &d.log)
	return d
}

// Conversations returns a copy of the sorted list.
func (d *Directory) Conversations() []Conversation {
	return d.view.snapshot()
}

// Get looks up one conversation by id.
func (d *Directory) Get(id string) (Conversation, bool) {
	for _, c := range d.view.load() {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// LoadState returns the outcome of the latest snapshot load and its error.
func (d *Directory) LoadState() (LoadState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.loadErr
}

// OnChange registers h to receive every newly published list. h runs with
// the directory's write lock held.
func (d *Directory) OnChange(h func([]Conversation)) Subscription {
	return d.view.changes.add(h)
}

// LoadSnapshot replaces the list with the server's. Events that arrive
// during the fetch are applied afterwards, onto the previous list if the
// fetch fails.
func (d *Directory) LoadSnapshot(ctx context.Context) ([]Conversation, error) {
	d.mu.Lock()
	d.loadSeq++
	seq := d.loadSeq
	d.state, d.loadErr = LoadLoading, nil
	d.base = d.view.load()
	d.buffered = nil
	d.mu.Unlock()

	fetched, err := d.fetcher.FetchConversations(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if seq != d.loadSeq {
		return nil, ErrLoadSuperseded
	}
	events, list := d.buffered, d.base
	d.base, d.buffered = nil, nil

	if err != nil {
		err = errors.Wrap(err, "load conversations")
		d.state, d.loadErr = LoadFailed, err
		d.log.Warn().Err(err).Int("buffered", len(events)).Msg("conversation snapshot failed")
		d.view.publish(sortConversations(d.replay(list, events)))
		return nil, err
	}

	list = make([]Conversation, 0, len(fetched))
	seen := make(map[string]struct{}, len(fetched))
	for _, c := range fetched {
		if _, dup := seen[c.ID]; dup || c.ID == "" {
			continue
		}
		seen[c.ID] = struct{}{}
		list = append(list, c)
	}
	list = sortConversations(d.replay(list, events))

	d.state = LoadLoaded
	d.view.publish(list)
	d.log.Debug().Int("conversations", len(list)).Msg("conversations loaded")
	return slices.Clone(list), nil
}

// ApplyConversationUpdate patches the fields present in u. Unknown
// conversations are ignored.
func (d *Directory) ApplyConversationUpdate(u ConversationUpdate) {
	d.apply(u)
}

// ApplyNewMessage moves the message into the conversation preview and
// counts it as unread when inbound. A message for an unknown conversation
// creates a placeholder entry.
func (d *Directory) ApplyNewMessage(ev NewMessage) {
	d.apply(ev)
}

// ApplyConversationRead resets the unread counter.
func (d *Directory) ApplyConversationRead(ev ConversationRead) {
	d.apply(ev)
}

func (d *Directory) apply(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == LoadLoading {
		d.buffered = append(d.buffered, ev)
		return
	}
	if next, changed := applyConversationEvent(d.view.load(), ev); changed {
		d.view.publish(sortConversations(next))
	}
}

func (d *Directory) replay(list []Conversation, events []Event) []Conversation {
	for _, ev := range events {
		list, _ = applyConversationEvent(list, ev)
	}
	return list
}

// applyConversationEvent never modifies list.
func applyConversationEvent(list []Conversation, ev Event) ([]Conversation, bool) {
	switch ev := ev.(type) {
	case ConversationUpdate:
		i := indexConversation(list, ev.ConversationID)
		if i < 0 {
			return list, false
		}
		next := slices.Clone(list)
		patchConversation(&next[i], ev)
		return next, true

	case NewMessage:
		preview := ev.Text()
		ts := ev.Timestamp
		unread := 0
		if ev.Direction == Inbound {
			unread = 1
		}

		i := indexConversation(list, ev.ConversationID)
		if i < 0 {
			return append(slices.Clone(list), Conversation{
				ID:              ev.ConversationID,
				Name:            placeholderName(ev.ConversationID),
				Phone:           ev.ConversationID,
				LastMessage:     &preview,
				LastMessageTime: &ts,
				UnreadCount:     unread,
				Source:          ev.Source,
			}), true
		}
		next := slices.Clone(list)
		next[i].LastMessage = &preview
		next[i].LastMessageTime = &ts
		next[i].UnreadCount += unread
		return next, true

	case ConversationRead:
		i := indexConversation(list, ev.ConversationID)
		if i < 0 || list[i].UnreadCount == 0 {
			return list, false
		}
		next := slices.Clone(list)
		next[i].UnreadCount = 0
		return next, true
	}
	return list, false
}

func patchConversation(c *Conversation, u ConversationUpdate) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
	if u.ProfilePictureURL != nil {
		c.ProfilePictureURL = u.ProfilePictureURL
	}
	if u.LastMessage != nil {
		c.LastMessage = u.LastMessage
	}
	if u.LastMessageTime != nil {
		c.LastMessageTime = u.LastMessageTime
	}
}

func indexConversation(list []Conversation, id string) int {
	return slices.IndexFunc(list, func(c Conversation) bool { return c.ID == id })
}

// sortConversations returns a sorted copy of list.
func sortConversations(list []Conversation) []Conversation {
	list = slices.Clone(list)
	slices.SortStableFunc(list, func(a, b Conversation) int {
		return compareRecency(a.LastMessageTime, b.LastMessageTime)
	})
	return list
}

// compareRecency orders newer times first and nil last.
func compareRecency(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return b.Compare(*a)
}
