package chatsync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []RawEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, errTransportClosed
	case b := <-t.in:
		return b, nil
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	var ev RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	t.mu.Lock()
	t.written = append(t.written, ev)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Ping(context.Context) error { return nil }

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// push queues an inbound envelope.
func (t *fakeTransport) push(event string, data any) {
	payload, _ := json.Marshal(data)
	frame, _ := json.Marshal(RawEvent{Event: event, Data: payload})
	t.in <- frame
}

func (t *fakeTransport) writes() []RawEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RawEvent(nil), t.written...)
}

// fakeDialer fails the first `fail` dials, then hands out fresh transports.
type fakeDialer struct {
	mu         sync.Mutex
	fail       int
	attempts   int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.fail {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// stubBackend is an in-process Backend. gate, when set, blocks fetches
// until closed.
type stubBackend struct {
	mu            sync.Mutex
	conversations []Conversation
	messages      map[string][]Message
	fetchErr      error
	sendErr       error
	gate          chan struct{}
	sent          []string
	read          []string
	pushTokens    []string
}

func (b *stubBackend) wait(ctx context.Context) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *stubBackend) FetchConversations(ctx context.Context) ([]Conversation, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return append([]Conversation(nil), b.conversations...), nil
}

func (b *stubBackend) FetchMessages(ctx context.Context, id string) ([]Message, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return append([]Message(nil), b.messages[id]...), nil
}

func (b *stubBackend) SendMessage(_ context.Context, id, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, id+":"+body)
	return b.sendErr
}

func (b *stubBackend) MarkAsRead(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = append(b.read, id)
	return nil
}

func (b *stubBackend) RegisterPushToken(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushTokens = append(b.pushTokens, token)
	return nil
}

// fixedClock returns a controllable clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequentialIDs mints local-1, local-2, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return LocalIDPrefix + strconv.Itoa(n)
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
