package chatsync

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Subscription is returned by every On* registration. Unsubscribe removes
// the listener; calling it more than once is harmless.
type Subscription interface {
	Unsubscribe()
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }

// listeners is a registry of callbacks for one event kind. Callbacks run
// synchronously on the emitting goroutine, in registration order.
type listeners[T any] struct {
	mu    sync.RWMutex
	next  uint64
	order []uint64
	fns   map[uint64]func(T)
	log   *zerolog.Logger
	name  string
}

func newListeners[T any](name string, log *zerolog.Logger) *listeners[T] {
	return &listeners[T]{
		fns:  make(map[uint64]func(T)),
		log:  log,
		name: name,
	}
}

func (l *listeners[T]) add(fn func(T)) Subscription {
	l.mu.Lock()
	l.next++
	id := l.next
	l.fns[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return subscriptionFunc(func() {
		once.Do(func() { l.remove(id) })
	})
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fns, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		l.call(fn, v)
	}
}

func (l *listeners[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && l.log != nil {
			l.log.Error().Str("listener", l.name).Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn(v)
}

func (l *listeners[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// view is an immutable slice published with copy-on-write. Writers build a
// new slice and publish it; readers load it without locking.
type view[T any] struct {
	p       atomic.Pointer[[]T]
	changes *listeners[[]T]
}

func newView[T any](name string, log *zerolog.Logger) *view[T] {
	v := &view[T]{changes: newListeners[[]T](name, log)}
	v.p.Store(&[]T{})
	return v
}

// load returns the published slice. It must not be modified.
func (v *view[T]) load() []T {
	return *v.p.Load()
}

// snapshot returns a copy callers may keep.
func (v *view[T]) snapshot() []T {
	return slices.Clone(v.load())
}

func (v *view[T]) publish(s []T) {
	v.p.Store(&s)
	v.changes.emit(slices.Clone(s))
}
