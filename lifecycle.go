package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ConnectionController is the part of ConnectionManager the lifecycle
// trigger drives.
type ConnectionController interface {
	IsConnected() bool
	Connect(ctx context.Context)
}

// LifecycleTrigger reconnects when the app returns to the foreground or
// the network comes back. Both are assumed true until told otherwise.
type LifecycleTrigger struct {
	conn ConnectionController
	log  zerolog.Logger

	mu         sync.Mutex
	foreground bool
	online     bool
}

// NewLifecycleTrigger starts in the foreground and online.
func NewLifecycleTrigger(conn ConnectionController, opts ...Option) *LifecycleTrigger {
	o := newOptions("lifecycle", opts)
	return &LifecycleTrigger{
		conn:       conn,
		log:        o.log,
		foreground: true,
		online:     true,
	}
}

// Foreground reports the last observed app state.
func (l *LifecycleTrigger) Foreground() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.foreground
}

// Online reports the last observed connectivity.
func (l *LifecycleTrigger) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// SetForeground records an app state change and reconnects if it completes
// the foreground-and-online condition.
func (l *LifecycleTrigger) SetForeground(ctx context.Context, foreground bool) {
	l.update(ctx, func() { l.foreground = foreground })
}

// SetOnline records a connectivity change. See SetForeground.
func (l *LifecycleTrigger) SetOnline(ctx context.Context, online bool) {
	l.update(ctx, func() { l.online = online })
}

func (l *LifecycleTrigger) update(ctx context.Context, set func()) {
	l.mu.Lock()
	before := l.foreground && l.online
	set()
	after := l.foreground && l.online
	fg, online := l.foreground, l.online
	l.mu.Unlock()

	l.log.Debug().Bool("foreground", fg).Bool("online", online).Msg("lifecycle signal")
	if before || !after {
		return
	}
	if l.conn.IsConnected() {
		return
	}
	l.log.Info().Msg("resumed, reconnecting")
	l.conn.Connect(ctx)
}

// Run consumes app-state and connectivity signals until ctx is done or
// both channels are closed. A nil channel is never read.
func (l *LifecycleTrigger) Run(ctx context.Context, foreground, online <-chan bool) {
	for foreground != nil || online != nil {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-foreground:
			if !ok {
				foreground = nil
				continue
			}
			l.SetForeground(ctx, v)
		case v, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			l.SetOnline(ctx, v)
		}
	}
}
