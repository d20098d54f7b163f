package chatsync

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type options struct {
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time
	newID    func() string
	dialer   Dialer
	notifier Notifier
}

func newOptions(component string, opts []Option) *options {
	o := &options{
		log:   zerolog.Nop(),
		now:   time.Now,
		newID: func() string { return LocalIDPrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With().Str("component", component).Logger()
	return o
}

// Option configures the sync components (ConnectionManager, Normalizer,
// MessageEngine, Directory, LifecycleTrigger, Session). Options that do not
// apply to a component are ignored by it.
type Option func(*options)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides how optimistic message ids are minted. The
// generated ids must start with LocalIDPrefix.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithDialer replaces the websocket transport.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithNotifier sets the local-notification sink used by Session while the
// app is in the background.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}
