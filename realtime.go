package chatsync

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Wire names of stream events.
const (
	EventNewMessage          = "new_message"
	EventMessageStatus       = "message_status"
	EventMessageStatusUpdate = "message_status_update"
	EventConversationUpdated = "conversation_updated"
	EventConversationRead    = "conversation_read"

	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventTyping            = "typing"
)

// isKnownEvent reports whether name is a stream event this package handles,
// under its current or legacy wire name.
func isKnownEvent(name string) bool {
	switch name {
	case EventNewMessage, EventMessageStatus, EventConversationUpdated, EventConversationRead, EventTyping:
		return true
	}
	_, ok := legacyEvents[name]
	return ok
}

// RawEvent is the wire envelope of every frame on the stream.
type RawEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outboundEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// TypingPayload is the body of the typing control event.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ============================================================================
// Transport
// ============================================================================

// Transport is one established bidirectional stream. Close may be called
// concurrently with Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens Transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

type wsDialer struct {
	httpClient *http.Client
}

func (d wsDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	conn.SetReadLimit(1 << 20)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures the ConnectionManager.
type ConnectionConfig struct {
	// URL is the server base URL (http, https, ws or wss).
	URL       string
	Namespace string
	Token     string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	DialTimeout        time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration

	// TypingRate limits typing indicators per second; TypingBurst is the
	// bucket size.
	TypingRate  rate.Limit
	TypingBurst int

	HTTPClient *http.Client
}

func (c *ConnectionConfig) defaults() {
	if c.Namespace == "" {
		c.Namespace = "chat"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 10 * time.Second
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 20 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.TypingRate == 0 {
		c.TypingRate = 1
	}
	if c.TypingBurst == 0 {
		c.TypingBurst = 2
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Endpoint returns the websocket URL for the configured namespace.
func (c *ConnectionConfig) Endpoint() string {
	u := strings.TrimRight(c.URL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws/" + url.PathEscape(c.Namespace)
	if c.Token != "" {
		u += "?token=" + url.QueryEscape(c.Token)
	}
	return u
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Reconnect describes a scheduled retry.
type Reconnect struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
}

func newReconnector(config *ConnectionConfig) *reconnector {
	return &reconnector{
		baseDelay: config.ReconnectBaseDelay,
		maxDelay:  config.ReconnectMaxDelay,
	}
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single live event stream. It reconnects with
// capped exponential backoff until Disconnect is called.
//
// State listeners run synchronously on the goroutine making the transition
// and must not call Connect or Disconnect themselves.
type ConnectionManager struct {
	cfg     *ConnectionConfig
	dialer  Dialer
	log     zerolog.Logger
	metrics *Metrics
	typing  *rate.Limiter

	// emitMu serializes transitions so listeners observe them in order.
	emitMu sync.Mutex

	mu        sync.Mutex
	state     ConnState
	gen       uint64
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}

	stateListeners     *listeners[ConnState]
	eventListeners     *listeners[RawEvent]
	reconnectListeners *listeners[Reconnect]
}

// NewConnectionManager creates a disconnected manager. Call Connect to
// start streaming.
func NewConnectionManager(config *ConnectionConfig, opts ...Option) *ConnectionManager {
	cfg := *config
	cfg.defaults()
	o := newOptions("connection", opts)

	cm := &ConnectionManager{
		cfg:     &cfg,
		dialer:  o.dialer,
		log:     o.log,
		metrics: o.metrics,
		typing:  rate.NewLimiter(cfg.TypingRate, cfg.TypingBurst),
		state:   StateDisconnected,
	}
	if cm.dialer == nil {
		cm.dialer = wsDialer{httpClient: cfg.HTTPClient}
	}
	cm.stateListeners = newListeners[ConnState]("state", &cm.log)
	cm.eventListeners = newListeners[RawEvent]("event", &cm.log)
	cm.reconnectListeners = newListeners[Reconnect]("reconnect", &cm.log)
	return cm
}

// OnStateChange registers a listener for connection state transitions.
func (cm *ConnectionManager) OnStateChange(h func(ConnState)) Subscription {
	return cm.stateListeners.add(h)
}

// OnEvent registers a listener for every inbound envelope. Listeners are
// called in stream order from a single goroutine.
func (cm *ConnectionManager) OnEvent(h func(RawEvent)) Subscription {
	return cm.eventListeners.add(h)
}

// OnReconnecting registers a listener for scheduled retries.
func (cm *ConnectionManager) OnReconnecting(h func(Reconnect)) Subscription {
	return cm.reconnectListeners.add(h)
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected reports whether the stream is currently established.
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Connect starts establishing the stream in the background. It is a no-op
// while connecting or connected.
func (cm *ConnectionManager) Connect(ctx context.Context) {
	cm.emitMu.Lock()
	defer cm.emitMu.Unlock()

	cm.mu.Lock()
	if cm.state != StateDisconnected {
		cm.mu.Unlock()
		return
	}
	cm.gen++
	gen := cm.gen
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cm.cancel = cancel
	done := make(chan struct{})
	cm.done = done
	cm.state = StateConnecting
	cm.mu.Unlock()

	cm.emitLocked(StateConnecting)
	go cm.run(runCtx, gen, done)
}

// Disconnect tears down the stream and stops reconnecting.
func (cm *ConnectionManager) Disconnect() {
	cm.emitMu.Lock()
	defer cm.emitMu.Unlock()

	cm.mu.Lock()
	cm.gen++
	cancel := cm.cancel
	cm.cancel = nil
	t := cm.transport
	cm.transport = nil
	prev := cm.state
	cm.state = StateDisconnected
	cm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			cm.log.Debug().Err(err).Msg("close transport")
		}
	}
	if prev != StateDisconnected {
		cm.emitLocked(StateDisconnected)
	}
}

// Wait blocks until the background supervisor started by the last Connect
// has exited.
func (cm *ConnectionManager) Wait() {
	cm.mu.Lock()
	done := cm.done
	cm.mu.Unlock()
	if done != nil {
		<-done
	}
}

// JoinChannel scopes server-side delivery to a conversation. It is a no-op
// when not connected.
func (cm *ConnectionManager) JoinChannel(ctx context.Context, conversationID string) {
	cm.SendControlEvent(ctx, EventJoinConversation, conversationID)
}

// LeaveChannel undoes JoinChannel. It is a no-op when not connected.
func (cm *ConnectionManager) LeaveChannel(ctx context.Context, conversationID string) {
	cm.SendControlEvent(ctx, EventLeaveConversation, conversationID)
}

// SendTyping emits a typing indicator, dropping it when the typing rate is
// exceeded.
func (cm *ConnectionManager) SendTyping(ctx context.Context, conversationID string, isTyping bool) {
	if !cm.typing.Allow() {
		cm.log.Debug().Str("conversation", conversationID).Msg("typing indicator throttled")
		return
	}
	cm.SendControlEvent(ctx, EventTyping, TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

// SendControlEvent writes a fire-and-forget event. Nothing is queued when
// the stream is down.
func (cm *ConnectionManager) SendControlEvent(ctx context.Context, name string, payload any) {
	if err := cm.write(ctx, name, payload); err != nil {
		if errors.Is(err, ErrNotConnected) {
			cm.log.Debug().Str("event", name).Msg("control event skipped, not connected")
			return
		}
		cm.log.Warn().Err(err).Str("event", name).Msg("control event failed")
	}
}

func (cm *ConnectionManager) write(ctx context.Context, name string, payload any) error {
	cm.mu.Lock()
	t := cm.transport
	connected := cm.state == StateConnected
	cm.mu.Unlock()

	if !connected || t == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(outboundEvent{Event: name, Data: payload})
	if err != nil {
		return errors.Wrap(err, "marshal control event")
	}
	return t.Write(ctx, data)
}

// transition moves to state `to` on behalf of supervisor generation gen.
// It reports false when the supervisor has been superseded.
func (cm *ConnectionManager) transition(gen uint64, to ConnState) bool {
	cm.emitMu.Lock()
	defer cm.emitMu.Unlock()

	cm.mu.Lock()
	if gen != cm.gen {
		cm.mu.Unlock()
		return false
	}
	if cm.state == to {
		cm.mu.Unlock()
		return true
	}
	cm.state = to
	cm.mu.Unlock()

	cm.emitLocked(to)
	return true
}

// emitLocked requires emitMu.
func (cm *ConnectionManager) emitLocked(s ConnState) {
	cm.metrics.stateTransition(s)
	cm.log.Info().Str("state", string(s)).Msg("connection state changed")
	cm.stateListeners.emit(s)
}

func (cm *ConnectionManager) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	recon := newReconnector(cm.cfg)

	for {
		t, err := cm.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !cm.backoff(ctx, recon, err) {
				return
			}
			continue
		}

		cm.mu.Lock()
		if gen != cm.gen {
			cm.mu.Unlock()
			_ = t.Close()
			return
		}
		cm.transport = t
		cm.mu.Unlock()

		recon.reset()
		if !cm.transition(gen, StateConnected) {
			_ = t.Close()
			return
		}

		err = cm.serve(ctx, t)

		cm.mu.Lock()
		if cm.transport == t {
			cm.transport = nil
		}
		cm.mu.Unlock()
		_ = t.Close()

		if ctx.Err() != nil {
			return
		}
		cm.log.Warn().Err(err).Msg("connection lost")
		if !cm.transition(gen, StateDisconnected) || !cm.transition(gen, StateConnecting) {
			return
		}
		if !cm.backoff(ctx, recon, err) {
			return
		}
	}
}

func (cm *ConnectionManager) dial(ctx context.Context) (Transport, error) {
	cm.metrics.connectAttempt()
	dctx, cancel := context.WithTimeout(ctx, cm.cfg.DialTimeout)
	defer cancel()
	return cm.dialer.Dial(dctx, cm.cfg.Endpoint())
}

// backoff sleeps before the next dial. It reports false if ctx ended first.
func (cm *ConnectionManager) backoff(ctx context.Context, recon *reconnector, cause error) bool {
	delay := recon.nextDelay()
	cm.log.Warn().Err(cause).Int("attempt", recon.attempt).Dur("retry_in", delay).Msg("reconnecting")
	cm.reconnectListeners.emit(Reconnect{Attempt: recon.attempt, Delay: delay, Err: cause})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (cm *ConnectionManager) serve(ctx context.Context, t Transport) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cm.heartbeatLoop(sctx, t)

	for {
		data, err := t.Read(sctx)
		if err != nil {
			return err
		}

		var env RawEvent
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			cm.metrics.eventDropped("envelope")
			cm.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		cm.metrics.eventReceived(env.Event)
		cm.eventListeners.emit(env)
	}
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, t Transport) {
	ticker := time.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, cm.cfg.HeartbeatTimeout)
			err := t.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					cm.log.Warn().Err(err).Msg("heartbeat failed, closing transport")
					_ = t.Close()
				}
				return
			}
		}
	}
}
