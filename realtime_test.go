package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(s ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnState(nil), r.states...)
}

func (r *stateRecorder) count(s ConnState) int {
	n := 0
	for _, got := range r.all() {
		if got == s {
			n++
		}
	}
	return n
}

func fastConfig() *ConnectionConfig {
	return &ConnectionConfig{
		URL:                "http://localhost:8080",
		Token:              "tok",
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		DialTimeout:        time.Second,
		HeartbeatInterval:  time.Hour,
	}
}

func newTestManager(t *testing.T, d *fakeDialer, opts ...Option) (*ConnectionManager, *stateRecorder) {
	t.Helper()
	cm := NewConnectionManager(fastConfig(), append([]Option{WithDialer(d)}, opts...)...)
	rec := &stateRecorder{}
	cm.OnStateChange(rec.record)
	t.Cleanup(func() {
		cm.Disconnect()
		cm.Wait()
	})
	return cm, rec
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		cfg  ConnectionConfig
		want string
	}{
		{ConnectionConfig{URL: "http://localhost:8080/", Namespace: "chat"}, "ws://localhost:8080/ws/chat"},
		{ConnectionConfig{URL: "https://api.example.com", Namespace: "chat", Token: "a b"}, "wss://api.example.com/ws/chat?token=a+b"},
		{ConnectionConfig{URL: "wss://api.example.com", Namespace: "ops"}, "wss://api.example.com/ws/ops"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.cfg.Endpoint())
	}
}

func TestReconnectorBackoffIsCapped(t *testing.T) {
	r := newReconnector(&ConnectionConfig{ReconnectBaseDelay: 2 * time.Second, ReconnectMaxDelay: 10 * time.Second})

	first := r.nextDelay()
	require.GreaterOrEqual(t, first, 2*time.Second)
	require.Less(t, first, 3*time.Second)

	for i := 0; i < 10; i++ {
		require.LessOrEqual(t, r.nextDelay(), 10*time.Second)
	}
	require.Equal(t, 10*time.Second, r.nextDelay())

	r.reset()
	require.Less(t, r.nextDelay(), 3*time.Second)
}

func TestConnectRetriesUntilConnected(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := &fakeDialer{fail: 3}
	cm, rec := newTestManager(t, d, WithMetrics(metrics))

	var retries []Reconnect
	var mu sync.Mutex
	cm.OnReconnecting(func(r Reconnect) {
		mu.Lock()
		retries = append(retries, r)
		mu.Unlock()
	})

	cm.Connect(context.Background())
	require.Eventually(t, cm.IsConnected, time.Second, time.Millisecond)

	require.Equal(t, 4, d.attemptCount())
	require.Equal(t, []ConnState{StateConnecting, StateConnected}, rec.all())
	mu.Lock()
	require.Len(t, retries, 3)
	require.Equal(t, 3, retries[2].Attempt)
	mu.Unlock()
	require.Equal(t, 4.0, testutil.ToFloat64(metrics.ConnectAttempts))
}

func TestConnectIsNoopWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	cm, rec := newTestManager(t, d)

	cm.Connect(context.Background())
	require.Eventually(t, cm.IsConnected, time.Second, time.Millisecond)
	cm.Connect(context.Background())

	require.Equal(t, 1, d.attemptCount())
	require.Equal(t, 1, rec.count(StateConnecting))
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	d := &fakeDialer{}
	cm, rec := newTestManager(t, d)

	cm.Connect(context.Background())
	require.Eventually(t, cm.IsConnected, time.Second, time.Millisecond)

	cm.Disconnect()
	cm.Wait()
	time.Sleep(30 * time.Millisecond)

	require.Equal(t, StateDisconnected, cm.State())
	require.Equal(t, 1, d.attemptCount())
	require.Equal(t, []ConnState{StateConnecting, StateConnected, StateDisconnected}, rec.all())
}

func TestDroppedStreamReconnects(t *testing.T) {
	d := &fakeDialer{}
	cm, rec := newTestManager(t, d)

	cm.Connect(context.Background())
	require.Eventually(t, cm.IsConnected, time.Second, time.Millisecond)

	d.last().Close()
	require.Eventually(t, func() bool { return rec.count(StateConnected) == 2 }, time.Second, time.Millisecond)

	require.Equal(t, []ConnState{
		StateConnecting, StateConnected,
		StateDisconnected, StateConnecting, StateConnected,
	}, rec.all())
	require.Equal(t, 2, d.attemptCount())
}

func TestEventsAreDispatchedInOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := &fakeDialer{}
	cm, _ := newTestManager(t, d, WithMetrics(metrics))

	var mu sync.Mutex
	var got []string
	cm.OnEvent(func(ev RawEvent) {
		mu.Lock()
		got = append(got, ev.Event)
		mu.Unlock()
	})

	cm.Connect(context.Background())
	require.Eventually(t, cm.IsConnected, time.Second, time.Millisecond)

	tr := d.last()
	tr.push("new_message", map[string]any{"id": "1"})
	tr.in <- []byte("not json")
	tr.in <- []byte(`{"data":{}}`)
	tr.push("message_status", map[string]any{"id": "1"})
	tr.push("conversation_read", "c1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"new_message", "message_status", "conversation_read"}, got)
	mu.Unlock()
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("envelope")))
}

func TestReceivedEventLabelsAreBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := &fakeDialer{}
	cm, _ := newTestManager(t, d, WithMetrics(metrics))

	cm.Connect(context.Background())
	require.Eventually(t, cm.IsConnected, time.Second, time.Millisecond)

	tr := d.last()
	tr.push("new_message", map[string]any{"id": "1"})
	tr.push("nuevo_mensaje", map[string]any{"id": "2"})
	tr.push("presence-8f2c", map[string]any{})
	tr.push("presence-91aa", map[string]any{})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.EventsReceived.WithLabelValues("unknown")) == 2
	}, time.Second, time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsReceived.WithLabelValues("new_message")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsReceived.WithLabelValues("nuevo_mensaje")))
	require.Equal(t, 3, testutil.CollectAndCount(metrics.EventsReceived))
}

func TestControlEventsRequireConnection(t *testing.T) {
	d := &fakeDialer{}
	cm, _ := newTestManager(t, d)

	cm.JoinChannel(context.Background(), "c0")
	require.Equal(t, 0, d.attemptCount())

	cm.Connect(context.Background())
	require.Eventually(t, cm.IsConnected, time.Second, time.Millisecond)

	cm.JoinChannel(context.Background(), "c1")
	cm.LeaveChannel(context.Background(), "c1")

	writes := d.last().writes()
	require.Len(t, writes, 2)
	require.Equal(t, EventJoinConversation, writes[0].Event)
	require.JSONEq(t, `"c1"`, string(writes[0].Data))
	require.Equal(t, EventLeaveConversation, writes[1].Event)
}

func TestTypingIsThrottled(t *testing.T) {
	d := &fakeDialer{}
	cm, _ := newTestManager(t, d)

	cm.Connect(context.Background())
	require.Eventually(t, cm.IsConnected, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		cm.SendTyping(context.Background(), "c1", true)
	}

	writes := d.last().writes()
	require.Len(t, writes, 2)
	require.Equal(t, EventTyping, writes[0].Event)
	require.JSONEq(t, `{"conversation_id":"c1","is_typing":true}`, string(writes[0].Data))
}
