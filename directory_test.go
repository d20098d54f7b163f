package chatsync

import (
	"context"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func loadedDirectory(t *testing.T, convs ...Conversation) *Directory {
	t.Helper()
	d := NewDirectory(&stubBackend{conversations: convs})
	_, err := d.LoadSnapshot(context.Background())
	require.NoError(t, err)
	return d
}

func convIDs(convs []Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func requireSorted(t *testing.T, convs []Conversation) {
	t.Helper()
	seenNil := false
	for i, c := range convs {
		if c.LastMessageTime == nil {
			seenNil = true
			continue
		}
		require.False(t, seenNil, "conversation %s with a time sorts after one without", c.ID)
		if i > 0 && convs[i-1].LastMessageTime != nil {
			require.False(t, c.LastMessageTime.After(*convs[i-1].LastMessageTime), "not descending at %d", i)
		}
	}
}

func TestDirectoryLoadSortsDescendingWithNilLast(t *testing.T) {
	d := loadedDirectory(t,
		Conversation{ID: "old", LastMessageTime: timePtr(t0)},
		Conversation{ID: "none"},
		Conversation{ID: "new", LastMessageTime: timePtr(t0.Add(time.Hour))},
	)

	require.Equal(t, []string{"new", "old", "none"}, convIDs(d.Conversations()))
}

func TestDirectoryTiesKeepResponseOrderAcrossLoads(t *testing.T) {
	client, _ := newTestAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/conversations": reply(200, `{"conversations":{
			"e5":{"last_message_time":"2024-05-01T12:00:00Z"},
			"a1":{},"f6":{},"c3":{},
			"b2":{"last_message_time":"2024-05-01T12:00:00Z"},
			"d4":{}
		}}`),
	})
	d := NewDirectory(client)

	for i := 0; i < 30; i++ {
		convs, err := d.LoadSnapshot(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"e5", "b2", "a1", "f6", "c3", "d4"}, convIDs(convs))
	}
}

func TestDirectorySparseMerge(t *testing.T) {
	d := loadedDirectory(t, Conversation{
		ID: "c1", Name: "Ana", Phone: "521", LastMessage: strPtr("hi"), LastMessageTime: timePtr(t0), UnreadCount: 2,
	})

	d.ApplyConversationUpdate(ConversationUpdate{ConversationID: "c1", Name: strPtr("Ana María")})

	c, ok := d.Get("c1")
	require.True(t, ok)
	require.Equal(t, "Ana María", c.Name)
	require.Equal(t, "521", c.Phone)
	require.Equal(t, "hi", *c.LastMessage)
	require.Equal(t, t0, *c.LastMessageTime)
	require.Equal(t, 2, c.UnreadCount)
}

func TestDirectoryUpdateForUnknownConversationIsIgnored(t *testing.T) {
	d := loadedDirectory(t, Conversation{ID: "c1"})

	d.ApplyConversationUpdate(ConversationUpdate{ConversationID: "c9", Name: strPtr("ghost")})

	require.Equal(t, []string{"c1"}, convIDs(d.Conversations()))
}

func TestDirectoryUnreadAccounting(t *testing.T) {
	d := loadedDirectory(t, Conversation{ID: "c1", UnreadCount: 1})

	d.ApplyNewMessage(inbound("m1", "c1", "one", t0))
	d.ApplyNewMessage(inbound("m2", "c1", "two", t0.Add(time.Second)))
	d.ApplyNewMessage(NewMessage{Message: Message{ID: "m3", ConversationID: "c1", Direction: Outbound, Body: strPtr("reply"), Timestamp: t0.Add(2 * time.Second)}})

	c, _ := d.Get("c1")
	require.Equal(t, 3, c.UnreadCount)
	require.Equal(t, "reply", *c.LastMessage)

	d.ApplyConversationRead(ConversationRead{ConversationID: "c1"})
	c, _ = d.Get("c1")
	require.Equal(t, 0, c.UnreadCount)
}

func TestDirectorySynthesizesUnknownConversation(t *testing.T) {
	d := loadedDirectory(t)

	d.ApplyNewMessage(NewMessage{Message: Message{ID: "m1", ConversationID: "5215512345678", Direction: Inbound, Timestamp: t0}})

	c, ok := d.Get("5215512345678")
	require.True(t, ok)
	require.Equal(t, "User 5678", c.Name)
	require.Equal(t, "5215512345678", c.Phone)
	require.Equal(t, 1, c.UnreadCount)
	require.Equal(t, "(media)", *c.LastMessage)

	d.ApplyNewMessage(NewMessage{Message: Message{ID: "m2", ConversationID: "99", Direction: Outbound, Body: strPtr("hey"), Timestamp: t0}})
	c, _ = d.Get("99")
	require.Equal(t, 0, c.UnreadCount)
	require.Equal(t, "User 99", c.Name)
}

func TestDirectoryReadForUnknownConversationIsIgnored(t *testing.T) {
	d := loadedDirectory(t, Conversation{ID: "c1", UnreadCount: 4})
	d.ApplyConversationRead(ConversationRead{ConversationID: "c2"})

	c, _ := d.Get("c1")
	require.Equal(t, 4, c.UnreadCount)
	require.Len(t, d.Conversations(), 1)
}

func TestDirectorySortInvariantAfterMutations(t *testing.T) {
	d := loadedDirectory(t,
		Conversation{ID: "a", LastMessageTime: timePtr(t0)},
		Conversation{ID: "b"},
		Conversation{ID: "c", LastMessageTime: timePtr(t0.Add(-time.Hour))},
	)
	rng := rand.New(rand.NewSource(7))
	ids := []string{"a", "b", "c", "d", "e"}

	for i := 0; i < 200; i++ {
		id := ids[rng.Intn(len(ids))]
		ts := t0.Add(time.Duration(rng.Intn(7200)-3600) * time.Second)
		switch rng.Intn(3) {
		case 0:
			d.ApplyNewMessage(inbound("m", id, "x", ts))
		case 1:
			d.ApplyConversationUpdate(ConversationUpdate{ConversationID: id, LastMessageTime: &ts})
		case 2:
			d.ApplyConversationRead(ConversationRead{ConversationID: id})
		}
		requireSorted(t, d.Conversations())
	}
}

func TestDirectoryEventsDuringLoadAreApplied(t *testing.T) {
	gate := make(chan struct{})
	b := &stubBackend{gate: gate, conversations: []Conversation{{ID: "c1", UnreadCount: 0, LastMessageTime: timePtr(t0)}}}
	d := NewDirectory(b)

	done := make(chan error, 1)
	go func() {
		_, err := d.LoadSnapshot(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool {
		s, _ := d.LoadState()
		return s == LoadLoading
	}, time.Second, time.Millisecond)

	d.ApplyNewMessage(inbound("m1", "c1", "live", t0.Add(time.Minute)))
	close(gate)
	require.NoError(t, <-done)

	c, ok := d.Get("c1")
	require.True(t, ok)
	require.Equal(t, 1, c.UnreadCount)
	require.Equal(t, "live", *c.LastMessage)
}

func TestDirectoryOnChange(t *testing.T) {
	d := loadedDirectory(t, Conversation{ID: "c1"})
	var got [][]Conversation
	sub := d.OnChange(func(c []Conversation) { got = append(got, c) })

	d.ApplyNewMessage(inbound("m1", "c1", "hi", t0))
	sub.Unsubscribe()
	d.ApplyNewMessage(inbound("m2", "c1", "again", t0))

	require.Len(t, got, 1)
	require.Equal(t, 1, got[0][0].UnreadCount)
}
