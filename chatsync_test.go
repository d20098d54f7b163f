package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

// newTestAPI serves canned bodies by "METHOD /path" and records requests.
func newTestAPI(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*Client, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
		}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			require.NoError(t, json.Unmarshal(b, &rec.body))
		}
		reqs = append(reqs, rec)

		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(
		WithBaseURL(srv.URL+"/"),
		WithToken("secret"),
		WithClientNormalizer(NewNormalizer([]string{"whatsapp:+15550001111"})),
	)
	return c, &reqs
}

func reply(status int, body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestFetchConversations(t *testing.T) {
	c, reqs := newTestAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/conversations": reply(200, `{"conversations":{
			"5215512345678":{"name":"Ana","phone":"+5215512345678","unread_count":2,"last_message":"hi","last_message_time":"2024-05-01T12:00:00Z"},
			"5215599990000":{"nombre":null,"message_count":"1"}
		}}`),
	})

	convs, err := c.FetchConversations(context.Background())
	require.NoError(t, err)

	require.Len(t, convs, 2)
	require.Equal(t, "Ana", convs[0].Name)
	require.Equal(t, 2, convs[0].UnreadCount)
	require.Equal(t, t0, *convs[0].LastMessageTime)
	require.Equal(t, "User 0000", convs[1].Name)
	require.Equal(t, "5215599990000", convs[1].Phone)
	require.Equal(t, 1, convs[1].UnreadCount)
	require.Nil(t, convs[1].LastMessageTime)

	require.Equal(t, "limit=200", (*reqs)[0].query)
	require.Equal(t, "Bearer secret", (*reqs)[0].auth)
}

func TestFetchConversationsLegacyKey(t *testing.T) {
	c, _ := newTestAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/conversations": reply(200, `{"conversaciones":{"c1":{"nombre":"Luis","numero":"521"}}}`),
	})

	convs, err := c.FetchConversations(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Conversation{{ID: "c1", Name: "Luis", Phone: "521"}}, convs)
}

func TestFetchConversationsKeepsResponseOrder(t *testing.T) {
	c, _ := newTestAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/conversations": reply(200, `{"conversations":{"f6":{},"a1":{},"d4":{"name":"D"},"b2":null,"e5":{},"c3":{}}}`),
	})

	for i := 0; i < 20; i++ {
		convs, err := c.FetchConversations(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"f6", "a1", "d4", "b2", "e5", "c3"}, convIDs(convs))
	}
}

func TestFetchConversationsRejectsNonObject(t *testing.T) {
	c, _ := newTestAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/conversations": reply(200, `{"conversations":["c1"]}`),
	})

	_, err := c.FetchConversations(context.Background())
	require.ErrorContains(t, err, "expected object")
}

func TestFetchMessagesMergesProviderArrays(t *testing.T) {
	c, _ := newTestAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/conversations/5215512345678/messages": reply(200, `{
			"messages":[{"id":"m1","direction":"inbound","body":"hola","timestamp":"2024-05-01T12:00:00Z"}],
			"twilio_messages":[
				{"sid":"SM1","from":"whatsapp:+15550001111","to":"whatsapp:+5215512345678","direction":"outbound-api","status":"delivered","body":"hey","date_sent":"Wed, 01 May 2024 12:00:05 +0000"},
				{"sid":"m1","body":"dup"}
			],
			"whapi_messages":[{"id":"wa1","from_me":false,"chat_id":"5215512345678@s.whatsapp.net","timestamp":1714564810,"text":{"body":"yo"}},{"from_me":true}]
		}`),
	})

	msgs, err := c.FetchMessages(context.Background(), "5215512345678")
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "SM1", "wa1"}, ids(msgs))

	require.Equal(t, "5215512345678", msgs[0].ConversationID)
	require.Equal(t, "hola", *msgs[0].Body)
	require.Equal(t, Outbound, msgs[1].Direction)
	require.Equal(t, StatusDelivered, msgs[1].Status)
	require.Equal(t, SourceTwilio, msgs[1].Source)
	require.Equal(t, Inbound, msgs[2].Direction)
	require.Equal(t, SourceWhapi, msgs[2].Source)
	require.Equal(t, "yo", *msgs[2].Body)
}

func TestFetchMessagesLegacyKey(t *testing.T) {
	c, _ := newTestAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/conversations/c1/messages": reply(200, `{"mensajes":[{"id":"m1","body":"hola","timestamp":1714564800}]}`),
	})

	msgs, err := c.FetchMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "c1", msgs[0].ConversationID)
	require.Equal(t, Inbound, msgs[0].Direction)
}

func TestSendMessage(t *testing.T) {
	c, reqs := newTestAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/messages": reply(200, `{"success":true}`),
	})

	require.NoError(t, c.SendMessage(context.Background(), "5215512345678", "Hola"))
	require.Equal(t, map[string]any{"to": "5215512345678", "message": "Hola", "source": "auto"}, (*reqs)[0].body)
}

func TestMarkAsReadAndPushToken(t *testing.T) {
	c, reqs := newTestAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/conversations/c1/read": reply(200, `{}`),
		"POST /api/push-tokens":           reply(201, `{}`),
	})

	require.NoError(t, c.MarkAsRead(context.Background(), "c1"))
	require.NoError(t, c.RegisterPushToken(context.Background(), "ExponentPushToken[abc]"))
	require.Error(t, c.RegisterPushToken(context.Background(), ""))

	require.Len(t, *reqs, 2)
	require.Equal(t, map[string]any{"token": "ExponentPushToken[abc]"}, (*reqs)[1].body)
}

func TestAPIErrorDecoding(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"flat", 401, `{"code":"UNAUTHORIZED","message":"bad token"}`, "UNAUTHORIZED", "bad token"},
		{"nested object", 502, `{"success":false,"error":{"code":"PROVIDER","message":"twilio down"}}`, "PROVIDER", "twilio down"},
		{"nested string", 400, `{"error":"missing to"}`, "", "missing to"},
		{"null error", 500, `{"error":null}`, "", "Internal Server Error"},
		{"not json", 503, `upstream timeout`, "", "Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestAPI(t, map[string]func(http.ResponseWriter){
				"POST /api/messages": reply(tt.status, tt.body),
			})

			err := c.SendMessage(context.Background(), "c1", "x")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tt.status, apiErr.StatusCode)
			require.Equal(t, tt.wantCode, apiErr.Code)
			require.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}
