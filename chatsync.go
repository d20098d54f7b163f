// Package chatsync keeps a local view of chat conversations in sync with a
// messaging backend that fronts Twilio and Whapi.
//
// It merges three sources: the REST snapshot, optimistic local sends and a
// live websocket event stream.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("https://chat.example.com"), chatsync.WithToken(tok))
//	conn := chatsync.NewConnectionManager(&chatsync.ConnectionConfig{URL: "https://chat.example.com", Token: tok})
//	sess := chatsync.NewSession(client, conn, chatsync.SessionConfig{Self: []string{"+15550001111"}})
//
//	sess.Start(ctx)
//	sess.OpenConversation(ctx, "5215512345678")
//	sess.Send(ctx, "Hola")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	// ConversationPageSize is the limit sent with the conversations request.
	ConversationPageSize = 200
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the backend's REST API. It implements MessageFetcher,
// MessageSender and ConversationFetcher.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	normalizer *Normalizer
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithClientNormalizer sets the normalizer used for message history, so
// that snapshot directions agree with the live stream.
func WithClientNormalizer(n *Normalizer) ClientOption {
	return func(c *Client) { c.normalizer = n }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.normalizer == nil {
		c.normalizer = NewNormalizer(nil)
	}
	c.log = c.log.With().Str("component", "client").Logger()
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s", method, path)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error   json.RawMessage `json:"error"`
			Code    string          `json:"code"`
			Message string          `json:"message"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Code, envelope.Message
			var nested APIError
			var text string
			if json.Unmarshal(envelope.Error, &text) == nil && text != "" {
				apiErr.Message = text
			} else if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
				apiErr.Code, apiErr.Message = nested.Code, nested.Message
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshal response")
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

type conversationsResponse struct {
	Conversations conversationSet `json:"conversations"`
	Legacy        conversationSet `json:"conversaciones"`
}

// conversationSet is the id-keyed conversations object, in response order.
type conversationSet []conversationEntry

type conversationEntry struct {
	id     string
	fields map[string]any
}

func (s *conversationSet) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.Errorf("conversations: expected object, got %v", tok)
	}

	out := conversationSet{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		id, _ := tok.(string)
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil {
			return errors.Wrapf(err, "conversation %s", id)
		}
		out = append(out, conversationEntry{id: id, fields: fields})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

// FetchConversations returns every conversation the backend knows about in
// the order the response lists them.
func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(ConversationPageSize))
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, q)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[conversationsResponse](data)
	if err != nil {
		return nil, err
	}

	raw := resp.Conversations
	if raw == nil {
		raw = resp.Legacy
	}
	out := make([]Conversation, 0, len(raw))
	for _, e := range raw {
		conv, err := NormalizeConversation(e.id, e.fields)
		if err != nil {
			c.log.Warn().Err(err).Str("conversation", e.id).Msg("skipping conversation")
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// MarkAsRead tells the backend the conversation has been viewed.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

type messagesResponse struct {
	Messages       []map[string]any `json:"messages"`
	Legacy         []map[string]any `json:"mensajes"`
	TwilioMessages []map[string]any `json:"twilio_messages"`
	WhapiMessages  []map[string]any `json:"whapi_messages"`
}

// FetchMessages returns the history of one conversation in response order.
// Provider-specific arrays are normalised and merged in; duplicate ids keep
// their first occurrence.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messagesResponse](data)
	if err != nil {
		return nil, err
	}

	canonical := resp.Messages
	if canonical == nil {
		canonical = resp.Legacy
	}
	groups := []struct {
		items []map[string]any
		src   Source
	}{
		{canonical, ""},
		{resp.TwilioMessages, SourceTwilio},
		{resp.WhapiMessages, SourceWhapi},
	}

	seen := make(map[string]struct{})
	var out []Message
	for _, g := range groups {
		for _, p := range g.items {
			if _, ok := p["conversation_id"]; !ok {
				p["conversation_id"] = conversationID
			}
			m, err := c.normalizer.NormalizeMessage(p, g.src)
			if err != nil {
				c.log.Warn().Err(err).Str("conversation", conversationID).Msg("skipping message")
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

// SendMessage asks the backend to deliver body, picking the provider
// automatically.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/messages", sendRequest{
		To:      conversationID,
		Message: body,
		Source:  "auto",
	}, nil)
	return err
}

// ============================================================================
// Push
// ============================================================================

// RegisterPushToken stores a device token for remote notifications.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("empty push token")
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/push-tokens", map[string]string{"token": token}, nil)
	return err
}
