package twin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Wire shapes for the admin inbound endpoint.
const (
	ShapeCanonical = "canonical"
	ShapeTwilio    = "twilio"
	ShapeWhapi     = "whapi"
)

// Config configures a Server.
type Config struct {
	// Token, when set, must be presented as a bearer token on REST calls
	// and as ?token= on the stream.
	Token string
	// Self is the account's own number, used as "from" on Twilio echoes.
	Self string
	// Legacy emits the older event names (nuevo_mensaje, ...).
	Legacy bool
	Log    zerolog.Logger
	Now    func() time.Time
}

// Server is the fake backend.
type Server struct {
	cfg    Config
	store  *Store
	hub    *Hub
	log    zerolog.Logger
	router chi.Router

	failSends atomic.Bool
}

// New creates a Server with an empty store.
func New(cfg Config) *Server {
	s := &Server{
		cfg:   cfg,
		store: NewStore(cfg.Now),
		log:   cfg.Log.With().Str("component", "twin").Logger(),
	}
	s.hub = NewHub(s.log)
	s.router = s.routes()
	return s
}

func (s *Server) Store() *Store { return s.store }
func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// FailSends makes POST /api/messages answer 502 while on.
func (s *Server) FailSends(on bool) {
	s.failSends.Store(on)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{id}/messages", s.listMessages)
		r.Post("/conversations/{id}/read", s.markRead)
		r.Post("/messages", s.sendMessage)
		r.Post("/push-tokens", s.registerPushToken)
	})

	r.Get("/ws/{namespace}", s.stream)

	// Admin hooks (no auth) simulate provider traffic.
	r.Route("/admin", func(r chi.Router) {
		r.Post("/inbound", s.adminInbound)
		r.Post("/status", s.adminStatus)
		r.Post("/conversations/{id}", s.adminPatchConversation)
		r.Post("/disconnect", s.adminDisconnect)
		r.Post("/fail-sends", s.adminFailSends)
		r.Post("/reset", s.adminReset)
		r.Get("/push-tokens", s.adminPushTokens)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("took", time.Since(start)).Msg("request")
	})
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// REST
// ============================================================================

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	views := s.store.Conversations(limit)
	out := make(map[string]ConversationView, len(views))
	for _, v := range views {
		out[v.ID] = v
	}
	key := "conversations"
	if s.cfg.Legacy {
		key = "conversaciones"
	}
	writeJSON(w, http.StatusOK, map[string]any{key: out})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, ok := s.store.Messages(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "conversation "+id+" not found")
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.MarkRead(id) {
		writeError(w, http.StatusNotFound, "not_found", "conversation "+id+" not found")
		return
	}
	s.hub.Broadcast(s.eventName("conversation_read"), map[string]string{"conversation_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "to and message are required")
		return
	}
	if s.failSends.Load() {
		writeError(w, http.StatusBadGateway, "provider_error", "provider rejected the message")
		return
	}

	body := req.Message
	m := Message{
		ID:             s.store.NextID(),
		ConversationID: req.To,
		Direction:      "outbound",
		Body:           &body,
		Timestamp:      s.store.Now(),
		Status:         "sent",
		Source:         ShapeTwilio,
	}
	s.store.AddMessage(m)
	s.hub.Broadcast(s.eventName("new_message"), m)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": m})
}

func (s *Server) registerPushToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "token is required")
		return
	}
	s.store.AddPushToken(req.Token)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" && r.URL.Query().Get("token") != s.cfg.Token {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}
	s.hub.Serve(w, r)
}

// ============================================================================
// Admin
// ============================================================================

// InboundRequest simulates a provider delivering a message to the account.
type InboundRequest struct {
	From     string `json:"from"`
	Body     string `json:"body"`
	MediaURL string `json:"media_url,omitempty"`
	Shape    string `json:"shape,omitempty"`
}

func (s *Server) adminInbound(w http.ResponseWriter, r *http.Request) {
	var req InboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "from is required")
		return
	}
	m := s.Inbound(req)
	writeJSON(w, http.StatusOK, m)
}

// Inbound stores an inbound message and broadcasts it in the requested
// wire shape.
func (s *Server) Inbound(req InboundRequest) Message {
	from := strings.TrimPrefix(req.From, "+")
	m := Message{
		ID:             s.store.NextID(),
		ConversationID: from,
		Direction:      "inbound",
		Timestamp:      s.store.Now(),
		MediaURL:       req.MediaURL,
	}
	if req.Shape == ShapeTwilio || req.Shape == ShapeWhapi {
		m.Source = req.Shape
	}
	if req.Body != "" {
		body := req.Body
		m.Body = &body
	}
	s.store.AddMessage(m)
	s.hub.Broadcast(s.eventName("new_message"), s.shape(m, req.Shape))
	return m
}

func (s *Server) shape(m Message, shape string) any {
	switch shape {
	case ShapeTwilio:
		out := map[string]any{
			"sid":       m.ID,
			"from":      "whatsapp:+" + m.ConversationID,
			"to":        "whatsapp:" + s.cfg.Self,
			"direction": "inbound",
			"date_sent": m.Timestamp.Format(time.RFC1123Z),
			"status":    "received",
			"body":      m.Body,
		}
		if m.MediaURL != "" {
			out["media_url"] = m.MediaURL
		}
		return out
	case ShapeWhapi:
		out := map[string]any{
			"id":        m.ID,
			"from_me":   false,
			"chat_id":   m.ConversationID + "@s.whatsapp.net",
			"from":      m.ConversationID,
			"timestamp": m.Timestamp.Unix(),
		}
		if m.Body != nil {
			out["text"] = map[string]any{"body": *m.Body}
		}
		return out
	}
	return m
}

func (s *Server) adminStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message_id and status are required")
		return
	}
	if !s.store.SetStatus(req.MessageID, req.Status) {
		writeError(w, http.StatusNotFound, "not_found", "message "+req.MessageID+" not found")
		return
	}
	s.hub.Broadcast(s.eventName("message_status"), req)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) adminPatchConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch Conversation
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	c, ok := s.store.Patch(id, patch)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "conversation "+id+" not found")
		return
	}
	update := map[string]any{"conversation_id": id}
	if patch.Name != "" {
		update["nombre"] = patch.Name
	}
	if patch.Phone != "" {
		update["numero"] = patch.Phone
	}
	if patch.ProfilePicture != "" {
		update["profile_picture"] = patch.ProfilePicture
	}
	s.hub.Broadcast(s.eventName("conversation_updated"), update)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) adminDisconnect(w http.ResponseWriter, r *http.Request) {
	n := s.hub.DisconnectAll()
	writeJSON(w, http.StatusOK, map[string]any{"disconnected": n})
}

func (s *Server) adminFailSends(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	s.FailSends(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"fail_sends": req.Enabled})
}

func (s *Server) adminReset(w http.ResponseWriter, r *http.Request) {
	s.store.Reset()
	s.FailSends(false)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) adminPushTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tokens": s.store.PushTokens()})
}

var legacyNames = map[string]string{
	"new_message":          "nuevo_mensaje",
	"message_status":       "mensaje_actualizado",
	"conversation_updated": "conversacion_actualizada",
	"conversation_read":    "conversacion_leida",
}

func (s *Server) eventName(name string) string {
	if s.cfg.Legacy {
		return legacyNames[name]
	}
	return name
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message})
}
