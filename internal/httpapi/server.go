package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/forgeplan/relay/internal/config"
	"github.com/forgeplan/relay/internal/coordinator"
	"github.com/forgeplan/relay/internal/observability"
	"github.com/forgeplan/relay/internal/protocol"
	"github.com/forgeplan/relay/internal/registry"
	"github.com/forgeplan/relay/internal/session"
)

// TurnRunner executes one conversation turn end to end.
type TurnRunner interface {
	SubmitMessage(ctx context.Context, connID, conversationID string, key session.Key, text string) error
}

const sendQueueSize = 256

type Server struct {
	cfg      config.Config
	store    session.Store
	registry *registry.Registry
	runner   TurnRunner
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store session.Store, reg *registry.Registry, runner TurnRunner, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		registry: reg,
		runner:   runner,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened
				// up. Non-browser clients omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/apps/{app}/users/{clientID}/sessions/{sessionID}", s.handleCreateSession)
	r.Get("/apps/{app}/users/{clientID}/sessions/{sessionID}", s.handleGetSession)
	r.Get("/apps/{app}/users/{clientID}/sessions/{sessionID}/events", s.handleListSessionEvents)

	r.Get("/v1/conversations/ws", s.handleConversationWS)

	r.Get("/v1/admin/connections", s.handleAdminConnections)
	r.Get("/v1/admin/connections/{clientID}", s.handleAdminClientConnections)
	r.Post("/v1/admin/sweep", s.handleAdminSweep)
	r.Get("/v1/admin/perf", s.handleAdminPerf)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"store_mode":    s.storeMode(),
		"auth_disabled": s.cfg.AuthDisabled,
	})
}

type createSessionRequest struct {
	State *session.State `json:"state,omitempty"`
}

func (s *Server) sessionKey(r *http.Request) (session.Key, bool) {
	key := session.Key{
		AppScope:  strings.TrimSpace(chi.URLParam(r, "app")),
		ClientID:  strings.TrimSpace(chi.URLParam(r, "clientID")),
		SessionID: strings.TrimSpace(chi.URLParam(r, "sessionID")),
	}
	return key, key.AppScope != "" && key.ClientID != "" && key.SessionID != ""
}

// handleCreateSession is idempotent: re-posting an existing id returns the
// stored session untouched, whatever initial state the retry carried.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session_key", "app, client and session ids are required")
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.store.CreateOrGet(r.Context(), key, req.State)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session_key", "app, client and session ids are required")
		return
	}

	sess, err := s.store.Get(r.Context(), key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessionEvents(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session_key", "app, client and session ids are required")
		return
	}

	var sinceSeq int64
	if raw := strings.TrimSpace(r.URL.Query().Get("since_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_since_seq", "since_seq must be a non-negative integer")
			return
		}
		sinceSeq = n
	}

	events, err := s.store.ListEvents(r.Context(), key, sinceSeq)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleConversationWS is the realtime entry point. The connection is
// admitted, authenticated, bound to its conversation, then frames flow until
// either side closes. A single writer goroutine drains the registry send
// queue so websocket writes stay single-threaded.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := strings.TrimSpace(q.Get("token"))
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	conversationID := strings.TrimSpace(q.Get("conversation_id"))
	if conversationID == "" {
		conversationID = sessionID
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	send := make(chan protocol.Frame, sendQueueSize)
	connID := s.registry.Admit(send)
	defer s.registry.Remove(connID)

	clientID, err := s.registry.Authenticate(connID, token)
	if err != nil {
		// The registry send path is not usable for a rejected connection;
		// write the reason directly and close with a policy-violation code.
		_ = wsConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = wsConn.WriteJSON(protocol.NewError("auth_failed", err.Error()))
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4401, "authentication failed"),
			time.Now().Add(time.Second))
		return
	}

	key := session.Key{AppScope: s.cfg.AppScope, ClientID: clientID, SessionID: sessionID}
	if _, err := s.store.CreateOrGet(r.Context(), key, nil); err != nil {
		_ = wsConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = wsConn.WriteJSON(protocol.NewError("storage_unavailable", "could not open the session"))
		return
	}

	if err := s.registry.Bind(connID, conversationID); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for frame := range send {
			_ = wsConn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := wsConn.WriteJSON(frame); err != nil {
				// Keep draining so registry.Remove can close the channel
				// without blocking senders.
				for range send {
				}
				return
			}
		}
		// The registry removed the connection (reaper or admin sweep).
		// Close the socket so the read loop unblocks instead of idling
		// until its deadline.
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection evicted"),
			time.Now().Add(time.Second))
		_ = wsConn.Close()
	}()

	wsConn.SetReadLimit(1 << 20)
	_ = wsConn.SetReadDeadline(time.Now().Add(120 * time.Second))
	wsConn.SetPongHandler(func(string) error {
		s.registry.Touch(connID)
		_ = wsConn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientFrame(data)
		if err != nil {
			_ = s.registry.SendTo(connID, protocol.NewError("invalid_frame", err.Error()))
			continue
		}
		s.registry.Touch(connID)

		switch msg := parsed.(type) {
		case protocol.ClientMessage:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientMessage)).Inc()
			// Off the read loop so pings keep flowing during long turns.
			go func(text string) {
				err := s.runner.SubmitMessage(ctx, connID, conversationID, key, text)
				switch {
				case err == nil:
				case errors.Is(err, coordinator.ErrConcurrentTurn):
					_ = s.registry.SendTo(connID, protocol.NewError("concurrent_turn", "a turn is already in flight for this session"))
				case errors.Is(err, session.ErrStorageUnavailable):
					// The runner already notified the client.
				default:
					_ = s.registry.SendTo(connID, protocol.NewError("internal_error", "could not process the message"))
				}
			}(msg.Text)
		case protocol.ClientClose:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientClose)).Inc()
			break readLoop
		}

		select {
		case <-ctx.Done():
			break readLoop
		default:
		}
	}

	cancel()
	s.registry.Remove(connID)
	<-writerDone
}

func (s *Server) handleAdminConnections(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleAdminClientConnections(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(chi.URLParam(r, "clientID"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "missing client id")
		return
	}
	conns := s.registry.ConnectionsForClient(clientID)
	respondJSON(w, http.StatusOK, map[string]any{
		"client_id":   clientID,
		"connections": conns,
	})
}

// handleAdminSweep forces an inactivity sweep outside the reaper cadence.
func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	maxInactive := s.cfg.ConnMaxInactive
	if raw := strings.TrimSpace(r.URL.Query().Get("max_inactive")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_max_inactive", "max_inactive must be a positive duration")
			return
		}
		maxInactive = d
	}
	evicted := s.registry.Sweep(maxInactive)
	respondJSON(w, http.StatusOK, map[string]any{"evicted": evicted})
}

func (s *Server) handleAdminPerf(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.TurnStageSnapshot())
}

func (s *Server) storeMode() string {
	if s.cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "in-memory"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "no such session")
	case errors.Is(err, session.ErrStorageUnavailable):
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", "the session store is unavailable")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
