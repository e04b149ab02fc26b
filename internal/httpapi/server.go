package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/session"
)

const (
	wsReadLimit    = 1 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsQueueSize    = 256
)

// ConnectionRunner drives one conversation over already-decoded frames.
type ConnectionRunner interface {
	RunConnection(ctx context.Context, userID string, prefs session.Preferences, inbound <-chan []byte, outbound chan<- any) error
}

// Info describes the wired backends for the readiness endpoint.
type Info struct {
	Store     string `json:"store"`
	Generator string `json:"generator"`
	Embedder  string `json:"embedder"`
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runner   ConnectionRunner
	metrics  *observability.Metrics
	log      zerolog.Logger
	info     Info
	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(cfg config.Config, sessions *session.Manager, runner ConnectionRunner, metrics *observability.Metrics, logger zerolog.Logger, info Info) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		runner:   runner,
		metrics:  metrics,
		log:      logger.With().Str("component", "httpapi").Logger(),
		info:     info,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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

// SetDraining flips /readyz to 503 so load balancers stop routing new
// connections while the process shuts down.
func (s *Server) SetDraining(v bool) {
	s.draining.Store(v)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfReset)

	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/chat/ws/{userID}", s.handleChatWS)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"store":     s.info.Store,
		"generator": s.info.Generator,
		"embedder":  s.info.Embedder,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"count":    len(list),
	})
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var req endSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "ended via api"
	}

	sess, err := s.sessions.End(id, reason)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.log.Info().Str("session_id", id).Str("reason", reason).Msg("session ended via api")
	respondJSON(w, http.StatusOK, sess)
}

// connectionParams resolves the user and seed preferences of a websocket
// request. A missing user falls back to the configured sentinel.
func (s *Server) connectionParams(r *http.Request) (string, session.Preferences, error) {
	q := r.URL.Query()
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		userID = strings.TrimSpace(q.Get("user_id"))
	}
	if userID == "" {
		userID = strings.TrimSpace(q.Get("userId"))
	}
	if userID == "" {
		userID = s.cfg.DefaultUserID
	}
	if userID == "" {
		userID = "anonymous"
	}

	prefs := session.DefaultPreferences()
	if raw := strings.TrimSpace(q.Get("style")); raw != "" {
		style, err := session.ParseCommunicationStyle(raw)
		if err != nil {
			return "", prefs, err
		}
		prefs.CommunicationStyle = style
	}
	if raw := strings.TrimSpace(q.Get("topics")); raw != "" {
		prefs.AddTopics(strings.Split(raw, ",")...)
	}
	return userID, prefs, nil
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversation service not configured")
		return
	}
	if s.draining.Load() {
		respondError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	userID, prefs, err := s.connectionParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_preferences", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")
	log := s.log.With().Str("user_id", userID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, wsQueueSize)
	outbound := make(chan any, wsQueueSize)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.runner.RunConnection(ctx, userID, prefs, inbound, outbound); err != nil {
			log.Warn().Err(err).Msg("connection ended with error")
		}
		// The conversation can end on its own (admin end, idle timeout).
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, outbound, cancel)
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- data:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// writeLoop is the only writer on conn. When ctx ends it flushes what is
// already queued, sends a close frame and closes the socket so the reader
// unblocks.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan any, cancel context.CancelFunc) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	defer conn.Close()

	write := func(msg any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			s.metrics.SessionEvent("ws_write_error")
			cancel()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
		flush:
			for {
				select {
				case msg := <-outbound:
					if !write(msg) {
						return
					}
				default:
					break flush
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(time.Second))
			return
		case msg := <-outbound:
			if !write(msg) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				cancel()
				return
			}
		}
	}
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
