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
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/tutorvoice/internal/config"
	"github.com/ent0n29/tutorvoice/internal/observability"
	"github.com/ent0n29/tutorvoice/internal/protocol"
	"github.com/ent0n29/tutorvoice/internal/session"
	"github.com/ent0n29/tutorvoice/internal/transcript"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
	readyPingTimeout    = 2 * time.Second
)

// Runner serves the voice loop of one websocket connection.
type Runner interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runner   Runner
	messages transcript.Store
	metrics  *observability.Metrics
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, sessions *session.Manager, runner Runner, messages transcript.Store, metrics *observability.Metrics, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		runner:   runner,
		messages: messages,
		metrics:  metrics,
		log:      log.WithField("component", "httpapi"),
		static:   newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the tutor page itself may drive a session's microphone.
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

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tutor/session", s.handleCreateSession)
	r.Get("/v1/tutor/session/ws", s.handleSessionWS)
	r.Get("/v1/tutor/session/{id}", s.handleGetSession)
	r.Post("/v1/tutor/session/{id}/end", s.handleEndSession)
	r.Get("/v1/tutor/session/{id}/messages", s.handleListMessages)
	r.Get("/v1/perf/latency", s.handleTurnLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"transcript_store": s.storeMode(),
		"active_sessions":  s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.messages != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
		defer cancel()
		if err := s.messages.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"transcript_store": s.storeMode(),
		"voice_enabled":    s.runner != nil,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(req)
	if err != nil {
		if errors.Is(err, session.ErrDocMissing) {
			respondError(w, http.StatusBadRequest, "missing_doc_id", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"doc_id":     sess.DocID,
		"auto_start": sess.AutoStart,
	}).Info("tutoring session created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		DocID:           sess.DocID,
		Status:          sess.Status,
		AutoStart:       sess.AutoStart,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
		WSURL:           "/v1/tutor/session/ws?session_id=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	s.log.WithField("session_id", id).Info("tutoring session ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.messages == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": []transcript.Message{}})
		return
	}

	limit := defaultMessageLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessageLimit)
	}

	items, err := s.messages.List(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if items == nil {
		items = []transcript.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": items})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice runner not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session is no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.log.WithField("session_id", sessionID)
	log.Info("websocket connected")
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	buffer := s.cfg.WSOutboundBuffer
	if buffer <= 0 {
		buffer = 256
	}
	outbound := make(chan any, buffer)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.runner.RunConnection(ctx, sess, inbound, outbound); err != nil {
			log.WithError(err).Warn("voice connection failed")
		}
		// The runner returning (client left) closes the socket.
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
				t, ok := messageTypeOf(msg)
				if ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	log.Info("websocket disconnected")
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

func (s *Server) storeMode() string {
	if s.messages == nil {
		return "disabled"
	}
	return s.messages.Mode()
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientHello:
		return m.Type, true
	case protocol.RecognizerResult:
		return m.Type, true
	case protocol.RecognizerError:
		return m.Type, true
	case protocol.RecognizerEnd:
		return m.Type, true
	case protocol.AudioEvent:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.RecognizerCommand:
		return m.Type, true
	case protocol.AudioCommand:
		return m.Type, true
	case protocol.Chime:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.MessageAppended:
		return m.Type, true
	case protocol.Notification:
		return m.Type, true
	case protocol.PageChanged:
		return m.Type, true
	case protocol.PageText:
		return m.Type, true
	case protocol.DocumentSwitched:
		return m.Type, true
	case protocol.LanguagePrompt:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
