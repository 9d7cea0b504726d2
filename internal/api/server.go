package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	maxBodyBytes   = 64 << 10
	eventBuffer    = 256
	writeTimeout   = 5 * time.Second
	payloadVersion = 1
)

// Namespaces streamed on /v1/events.
var eventNamespaces = []string{"sync.", "notify.", "sound."}

// Controller is the part of the sync session the API drives.
type Controller interface {
	Snapshot() intsync.Snapshot
	Select(ctx context.Context, conversationID string) error
	SetForeground(ctx context.Context, foreground bool) error
	Retry(ctx context.Context) error
	MarkSent()
}

// Server serves the daemon's HTTP and websocket API.
type Server struct {
	profile  string
	ctl      Controller
	bus      *bus.Bus
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	mux      *http.ServeMux

	closing   chan struct{}
	closeOnce gosync.Once
}

// NewServer creates the API handler. gatherer may be nil to disable /metrics.
func NewServer(profile string, ctl Controller, b *bus.Bus, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		profile:  profile,
		ctl:      ctl,
		bus:      b,
		gatherer: gatherer,
		logger:   logger,
		mux:      http.NewServeMux(),
		closing:  make(chan struct{}),
	}
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/conversations", s.handleConversations)
	s.mux.HandleFunc("GET /v1/presence", s.handlePresence)
	s.mux.HandleFunc("GET /v1/messages", s.handleMessages)
	s.mux.HandleFunc("POST /v1/select", s.handleSelect)
	s.mux.HandleFunc("POST /v1/focus", s.handleFocus)
	s.mux.HandleFunc("POST /v1/retry", s.handleRetry)
	s.mux.HandleFunc("POST /v1/sent", s.handleSent)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", MetricsHandler(gatherer))
	}
	return s
}

// MetricsHandler serves the prometheus exposition format for g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close ends every open event stream. http.Server.Shutdown does not track
// hijacked websocket connections, so call this first.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		Profile:       s.profile,
		UserID:        snap.UserID,
		State:         snap.State,
		Conversations: len(snap.Conversations),
		Contacts:      len(snap.Presence),
		SelectedID:    snap.SelectedID,
		Foreground:    snap.Foreground,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: conversationViews(snap.Conversations)})
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, PresenceResponse{Presence: presenceViews(snap.Presence)})
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, MessagesResponse{
		ConversationID: snap.SelectedID,
		Loading:        snap.MessagesLoading,
		Messages:       messageViews(snap.Messages),
	})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.ctl.Select(r.Context(), req.ConversationID); err != nil {
		s.logger.Warn("select failed", zap.Error(err), zap.String("conversation_id", req.ConversationID))
		writeError(w, http.StatusBadGateway, "select_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req FocusRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.ctl.SetForeground(r.Context(), req.Foreground); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.Retry(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, intsync.ErrNotStarted):
		writeError(w, http.StatusConflict, "not_started", err.Error())
	default:
		s.logger.Warn("retry failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "retry_failed", err.Error())
	}
}

// handleSent lets a sender that wrote to the store directly trigger the sent cue.
func (s *Server) handleSent(w http.ResponseWriter, _ *http.Request) {
	s.ctl.MarkSent()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = c.CloseNow() }()

	events, unsub := s.bus.SubscribeMany(eventNamespaces, eventBuffer)
	defer unsub()

	// Clients only listen; CloseRead cancels ctx when they go away.
	ctx := c.CloseRead(r.Context())
	s.logger.Debug("event stream opened")

	for {
		select {
		case evt := <-events:
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("encoding event failed", zap.Error(err), zap.String("kind", evt.Kind))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = wsjson.Write(wctx, c, env)
			cancel()
			if err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		case <-s.closing:
			_ = c.Close(websocket.StatusGoingAway, "daemon stopping")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) envelope(evt bus.Event) (Envelope, error) {
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	env := Envelope{
		EventID:          uuid.New().String(),
		Profile:          s.profile,
		Kind:             evt.Kind,
		OccurredAtUnixMs: at.UnixMilli(),
		PayloadVersion:   payloadVersion,
	}
	if evt.Payload != nil {
		raw, err := json.Marshal(eventPayload(evt.Payload))
		if err != nil {
			return env, err
		}
		env.Payload = raw
	}
	return env, nil
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
