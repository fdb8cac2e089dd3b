// Package websocket streams the progress of one ingestion run to one
// websocket client.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/config"
	"github.com/raaihank/salesdash/internal/etl"
	"github.com/raaihank/salesdash/internal/ingest"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// Starter begins an ingestion run. The returned channel is closed after the
// terminal event and cancelling ctx cancels the run.
type Starter interface {
	Start(ctx context.Context, trigger string) (<-chan etl.Event, error)
}

// Handler upgrades a request, starts a run and streams its events. The run
// is cancelled when the client goes away.
type Handler struct {
	starter  Starter
	config   config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	active atomic.Int64
	total  atomic.Int64
}

// Stats tracks websocket sessions
type Stats struct {
	ActiveSessions int64 `json:"active_sessions"`
	TotalSessions  int64 `json:"total_sessions"`
}

// NewHandler creates a progress stream handler
func NewHandler(starter Starter, cfg config.WebSocketConfig, logger *zap.Logger) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = writeWait
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = pongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = (cfg.PongTimeout * 9) / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = maxMessageSize
	}

	h := &Handler{
		starter: starter,
		config:  cfg,
		logger:  logger.With(zap.String("component", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header and origins listed in
// the configuration. "*" allows every origin.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP runs one session. It returns when the run has ended or the
// client has gone away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected websocket upgrade", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		h.logger.Warn("Rejected websocket origin", zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	// The request context is not cancelled when a hijacked client
	// disconnects, the read pump does that.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.starter.Start(ctx, ingest.TriggerAPI)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ingest.ErrRunInProgress) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	s := &session{
		conn:   conn,
		config: h.config,
		cancel: cancel,
		pongs:  make(chan struct{}, 1),
		logger: h.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}

	h.total.Add(1)
	h.active.Add(1)
	defer h.active.Add(-1)
	s.logger.Info("Progress stream connected")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readPump()
	}()

	s.writePump(events)
	conn.Close()
	<-readDone

	s.logger.Info("Progress stream closed")
}

// Stats returns session counters
func (h *Handler) Stats() Stats {
	return Stats{ActiveSessions: h.active.Load(), TotalSessions: h.total.Load()}
}

type session struct {
	conn   *websocket.Conn
	config config.WebSocketConfig
	cancel context.CancelFunc
	pongs  chan struct{}
	logger *zap.Logger
}

// writePump forwards events until the run closes the channel. It is the only
// goroutine writing to the connection.
func (s *session) writePump(events <-chan etl.Event) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run complete")
				s.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := s.conn.WriteJSON(progressMessage(event)); err != nil {
				s.logger.Warn("Failed to write progress message", zap.Error(err))
				s.cancel()
				return
			}

		case <-s.pongs:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteJSON(Message{Type: MessagePong, Timestamp: time.Now()}); err != nil {
				s.cancel()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// readPump consumes client frames. Any read error, including a close frame,
// means the client is gone and cancels the run.
func (s *session) readPump() {
	defer s.cancel()

	s.conn.SetReadLimit(s.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Progress stream read ended", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			select {
			case s.pongs <- struct{}{}:
			default:
			}
		}
	}
}
