// SPDX-License-Identifier: MIT

package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/puzzleparty/backplane/internal/hub"
	"github.com/puzzleparty/backplane/internal/log"
	"github.com/puzzleparty/backplane/internal/wire"
)

// Server upgrades HTTP requests into hub connections.
type Server struct {
	hub         *hub.Hub
	idleTimeout time.Duration
	keepalive   time.Duration
	logger      zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewServer creates the transport server. Keepalive must be shorter than
// the idle timeout or pings alone cannot keep a quiet connection alive.
func NewServer(h *hub.Hub, idleTimeout, keepalive time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		hub:         h,
		idleTimeout: idleTimeout,
		keepalive:   keepalive,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token verification happens upstream; origin policy with it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleUpgrade is the GET /ws endpoint. The identity arrives already
// verified; user is required, name defaults to the user id.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	displayName := r.URL.Query().Get("name")
	if displayName == "" {
		displayName = userID
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	connectionID := uuid.NewString()
	c := newConn(connectionID, userID, wsConn, s.hub, s.idleTimeout, s.keepalive, s.logger)

	if err := s.hub.Connect(connectionID, userID, displayName, c); err != nil {
		var wireErr *wire.Error
		code := websocket.CloseInternalServerErr
		if errors.As(err, &wireErr) && wireErr.Code == wire.CodeShuttingDown {
			code = websocket.CloseServiceRestart
		}
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		_ = wsConn.Close()
		return
	}

	ctx := log.ContextWithConnectionID(r.Context(), connectionID)
	s.logger.Info().
		Str("connection_id", connectionID).
		Str("user_id", userID).
		Str("remote", r.RemoteAddr).
		Msg("client connected")

	c.run(ctx)
}
