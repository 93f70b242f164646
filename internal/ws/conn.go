// SPDX-License-Identifier: MIT

// Package ws is the client transport: WebSocket upgrade, framed JSON read
// and write pumps, keep-alive pings and the slow-client policy.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/puzzleparty/backplane/internal/hub"
	"github.com/puzzleparty/backplane/internal/metrics"
	"github.com/puzzleparty/backplane/internal/wire"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second

	// Inbound frame budget per connection. Cursor traffic is the main
	// consumer; the burst absorbs a pointer-move flood without closing
	// well-behaved clients.
	inboundRate  = 200
	inboundBurst = 400
)

// Conn is one upgraded client connection. It implements registry.Sender
// for the hub's fan-out path.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	hub    *hub.Hub
	logger zerolog.Logger

	idleTimeout time.Duration
	keepalive   time.Duration

	send      chan wire.Frame
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id, userID string, ws *websocket.Conn, h *hub.Hub, idleTimeout, keepalive time.Duration, logger zerolog.Logger) *Conn {
	return &Conn{
		id:          id,
		userID:      userID,
		ws:          ws,
		hub:         h,
		logger:      logger,
		idleTimeout: idleTimeout,
		keepalive:   keepalive,
		send:        make(chan wire.Frame, sendBuffer),
		closed:      make(chan struct{}),
	}
}

// SendFrame queues an outbound frame without blocking. A full buffer means
// the client cannot keep up; the connection is closed rather than letting
// backpressure reach the router.
func (c *Conn) SendFrame(f wire.Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		metrics.SendDroppedTotal.Inc()
		c.logger.Warn().Str("connection_id", c.id).Msg("send buffer full, closing slow client")
		c.shutdown()
		return false
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// run services the connection until either pump exits, then tears the
// connection down through the hub.
func (c *Conn) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)

	c.shutdown()
	c.hub.Disconnect(ctx, c.id)
}

func (c *Conn) readPump(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(inboundRate), inboundBurst)

	c.ws.SetReadLimit(64 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Str("connection_id", c.id).Msg("read loop ended")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))

		if msgType == websocket.BinaryMessage {
			// Reserved for bulk snapshot transfer; ignored for now.
			c.logger.Warn().Str("connection_id", c.id).Msg("BinaryNotSupported: binary frame ignored")
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if !limiter.Allow() {
			c.logger.Warn().Str("connection_id", c.id).Msg("inbound frame rate exceeded, closing")
			return
		}

		req, err := wire.DecodeRequest(data)
		if err != nil {
			c.SendFrame(wire.ErrorResponse(0, "", wire.NewError(wire.CodeMalformedFrame, err.Error())))
			continue
		}

		if resp := c.hub.Handle(ctx, c.id, req); resp != nil {
			if !c.SendFrame(*resp) {
				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			data, err := f.Encode()
			if err != nil {
				c.logger.Error().Err(err).Str("connection_id", c.id).Msg("frame encode failed")
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
