// SPDX-License-Identifier: MIT

// Package hub is the session router: it owns the per-connection state
// machine, validates and dispatches client operations, and fans session
// events out to local members and across the backplane.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/puzzleparty/backplane/internal/backplane"
	"github.com/puzzleparty/backplane/internal/cursor"
	"github.com/puzzleparty/backplane/internal/locks"
	"github.com/puzzleparty/backplane/internal/metrics"
	"github.com/puzzleparty/backplane/internal/registry"
	"github.com/puzzleparty/backplane/internal/store"
	"github.com/puzzleparty/backplane/internal/wire"
)

// Connection states.
const (
	stateUnattached int32 = iota
	stateAttached
	stateDraining
	stateClosed
)

// Options bundle the hub's tunables.
type Options struct {
	OpDeadline   time.Duration
	CursorWindow time.Duration
}

type conn struct {
	id          string
	userID      string
	displayName string

	state atomic.Int32

	cursorMu sync.Mutex
	cursor   *cursor.Throttle
}

func (c *conn) setCursor(t *cursor.Throttle) {
	c.cursorMu.Lock()
	c.cursor = t
	c.cursorMu.Unlock()
}

func (c *conn) cursorThrottle() *cursor.Throttle {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	return c.cursor
}

func (c *conn) takeCursor() *cursor.Throttle {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	t := c.cursor
	c.cursor = nil
	return t
}

// sessionStats tracks per-activation aggregates for the completion event.
type sessionStats struct {
	placedBy map[string]int
}

// Hub routes operations for all local connections.
type Hub struct {
	registry *registry.Registry
	locks    *locks.Coordinator
	pieces   store.PieceStore
	bp       *backplane.Backplane
	opts     Options
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	conns map[string]*conn
	stats map[string]*sessionStats

	shuttingDown atomic.Bool
}

// New creates a hub over the given collaborators.
func New(reg *registry.Registry, lc *locks.Coordinator, pieces store.PieceStore, bp *backplane.Backplane, opts Options, logger zerolog.Logger) *Hub {
	return &Hub{
		registry: reg,
		locks:    lc,
		pieces:   pieces,
		bp:       bp,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("github.com/puzzleparty/backplane/internal/hub"),
		conns:    make(map[string]*conn),
		stats:    make(map[string]*sessionStats),
	}
}

// Connect admits a new transport connection in the unattached state.
// Refused once shutdown has begun.
func (h *Hub) Connect(connectionID, userID, displayName string, sender registry.Sender) error {
	if h.shuttingDown.Load() {
		return wire.NewError(wire.CodeShuttingDown, "replica is shutting down")
	}

	if _, err := h.registry.Register(connectionID, userID, displayName, sender); err != nil {
		return wire.NewError(wire.CodeInternal, err.Error())
	}

	c := &conn{id: connectionID, userID: userID, displayName: displayName}
	h.mu.Lock()
	h.conns[connectionID] = c
	h.mu.Unlock()

	h.logger.Info().
		Str("connection_id", connectionID).
		Str("user_id", userID).
		Msg("connection admitted")
	return nil
}

// Disconnect tears a connection down on transport close or idle eviction.
// Safe to call more than once.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	if ok {
		delete(h.conns, connectionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if prev := c.state.Swap(stateDraining); prev == stateAttached {
		h.drain(ctx, c)
	}
	c.state.Store(stateClosed)
	h.registry.Unregister(connectionID)

	h.logger.Info().
		Str("connection_id", connectionID).
		Str("user_id", c.userID).
		Msg("connection closed")
}

// drain runs the attached-connection cleanup: detach from the session
// index, release the user's locks, announce the departure, then stop the
// cursor pipeline. Peers must never observe stale membership after the
// lock release.
func (h *Hub) drain(ctx context.Context, c *conn) {
	sessionID, err := h.registry.Detach(ctx, c.id)
	if err != nil {
		h.logger.Warn().Err(err).Str("connection_id", c.id).Msg("detach during drain failed")
	}

	released, rerr := h.locks.ReleaseAllFor(ctx, c.userID)
	if rerr != nil {
		h.logger.Warn().Err(rerr).Str("user_id", c.userID).Msg("lock release during drain failed")
	}

	if sessionID != "" {
		// Peers see the departure first, then the system reclaims.
		h.broadcast(ctx, sessionID, wire.EventUserLeft, userPayload{
			UserID:      c.userID,
			DisplayName: c.displayName,
			TimestampMS: time.Now().UnixMilli(),
		}, c.id)
		for _, pieceID := range released {
			h.broadcast(ctx, sessionID, wire.EventPieceUnlocked, pieceUnlockedPayload{
				PieceID:     pieceID,
				By:          "system",
				TimestampMS: time.Now().UnixMilli(),
			}, c.id)
		}
	}

	if th := c.takeCursor(); th != nil {
		th.Close()
	}
}

// BeginShutdown flips the hub into drain mode: new connections and new
// operations are refused with ShuttingDown.
func (h *Hub) BeginShutdown() {
	if h.shuttingDown.CompareAndSwap(false, true) {
		h.logger.Info().Msg("hub shutdown initiated, refusing new work")
	}
}

// Draining reports whether shutdown has begun.
func (h *Hub) Draining() bool {
	return h.shuttingDown.Load()
}

// DrainAll disconnects every remaining connection. Called after the grace
// window has been given to clients.
func (h *Hub) DrainAll(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(ctx, id)
	}
}

// HandleBackplane delivers an envelope from another replica to the local
// members of its session, excluding the origin connection.
func (h *Hub) HandleBackplane(env *backplane.Envelope) {
	frame := wire.Event(env.Event, json.RawMessage(env.Payload))
	for _, entry := range h.registry.BySession(env.SessionID) {
		if entry.ConnectionID == env.OriginConn {
			continue
		}
		h.deliver(entry, frame, env.Event)
	}
}

// broadcast delivers an event to the session's local members (excluding
// excludeConn) and publishes it on the backplane for the other replicas.
// Publish failures are logged and counted; local delivery already happened.
func (h *Hub) broadcast(ctx context.Context, sessionID, event string, payload interface{}, excludeConn string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("event payload marshal failed")
		return
	}

	frame := wire.Event(event, json.RawMessage(raw))
	for _, entry := range h.registry.BySession(sessionID) {
		if entry.ConnectionID == excludeConn {
			continue
		}
		h.deliver(entry, frame, event)
	}

	if h.bp != nil {
		if err := h.bp.Publish(ctx, sessionID, event, excludeConn, raw); err != nil {
			h.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("event", event).
				Msg("backplane publish failed, cross-replica delivery degraded")
		}
	}
}

func (h *Hub) deliver(entry *registry.Entry, frame wire.Frame, event string) {
	sender := entry.Sender()
	if sender == nil {
		return
	}
	if sender.SendFrame(frame) {
		metrics.EventsFannedOut.WithLabelValues(event).Inc()
	} else {
		metrics.SendDroppedTotal.Inc()
	}
}

func (h *Hub) connFor(connectionID string) (*conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	return c, ok
}

func (h *Hub) statsFor(sessionID string) *sessionStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.stats[sessionID]
	if !ok {
		st = &sessionStats{placedBy: make(map[string]int)}
		h.stats[sessionID] = st
	}
	return st
}

func (h *Hub) recordPlacement(sessionID, userID string) {
	st := h.statsFor(sessionID)
	h.mu.Lock()
	st.placedBy[userID]++
	h.mu.Unlock()
}

func (h *Hub) placedCounts(sessionID string) map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.stats[sessionID]
	if !ok {
		return map[string]int{}
	}
	out := make(map[string]int, len(st.placedBy))
	for k, v := range st.placedBy {
		out[k] = v
	}
	return out
}
