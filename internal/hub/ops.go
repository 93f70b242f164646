// SPDX-License-Identifier: MIT

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/puzzleparty/backplane/internal/cursor"
	"github.com/puzzleparty/backplane/internal/kv"
	"github.com/puzzleparty/backplane/internal/locks"
	"github.com/puzzleparty/backplane/internal/metrics"
	"github.com/puzzleparty/backplane/internal/store"
	"github.com/puzzleparty/backplane/internal/telemetry"
	"github.com/puzzleparty/backplane/internal/wire"
)

const maxChatRunes = 1000

// Handle dispatches one client request under the per-op deadline and
// returns the response frame. Cursor samples produce no response; a nil
// frame means nothing is written back.
func (h *Hub) Handle(ctx context.Context, connectionID string, req *wire.Request) *wire.Frame {
	c, ok := h.connFor(connectionID)
	if !ok {
		f := wire.ErrorResponse(req.Seq, req.Op, wire.NewError(wire.CodeInternal, "unknown connection"))
		return &f
	}

	h.registry.Touch(connectionID)

	if h.shuttingDown.Load() {
		f := wire.ErrorResponse(req.Seq, req.Op, wire.NewError(wire.CodeShuttingDown, "replica is shutting down"))
		return &f
	}
	if c.state.Load() >= stateDraining {
		f := wire.ErrorResponse(req.Seq, req.Op, wire.NewError(wire.CodeNotInSession, "connection is draining"))
		return &f
	}

	// Cursor samples are fire-and-forget: no deadline, no response.
	if req.Op == wire.OpCursor {
		h.handleCursor(c, req.Args)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.OpDeadline)
	defer cancel()

	ctx, span := h.tracer.Start(ctx, "hub."+req.Op)
	span.SetAttributes(telemetry.OpAttributes(connectionID, c.userID, req.Op)...)
	defer span.End()

	start := time.Now()
	var (
		result interface{}
		opErr  *wire.Error
	)
	switch req.Op {
	case wire.OpJoinSession:
		result, opErr = h.joinSession(ctx, c, req.Args)
	case wire.OpLeaveSession:
		result, opErr = h.leaveSession(ctx, c)
	case wire.OpMovePiece:
		result, opErr = h.movePiece(ctx, c, req.Args)
	case wire.OpLockPiece:
		result, opErr = h.lockPiece(ctx, c, req.Args)
	case wire.OpUnlockPiece:
		result, opErr = h.unlockPiece(ctx, c, req.Args)
	case wire.OpSendChat:
		result, opErr = h.sendChat(ctx, c, req.Args)
	default:
		opErr = wire.NewError(wire.CodeUnknownOp, fmt.Sprintf("unknown op %q", req.Op))
	}

	if opErr == nil && ctx.Err() != nil {
		opErr = wire.NewError(wire.CodeTimeout, "operation deadline exceeded")
	}

	outcome := "ok"
	if opErr != nil {
		outcome = string(opErr.Code)
		span.SetAttributes(telemetry.ErrorAttributes(string(opErr.Code))...)
		span.SetStatus(codes.Error, opErr.Message)
	}
	metrics.ObserveOp(req.Op, outcome, time.Since(start).Seconds())

	if opErr != nil {
		h.logger.Debug().
			Str("connection_id", connectionID).
			Str("op", req.Op).
			Str("code", string(opErr.Code)).
			Msg("op refused")
		f := wire.ErrorResponse(req.Seq, req.Op, opErr)
		return &f
	}
	f := wire.Response(req.Seq, req.Op, result)
	return &f
}

func (h *Hub) joinSession(ctx context.Context, c *conn, args json.RawMessage) (interface{}, *wire.Error) {
	var a wire.JoinSessionArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, wire.NewError(wire.CodeMalformedFrame, "bad join-session args")
	}
	if !validID(a.SessionID) {
		return nil, wire.NewError(wire.CodeInvalidSessionID, "session id is not a well-formed identifier")
	}
	if c.state.Load() != stateUnattached {
		return nil, wire.NewError(wire.CodeAlreadyInSession, "connection is already attached to a session")
	}

	rec, err := h.pieces.Session(ctx, a.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, wire.NewError(wire.CodeSessionNotFound, "no such session")
		}
		return nil, mapInfraError(ctx, err)
	}
	if rec.Status != store.SessionActive {
		return nil, wire.NewError(wire.CodeSessionNotActive, fmt.Sprintf("session is %s", rec.Status))
	}

	if err := h.registry.AttachSession(ctx, c.id, a.SessionID); err != nil {
		return nil, wire.NewError(wire.CodeAlreadyInSession, err.Error())
	}
	if !c.state.CompareAndSwap(stateUnattached, stateAttached) {
		_, _ = h.registry.Detach(ctx, c.id)
		return nil, wire.NewError(wire.CodeAlreadyInSession, "connection is already attached to a session")
	}

	h.statsFor(a.SessionID) // make sure the activation aggregates exist
	c.setCursor(cursor.New(h.opts.CursorWindow, h.cursorEmitter(c, a.SessionID)))

	h.broadcast(ctx, a.SessionID, wire.EventUserJoined, userPayload{
		UserID:      c.userID,
		DisplayName: c.displayName,
		TimestampMS: time.Now().UnixMilli(),
	}, c.id)

	snap, serr := h.buildSnapshot(ctx, rec)
	if serr != nil {
		return nil, mapInfraError(ctx, serr)
	}
	return snap, nil
}

func (h *Hub) leaveSession(ctx context.Context, c *conn) (interface{}, *wire.Error) {
	if !c.state.CompareAndSwap(stateAttached, stateDraining) {
		h.logger.Warn().Str("connection_id", c.id).Msg("leave-session while not attached")
		return nil, wire.NewError(wire.CodeNotInSession, "not attached to a session")
	}
	h.drain(ctx, c)
	// The connection survives a leave and may join again.
	c.state.Store(stateUnattached)
	return leaveResult{Left: true}, nil
}

func (h *Hub) movePiece(ctx context.Context, c *conn, args json.RawMessage) (interface{}, *wire.Error) {
	sessionID, werr := h.requireAttached(c)
	if werr != nil {
		return nil, werr
	}
	var a wire.MovePieceArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, wire.NewError(wire.CodeMalformedFrame, "bad move-piece args")
	}
	if !validID(a.PieceID) {
		return nil, wire.NewError(wire.CodeInvalidPieceID, "piece id is not a well-formed identifier")
	}
	if werr := h.requirePieceInSession(ctx, a.PieceID, sessionID); werr != nil {
		return nil, werr
	}

	auth, err := h.locks.AuthorizeMove(ctx, a.PieceID, c.userID)
	switch {
	case err == nil:
	case errors.Is(err, locks.ErrPieceNotFound):
		return nil, wire.NewError(wire.CodePieceNotFound, "no such piece")
	case errors.Is(err, kv.ErrStoreUnavailable):
		// The lock authority is down; fall back to the durable owner cache
		// so unlocked pieces stay movable.
		auth, err = h.durableMoveAuth(ctx, a.PieceID, c.userID)
		if err != nil {
			return nil, mapInfraError(ctx, err)
		}
	default:
		return nil, mapInfraError(ctx, err)
	}
	if !auth.Allowed {
		return nil, lockedError(auth.CurrentOwner)
	}

	res, err := h.pieces.UpdatePosition(ctx, a.PieceID, a.X, a.Y, a.Rotation)
	if err != nil {
		if errors.Is(err, store.ErrPieceNotFound) {
			return nil, wire.NewError(wire.CodePieceNotFound, "no such piece")
		}
		return nil, mapInfraError(ctx, err)
	}

	// A successful owner mutation keeps the lock alive.
	if auth.HeldByCaller {
		if _, err := h.locks.Extend(ctx, a.PieceID, c.userID); err != nil {
			h.logger.Debug().Err(err).Str("piece_id", a.PieceID).Msg("implicit lock extend failed")
		}
	}

	if res.NewlyPlaced {
		h.recordPlacement(sessionID, c.userID)
	}

	now := time.Now().UnixMilli()
	h.broadcast(ctx, sessionID, wire.EventPieceMoved, pieceMovedPayload{
		PieceID:     a.PieceID,
		X:           res.X,
		Y:           res.Y,
		Rotation:    res.Rotation,
		UserID:      c.userID,
		Placed:      res.Placed,
		TimestampMS: now,
	}, c.id)

	if res.PuzzleComplete {
		h.announceCompletion(ctx, sessionID, now)
	}

	return moveResult{
		PieceID:        a.PieceID,
		X:              res.X,
		Y:              res.Y,
		Rotation:       res.Rotation,
		Placed:         res.Placed,
		CompletedCount: res.CompletedCount,
		TotalCount:     res.TotalCount,
		Completion:     ratio(res.CompletedCount, res.TotalCount),
		PuzzleComplete: res.PuzzleComplete,
	}, nil
}

// announceCompletion publishes the one-shot puzzle-completed event with the
// activation aggregates. Goes to the whole group, mover included.
func (h *Hub) announceCompletion(ctx context.Context, sessionID string, nowMS int64) {
	elapsed := int64(0)
	if rec, err := h.pieces.Session(ctx, sessionID); err == nil && rec.CompletedAtMS > 0 {
		elapsed = rec.CompletedAtMS - rec.CreatedAtMS
	}
	h.broadcast(ctx, sessionID, wire.EventPuzzleCompleted, puzzleCompletedPayload{
		SessionID:    sessionID,
		ElapsedMS:    elapsed,
		PlacedByUser: h.placedCounts(sessionID),
		TimestampMS:  nowMS,
	}, "")

	// The activation is over; the aggregates have been published.
	h.mu.Lock()
	delete(h.stats, sessionID)
	h.mu.Unlock()
}

func (h *Hub) lockPiece(ctx context.Context, c *conn, args json.RawMessage) (interface{}, *wire.Error) {
	sessionID, werr := h.requireAttached(c)
	if werr != nil {
		return nil, werr
	}
	var a wire.LockPieceArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, wire.NewError(wire.CodeMalformedFrame, "bad lock-piece args")
	}
	if !validID(a.PieceID) {
		return nil, wire.NewError(wire.CodeInvalidPieceID, "piece id is not a well-formed identifier")
	}
	if werr := h.requirePieceInSession(ctx, a.PieceID, sessionID); werr != nil {
		return nil, werr
	}

	res, err := h.locks.Acquire(ctx, a.PieceID, c.userID)
	if err != nil {
		if errors.Is(err, locks.ErrPieceNotFound) {
			return nil, wire.NewError(wire.CodePieceNotFound, "no such piece")
		}
		return nil, mapInfraError(ctx, err)
	}
	if !res.Acquired {
		return nil, lockedError(res.CurrentOwner)
	}

	h.broadcast(ctx, sessionID, wire.EventPieceLocked, pieceLockedPayload{
		PieceID:     a.PieceID,
		Owner:       c.userID,
		ExpiresAtMS: res.ExpiresAt.UnixMilli(),
		TimestampMS: time.Now().UnixMilli(),
	}, "")

	return lockResult{PieceID: a.PieceID, ExpiresAtMS: res.ExpiresAt.UnixMilli()}, nil
}

func (h *Hub) unlockPiece(ctx context.Context, c *conn, args json.RawMessage) (interface{}, *wire.Error) {
	sessionID, werr := h.requireAttached(c)
	if werr != nil {
		return nil, werr
	}
	var a wire.LockPieceArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, wire.NewError(wire.CodeMalformedFrame, "bad unlock-piece args")
	}
	if !validID(a.PieceID) {
		return nil, wire.NewError(wire.CodeInvalidPieceID, "piece id is not a well-formed identifier")
	}
	if werr := h.requirePieceInSession(ctx, a.PieceID, sessionID); werr != nil {
		return nil, werr
	}

	res, err := h.locks.Release(ctx, a.PieceID, c.userID)
	if err != nil {
		return nil, mapInfraError(ctx, err)
	}
	if !res.Released {
		return nil, wire.NewError(wire.CodeNotOwner, "lock is held by another user")
	}

	h.broadcast(ctx, sessionID, wire.EventPieceUnlocked, pieceUnlockedPayload{
		PieceID:     a.PieceID,
		By:          c.userID,
		TimestampMS: time.Now().UnixMilli(),
	}, "")

	return unlockResult{PieceID: a.PieceID}, nil
}

func (h *Hub) sendChat(ctx context.Context, c *conn, args json.RawMessage) (interface{}, *wire.Error) {
	sessionID, werr := h.requireAttached(c)
	if werr != nil {
		return nil, werr
	}
	var a wire.SendChatArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, wire.NewError(wire.CodeMalformedFrame, "bad send-chat args")
	}

	text := strings.TrimSpace(a.Text)
	if text == "" {
		return nil, wire.NewError(wire.CodeEmptyMessage, "message is empty")
	}
	if utf8.RuneCountInString(text) > maxChatRunes {
		return nil, wire.NewError(wire.CodeMessageTooLong, fmt.Sprintf("message exceeds %d characters", maxChatRunes))
	}

	msg := &store.ChatMessage{
		MessageID:   uuid.NewString(),
		SessionID:   sessionID,
		UserID:      c.userID,
		Body:        text,
		CreatedAtMS: time.Now().UnixMilli(),
	}
	if err := h.pieces.AppendChat(ctx, msg); err != nil {
		return nil, mapInfraError(ctx, err)
	}

	// The sender receives its own message through the broadcast, once and
	// authoritatively ordered.
	h.broadcast(ctx, sessionID, wire.EventChatMessage, chatPayload{
		MessageID:   msg.MessageID,
		UserID:      c.userID,
		DisplayName: c.displayName,
		Body:        text,
		TimestampMS: msg.CreatedAtMS,
	}, "")

	return chatResult{MessageID: msg.MessageID, TimestampMS: msg.CreatedAtMS}, nil
}

func (h *Hub) handleCursor(c *conn, args json.RawMessage) {
	if c.state.Load() != stateAttached {
		return
	}
	var a wire.CursorArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return
	}
	if th := c.cursorThrottle(); th != nil {
		th.Offer(cursor.Sample{X: a.X, Y: a.Y})
	}
}

// cursorEmitter builds the coalesced-sample sink for one attached
// connection. Runs on the throttle goroutine.
func (h *Hub) cursorEmitter(c *conn, sessionID string) cursor.Emit {
	return func(s cursor.Sample) {
		h.broadcast(context.Background(), sessionID, wire.EventCursorUpdate, cursorPayload{
			UserID:      c.userID,
			X:           s.X,
			Y:           s.Y,
			TimestampMS: time.Now().UnixMilli(),
		}, c.id)
	}
}

// requirePieceInSession scopes piece operations to the caller's session.
// A piece from another session answers PieceNotFound, indistinguishable
// from a piece that does not exist at all.
func (h *Hub) requirePieceInSession(ctx context.Context, pieceID, sessionID string) *wire.Error {
	p, err := h.pieces.ReadPiece(ctx, pieceID)
	if err != nil {
		if errors.Is(err, store.ErrPieceNotFound) {
			return wire.NewError(wire.CodePieceNotFound, "no such piece")
		}
		return mapInfraError(ctx, err)
	}
	if p.SessionID != sessionID {
		return wire.NewError(wire.CodePieceNotFound, "no such piece")
	}
	return nil
}

func (h *Hub) requireAttached(c *conn) (string, *wire.Error) {
	if c.state.Load() != stateAttached {
		return "", wire.NewError(wire.CodeNotInSession, "not attached to a session")
	}
	entry, ok := h.registry.ByConnection(c.id)
	if !ok || entry.SessionID() == "" {
		return "", wire.NewError(wire.CodeNotInSession, "not attached to a session")
	}
	return entry.SessionID(), nil
}

// durableMoveAuth is the degraded-mode authorization used when the K/V
// lock authority is unreachable: the cached durable owner decides.
func (h *Hub) durableMoveAuth(ctx context.Context, pieceID, userID string) (*locks.MoveAuth, error) {
	p, err := h.pieces.ReadPiece(ctx, pieceID)
	if err != nil {
		if errors.Is(err, store.ErrPieceNotFound) {
			return nil, locks.ErrPieceNotFound
		}
		return nil, err
	}
	if p.LockOwner == "" || p.LockOwner == userID {
		return &locks.MoveAuth{Allowed: true, HeldByCaller: false}, nil
	}
	return &locks.MoveAuth{Allowed: false, CurrentOwner: p.LockOwner}, nil
}

func lockedError(owner string) *wire.Error {
	e := wire.NewError(wire.CodePieceLocked, "piece is locked by another user")
	if owner != "" {
		e.Details = map[string]string{"current-owner": owner}
	}
	return e
}

// mapInfraError folds infrastructure failures into the wire taxonomy. No
// raw error ever reaches a client unmapped.
func mapInfraError(ctx context.Context, err error) *wire.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return wire.NewError(wire.CodeTimeout, "operation deadline exceeded")
	case errors.Is(err, kv.ErrStoreUnavailable):
		return wire.NewError(wire.CodeStoreUnavailable, "coordination store unavailable")
	case errors.Is(err, locks.ErrPieceNotFound):
		return wire.NewError(wire.CodePieceNotFound, "no such piece")
	default:
		return wire.NewError(wire.CodeStoreUnavailable, "backing store unavailable")
	}
}

// validID accepts the identifier shape used for sessions and pieces.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func ratio(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}
