// SPDX-License-Identifier: MIT

package hub

import (
	"context"

	"github.com/puzzleparty/backplane/internal/store"
)

// Event payloads pushed to session members.

type userPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	TimestampMS int64  `json:"ts_ms"`
}

type pieceMovedPayload struct {
	PieceID     string  `json:"piece_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Rotation    float64 `json:"rotation"`
	UserID      string  `json:"user_id"`
	Placed      bool    `json:"placed"`
	TimestampMS int64   `json:"ts_ms"`
}

type pieceLockedPayload struct {
	PieceID     string `json:"piece_id"`
	Owner       string `json:"owner"`
	ExpiresAtMS int64  `json:"expires_at_ms"`
	TimestampMS int64  `json:"ts_ms"`
}

type pieceUnlockedPayload struct {
	PieceID     string `json:"piece_id"`
	By          string `json:"by"`
	TimestampMS int64  `json:"ts_ms"`
}

type chatPayload struct {
	MessageID   string `json:"message_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Body        string `json:"body"`
	TimestampMS int64  `json:"ts_ms"`
}

type cursorPayload struct {
	UserID      string  `json:"user_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	TimestampMS int64   `json:"ts_ms"`
}

type puzzleCompletedPayload struct {
	SessionID    string         `json:"session_id"`
	ElapsedMS    int64          `json:"elapsed_ms"`
	PlacedByUser map[string]int `json:"placed_by_user"`
	TimestampMS  int64          `json:"ts_ms"`
}

// Operation results.

type leaveResult struct {
	Left bool `json:"left"`
}

type moveResult struct {
	PieceID        string  `json:"piece_id"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Rotation       float64 `json:"rotation"`
	Placed         bool    `json:"placed"`
	CompletedCount int     `json:"completed_count"`
	TotalCount     int     `json:"total_count"`
	Completion     float64 `json:"completion"`
	PuzzleComplete bool    `json:"puzzle_complete"`
}

type lockResult struct {
	PieceID     string `json:"piece_id"`
	ExpiresAtMS int64  `json:"expires_at_ms"`
}

type unlockResult struct {
	PieceID string `json:"piece_id"`
}

type chatResult struct {
	MessageID   string `json:"message_id"`
	TimestampMS int64  `json:"ts_ms"`
}

// Snapshot is the authoritative session view returned on join.
type Snapshot struct {
	SessionID      string        `json:"session_id"`
	PuzzleID       string        `json:"puzzle_id"`
	Participants   []Participant `json:"participants"`
	Pieces         []PieceState  `json:"pieces"`
	CompletedCount int           `json:"completed_count"`
	TotalCount     int           `json:"total_count"`
	Completion     float64       `json:"completion"`
}

// Participant is one session member visible in the snapshot.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// PieceState is one piece's public state in the snapshot.
type PieceState struct {
	PieceID   string  `json:"piece_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Rotation  float64 `json:"rotation"`
	Placed    bool    `json:"placed"`
	LockOwner string  `json:"lock_owner,omitempty"`
}

// buildSnapshot assembles the join-time view: local participants, the full
// piece list and the completion ratio. Participant lists converge via the
// user-joined / user-left events that bracket it.
func (h *Hub) buildSnapshot(ctx context.Context, rec *store.SessionRecord) (*Snapshot, error) {
	pieces, err := h.pieces.PiecesBySession(ctx, rec.SessionID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		SessionID:  rec.SessionID,
		PuzzleID:   rec.PuzzleID,
		TotalCount: len(pieces),
		Pieces:     make([]PieceState, 0, len(pieces)),
	}
	for _, p := range pieces {
		if p.Placed {
			snap.CompletedCount++
		}
		snap.Pieces = append(snap.Pieces, PieceState{
			PieceID:   p.PieceID,
			X:         p.X,
			Y:         p.Y,
			Rotation:  p.Rotation,
			Placed:    p.Placed,
			LockOwner: p.LockOwner,
		})
	}
	snap.Completion = ratio(snap.CompletedCount, snap.TotalCount)

	seen := make(map[string]bool)
	for _, entry := range h.registry.BySession(rec.SessionID) {
		if seen[entry.UserID] {
			continue
		}
		seen[entry.UserID] = true
		snap.Participants = append(snap.Participants, Participant{
			UserID:      entry.UserID,
			DisplayName: entry.DisplayName,
		})
	}
	return snap, nil
}
