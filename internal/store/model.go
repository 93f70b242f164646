// SPDX-License-Identifier: MIT

package store

import "errors"

// Session status values. Only active sessions are fan-out-eligible.
const (
	SessionPending   = "pending"
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// Sentinel errors for missing rows.
var (
	ErrSessionNotFound = errors.New("store: session not found")
	ErrPieceNotFound   = errors.New("store: piece not found")
)

// SessionRecord is a durable session row.
type SessionRecord struct {
	SessionID     string
	PuzzleID      string
	Status        string
	CreatedAtMS   int64
	CompletedAtMS int64 // 0 until the puzzle completes
}

// Piece is a durable puzzle piece row.
type Piece struct {
	PieceID         string
	SessionID       string
	X               float64
	Y               float64
	Rotation        float64
	TargetX         float64
	TargetY         float64
	TargetRotation  float64
	Placed          bool
	LockOwner       string // empty when unlocked
	LockExpiresAtMS int64  // 0 when unlocked
}

// MoveResult is the outcome of an atomic position update.
type MoveResult struct {
	Applied        bool
	X              float64
	Y              float64
	Rotation       float64
	Placed         bool
	NewlyPlaced    bool // true only on the unplaced -> placed transition
	CompletedCount int
	TotalCount     int
	PuzzleComplete bool // true exactly once, on the crossing move
}

// ChatMessage is a persisted chat row.
type ChatMessage struct {
	MessageID   string
	SessionID   string
	UserID      string
	Body        string
	CreatedAtMS int64
}
