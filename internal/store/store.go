// SPDX-License-Identifier: MIT

// Package store is the durable piece-state adapter: puzzle pieces, session
// records and chat history backed by SQLite. The core never touches SQL
// outside this package.
package store

import "context"

// PieceStore is the contract the router and lock coordinator consume.
type PieceStore interface {
	// Sessions
	Session(ctx context.Context, sessionID string) (*SessionRecord, error)
	CreateSession(ctx context.Context, sessionID, puzzleID, status string) error
	SetSessionStatus(ctx context.Context, sessionID, status string) error

	// Pieces
	SeedPieces(ctx context.Context, pieces []Piece) error
	ReadPiece(ctx context.Context, pieceID string) (*Piece, error)
	PiecesBySession(ctx context.Context, sessionID string) ([]Piece, error)
	UpdatePosition(ctx context.Context, pieceID string, x, y, rotation float64) (*MoveResult, error)
	SetLock(ctx context.Context, pieceID, userID string, expiresAtMS int64) error
	ClearLocksFor(ctx context.Context, userID string) ([]string, error)

	// Chat
	AppendChat(ctx context.Context, msg *ChatMessage) error
	RecentChat(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)

	Ping(ctx context.Context) error
	Close() error
}
