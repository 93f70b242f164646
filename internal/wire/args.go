// SPDX-License-Identifier: MIT

package wire

// JoinSessionArgs are the arguments for the join-session op.
type JoinSessionArgs struct {
	SessionID string `json:"session_id"`
}

// MovePieceArgs are the arguments for the move-piece op.
type MovePieceArgs struct {
	PieceID  string  `json:"piece_id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
}

// LockPieceArgs are the arguments for lock-piece and unlock-piece.
type LockPieceArgs struct {
	PieceID string `json:"piece_id"`
}

// SendChatArgs are the arguments for the send-chat op.
type SendChatArgs struct {
	Text string `json:"text"`
}

// CursorArgs are the arguments for the cursor op.
type CursorArgs struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
