// SPDX-License-Identifier: MIT

// Package wire defines the framed JSON protocol spoken over the client
// transport: client requests, server responses and server-pushed events.
package wire

import (
	"encoding/json"
	"fmt"
)

// Op names accepted from clients.
const (
	OpJoinSession  = "join-session"
	OpLeaveSession = "leave-session"
	OpMovePiece    = "move-piece"
	OpLockPiece    = "lock-piece"
	OpUnlockPiece  = "unlock-piece"
	OpSendChat     = "send-chat"
	OpCursor       = "cursor"
)

// Event names pushed to clients.
const (
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventPieceMoved      = "piece-moved"
	EventPieceLocked     = "piece-locked"
	EventPieceUnlocked   = "piece-unlocked"
	EventChatMessage     = "chat-message"
	EventCursorUpdate    = "cursor-update"
	EventPuzzleCompleted = "puzzle-completed"
)

// Request is a client -> server frame.
type Request struct {
	Op   string          `json:"op"`
	Seq  uint64          `json:"seq"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Frame is a server -> client frame, either a response to a request
// (Kind "response", Seq echoed) or an unsolicited event (Kind "event").
type Frame struct {
	Kind   string      `json:"kind"`
	Seq    *uint64     `json:"seq,omitempty"`
	Name   string      `json:"name"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

// Error is the machine-readable error envelope. Details carries structured
// context such as the current lock owner on PieceLocked.
type Error struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Code classifies a failed operation.
type Code string

const (
	CodeInvalidSessionID Code = "InvalidSessionId"
	CodeSessionNotFound  Code = "SessionNotFound"
	CodeSessionNotActive Code = "SessionNotActive"
	CodeAlreadyInSession Code = "AlreadyInSession"
	CodeNotInSession     Code = "NotInSession"
	CodeInvalidPieceID   Code = "InvalidPieceId"
	CodePieceNotFound    Code = "PieceNotFound"
	CodePieceLocked      Code = "PieceLocked"
	CodeNotOwner         Code = "NotOwner"
	CodeEmptyMessage     Code = "EmptyMessage"
	CodeMessageTooLong   Code = "MessageTooLong"
	CodeTimeout          Code = "Timeout"
	CodeStoreUnavailable Code = "StoreUnavailable"
	CodeUnauthorized     Code = "Unauthorized"
	CodeShuttingDown     Code = "ShuttingDown"
	CodeUnknownOp        Code = "UnknownOp"
	CodeMalformedFrame   Code = "MalformedFrame"
	CodeInternal         Code = "Internal"
)

// NewError builds an error envelope.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Response builds a successful response frame echoing seq.
func Response(seq uint64, name string, result interface{}) Frame {
	return Frame{Kind: "response", Seq: &seq, Name: name, OK: true, Result: result}
}

// ErrorResponse builds a failed response frame echoing seq.
func ErrorResponse(seq uint64, name string, err *Error) Frame {
	return Frame{Kind: "response", Seq: &seq, Name: name, OK: false, Error: err}
}

// Event builds an unsolicited event frame. Events carry no seq.
func Event(name string, payload interface{}) Frame {
	return Frame{Kind: "event", Name: name, OK: true, Result: payload}
}

// DecodeRequest parses a text frame into a Request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if req.Op == "" {
		return nil, fmt.Errorf("malformed frame: missing op")
	}
	return &req, nil
}

// Encode serializes a frame for the transport.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
