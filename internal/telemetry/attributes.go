// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by all spans so traces stay queryable.
const (
	// Session attributes
	SessionIDKey    = "puzzle.session_id"
	ConnectionIDKey = "puzzle.connection_id"
	UserIDKey       = "puzzle.user_id"
	OpKey           = "puzzle.op"

	// Piece attributes
	PieceIDKey   = "puzzle.piece_id"
	LockOwnerKey = "puzzle.lock_owner"
	PlacedKey    = "puzzle.placed"

	// Backplane attributes
	ReplicaIDKey = "puzzle.replica_id"
	TopicKey     = "puzzle.topic"
	EventKey     = "puzzle.event"

	// Error attributes
	ErrorKey     = "error"
	ErrorCodeKey = "error.code"
)

// OpAttributes creates the common per-operation span attributes.
func OpAttributes(connectionID, userID, op string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ConnectionIDKey, connectionID),
		attribute.String(UserIDKey, userID),
		attribute.String(OpKey, op),
	}
}

// PieceAttributes creates piece-related span attributes.
func PieceAttributes(pieceID, lockOwner string, placed bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(PieceIDKey, pieceID),
		attribute.Bool(PlacedKey, placed),
	}
	if lockOwner != "" {
		attrs = append(attrs, attribute.String(LockOwnerKey, lockOwner))
	}
	return attrs
}

// BackplaneAttributes creates backplane-related span attributes.
func BackplaneAttributes(replicaID, topic, event string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ReplicaIDKey, replicaID),
		attribute.String(TopicKey, topic),
		attribute.String(EventKey, event),
	}
}

// ErrorAttributes marks a span failed with the wire error code.
func ErrorAttributes(code string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorCodeKey, code),
	}
}
