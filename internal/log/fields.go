// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldConnectionID = "connection_id"
	FieldUserID       = "user_id"
	FieldSessionID    = "session_id"
	FieldPieceID      = "piece_id"
	FieldReplicaID    = "replica_id"
	FieldMessageID    = "message_id"

	// Routing fields
	FieldOp        = "op"
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTopic     = "topic"
	FieldSeq       = "seq"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldOwner    = "owner"
	FieldCode     = "code"
)
