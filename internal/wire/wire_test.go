// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"op":"move-piece","seq":7,"args":{"piece-id":"p1"}}`))
		require.NoError(t, err)
		assert.Equal(t, OpMovePiece, req.Op)
		assert.Equal(t, uint64(7), req.Seq)
		assert.JSONEq(t, `{"piece-id":"p1"}`, string(req.Args))
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeRequest([]byte("move p1 please"))
		require.Error(t, err)
	})

	t.Run("missing op", func(t *testing.T) {
		_, err := DecodeRequest([]byte(`{"seq":1}`))
		require.Error(t, err)
	})
}

func TestFrame_ResponseShape(t *testing.T) {
	data, err := Response(3, OpLockPiece, map[string]string{"piece-id": "p1"}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"kind":"response","seq":3,"name":"lock-piece","ok":true,"result":{"piece-id":"p1"}}`,
		string(data))
}

func TestFrame_ErrorResponseShape(t *testing.T) {
	wireErr := NewError(CodePieceLocked, "piece held by another user")
	wireErr.Details = map[string]string{"current-owner": "bob"}

	data, err := ErrorResponse(4, OpMovePiece, wireErr).Encode()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"kind":"response","seq":4,"name":"move-piece","ok":false,
		  "error":{"code":"PieceLocked","message":"piece held by another user",
		           "details":{"current-owner":"bob"}}}`,
		string(data))
}

func TestFrame_EventCarriesNoSeq(t *testing.T) {
	data, err := Event(EventUserJoined, map[string]string{"user-id": "u1"}).Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "seq")
	assert.JSONEq(t, `"event"`, string(raw["kind"]))
}

func TestError_Error(t *testing.T) {
	err := NewError(CodeNotOwner, "lock held by someone else")
	assert.Equal(t, "NotOwner: lock held by someone else", err.Error())
}
