// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puzzleparty/backplane/internal/backplane"
	"github.com/puzzleparty/backplane/internal/hub"
	"github.com/puzzleparty/backplane/internal/kv"
	"github.com/puzzleparty/backplane/internal/locks"
	"github.com/puzzleparty/backplane/internal/registry"
	"github.com/puzzleparty/backplane/internal/store"
	"github.com/puzzleparty/backplane/internal/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub, *store.SqliteStore) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewRedisStoreFromClient(client, zerolog.Nop())
	t.Cleanup(func() { _ = kvStore.Close() })

	pieces, err := store.Open(filepath.Join(t.TempDir(), "ws.db"),
		store.Tolerances{Position: 5, Rotation: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pieces.Close() })

	reg := registry.New(kvStore, zerolog.Nop())
	lc := locks.New(kvStore, pieces, 30*time.Second, zerolog.Nop())
	bp := backplane.New(kvStore, "replica-ws", "puzzle-app", zerolog.Nop())
	h := hub.New(reg, lc, pieces, bp, hub.Options{
		OpDeadline:   5 * time.Second,
		CursorWindow: 20 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { h.DrainAll(context.Background()) })

	srv := NewServer(h, 30*time.Second, 15*time.Second, zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleUpgrade))
	t.Cleanup(ts.Close)

	return ts, h, pieces
}

func dial(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?user=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendReq(t *testing.T, conn *websocket.Conn, seq uint64, op string, args interface{}) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	req := wire.Request{Op: op, Seq: seq, Args: raw}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wire.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestUpgrade_RequiresIdentity(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoundTrip_JoinAndEvents(t *testing.T) {
	ts, _, pieces := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, pieces.CreateSession(ctx, "s1", "puzzle-1", store.SessionActive))
	require.NoError(t, pieces.SeedPieces(ctx, []store.Piece{
		{PieceID: "p1", SessionID: "s1", TargetX: 50, TargetY: 50},
	}))

	alice := dial(t, ts, "alice")
	sendReq(t, alice, 1, wire.OpJoinSession, wire.JoinSessionArgs{SessionID: "s1"})

	f := readFrame(t, alice)
	assert.Equal(t, "response", f.Kind)
	require.NotNil(t, f.Seq)
	assert.Equal(t, uint64(1), *f.Seq)
	assert.True(t, f.OK)

	// A second client's join pushes an event to the first.
	bob := dial(t, ts, "bob")
	sendReq(t, bob, 1, wire.OpJoinSession, wire.JoinSessionArgs{SessionID: "s1"})
	readFrame(t, bob) // bob's join response

	ev := readFrame(t, alice)
	assert.Equal(t, "event", ev.Kind)
	assert.Equal(t, wire.EventUserJoined, ev.Name)
	assert.Nil(t, ev.Seq, "events carry no seq")

	// Responses echo their own seq even after events interleave.
	sendReq(t, alice, 7, wire.OpMovePiece, wire.MovePieceArgs{PieceID: "p1", X: 1, Y: 2})
	for {
		f = readFrame(t, alice)
		if f.Kind == "response" {
			break
		}
	}
	require.NotNil(t, f.Seq)
	assert.Equal(t, uint64(7), *f.Seq)
	assert.True(t, f.OK)
}

func TestMalformedFrame_AnswersWithoutClosing(t *testing.T) {
	ts, _, _ := newTestServer(t)

	conn := dial(t, ts, "alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	f := readFrame(t, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, wire.CodeMalformedFrame, f.Error.Code)

	// The connection is still usable.
	sendReq(t, conn, 2, wire.OpJoinSession, wire.JoinSessionArgs{SessionID: "ghost"})
	f = readFrame(t, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, wire.CodeSessionNotFound, f.Error.Code)
}

func TestBinaryFrame_IgnoredNotFatal(t *testing.T) {
	ts, _, pieces := newTestServer(t)
	require.NoError(t, pieces.CreateSession(context.Background(), "s1", "puzzle-1", store.SessionActive))

	conn := dial(t, ts, "alice")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))

	// Still alive afterwards.
	sendReq(t, conn, 1, wire.OpJoinSession, wire.JoinSessionArgs{SessionID: "s1"})
	f := readFrame(t, conn)
	assert.True(t, f.OK)
}

func TestShutdown_RefusesNewConnections(t *testing.T) {
	ts, h, _ := newTestServer(t)
	h.BeginShutdown()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?user=late"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		// The upgrade may succeed before the close frame arrives; the
		// server must close immediately with a restart code.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, rerr := conn.ReadMessage()
		require.Error(t, rerr)
		_ = conn.Close()
	}
}
