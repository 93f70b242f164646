// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Tolerances{Position: 5, Rotation: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *SqliteStore, sessionID string, pieces []Piece) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, sessionID, "puzzle-1", SessionActive))
	require.NoError(t, s.SeedPieces(ctx, pieces))
}

func TestSession_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, s.CreateSession(ctx, "s1", "puzzle-1", SessionPending))
	rec, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionPending, rec.Status)
	assert.Zero(t, rec.CompletedAtMS)

	require.NoError(t, s.SetSessionStatus(ctx, "s1", SessionActive))
	rec, err = s.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, rec.Status)

	assert.ErrorIs(t, s.SetSessionStatus(ctx, "missing", SessionActive), ErrSessionNotFound)
}

func TestReadPiece_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadPiece(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPieceNotFound)
}

func TestUpdatePosition_ToleranceBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", []Piece{
		{PieceID: "p1", SessionID: "s1", TargetX: 200, TargetY: 200, TargetRotation: 0},
		{PieceID: "p2", SessionID: "s1", TargetX: 0, TargetY: 0, TargetRotation: 0},
	})

	// Within 5 units / 5 degrees: placed.
	res, err := s.UpdatePosition(ctx, "p1", 203, 198, 4)
	require.NoError(t, err)
	assert.True(t, res.Placed)
	assert.Equal(t, 1, res.CompletedCount)
	assert.Equal(t, 2, res.TotalCount)
	assert.False(t, res.PuzzleComplete)

	// One unit beyond tolerance: not placed.
	res, err = s.UpdatePosition(ctx, "p2", 6, 0, 0)
	require.NoError(t, err)
	assert.False(t, res.Placed)

	// Rotation wraps modulo 360: 357 is 3 degrees from 0.
	res, err = s.UpdatePosition(ctx, "p2", 2, -3, 357)
	require.NoError(t, err)
	assert.True(t, res.Placed)
	assert.True(t, res.PuzzleComplete, "last placed piece completes the puzzle")
}

func TestUpdatePosition_PlacedIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", []Piece{
		{PieceID: "p1", SessionID: "s1", TargetX: 100, TargetY: 100, TargetRotation: 0},
		{PieceID: "p2", SessionID: "s1", TargetX: 0, TargetY: 0, TargetRotation: 0},
	})

	res, err := s.UpdatePosition(ctx, "p1", 100, 100, 0)
	require.NoError(t, err)
	require.True(t, res.Placed)

	// Moving a placed piece far away keeps it placed; the counter is monotone.
	res, err = s.UpdatePosition(ctx, "p1", 500, 500, 90)
	require.NoError(t, err)
	assert.True(t, res.Placed)
	assert.Equal(t, 1, res.CompletedCount)

	p, err := s.ReadPiece(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Placed)
	assert.Equal(t, 500.0, p.X)
}

func TestUpdatePosition_PuzzleCompleteFiresOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", []Piece{
		{PieceID: "p1", SessionID: "s1", TargetX: 10, TargetY: 10, TargetRotation: 0},
	})

	res, err := s.UpdatePosition(ctx, "p1", 10, 10, 0)
	require.NoError(t, err)
	assert.True(t, res.PuzzleComplete)

	// A later move keeps placed but must not re-fire completion.
	res, err = s.UpdatePosition(ctx, "p1", 11, 11, 0)
	require.NoError(t, err)
	assert.True(t, res.Placed)
	assert.False(t, res.PuzzleComplete)

	rec, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	assert.NotZero(t, rec.CompletedAtMS)
}

func TestMoveReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", []Piece{
		{PieceID: "p1", SessionID: "s1", TargetX: 1000, TargetY: 1000, TargetRotation: 180},
	})

	_, err := s.UpdatePosition(ctx, "p1", 42.5, 17.25, 90)
	require.NoError(t, err)

	p, err := s.ReadPiece(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, p.X)
	assert.Equal(t, 17.25, p.Y)
	assert.Equal(t, 90.0, p.Rotation)
}

func TestSetLock_And_ClearLocksFor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", []Piece{
		{PieceID: "p1", SessionID: "s1"},
		{PieceID: "p2", SessionID: "s1"},
		{PieceID: "p3", SessionID: "s1"},
	})

	expiry := time.Now().Add(30 * time.Second).UnixMilli()
	require.NoError(t, s.SetLock(ctx, "p1", "alice", expiry))
	require.NoError(t, s.SetLock(ctx, "p2", "alice", expiry))
	require.NoError(t, s.SetLock(ctx, "p3", "bob", expiry))

	p, err := s.ReadPiece(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.LockOwner)
	assert.Equal(t, expiry, p.LockExpiresAtMS)

	ids, err := s.ClearLocksFor(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)

	p, err = s.ReadPiece(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, p.LockOwner)

	// Bob's lock is untouched.
	p, err = s.ReadPiece(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.LockOwner)

	// Clearing an owner with no locks is a no-op.
	ids, err = s.ClearLocksFor(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSetLock_UnlockClearsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", []Piece{{PieceID: "p1", SessionID: "s1"}})

	require.NoError(t, s.SetLock(ctx, "p1", "alice", time.Now().UnixMilli()))
	require.NoError(t, s.SetLock(ctx, "p1", "", 0))

	p, err := s.ReadPiece(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, p.LockOwner)
	assert.Zero(t, p.LockExpiresAtMS)

	assert.ErrorIs(t, s.SetLock(ctx, "missing", "alice", 0), ErrPieceNotFound)
}

func TestChat_AppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", nil)

	for i, body := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendChat(ctx, &ChatMessage{
			MessageID:   string(rune('a' + i)),
			SessionID:   "s1",
			UserID:      "alice",
			Body:        body,
			CreatedAtMS: int64(1000 + i),
		}))
	}

	msgs, err := s.RecentChat(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "third", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)
}

func TestPiecesBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", []Piece{
		{PieceID: "p2", SessionID: "s1"},
		{PieceID: "p1", SessionID: "s1"},
	})
	seedSession(t, s, "s2", []Piece{{PieceID: "q1", SessionID: "s2"}})

	pieces, err := s.PiecesBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pieces, 2)
	assert.Equal(t, "p1", pieces[0].PieceID)
	assert.Equal(t, "p2", pieces[1].PieceID)
}
