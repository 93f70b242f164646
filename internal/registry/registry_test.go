// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puzzleparty/backplane/internal/kv"
	"github.com/puzzleparty/backplane/internal/wire"
)

type nopSender struct{}

func (nopSender) SendFrame(wire.Frame) bool { return true }

func newTestRegistry(t *testing.T) (*miniredis.Miniredis, *Registry) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewRedisStoreFromClient(client, zerolog.Nop())
	t.Cleanup(func() { _ = kvStore.Close() })

	return mr, New(kvStore, zerolog.Nop())
}

func TestRegister_Duplicate(t *testing.T) {
	_, r := newTestRegistry(t)

	_, err := r.Register("c1", "alice", "Alice", nopSender{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())

	_, err = r.Register("c1", "alice", "Alice", nopSender{})
	assert.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestAttachDetach_EphemeralRecords(t *testing.T) {
	mr, r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register("c1", "alice", "Alice", nopSender{})
	require.NoError(t, err)

	require.NoError(t, r.AttachSession(ctx, "c1", "s1"))
	got, err := mr.Get(ConnSessionKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "s1", got)
	got, err = mr.Get(UserSessionKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, "s1", got)

	// TTL is bounded, not unlimited.
	assert.Greater(t, mr.TTL(ConnSessionKey("c1")), time.Duration(0))

	// Double attach refused.
	assert.ErrorIs(t, r.AttachSession(ctx, "c1", "s2"), ErrAlreadyAttached)

	prior, err := r.Detach(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", prior)
	assert.False(t, mr.Exists(ConnSessionKey("c1")))
	assert.False(t, mr.Exists(UserSessionKey("alice")))

	_, err = r.Detach(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestAttach_UnknownConnection(t *testing.T) {
	_, r := newTestRegistry(t)
	assert.ErrorIs(t, r.AttachSession(context.Background(), "ghost", "s1"), ErrUnknownConnection)
}

func TestBySession_SnapshotsLocalMembers(t *testing.T) {
	_, r := newTestRegistry(t)
	ctx := context.Background()

	for _, c := range []struct{ cid, uid, sid string }{
		{"c1", "alice", "s1"},
		{"c2", "bob", "s1"},
		{"c3", "carol", "s2"},
	} {
		_, err := r.Register(c.cid, c.uid, c.uid, nopSender{})
		require.NoError(t, err)
		require.NoError(t, r.AttachSession(ctx, c.cid, c.sid))
	}

	members := r.BySession("s1")
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ConnectionID)
	}
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)

	_, err := r.Detach(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, r.BySession("s1"), 1)
	assert.Empty(t, r.BySession("s3"))
}

func TestByUser_MultipleConnections(t *testing.T) {
	_, r := newTestRegistry(t)

	_, err := r.Register("c1", "alice", "Alice", nopSender{})
	require.NoError(t, err)
	_, err = r.Register("c2", "alice", "Alice", nopSender{})
	require.NoError(t, err)

	assert.Len(t, r.ByUser("alice"), 2)

	r.Unregister("c1")
	assert.Len(t, r.ByUser("alice"), 1)
	r.Unregister("c2")
	assert.Empty(t, r.ByUser("alice"))
	assert.Zero(t, r.Count())
}

func TestTouch_UpdatesLastSeen(t *testing.T) {
	_, r := newTestRegistry(t)

	entry, err := r.Register("c1", "alice", "Alice", nopSender{})
	require.NoError(t, err)

	before := entry.LastSeen()
	time.Sleep(5 * time.Millisecond)
	r.Touch("c1")
	assert.True(t, entry.LastSeen().After(before))
}

func TestSweeper_EvictsIdleOnly(t *testing.T) {
	_, r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register("stale", "alice", "Alice", nopSender{})
	require.NoError(t, err)
	_, err = r.Register("fresh", "bob", "Bob", nopSender{})
	require.NoError(t, err)

	// Age the first connection past the idle deadline.
	stale, ok := r.ByConnection("stale")
	require.True(t, ok)
	stale.mu.Lock()
	stale.lastSeen = time.Now().Add(-time.Minute)
	stale.mu.Unlock()

	var evicted []string
	sw := NewSweeper(r, func(_ context.Context, cid string) {
		evicted = append(evicted, cid)
		r.Unregister(cid)
	}, time.Second, 30*time.Second, zerolog.Nop())

	sw.SweepOnce(ctx)
	assert.Equal(t, []string{"stale"}, evicted)
	assert.Equal(t, 1, r.Count())
}

func TestSweeper_RefreshesEphemeralRecords(t *testing.T) {
	mr, r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register("c1", "alice", "Alice", nopSender{})
	require.NoError(t, err)
	require.NoError(t, r.AttachSession(ctx, "c1", "s1"))

	// Age the record most of the way to expiry; the sweep restores the TTL.
	mr.FastForward(EphemeralTTL - time.Minute)
	require.Less(t, mr.TTL(ConnSessionKey("c1")), 2*time.Minute)

	sw := NewSweeper(r, func(context.Context, string) {}, time.Second, time.Hour, zerolog.Nop())
	sw.SweepOnce(ctx)

	assert.Greater(t, mr.TTL(ConnSessionKey("c1")), EphemeralTTL-time.Minute)
	assert.Greater(t, mr.TTL(UserSessionKey("alice")), EphemeralTTL-time.Minute)
}
