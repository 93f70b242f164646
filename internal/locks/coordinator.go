// SPDX-License-Identifier: MIT

// Package locks implements exclusive, TTL-bounded ownership of puzzle
// pieces, coherent across replicas. The K/V store is the authority; the
// durable piece row caches the owner for discovery and crash recovery.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/puzzleparty/backplane/internal/kv"
	"github.com/puzzleparty/backplane/internal/metrics"
	"github.com/puzzleparty/backplane/internal/store"
)

// ErrPieceNotFound reports a lock operation against a piece the durable
// store does not know.
var ErrPieceNotFound = errors.New("locks: piece not found")

// LockKey returns the K/V key guarding a piece.
func LockKey(pieceID string) string {
	return "lock:" + pieceID
}

// releaseScript deletes the lock only when the caller still owns it.
// Returns 1 on delete, 2 when the key already expired, 3 when owned by
// someone else.
const releaseScript = `local ch = redis.call("GET", KEYS[1])
if (ch == false) then
	return 2
elseif ch == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 3
end`

// extendScript resets the TTL only when the caller still owns the lock.
const extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

// AcquireResult is the outcome of an acquire attempt.
type AcquireResult struct {
	Acquired     bool
	CurrentOwner string    // set when the lock is held by someone else
	ExpiresAt    time.Time // set when acquired
}

// ReleaseReason explains a refused release.
type ReleaseReason string

const (
	ReleaseOK       ReleaseReason = ""
	ReleaseNotOwner ReleaseReason = "NotOwner"
)

// ReleaseResult is the outcome of a release attempt.
type ReleaseResult struct {
	Released bool
	Reason   ReleaseReason
}

// MoveAuth is the outcome of a move authorization check.
type MoveAuth struct {
	Allowed      bool
	HeldByCaller bool   // caller owns the live K/V lock
	CurrentOwner string // set when another user holds the lock
}

// Coordinator owns all Lock record writes.
type Coordinator struct {
	kv     kv.Store
	pieces store.PieceStore
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a lock coordinator with the given TTL policy.
func New(kvStore kv.Store, pieces store.PieceStore, ttl time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{kv: kvStore, pieces: pieces, ttl: ttl, logger: logger}
}

// TTL returns the configured lock TTL.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// Acquire attempts to take the piece lock for userID. The conditional set
// linearizes concurrent attempts: exactly one caller wins. On contention
// the current owner comes from a fresh read.
func (c *Coordinator) Acquire(ctx context.Context, pieceID, userID string) (*AcquireResult, error) {
	if _, err := c.pieces.ReadPiece(ctx, pieceID); err != nil {
		if errors.Is(err, store.ErrPieceNotFound) {
			return nil, ErrPieceNotFound
		}
		return nil, fmt.Errorf("locks: durable read: %w", err)
	}

	ok, err := c.kv.Set(ctx, LockKey(pieceID), userID, c.ttl, kv.SetIfAbsent)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.IncLock("acquire", "contended")
		owner, err := c.kv.Get(ctx, LockKey(pieceID))
		if errors.Is(err, kv.ErrNotFound) {
			// Lost the race against an expiry; caller retries.
			return &AcquireResult{Acquired: false}, nil
		}
		if err != nil {
			return nil, err
		}
		return &AcquireResult{Acquired: false, CurrentOwner: owner}, nil
	}
	metrics.IncLock("acquire", "ok")

	expiresAt := time.Now().Add(c.ttl)
	if err := c.pieces.SetLock(ctx, pieceID, userID, expiresAt.UnixMilli()); err != nil {
		c.logger.Warn().Err(err).
			Str("piece_id", pieceID).
			Str("owner", userID).
			Msg("durable lock-owner cache update failed")
	}
	return &AcquireResult{Acquired: true, ExpiresAt: expiresAt}, nil
}

// Release drops the lock when the caller owns it. An already expired key
// counts as released; a foreign owner refuses with NotOwner.
func (c *Coordinator) Release(ctx context.Context, pieceID, userID string) (*ReleaseResult, error) {
	res, err := c.kv.Eval(ctx, releaseScript, []string{LockKey(pieceID)}, userID)
	if err != nil {
		return nil, err
	}
	code, _ := res.(int64)
	switch code {
	case 1, 2:
		// Deleted, or expired on its own. Either way the durable cache clears.
		if err := c.pieces.SetLock(ctx, pieceID, "", 0); err != nil && !errors.Is(err, store.ErrPieceNotFound) {
			c.logger.Warn().Err(err).Str("piece_id", pieceID).Msg("durable lock clear failed")
		}
		metrics.IncLock("release", "ok")
		return &ReleaseResult{Released: true}, nil
	case 3:
		metrics.IncLock("release", "not_owner")
		return &ReleaseResult{Released: false, Reason: ReleaseNotOwner}, nil
	default:
		return nil, fmt.Errorf("locks: unexpected release script result %v", res)
	}
}

// Extend resets the TTL. Only the owner may extend.
func (c *Coordinator) Extend(ctx context.Context, pieceID, userID string) (bool, error) {
	res, err := c.kv.Eval(ctx, extendScript, []string{LockKey(pieceID)}, userID, c.ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	code, _ := res.(int64)
	return code == 1, nil
}

// AuthorizeMove decides whether userID may mutate the piece: allowed when
// the caller holds the live lock or the piece is unlocked. A durable owner
// left behind by an expired K/V lock is reconciled here — the stale field
// is cleared and the move accepted.
func (c *Coordinator) AuthorizeMove(ctx context.Context, pieceID, userID string) (*MoveAuth, error) {
	owner, err := c.kv.Get(ctx, LockKey(pieceID))
	switch {
	case err == nil:
		if owner == userID {
			return &MoveAuth{Allowed: true, HeldByCaller: true}, nil
		}
		return &MoveAuth{Allowed: false, CurrentOwner: owner}, nil
	case errors.Is(err, kv.ErrNotFound):
		// No live lock. Reconcile a stale durable owner inside the bounded
		// window before accepting the move.
		p, perr := c.pieces.ReadPiece(ctx, pieceID)
		if perr != nil {
			if errors.Is(perr, store.ErrPieceNotFound) {
				return nil, ErrPieceNotFound
			}
			return nil, perr
		}
		if p.LockOwner != "" {
			if cerr := c.pieces.SetLock(ctx, pieceID, "", 0); cerr != nil {
				c.logger.Warn().Err(cerr).Str("piece_id", pieceID).Msg("stale durable lock clear failed")
			}
		}
		return &MoveAuth{Allowed: true}, nil
	default:
		return nil, err
	}
}

// ReleaseAllFor bulk-clears the durable lock-owner fields for the user and
// best-effort deletes the matching K/V keys; keys it cannot reach expire on
// their own TTL. Returns the piece IDs that were held.
func (c *Coordinator) ReleaseAllFor(ctx context.Context, userID string) ([]string, error) {
	ids, err := c.pieces.ClearLocksFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, pieceID := range ids {
		if _, err := c.kv.Eval(ctx, releaseScript, []string{LockKey(pieceID)}, userID); err != nil {
			c.logger.Debug().Err(err).
				Str("piece_id", pieceID).
				Str("owner", userID).
				Msg("best-effort lock delete failed, key will expire by TTL")
		}
	}
	return ids, nil
}
