// SPDX-License-Identifier: MIT

// Package registry tracks this replica's live client connections with three
// indices (connection, user, session) and mirrors session attachment into
// ephemeral K/V records for cross-replica discovery.
package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/puzzleparty/backplane/internal/kv"
	"github.com/puzzleparty/backplane/internal/metrics"
	"github.com/puzzleparty/backplane/internal/wire"
)

// Registry errors.
var (
	ErrDuplicateConnection = errors.New("registry: connection already registered")
	ErrUnknownConnection   = errors.New("registry: unknown connection")
	ErrAlreadyAttached     = errors.New("registry: connection already attached to a session")
	ErrNotAttached         = errors.New("registry: connection not attached to a session")
)

// EphemeralTTL bounds the cross-replica discovery records.
const EphemeralTTL = 30 * time.Minute

// ConnSessionKey is the ephemeral record mapping a connection to its session.
func ConnSessionKey(connectionID string) string {
	return "connection:" + connectionID + ":session"
}

// UserSessionKey is the ephemeral record mapping a user to their session.
func UserSessionKey(userID string) string {
	return "user:" + userID + ":session"
}

// Sender delivers an outbound frame to a client. Implementations must not
// block; a false return means the frame was dropped.
type Sender interface {
	SendFrame(f wire.Frame) bool
}

// Entry is one live connection.
type Entry struct {
	ConnectionID  string
	UserID        string
	DisplayName   string
	EstablishedAt time.Time

	mu        sync.Mutex
	sessionID string
	lastSeen  time.Time
	sender    Sender
}

// SessionID returns the currently attached session, or "".
func (e *Entry) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// LastSeen returns the last observed activity time.
func (e *Entry) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// Sender returns the outbound delivery hook.
func (e *Entry) Sender() Sender {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sender
}

type sessionShard struct {
	mu      sync.RWMutex
	members map[string]map[string]*Entry // session id -> connection id -> entry
}

// Registry is the per-replica connection table.
type Registry struct {
	kv     kv.Store
	logger zerolog.Logger

	connMu sync.RWMutex
	byConn map[string]*Entry
	byUser map[string]map[string]*Entry // user id -> connection id -> entry

	shards []*sessionShard
}

// New creates an empty registry. The shard count follows the worker
// parallelism so the hot fan-out path contends on at most one shard.
func New(kvStore kv.Store, logger zerolog.Logger) *Registry {
	n := runtime.GOMAXPROCS(0) * 4
	if n < 4 {
		n = 4
	}
	shards := make([]*sessionShard, n)
	for i := range shards {
		shards[i] = &sessionShard{members: make(map[string]map[string]*Entry)}
	}
	return &Registry{
		kv:     kvStore,
		logger: logger,
		byConn: make(map[string]*Entry),
		byUser: make(map[string]map[string]*Entry),
		shards: shards,
	}
}

func (r *Registry) shardFor(sessionID string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register adds a connection on transport accept.
func (r *Registry) Register(connectionID, userID, displayName string, sender Sender) (*Entry, error) {
	now := time.Now()
	entry := &Entry{
		ConnectionID:  connectionID,
		UserID:        userID,
		DisplayName:   displayName,
		EstablishedAt: now,
		lastSeen:      now,
		sender:        sender,
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	if _, exists := r.byConn[connectionID]; exists {
		return nil, ErrDuplicateConnection
	}
	r.byConn[connectionID] = entry
	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]*Entry)
		r.byUser[userID] = conns
	}
	conns[connectionID] = entry

	metrics.ConnectionsActive.Set(float64(len(r.byConn)))
	return entry, nil
}

// AttachSession binds a connection to a session and writes the ephemeral
// discovery records.
func (r *Registry) AttachSession(ctx context.Context, connectionID, sessionID string) error {
	entry, err := r.lookup(connectionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.sessionID != "" {
		entry.mu.Unlock()
		return ErrAlreadyAttached
	}
	entry.sessionID = sessionID
	entry.lastSeen = time.Now()
	entry.mu.Unlock()

	shard := r.shardFor(sessionID)
	shard.mu.Lock()
	members := shard.members[sessionID]
	if members == nil {
		members = make(map[string]*Entry)
		shard.members[sessionID] = members
	}
	members[connectionID] = entry
	memberCount := len(members)
	shard.mu.Unlock()

	metrics.SessionMembers.WithLabelValues(sessionID).Set(float64(memberCount))
	r.writeEphemeral(ctx, entry, sessionID)
	return nil
}

// Detach unbinds a connection from its session, deletes the ephemeral
// records and returns the prior session id.
func (r *Registry) Detach(ctx context.Context, connectionID string) (string, error) {
	entry, err := r.lookup(connectionID)
	if err != nil {
		return "", err
	}

	entry.mu.Lock()
	sessionID := entry.sessionID
	entry.sessionID = ""
	entry.mu.Unlock()

	if sessionID == "" {
		return "", ErrNotAttached
	}

	shard := r.shardFor(sessionID)
	shard.mu.Lock()
	if members, ok := shard.members[sessionID]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(shard.members, sessionID)
			metrics.SessionMembers.DeleteLabelValues(sessionID)
		} else {
			metrics.SessionMembers.WithLabelValues(sessionID).Set(float64(len(members)))
		}
	}
	shard.mu.Unlock()

	r.deleteEphemeral(ctx, entry)
	return sessionID, nil
}

// Unregister removes the connection entirely. Callers detach first.
func (r *Registry) Unregister(connectionID string) {
	r.connMu.Lock()
	entry, ok := r.byConn[connectionID]
	if ok {
		delete(r.byConn, connectionID)
		if conns := r.byUser[entry.UserID]; conns != nil {
			delete(conns, connectionID)
			if len(conns) == 0 {
				delete(r.byUser, entry.UserID)
			}
		}
	}
	metrics.ConnectionsActive.Set(float64(len(r.byConn)))
	r.connMu.Unlock()
}

// Touch refreshes the liveness timestamp on any observed activity.
func (r *Registry) Touch(connectionID string) {
	if entry, err := r.lookup(connectionID); err == nil {
		entry.mu.Lock()
		entry.lastSeen = time.Now()
		entry.mu.Unlock()
	}
}

// ByConnection returns the entry for a connection id.
func (r *Registry) ByConnection(connectionID string) (*Entry, bool) {
	entry, err := r.lookup(connectionID)
	return entry, err == nil
}

// ByUser returns all entries for a user id.
func (r *Registry) ByUser(userID string) []*Entry {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*Entry, 0, len(conns))
	for _, e := range conns {
		out = append(out, e)
	}
	return out
}

// BySession returns a snapshot of the session's local members. The snapshot
// is safe to iterate without holding any registry lock.
func (r *Registry) BySession(sessionID string) []*Entry {
	shard := r.shardFor(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	members := shard.members[sessionID]
	out := make([]*Entry, 0, len(members))
	for _, e := range members {
		out = append(out, e)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return len(r.byConn)
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Entry {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	out := make([]*Entry, 0, len(r.byConn))
	for _, e := range r.byConn {
		out = append(out, e)
	}
	return out
}

func (r *Registry) lookup(connectionID string) (*Entry, error) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	entry, ok := r.byConn[connectionID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return entry, nil
}

func (r *Registry) writeEphemeral(ctx context.Context, entry *Entry, sessionID string) {
	if r.kv == nil {
		return
	}
	if _, err := r.kv.Set(ctx, ConnSessionKey(entry.ConnectionID), sessionID, EphemeralTTL, kv.SetAlways); err != nil {
		r.logger.Warn().Err(err).Str("connection_id", entry.ConnectionID).Msg("ephemeral connection record write failed")
	}
	if _, err := r.kv.Set(ctx, UserSessionKey(entry.UserID), sessionID, EphemeralTTL, kv.SetAlways); err != nil {
		r.logger.Warn().Err(err).Str("user_id", entry.UserID).Msg("ephemeral user record write failed")
	}
}

func (r *Registry) deleteEphemeral(ctx context.Context, entry *Entry) {
	if r.kv == nil {
		return
	}
	if err := r.kv.Delete(ctx, ConnSessionKey(entry.ConnectionID)); err != nil {
		r.logger.Debug().Err(err).Str("connection_id", entry.ConnectionID).Msg("ephemeral connection record delete failed")
	}
	if err := r.kv.Delete(ctx, UserSessionKey(entry.UserID)); err != nil {
		r.logger.Debug().Err(err).Str("user_id", entry.UserID).Msg("ephemeral user record delete failed")
	}
}
