// SPDX-License-Identifier: MIT

// Package backplane fans session events out across replicas over the K/V
// store's pub/sub. Every replica publishes to a per-session topic and
// consumes the session wildcard, skipping its own envelopes.
package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/puzzleparty/backplane/internal/kv"
	"github.com/puzzleparty/backplane/internal/metrics"
)

// Envelope is the cross-replica event record. Payload carries the already
// encoded event arguments; consumers forward it without re-marshaling.
type Envelope struct {
	OriginReplica string          `json:"origin_replica"`
	OriginConn    string          `json:"origin_conn,omitempty"`
	SessionID     string          `json:"session_id"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload"`
	SentAtMS      int64           `json:"sent_at_ms"`
}

// Handler consumes envelopes published by other replicas. Called from the
// backplane's single consumer goroutine, so per-publisher order holds.
type Handler func(env *Envelope)

// Backplane publishes and consumes session event envelopes.
type Backplane struct {
	kv        kv.Store
	replicaID string
	prefix    string
	logger    zerolog.Logger
}

// New creates a backplane bound to a replica identity and topic prefix.
func New(kvStore kv.Store, replicaID, prefix string, logger zerolog.Logger) *Backplane {
	return &Backplane{kv: kvStore, replicaID: replicaID, prefix: prefix, logger: logger}
}

// ReplicaID returns this replica's identity.
func (b *Backplane) ReplicaID() string {
	return b.replicaID
}

// Topic returns the per-session channel name.
func (b *Backplane) Topic(sessionID string) string {
	return b.prefix + ":puzzle-" + sessionID
}

func (b *Backplane) pattern() string {
	return b.prefix + ":puzzle-*"
}

// Publish sends a session event to all replicas. Local delivery is the
// caller's job; a publish failure therefore degrades cross-replica fan-out
// only and is surfaced as an error for accounting, not retried.
func (b *Backplane) Publish(ctx context.Context, sessionID, event, originConn string, payload json.RawMessage) error {
	env := &Envelope{
		OriginReplica: b.replicaID,
		OriginConn:    originConn,
		SessionID:     sessionID,
		Event:         event,
		Payload:       payload,
		SentAtMS:      time.Now().UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("backplane: marshal envelope: %w", err)
	}
	if err := b.kv.Publish(ctx, b.Topic(sessionID), string(data)); err != nil {
		metrics.BackplanePublishErrors.Inc()
		return fmt.Errorf("backplane: publish %s: %w", event, err)
	}
	return nil
}

// Run consumes the session wildcard until the context is canceled or the
// subscription dies. Envelopes from this replica are skipped; malformed
// payloads are logged and dropped.
func (b *Backplane) Run(ctx context.Context, handle Handler) error {
	sub, err := b.kv.Subscribe(ctx, b.pattern())
	if err != nil {
		return fmt.Errorf("backplane: subscribe: %w", err)
	}
	defer func() { _ = sub.Close() }()

	b.logger.Info().
		Str("replica_id", b.replicaID).
		Str("pattern", b.pattern()).
		Msg("backplane consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("backplane: subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed envelope")
				continue
			}
			if env.OriginReplica == b.replicaID {
				continue
			}
			metrics.BackplaneReceived.Inc()
			handle(&env)
		}
	}
}
