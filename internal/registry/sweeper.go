// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Evictor is invoked for each idle connection; the hub wires this to the
// same teardown path an explicit disconnect takes.
type Evictor func(ctx context.Context, connectionID string)

// Sweeper periodically evicts connections idle past the deadline and
// refreshes the ephemeral discovery records of the live ones.
type Sweeper struct {
	registry *Registry
	evict    Evictor
	interval time.Duration
	idleMax  time.Duration
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper. interval is the scan period, idleMax the
// allowed silence before eviction.
func NewSweeper(r *Registry, evict Evictor, interval, idleMax time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		registry: r,
		evict:    evict,
		interval: interval,
		idleMax:  idleMax,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("idle_max", s.idleMax).
		Msg("connection sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("connection sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single scan. Exported for tests and for a forced sweep
// during drain.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()
	evicted := 0
	for _, entry := range s.registry.All() {
		if now.Sub(entry.LastSeen()) > s.idleMax {
			s.logger.Info().
				Str("connection_id", entry.ConnectionID).
				Str("user_id", entry.UserID).
				Time("last_seen", entry.LastSeen()).
				Msg("evicting idle connection")
			s.evict(ctx, entry.ConnectionID)
			evicted++
			continue
		}
		if sessionID := entry.SessionID(); sessionID != "" {
			s.registry.writeEphemeral(ctx, entry, sessionID)
		}
	}
	if evicted > 0 {
		s.logger.Debug().Int("evicted", evicted).Msg("sweep complete")
	}
}
