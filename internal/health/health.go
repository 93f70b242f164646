// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for the replica.
// Readiness reflects the coordination store and the durable piece store;
// liveness only says the process is up.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/puzzleparty/backplane/internal/log"
)

// Status is the overall or per-component health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	ReplicaID string                 `json:"replica_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one probeable component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers behind the probe endpoints.
type Manager struct {
	version   string
	replicaID string
	checkers  []Checker
}

// NewManager creates a health manager for this replica.
func NewManager(version, replicaID string) *Manager {
	return &Manager{version: version, replicaID: replicaID}
}

// RegisterChecker adds a component checker.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	checks := make(map[string]CheckResult, len(m.checkers))
	overall := StatusHealthy
	for _, c := range m.checkers {
		res := c.Check(ctx)
		checks[c.Name()] = res
		switch res.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return checks, overall
}

// Health is the liveness probe. Always healthy while the process runs;
// verbose mode appends the component detail.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		ReplicaID: m.replicaID,
		Timestamp: time.Now(),
	}
	if verbose && len(m.checkers) > 0 {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}
	return resp
}

// Ready is the readiness probe: not ready while any component is unhealthy.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{Ready: true, Status: StatusHealthy, Timestamp: time.Now()}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks, resp.Status = m.runChecks(ctx)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

// ServeHealth handles GET /healthz.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	resp := m.Health(r.Context(), r.URL.Query().Get("verbose") == "true")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("failed to encode health response")
	}
}

// ServeReady handles GET /readyz.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")
	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("failed to encode readiness response")
	}
}

// Pinger is anything with a context-aware ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes a backing store through its ping.
type PingChecker struct {
	name    string
	pinger  Pinger
	timeout time.Duration
}

// NewPingChecker wraps a store ping as a named checker.
func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p, timeout: 2 * time.Second}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.pinger.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// ConnectionsChecker reports the registry population. Never unhealthy; a
// draining replica shows as degraded once shutdown begins.
type ConnectionsChecker struct {
	count    func() int
	draining func() bool
}

// NewConnectionsChecker wraps the registry count and the drain flag.
func NewConnectionsChecker(count func() int, draining func() bool) *ConnectionsChecker {
	return &ConnectionsChecker{count: count, draining: draining}
}

func (c *ConnectionsChecker) Name() string { return "connections" }

func (c *ConnectionsChecker) Check(context.Context) CheckResult {
	msg := fmt.Sprintf("%d active", c.count())
	if c.draining() {
		return CheckResult{Status: StatusDegraded, Message: msg + ", draining"}
	}
	return CheckResult{Status: StatusHealthy, Message: msg}
}
