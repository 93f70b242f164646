// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealth_AlwaysOK(t *testing.T) {
	m := NewManager("1.0.0", "replica-x")
	m.RegisterChecker(NewPingChecker("kv", fakePinger{err: errors.New("down")}))

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status, "liveness ignores component state unless verbose")
	assert.Equal(t, "replica-x", resp.ReplicaID)
}

func TestHealth_VerboseSurfacesComponents(t *testing.T) {
	m := NewManager("1.0.0", "replica-x")
	m.RegisterChecker(NewPingChecker("kv", fakePinger{err: errors.New("down")}))

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "down", resp.Checks["kv"].Error)
}

func TestReady_UnhealthyComponentBlocks(t *testing.T) {
	m := NewManager("1.0.0", "replica-x")
	m.RegisterChecker(NewPingChecker("kv", fakePinger{}))
	m.RegisterChecker(NewPingChecker("store", fakePinger{err: errors.New("locked out")}))

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Checks["kv"].Status)
	assert.Equal(t, StatusUnhealthy, resp.Checks["store"].Status)
}

func TestReady_DegradedStaysReady(t *testing.T) {
	m := NewManager("1.0.0", "replica-x")
	draining := false
	m.RegisterChecker(NewConnectionsChecker(func() int { return 3 }, func() bool { return draining }))

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)

	draining = true
	resp = m.Ready(context.Background())
	assert.True(t, resp.Ready, "degraded does not flip readiness")
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestReady_NoCheckersIsReady(t *testing.T) {
	m := NewManager("1.0.0", "replica-x")
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
}
