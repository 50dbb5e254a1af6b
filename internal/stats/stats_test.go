package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric(NumActiveSessions)
	su.RegisterMetric(NumMessages)

	su.Incr(NumActiveSessions)
	su.Incr(NumActiveSessions)
	su.Decr(NumActiveSessions)
	su.Incr(NumMessages)
	su.Incr("unregistered")

	// drain the queue synchronously
	su.Stop()
	su.updateMetrics()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var vars map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &vars))
	assert.Equal(t, float64(1), vars[NumActiveSessions])
	assert.Equal(t, float64(1), vars[NumMessages])
	assert.Contains(t, vars, "Uptime")
	assert.NotContains(t, vars, "unregistered")
}

func TestStatsUpdater_FullQueueDoesNotBlock(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric(NumMessages)

	for i := 0; i < cap(su.updateChan)+10; i++ {
		su.Incr(NumMessages)
	}
	assert.Len(t, su.updateChan, cap(su.updateChan), "expected surplus updates to be dropped")
}
