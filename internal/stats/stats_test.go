package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

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
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric(NumActiveRooms)
	su.Run()

	su.Incr(NumActiveRooms)
	su.Incr(NumActiveRooms)
	su.Decr(NumActiveRooms)
	// unknown metrics are ignored
	su.Incr("Unknown")
	su.Stop()

	assert.Eventually(t, func() bool {
		v, ok := su.vars.Get(NumActiveRooms).(*expvar.Int)
		return ok && v.Value() == 1
	}, time.Second, 10*time.Millisecond, "expected NumActiveRooms to equal 1")
}

func TestStatsUpdater_UpdateAfterStop(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric(NumActiveClients)
	su.Run()

	su.Incr(NumActiveClients)
	su.Stop()
	su.Stop()

	assert.NotPanics(t, func() {
		su.Decr(NumActiveClients)
		su.Incr(NumActiveClients)
	}, "expected updates after Stop to be dropped")
	assert.Eventually(t, func() bool {
		v, ok := su.vars.Get(NumActiveClients).(*expvar.Int)
		return ok && v.Value() == 1
	}, time.Second, 10*time.Millisecond, "expected only the update queued before Stop to be applied")
}

func TestStatsUpdater_UpdateDoesNotBlockWhenFull(t *testing.T) {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 1),
	}

	done := make(chan struct{})
	go func() {
		su.Incr(NumMessages)
		su.Incr(NumMessages)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Incr not to block on a full update queue")
	}
	assert.Len(t, su.updateChan, 1, "expected the second update to be dropped")
}

func TestStatsUpdater_expvarHandler(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric(NumMessages)
	su.vars.Get(NumMessages).(*expvar.Int).Add(3)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/vars", nil)
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 3, body[NumMessages])
	assert.Contains(t, body, "Uptime")
}
