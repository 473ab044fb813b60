package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.LoginOutcome("success")
	m.LoginOutcome("success")
	m.LoginOutcome(Category(ErrCodeRejected))
	m.RefreshOutcome(Category(ErrRefresh))
	m.ObserveProvider("exchange", time.Now().Add(-50*time.Millisecond))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.logins.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("code rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("refresh failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.providerDuration))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.LoginOutcome("success")
	m.RefreshOutcome("success")
	m.ObserveProvider("refresh", time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHandlerExposition(t *testing.T) {
	m := NewMetrics()
	m.LoginOutcome("success")
	m.RefreshOutcome("success")
	m.ObserveProvider("discovery", time.Now())

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	for _, name := range []string{
		"oidcgw_logins_total",
		"oidcgw_refreshes_total",
		"oidcgw_provider_request_duration_seconds",
		"go_goroutines",
	} {
		assert.Contains(t, string(body), name)
	}
}
