package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordTask("permissions.recompute_org", time.Millisecond, nil)
	m.RecordTask("permissions.recompute_org", time.Millisecond, errors.New("x"))
	m.RecordRecompute("org", nil)
	m.RecordGrantWrite("set")
	m.RecordCheckerLookup(true)
	m.RecordCheckerLookup(false)
	m.RecordCharge("dummy", "ok")
	m.RecordCapture("USD", 2400)
	m.RecordProductsExpired(2)
	m.RecordBillingRun(time.Second, 3, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRunsTotal.WithLabelValues("permissions.recompute_org", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRunsTotal.WithLabelValues("permissions.recompute_org", "error")))
	assert.Equal(t, 2400.0, testutil.ToFloat64(m.BillingChargedCentsTotal.WithLabelValues("USD")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BillingProductsExpired))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BillingSubscriptionErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckerCacheHitsTotal))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTask("x", time.Second, nil)
		m.RecordCharge("dummy", "ok")
		m.RecordBridgeRequest("devicectl", "usage", time.Second, nil)
		m.UpdateDBStats(nil)
		m.SetTasksQueued(3)
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordRecompute("global", nil)

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "aaactl_permission_recomputes_total")
}
