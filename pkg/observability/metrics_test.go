package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recur/pkg/storage/postgres"
)

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] == "404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"id":1}`))
	}).Methods(http.MethodGet)

	for _, id := range []string{"1", "2", "404"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/"+id, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/subscriptions/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/subscriptions/{id}", "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPRequestDuration))
}

func TestRecordPoolStats(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordPoolStats(postgres.ConnectionStats{
		Primary: postgres.PoolStats{Open: 5, InUse: 3, Idle: 2, WaitCount: 7, WaitDuration: 2 * time.Second},
		Replicas: []postgres.PoolStats{
			{Open: 1, Idle: 1},
		},
	})

	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.DBConnectionsOpen.WithLabelValues("primary")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DBConnectionsInUse.WithLabelValues("primary")))
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.DBWaitCount.WithLabelValues("primary")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DBWaitDurationTotal.WithLabelValues("primary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DBConnectionsIdle.WithLabelValues("replica-0")))
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(nil)
		NewMetrics(nil)
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.DBConnectionsOpen.WithLabelValues("primary").Set(4)

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `recur_db_connections_open{pool="primary"} 4`)
}
