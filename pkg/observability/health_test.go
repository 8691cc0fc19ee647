package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHealthCheckerCheck(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *HealthChecker)
		status string
	}{
		{
			name:   "no checks",
			setup:  func(*HealthChecker) {},
			status: StatusHealthy,
		},
		{
			name: "all healthy",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, ok)
				h.AddCheck("redis", false, ok)
			},
			status: StatusHealthy,
		},
		{
			name: "optional dependency down",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, ok)
				h.AddCheck("redis", false, failing("connection refused"))
			},
			status: StatusDegraded,
		},
		{
			name: "critical dependency degraded",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, func(context.Context) error { return Degraded("pool exhausted") })
			},
			status: StatusDegraded,
		},
		{
			name: "critical dependency down",
			setup: func(h *HealthChecker) {
				h.AddCheck("redis", false, failing("timeout"))
				h.AddCheck("database", true, failing("connection refused"))
			},
			status: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("test")
			tt.setup(h)

			status := h.Check(context.Background())
			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, "test", status.Version)
		})
	}
}

func TestDependencyMessages(t *testing.T) {
	h := NewHealthChecker("")
	h.AddCheck("database", true, func(context.Context) error { return Degraded("pool exhausted") })
	h.AddCheck("redis", false, failing("timeout"))

	status := h.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Dependencies["database"].Status)
	assert.Equal(t, "pool exhausted", status.Dependencies["database"].Message)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
	assert.Equal(t, "timeout", status.Dependencies["redis"].Message)
}

func TestHealthRoutes(t *testing.T) {
	h := NewHealthChecker("1.2.3")
	h.AddCheck("database", true, failing("down"))

	router := mux.NewRouter()
	RegisterHealthRoutes(router, h)

	t.Run("liveness ignores dependencies", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	for _, path := range []string{"/health", "/health/ready"} {
		t.Run("readiness "+path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var status HealthStatus
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
			assert.Equal(t, StatusUnhealthy, status.Status)
			assert.Equal(t, "1.2.3", status.Version)
		})
	}
}

func TestDatabaseCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		assert.NoError(t, DatabaseCheck(db)(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		assert.EqualError(t, DatabaseCheck(db)(context.Background()), "connection refused")
	})

	t.Run("query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("read only"))

		err = DatabaseCheck(db)(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query failed")
	})
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := RedisCheck(client)
	assert.NoError(t, check(context.Background()))

	mr.Close()
	assert.Error(t, check(context.Background()))
}
