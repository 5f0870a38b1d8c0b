package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type workerCount int

func (w workerCount) WorkerCount() int { return int(w) }

func TestCheckReportsDependencies(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	st := NewService(workerCount(2), map[string]Pinger{"redis": ok}).Check(context.Background())
	require.Equal(t, "ok", st.Status)
	require.Equal(t, 2, st.Services["tcp_server"].(map[string]interface{})["worker_count"])

	st = NewService(workerCount(0), map[string]Pinger{"redis": ok, "mongodb": down}).Check(context.Background())
	require.Equal(t, "degraded", st.Status)
	require.Equal(t, "down", st.Services["mongodb"].(map[string]string)["status"])
}

func TestHandlerStatusCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	down := PingFunc(func(context.Context) error { return errors.New("timeout") })
	NewHandler(NewService(workerCount(1), map[string]Pinger{"mongodb": down})).RegisterRoutes(r.Group("/"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
}
