package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tilecast/api-coordinator/internal/auth"
	"tilecast/api-coordinator/internal/data"
	"tilecast/api-coordinator/internal/health"
	"tilecast/api-coordinator/internal/monitoring"
	"tilecast/api-coordinator/internal/plattform"
	"tilecast/api-coordinator/internal/runner"
	"tilecast/api-coordinator/internal/scheduler"
	"tilecast/api-coordinator/internal/tcpserver"
	"tilecast/pkg/types"
)

type noopKicker struct{}

func (noopKicker) Kick() {}

type noConns struct{}

func (noConns) Snapshot() []tcpserver.WorkerInfo { return nil }
func (noConns) WorkerCount() int                 { return 0 }

type fixture struct {
	router  *gin.Engine
	coord   *scheduler.Coordinator
	runner  *runner.Runner
	reports *plattform.MemoryReportStore
	tokens  auth.TokenManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	coord := scheduler.New(scheduler.Options{Registerer: reg})
	reports := plattform.NewMemoryReportStore()
	r := runner.New(context.Background(), coord, noopKicker{}, reports, nil)
	t.Cleanup(r.Wait)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	tokens := auth.NewJWTTokenManager("test-secret", time.Hour)
	hs := health.NewService(noConns{}, nil)

	router := NewRouter(Deps{
		Coord:      coord,
		Runner:     r,
		Reports:    reports,
		Health:     hs,
		Monitoring: monitoring.NewService(coord, noConns{}, hs),
		Auth:       auth.NewService("admin", string(hash), tokens),
		Tokens:     tokens,
		Gatherer:   reg,
	})
	return &fixture{router: router, coord: coord, runner: r, reports: reports, tokens: tokens}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.png")
	img := types.Image{Height: 8, Width: 8, Channels: 4, Pix: make([]byte, 8*8*4)}
	require.NoError(t, data.SaveImage(path, img))
	return path
}

func TestLoginThenStartAndCancelJob(t *testing.T) {
	f := newFixture(t)
	input := writeInput(t)
	req := runner.Request{Input: input, Rows: 2, Cols: 2, Direction: "forward"}

	rec := f.do(t, http.MethodPost, "/api/jobs", req, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"user": "admin", "password": "s3cret"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	rec = f.do(t, http.MethodPost, "/api/jobs", req, login.Token)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.JobID)

	rec = f.do(t, http.MethodPost, "/api/jobs", req, login.Token)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/progress", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p scheduler.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, started.JobID, p.JobID)
	require.Equal(t, 4, p.TotalBlocks)

	rec = f.do(t, http.MethodPost, "/api/jobs/cancel", nil, login.Token)
	require.Equal(t, http.StatusAccepted, rec.Code)

	f.runner.Wait()
	rec = f.do(t, http.MethodGet, "/api/jobs/reports?limit=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var reps []plattform.JobReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reps))
	require.Len(t, reps, 1)
	require.Equal(t, started.JobID, reps[0].JobID)
	require.Equal(t, string(scheduler.JobAborted), reps[0].Status)
}

func TestJobErrorsMapToStatusCodes(t *testing.T) {
	f := newFixture(t)
	token, err := f.tokens.GenerateToken("admin")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/jobs/cancel", nil, token)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/jobs", map[string]any{"rows": 2}, token)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/jobs", runner.Request{Input: filepath.Join(t.TempDir(), "nope.png"), Rows: 1, Cols: 1}, token)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs/reports?limit=abc", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs/reports", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())

	// más filas que la altura de la imagen: las primeras quedan vacías
	rec = f.do(t, http.MethodPost, "/api/jobs", runner.Request{Input: writeInput(t), Rows: 9, Cols: 1}, token)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/progress", nil, "")
	var p scheduler.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, 9, p.TotalBlocks)
	require.Equal(t, 8, p.Completed)
	require.Equal(t, 1, p.Pending)

	rec = f.do(t, http.MethodPost, "/api/jobs/cancel", nil, token)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.runner.Wait()
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tilecast_")
}
