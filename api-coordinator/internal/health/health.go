package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

type Status struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
}

type Service interface {
	Check(ctx context.Context) Status
}

// Pinger es cualquier dependencia externa que se pueda sondear.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapta una función a Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// WorkerCounter lo implementa el servidor TCP.
type WorkerCounter interface {
	WorkerCount() int
}

type healthService struct {
	workers WorkerCounter
	deps    map[string]Pinger
	timeout time.Duration
}

// NewService recibe las dependencias configuradas por nombre ("mongodb",
// "redis"); las que no estén configuradas simplemente no aparecen.
func NewService(workers WorkerCounter, deps map[string]Pinger) Service {
	return &healthService{
		workers: workers,
		deps:    deps,
		timeout: 2 * time.Second,
	}
}

func (s *healthService) Check(ctx context.Context) Status {
	services := make(map[string]interface{})
	overallStatus := "ok"

	names := make([]string, 0, len(s.deps))
	for name := range s.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.deps[name].Ping(pctx)
		cancel()
		st := map[string]string{"status": "ok"}
		if err != nil {
			st = map[string]string{"status": "down", "error": err.Error()}
			overallStatus = "degraded"
		}
		services[name] = st
	}

	// si estamos respondiendo, el listener TCP está arriba
	services["tcp_server"] = map[string]interface{}{
		"status":       "ok",
		"worker_count": s.workers.WorkerCount(),
	}

	return Status{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Services:  services,
	}
}

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/health", h.HealthCheck)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	status := h.svc.Check(c.Request.Context())
	httpStatus := http.StatusOK
	if status.Status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, status)
}
