package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tilecast/api-coordinator/internal/auth"
	"tilecast/api-coordinator/internal/health"
	"tilecast/api-coordinator/internal/monitoring"
	"tilecast/api-coordinator/internal/partition"
	"tilecast/api-coordinator/internal/plattform"
	"tilecast/api-coordinator/internal/runner"
	"tilecast/api-coordinator/internal/scheduler"
)

const defaultReportLimit = 20

// Deps agrupa lo que el router necesita. Tokens nil deja abiertos los
// endpoints que mutan.
type Deps struct {
	Coord      *scheduler.Coordinator
	Runner     *runner.Runner
	Reports    plattform.ReportStore
	Health     health.Service
	Monitoring monitoring.Service
	Auth       auth.Service
	Tokens     auth.TokenManager
	Gatherer   prometheus.Gatherer
	Logger     log.Logger
}

func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = log.NewNopLogger()
	}
	r := gin.New()
	r.Use(requestLogger(d.Logger))
	r.Use(gin.Recovery())

	health.NewHandler(d.Health).RegisterRoutes(r.Group("/"))
	monitoring.NewHandler(d.Monitoring).RegisterRoutes(r.Group("/"))
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	if d.Auth != nil {
		auth.NewHandler(d.Auth).RegisterRoutes(api.Group("/auth"))
	}

	h := &jobHandler{coord: d.Coord, runner: d.Runner, reports: d.Reports, logger: d.Logger}
	api.GET("/progress", h.progress)

	jobs := api.Group("/jobs")
	jobs.GET("/reports", h.listReports)
	mutating := jobs.Group("")
	if d.Tokens != nil {
		mutating.Use(auth.AuthMiddleware(d.Tokens))
	}
	mutating.POST("", h.start)
	mutating.POST("/cancel", h.cancel)

	return r
}

// New envuelve el router en un http.Server con timeouts razonables.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level.Debug(logger).Log("msg", "[HTTP] request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

type jobHandler struct {
	coord   *scheduler.Coordinator
	runner  *runner.Runner
	reports plattform.ReportStore
	logger  log.Logger
}

func (h *jobHandler) progress(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Progress())
}

func (h *jobHandler) start(c *gin.Context) {
	var req runner.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload inválido", "details": err.Error()})
		return
	}

	job, err := h.runner.Start(req)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrJobInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, partition.ErrInvalidGrid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		}
		return
	}
	level.Info(h.logger).Log("msg", "[HTTP] job lanzado", "job", job.ID, "input", req.Input)
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

func (h *jobHandler) cancel(c *gin.Context) {
	if err := h.coord.CancelJob(); err != nil {
		if errors.Is(err, scheduler.ErrNoJob) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no hay job activo"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, h.coord.Progress())
}

func (h *jobHandler) listReports(c *gin.Context) {
	limit := int64(defaultReportLimit)
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit inválido"})
			return
		}
		limit = n
	}
	reports, err := h.reports.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if reports == nil {
		reports = []plattform.JobReport{}
	}
	c.JSON(http.StatusOK, reports)
}
