package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"tilecast/api-coordinator/internal/health"
	"tilecast/api-coordinator/internal/scheduler"
	"tilecast/api-coordinator/internal/tcpserver"
)

type SystemStats struct {
	// Process specific
	NumGoroutine int    `json:"num_goroutine"`
	Alloc        uint64 `json:"alloc_bytes"`
	Sys          uint64 `json:"sys_bytes"`
	NumGC        uint32 `json:"num_gc"`

	// System wide
	TotalRAM        uint64                 `json:"total_ram"`
	AvailableRAM    uint64                 `json:"available_ram"`
	UsedRAMPercent  float64                `json:"used_ram_percent"`
	TotalCPUCores   int                    `json:"total_cpu_cores"`
	CPUUsagePercent []float64              `json:"cpu_usage_percent"`
	CPUTemperatures []host.TemperatureStat `json:"cpu_temperatures"`
}

type MonitoringStatus struct {
	Timestamp   time.Time              `json:"timestamp"`
	Health      health.Status          `json:"health"`
	Job         scheduler.Progress     `json:"job"`
	Connections []tcpserver.WorkerInfo `json:"connections"`
	System      SystemStats            `json:"system"`
}

type Service interface {
	GetStatus(ctx context.Context) MonitoringStatus
}

type ProgressSource interface {
	Progress() scheduler.Progress
}

type ConnectionSource interface {
	Snapshot() []tcpserver.WorkerInfo
}

type monitoringService struct {
	progress ProgressSource
	conns    ConnectionSource
	health   health.Service
}

func NewService(progress ProgressSource, conns ConnectionSource, hs health.Service) Service {
	return &monitoringService{
		progress: progress,
		conns:    conns,
		health:   hs,
	}
}

func (s *monitoringService) GetStatus(ctx context.Context) MonitoringStatus {
	return MonitoringStatus{
		Timestamp:   time.Now(),
		Health:      s.health.Check(ctx),
		Job:         s.progress.Progress(),
		Connections: s.conns.Snapshot(),
		System:      systemStats(ctx),
	}
}

func systemStats(ctx context.Context) SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	// los sensores pueden no existir (contenedores); se ignoran los errores
	vMem, _ := mem.VirtualMemoryWithContext(ctx)
	cpuPercent, _ := cpu.PercentWithContext(ctx, 0, true)
	temps, _ := host.SensorsTemperaturesWithContext(ctx)

	stats := SystemStats{
		NumGoroutine:    runtime.NumGoroutine(),
		Alloc:           memStats.Alloc,
		Sys:             memStats.Sys,
		NumGC:           memStats.NumGC,
		TotalCPUCores:   runtime.NumCPU(),
		CPUUsagePercent: cpuPercent,
		CPUTemperatures: temps,
	}
	if vMem != nil {
		stats.TotalRAM = vMem.Total
		stats.AvailableRAM = vMem.Available
		stats.UsedRAMPercent = vMem.UsedPercent
	}
	return stats
}

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/monitoring", h.GetMonitoringStatus)
}

func (h *Handler) GetMonitoringStatus(c *gin.Context) {
	status := h.svc.GetStatus(c.Request.Context())
	c.JSON(http.StatusOK, status)
}
