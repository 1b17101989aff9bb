// Package handlers provides HTTP API handlers for vodarr.
package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"gorm.io/gorm"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/scheduler"
	"github.com/jmylchreest/vodarr/internal/service"
)

// PoolStatusProvider reports transcode pool state.
type PoolStatusProvider interface {
	Status() service.TranscodePoolStatus
}

// TaskStatusProvider reports scheduled task state.
type TaskStatusProvider interface {
	Status() []scheduler.TaskStatus
}

// BinaryInfoProvider reports the detected FFmpeg installation.
type BinaryInfoProvider interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
	pool      PoolStatusProvider
	tasks     TaskStatusProvider
	binaries  BinaryInfoProvider
	dataDirs  map[string]string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		dataDirs:  make(map[string]string),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithPool sets the transcode pool reported in health output.
func (h *HealthHandler) WithPool(pool PoolStatusProvider) *HealthHandler {
	h.pool = pool
	return h
}

// WithScheduler sets the scheduler reported in health output.
func (h *HealthHandler) WithScheduler(tasks TaskStatusProvider) *HealthHandler {
	h.tasks = tasks
	return h
}

// WithBinaries sets the FFmpeg detector reported in health output.
func (h *HealthHandler) WithBinaries(binaries BinaryInfoProvider) *HealthHandler {
	h.binaries = binaries
	return h
}

// WithDataDir adds a named directory whose volume usage is reported.
func (h *HealthHandler) WithDataDir(name, path string) *HealthHandler {
	if path != "" {
		h.dataDirs[name] = path
	}
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the full health report.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Disks         []DiskInfo        `json:"disks,omitempty"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks"`
}

// HealthComponents reports the state of each subsystem.
type HealthComponents struct {
	Database  DatabaseHealth               `json:"database"`
	Transcode *service.TranscodePoolStatus `json:"transcode,omitempty"`
	Scheduler []scheduler.TaskStatus       `json:"scheduler,omitempty"`
	FFmpeg    *ffmpeg.BinaryInfo           `json:"ffmpeg,omitempty"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory usage.
type MemoryInfo struct {
	Total         string            `json:"total,omitempty"`
	Used          string            `json:"used,omitempty"`
	Available     string            `json:"available,omitempty"`
	UsedPercent   float64           `json:"used_percent"`
	ProcessMemory ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo holds the memory of this process and its tool children.
type ProcessMemoryInfo struct {
	MainProcess       string `json:"main_process,omitempty"`
	ChildProcesses    string `json:"child_processes,omitempty"`
	ChildProcessCount int    `json:"child_process_count"`
	TotalProcessTree  uint64 `json:"total_process_tree_bytes"`
}

// DiskInfo holds usage of a volume that stores media or scratch data.
type DiskInfo struct {
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	Total       string  `json:"total"`
	Free        string  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// DatabaseHealth holds connection pool and latency details.
type DatabaseHealth struct {
	Status                 string  `json:"status"`
	ConnectionPoolSize     int     `json:"connection_pool_size"`
	ActiveConnections      int     `json:"active_connections"`
	IdleConnections        int     `json:"idle_connections"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ResponseTimeStatus     string  `json:"response_time_status"`
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness endpoint.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness endpoint.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Reports whether the database is reachable and the transcode pool is running",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether the service can accept uploads.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Components = map[string]string{}

	ready := true
	if h.db == nil {
		out.Body.Components["database"] = "not_configured"
		ready = false
	} else {
		db := h.getDatabaseHealth(ctx)
		out.Body.Components["database"] = db.Status
		ready = ready && db.Status == "ok"
	}

	if h.pool != nil {
		if h.pool.Status().Running {
			out.Body.Components["transcode"] = "ok"
		} else {
			out.Body.Components["transcode"] = "stopped"
			ready = false
		}
	}

	out.Body.Status = "ready"
	if !ready {
		out.Body.Status = "not_ready"
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(ctx),
		Memory:        h.getMemoryInfo(ctx),
		Disks:         h.getDiskInfo(ctx),
		Components: HealthComponents{
			Database: dbHealth,
		},
		Checks: map[string]string{
			"database": dbHealth.Status,
		},
	}

	if h.pool != nil {
		status := h.pool.Status()
		resp.Components.Transcode = &status
		resp.Checks["transcode"] = "ok"
		if !status.Running {
			resp.Checks["transcode"] = "stopped"
		}
	}
	if h.tasks != nil {
		resp.Components.Scheduler = h.tasks.Status()
	}
	if h.binaries != nil {
		info, err := h.binaries.Detect(ctx)
		if err != nil {
			resp.Checks["ffmpeg"] = "missing"
		} else {
			resp.Components.FFmpeg = info
			resp.Checks["ffmpeg"] = "ok"
		}
	}

	for _, check := range resp.Checks {
		if check != "ok" {
			resp.Status = "degraded"
			break
		}
	}

	return &HealthOutput{Body: resp}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.AvgWithContext(ctx)
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.Total = humanize.IBytes(vmStat.Total)
		info.Used = humanize.IBytes(vmStat.Used)
		info.Available = humanize.IBytes(vmStat.Available)
		info.UsedPercent = vmStat.UsedPercent
	}

	info.ProcessMemory = h.getProcessMemoryInfo(ctx)
	return info
}

// getProcessMemoryInfo returns the RSS of this process and its children,
// which are the running ffmpeg/ffprobe invocations.
func (h *HealthHandler) getProcessMemoryInfo(ctx context.Context) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return info
	}

	var mainRSS, childRSS uint64
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		mainRSS = memInfo.RSS
		info.MainProcess = humanize.IBytes(mainRSS)
	}

	if children, err := proc.ChildrenWithContext(ctx); err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfoWithContext(ctx); err == nil && childMem != nil {
				childRSS += childMem.RSS
			}
		}
		info.ChildProcesses = humanize.IBytes(childRSS)
	}

	info.TotalProcessTree = mainRSS + childRSS
	return info
}

// getDiskInfo returns usage of the configured data directories.
func (h *HealthHandler) getDiskInfo(ctx context.Context) []DiskInfo {
	var out []DiskInfo
	for name, path := range h.dataDirs {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil || usage == nil {
			continue
		}
		out = append(out, DiskInfo{
			Name:        name,
			Path:        path,
			Total:       humanize.IBytes(usage.Total),
			Free:        humanize.IBytes(usage.Free),
			UsedPercent: usage.UsedPercent,
		})
	}
	return out
}

// getDatabaseHealth returns database health information.
func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{
		Status:             "ok",
		ResponseTimeStatus: "healthy",
	}

	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}

	stats := sqlDB.Stats()
	health.ConnectionPoolSize = stats.MaxOpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle
	if stats.MaxOpenConnections > 0 {
		health.PoolUtilizationPercent = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		health.Status = "error"
		health.ResponseTimeStatus = "error"
	} else if health.ResponseTimeMS > 100 {
		health.ResponseTimeStatus = "slow"
	}

	return health
}
