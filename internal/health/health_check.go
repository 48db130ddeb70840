package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/storage/diskmanager"
)

// Check status values
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// AccessSource is the part of the access manager the checker samples
type AccessSource interface {
	IsBooted() bool
	IsFrozen() bool
	GetTransactionInfo() []model.TransactionInfo
}

// HealthChecker periodically samples the access manager and its data
// directory and serves the results as liveness and readiness checks
type HealthChecker struct {
	cfg    HealthCheckConfig
	source AccessSource
	logger *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	sample      model.HealthMetrics
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	DataDir  string
	Interval time.Duration
	// WarningPercent and CriticalPercent are disk usage thresholds
	WarningPercent  float64
	CriticalPercent float64
	Stat            diskmanager.StatFunc
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg HealthCheckConfig, source AccessSource, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CriticalPercent <= 0 {
		cfg.CriticalPercent = 95
	}
	if cfg.WarningPercent <= 0 || cfg.WarningPercent > cfg.CriticalPercent {
		cfg.WarningPercent = cfg.CriticalPercent - 5
	}
	if cfg.Stat == nil {
		cfg.Stat = diskmanager.Statfs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		cfg:        cfg,
		source:     source,
		logger:     logger,
		checks:     make(map[string]CheckResult),
		livenessOK: true,
		status:     model.NodeStatusUnhealthy,
	}
}

// Start runs checks every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the readiness state
func (h *HealthChecker) RunChecks() {
	var sample model.HealthMetrics
	results := []CheckResult{
		h.checkAccessManager(&sample),
		h.checkDiskSpace(&sample),
		h.checkDataDirAccessible(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.sample = sample

	allHealthy, allReady := true, true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkAccessManager reports critical before boot and while frozen
func (h *HealthChecker) checkAccessManager(sample *model.HealthMetrics) CheckResult {
	result := CheckResult{Name: "access_manager", Status: StatusHealthy, Timestamp: time.Now()}
	if h.source == nil || !h.source.IsBooted() {
		result.Status = StatusCritical
		result.Message = "access manager is not booted"
		return result
	}

	for _, info := range h.source.GetTransactionInfo() {
		switch info.State {
		case model.TransactionStateActive:
			sample.ActiveTransactions++
		case model.TransactionStatePrepared:
			sample.PreparedGlobal++
		}
	}

	if h.source.IsFrozen() {
		sample.Frozen = true
		result.Status = StatusCritical
		result.Message = "database is frozen, writers are blocked"
		return result
	}
	result.Message = fmt.Sprintf("%d active transactions", sample.ActiveTransactions)
	return result
}

// checkDiskSpace checks if disk space is sufficient
func (h *HealthChecker) checkDiskSpace(sample *model.HealthMetrics) CheckResult {
	result := CheckResult{Name: "disk_space", Status: StatusHealthy, Timestamp: time.Now()}
	usage, err := h.cfg.Stat(h.cfg.DataDir)
	if err != nil {
		result.Status = StatusCritical
		result.Message = err.Error()
		return result
	}

	pct := usage.Percent()
	sample.DiskUsagePercent = pct
	switch {
	case pct >= h.cfg.CriticalPercent:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", pct)
	case pct >= h.cfg.WarningPercent:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", pct)
	default:
		result.Message = fmt.Sprintf("Disk usage normal: %.2f%%", pct)
	}
	return result
}

// checkDataDirAccessible checks the data directory exists
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	result := CheckResult{Name: "data_dir", Status: StatusHealthy, Timestamp: time.Now()}
	info, err := os.Stat(h.cfg.DataDir)
	switch {
	case err != nil:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Data directory not accessible: %v", err)
	case !info.IsDir():
		result.Status = StatusCritical
		result.Message = "Data path is not a directory"
	default:
		result.Message = "Data directory accessible"
	}
	return result
}

// IsLive returns whether the node is live (liveness check)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness check)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		NodeID:    h.cfg.NodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.sample,
	}
}

// GetChecks returns a copy of the check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetLiveness overrides the liveness state until the next check
func (h *HealthChecker) SetLiveness(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.livenessOK = live
}

// SetReadiness overrides the readiness state until the next check
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness check requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	h.writeCheck(w, live, map[string]any{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness check requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		if c.Status != StatusHealthy {
			checks = append(checks, c)
		}
	}
	h.mu.RUnlock()

	h.writeCheck(w, ready, map[string]any{
		"ready":   ready,
		"status":  status.Status,
		"metrics": status.Metrics,
		"issues":  checks,
	})
}

func (h *HealthChecker) writeCheck(w http.ResponseWriter, ok bool, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.MarshalWrite(w, body); err != nil {
		h.logger.Warn("Failed to write health response", zap.Error(err))
	}
}
